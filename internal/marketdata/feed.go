package marketdata

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/safe"
)

// MarkListener observes the mark price stream. The engine's trigger
// logic and the risk sweep both hang off this.
type MarkListener func(symbol string, price decimal.Decimal)

// rollup timeframes built on top of the 1m base. Weeks and months are
// fixed 7 and 30 day buckets, not calendar aligned.
var rollupSpecs = []struct {
	tf       string
	interval time.Duration
}{
	{"3m", 3 * time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"4h", 4 * time.Hour},
	{"1d", 24 * time.Hour},
	{"1w", 7 * 24 * time.Hour},
	{"1M", 30 * 24 * time.Hour},
}

// Feed is the market data pipeline: engine events in, klines built,
// everything fanned out to websocket subscribers and the broker. It is
// the engine's Events sink; its handlers never block the pair actors.
type Feed struct {
	hub     *Hub
	broker  Broker
	pairs   *asset.Registry
	history *History

	tradeCh chan engine.Execution
	depthCh chan depthEvent
	orderCh chan orderEvent

	base    *TradeAgg
	rollups []*RollupAgg

	mu        sync.RWMutex
	listeners []MarkListener
	lastPrice map[string]decimal.Decimal
}

type depthEvent struct {
	symbol string
	bids   []matching.PriceQty
	asks   []matching.PriceQty
}

type orderEvent struct {
	symbol string
	update engine.OrderUpdate
}

func NewFeed(hub *Hub, broker Broker, pairs *asset.Registry) *Feed {
	f := &Feed{
		hub:       hub,
		broker:    broker,
		pairs:     pairs,
		history:   NewHistory(0),
		tradeCh:   make(chan engine.Execution, 4096),
		depthCh:   make(chan depthEvent, 1024),
		orderCh:   make(chan orderEvent, 4096),
		lastPrice: make(map[string]decimal.Decimal, 16),
	}
	f.rollups = make([]*RollupAgg, 0, len(rollupSpecs))
	for _, spec := range rollupSpecs {
		f.rollups = append(f.rollups, NewRollupAgg(spec.tf, spec.interval, true, f.publishBar))
	}
	f.base = NewTradeAgg("1m", time.Minute, 2*time.Second, func(b Bar) {
		f.publishBar(b)
		for _, r := range f.rollups {
			r.OfferBar(b)
		}
	})
	return f
}

func (f *Feed) History() *History { return f.history }

// OnMark registers a mark price listener. The feed derives the mark
// from the last trade.
func (f *Feed) OnMark(l MarkListener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// LastPrice returns the most recent trade price for a symbol.
func (f *Feed) LastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.lastPrice[symbol]
	return p, ok
}

// Run drains the event queues. Start it once; it exits with ctx.
func (f *Feed) Run(ctx context.Context) {
	safe.GoCtx(ctx, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				f.base.Flush()
				for _, r := range f.rollups {
					r.Flush()
				}
				return
			case e := <-f.tradeCh:
				f.handleTrade(ctx, e)
			case d := <-f.depthCh:
				f.publishDepth(ctx, d)
			case o := <-f.orderCh:
				f.publishOrder(ctx, o)
			}
		}
	})
}

// ---- engine.Events ----

func (f *Feed) OnTrade(e engine.Execution) {
	select {
	case f.tradeCh <- e:
	default:
		// Feed backlog. Market data is best effort; matching is not
		// allowed to wait for it.
	}
}

func (f *Feed) OnDepth(symbol string, bids, asks []matching.PriceQty) {
	select {
	case f.depthCh <- depthEvent{symbol: symbol, bids: bids, asks: asks}:
	default:
	}
}

func (f *Feed) OnOrder(symbol string, u engine.OrderUpdate) {
	select {
	case f.orderCh <- orderEvent{symbol: symbol, update: u}:
	default:
	}
}

// ---- pipeline ----

type tradeMsg struct {
	TradeID string          `json:"trade_id"`
	Symbol  string          `json:"symbol"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Side    string          `json:"taker_side"`
	Ts      int64           `json:"ts"`
}

func (f *Feed) handleTrade(ctx context.Context, e engine.Execution) {
	f.mu.Lock()
	f.lastPrice[e.Symbol] = e.Price
	listeners := append([]MarkListener(nil), f.listeners...)
	f.mu.Unlock()

	side := "buy"
	if e.TakerSide == matching.Sell {
		side = "sell"
	}
	f.publish(ctx, "trades:"+e.Symbol, tradeMsg{
		TradeID: e.TradeID.String(),
		Symbol:  e.Symbol,
		Price:   e.Price,
		Qty:     e.Qty,
		Side:    side,
		Ts:      e.CreatedAt.UnixMilli(),
	})

	f.base.Offer(Trade{
		Symbol:   e.Symbol,
		Price:    e.Price,
		Qty:      e.Qty,
		TsUnixMs: e.CreatedAt.UnixMilli(),
	})

	for _, l := range listeners {
		l(e.Symbol, e.Price)
	}
}

func (f *Feed) publishBar(b Bar) {
	f.history.Add(b)
	f.publish(context.Background(), "kline:"+b.TF+":"+b.Symbol, b)
}

type depthLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type depthMsg struct {
	Symbol string       `json:"symbol"`
	Bids   []depthLevel `json:"bids"`
	Asks   []depthLevel `json:"asks"`
	Ts     int64        `json:"ts"`
}

func (f *Feed) publishDepth(ctx context.Context, d depthEvent) {
	pair, ok := f.pairs.Get(d.symbol)
	if !ok {
		return
	}
	msg := depthMsg{
		Symbol: d.symbol,
		Bids:   toLevels(pair, d.bids),
		Asks:   toLevels(pair, d.asks),
		Ts:     time.Now().UnixMilli(),
	}
	f.publish(ctx, "depth:"+d.symbol, msg)
}

func toLevels(pair *asset.Pair, pqs []matching.PriceQty) []depthLevel {
	out := make([]depthLevel, 0, len(pqs))
	for _, pq := range pqs {
		out = append(out, depthLevel{
			Price: pair.TicksToPrice(pq.Price),
			Qty:   pair.StepsToQty(pq.Qty),
		})
	}
	return out
}

type orderMsg struct {
	OrderID   uint64          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Status    string          `json:"status"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	Ts        int64           `json:"ts"`
}

func (f *Feed) publishOrder(ctx context.Context, o orderEvent) {
	// Private stream, keyed by account rather than symbol.
	topic := "orders:" + strconv.FormatUint(o.update.AccountID, 10)
	f.publish(ctx, topic, orderMsg{
		OrderID:   o.update.OrderID,
		Symbol:    o.symbol,
		Status:    o.update.Status.String(),
		FilledQty: o.update.FilledQty,
		Ts:        o.update.Ts.UnixMilli(),
	})
}

func (f *Feed) publish(ctx context.Context, topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error(ctx, "marshal feed payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	if f.hub != nil {
		f.hub.Publish(topic, payload)
	}
	if f.broker != nil {
		if err := f.broker.Publish(topic, payload); err != nil {
			logger.Warn(ctx, "broker publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}
