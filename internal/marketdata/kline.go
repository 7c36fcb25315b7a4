package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the aggregator input: one execution already normalized to
// decimals, stamped in event time.
type Trade struct {
	Symbol   string
	Price    decimal.Decimal
	Qty      decimal.Decimal
	TsUnixMs int64
}

// Bar is one OHLCV candle covering [StartMs, EndMs).
type Bar struct {
	Symbol  string          `json:"symbol"`
	TF      string          `json:"tf"`
	StartMs int64           `json:"start_ms"`
	EndMs   int64           `json:"end_ms"`
	Open    decimal.Decimal `json:"open"`
	High    decimal.Decimal `json:"high"`
	Low     decimal.Decimal `json:"low"`
	Close   decimal.Decimal `json:"close"`
	Volume  decimal.Decimal `json:"volume"`
	Count   int64           `json:"count"`
}

// TradeAgg builds base bars from raw trades. A watermark trails the
// latest event time by the reorder window: trades inside the window can
// still land in earlier buckets, bars emit only once the watermark
// passes their end, and anything older than the window is dropped.
type TradeAgg struct {
	tf         string
	intervalMs int64
	reorderMs  int64

	sym  map[string]*symState
	emit func(Bar)

	lateDrops int64
}

type symState struct {
	latestTsMs int64
	bars       map[int64]*Bar

	lastEmittedStart int64
	hasEmitted       bool
}

func NewTradeAgg(tf string, interval, reorderWindow time.Duration, emit func(Bar)) *TradeAgg {
	return &TradeAgg{
		tf:         tf,
		intervalMs: int64(interval / time.Millisecond),
		reorderMs:  int64(reorderWindow / time.Millisecond),
		sym:        make(map[string]*symState, 64),
		emit:       emit,
	}
}

func (a *TradeAgg) LateDrops() int64 { return a.lateDrops }

func (a *TradeAgg) Offer(t Trade) {
	if !t.Price.IsPositive() || !t.Qty.IsPositive() {
		return
	}
	st := a.sym[t.Symbol]
	if st == nil {
		st = &symState{bars: make(map[int64]*Bar, 8)}
		a.sym[t.Symbol] = st
	}
	if t.TsUnixMs > st.latestTsMs {
		st.latestTsMs = t.TsUnixMs
	}
	watermark := st.latestTsMs - a.reorderMs

	// Too old for the window: count and move on, but the watermark may
	// have advanced, so still try to emit.
	if a.reorderMs > 0 && t.TsUnixMs < watermark {
		a.lateDrops++
		a.emitReady(st, watermark)
		return
	}

	bs := bucketStartMs(t.TsUnixMs, a.intervalMs)
	b := st.bars[bs]
	if b == nil {
		st.bars[bs] = &Bar{
			Symbol:  t.Symbol,
			TF:      a.tf,
			StartMs: bs,
			EndMs:   bs + a.intervalMs,
			Open:    t.Price,
			High:    t.Price,
			Low:     t.Price,
			Close:   t.Price,
			Volume:  t.Qty,
			Count:   1,
		}
	} else {
		if t.Price.GreaterThan(b.High) {
			b.High = t.Price
		}
		if t.Price.LessThan(b.Low) {
			b.Low = t.Price
		}
		b.Close = t.Price
		b.Volume = b.Volume.Add(t.Qty)
		b.Count++
	}
	a.emitReady(st, watermark)
}

// emitReady flushes bars whose window closed before the watermark, in
// start order so downstream rollups see a monotone stream.
func (a *TradeAgg) emitReady(st *symState, watermarkMs int64) {
	ready := make([]int64, 0, 4)
	for start, b := range st.bars {
		if st.hasEmitted && start <= st.lastEmittedStart {
			continue
		}
		if b.EndMs <= watermarkMs {
			ready = append(ready, start)
		}
	}
	if len(ready) == 0 {
		return
	}
	sortInt64(ready)
	for _, start := range ready {
		b := st.bars[start]
		if b == nil {
			continue
		}
		a.emit(*b)
		delete(st.bars, start)
		st.lastEmittedStart = start
		st.hasEmitted = true
	}
}

// Flush emits everything still open. Shutdown and tests only.
func (a *TradeAgg) Flush() {
	for _, st := range a.sym {
		keys := make([]int64, 0, len(st.bars))
		for start := range st.bars {
			if st.hasEmitted && start <= st.lastEmittedStart {
				continue
			}
			keys = append(keys, start)
		}
		sortInt64(keys)
		for _, start := range keys {
			if b := st.bars[start]; b != nil && b.Count > 0 {
				a.emit(*b)
				st.lastEmittedStart = start
				st.hasEmitted = true
			}
		}
		st.bars = make(map[int64]*Bar, 8)
	}
}

// RollupAgg merges child bars into a coarser timeframe: first child's
// open, last child's close, running high/low and volume. With gap fill
// enabled, skipped buckets come out as zero-volume bars at the previous
// close, so charts have no holes.
type RollupAgg struct {
	tf         string
	intervalMs int64
	cur        map[string]*Bar
	emit       func(Bar)

	fillGaps  bool
	lastClose map[string]decimal.Decimal
	hasClose  map[string]bool
}

func NewRollupAgg(tf string, interval time.Duration, fillGaps bool, emit func(Bar)) *RollupAgg {
	return &RollupAgg{
		tf:         tf,
		intervalMs: int64(interval / time.Millisecond),
		cur:        make(map[string]*Bar, 64),
		emit:       emit,
		fillGaps:   fillGaps,
		lastClose:  make(map[string]decimal.Decimal, 64),
		hasClose:   make(map[string]bool, 64),
	}
}

func (a *RollupAgg) OfferBar(child Bar) {
	bs := bucketStartMs(child.StartMs, a.intervalMs)
	be := bs + a.intervalMs

	cb := a.cur[child.Symbol]
	if cb == nil {
		a.cur[child.Symbol] = a.fromChild(child, bs, be)
		return
	}

	if bs > cb.StartMs {
		a.emit(*cb)
		a.lastClose[child.Symbol] = cb.Close
		a.hasClose[child.Symbol] = true

		if a.fillGaps {
			last := a.lastClose[child.Symbol]
			for next := cb.StartMs + a.intervalMs; next < bs; next += a.intervalMs {
				a.emit(Bar{
					Symbol:  child.Symbol,
					TF:      a.tf,
					StartMs: next,
					EndMs:   next + a.intervalMs,
					Open:    last,
					High:    last,
					Low:     last,
					Close:   last,
					Volume:  decimal.Zero,
					Count:   0,
				})
			}
		}
		*cb = *a.fromChild(child, bs, be)
		return
	}
	if bs < cb.StartMs {
		// Out of order past the base aggregator's window. Drop.
		return
	}

	if child.High.GreaterThan(cb.High) {
		cb.High = child.High
	}
	if child.Low.LessThan(cb.Low) {
		cb.Low = child.Low
	}
	cb.Close = child.Close
	cb.Volume = cb.Volume.Add(child.Volume)
	cb.Count++
}

func (a *RollupAgg) fromChild(child Bar, bs, be int64) *Bar {
	return &Bar{
		Symbol:  child.Symbol,
		TF:      a.tf,
		StartMs: bs,
		EndMs:   be,
		Open:    child.Open,
		High:    child.High,
		Low:     child.Low,
		Close:   child.Close,
		Volume:  child.Volume,
		Count:   1,
	}
}

func (a *RollupAgg) Flush() {
	for sym, cb := range a.cur {
		if cb != nil && cb.Count > 0 {
			a.emit(*cb)
			a.lastClose[sym] = cb.Close
			a.hasClose[sym] = true
		}
	}
}

func bucketStartMs(tsMs, intervalMs int64) int64 {
	return (tsMs / intervalMs) * intervalMs
}

// sortInt64 is an insertion sort; the slices here hold a handful of
// bucket starts at most.
func sortInt64(xs []int64) {
	for i := 1; i < len(xs); i++ {
		x := xs[i]
		j := i - 1
		for j >= 0 && xs[j] > x {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = x
	}
}
