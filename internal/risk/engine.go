package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/metrics"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

type posKey struct {
	account uint64
	symbol  string
}

// Engine watches margin positions against the mark price and
// force-closes the ones that breach maintenance margin. Isolated
// positions are checked alone; cross positions are checked per account
// with the available quote balance counted into equity. Forced closes go
// through the normal matching path as market IOC orders; liquidation is
// never a book-side special case.
type Engine struct {
	mu        sync.Mutex
	positions map[posKey]*Position
	loans     map[posKey]*Loan
	marks     map[string]decimal.Decimal
	keyLocks  map[posKey]*sync.Mutex

	ledger *ledger.Ledger
	match  *engine.Engine
	pairs  *asset.Registry
	cfg    Config
}

func NewEngine(l *ledger.Ledger, match *engine.Engine, pairs *asset.Registry, cfg Config) *Engine {
	return &Engine{
		positions: make(map[posKey]*Position, 256),
		loans:     make(map[posKey]*Loan, 64),
		marks:     make(map[string]decimal.Decimal, 16),
		keyLocks:  make(map[posKey]*sync.Mutex, 256),
		ledger:    l,
		match:     match,
		pairs:     pairs,
		cfg:       cfg.withDefaults(),
	}
}

// lockKey returns the serialization lock for one account+symbol slot.
// Open, Close and liquidation hold it across their ledger and matching
// calls, so a slot never has two mutations in flight. e.mu stays a
// short-hold lock guarding the maps only.
func (e *Engine) lockKey(k posKey) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.keyLocks[k]
	if m == nil {
		m = &sync.Mutex{}
		e.keyLocks[k] = m
	}
	return m
}

// Open executes a market order through the matching engine and books the
// filled quantity as a position at the average fill price. Opening on a
// slot that already holds a same-side position adds to it; the entry
// re-averages over the combined quantity. The initial margin
// (notional / leverage) is debited up front; an account that cannot
// cover it gets InsufficientBalance before any matching.
func (e *Engine) Open(ctx context.Context, account uint64, symbol string, side PositionSide, mode MarginMode, qty decimal.Decimal, leverage int64) (*Position, error) {
	if leverage < 1 || leverage > e.cfg.MaxLeverage {
		return nil, xerr.Newf(xerr.Validation, "leverage must be in [1, %d]", e.cfg.MaxLeverage)
	}
	if mode == 0 {
		mode = Isolated
	}
	pair, ok := e.pairs.Get(symbol)
	if !ok {
		return nil, xerr.Newf(xerr.Validation, "unknown pair %s", symbol)
	}
	k := posKey{account, symbol}
	km := e.lockKey(k)
	km.Lock()
	defer km.Unlock()

	e.mu.Lock()
	existing := e.positions[k]
	e.mu.Unlock()
	if existing != nil && (existing.Side != side || existing.Mode != mode) {
		return nil, xerr.Newf(xerr.Validation, "position on %s is already open %s %s; close it first",
			symbol, existing.Mode, existing.Side)
	}

	mark, ok := e.Mark(symbol)
	if !ok {
		return nil, xerr.Newf(xerr.Validation, "no mark price for %s", symbol)
	}
	// Margin is sized off the mark; the fill re-prices entry but not the
	// collateral requirement.
	margin := mark.Mul(qty).Div(decimal.NewFromInt(leverage))
	if err := e.ledger.Debit(ctx, account, pair.Quote, margin, marginRef(account, symbol)); err != nil {
		return nil, err
	}

	filled, avg, err := e.marketFill(ctx, account, symbol, orderSide(side, false), qty)
	if err != nil || filled.IsZero() {
		// Nothing executed: give the margin back.
		if cErr := e.ledger.Credit(ctx, account, pair.Quote, margin, marginRef(account, symbol)); cErr != nil {
			logger.Error(ctx, "margin refund failed", zap.Uint64("account", account), zap.Error(cErr))
		}
		if err == nil {
			err = xerr.Newf(xerr.Validation, "no liquidity on %s", symbol)
		}
		return nil, err
	}
	if filled.LessThan(qty) {
		// Partial open: return the margin share of the unfilled part.
		unused := margin.Mul(qty.Sub(filled)).Div(qty)
		margin = margin.Sub(unused)
		if cErr := e.ledger.Credit(ctx, account, pair.Quote, unused, marginRef(account, symbol)); cErr != nil {
			logger.Error(ctx, "margin refund failed", zap.Uint64("account", account), zap.Error(cErr))
		}
	}

	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing != nil {
		// The key lock keeps the slot stable, so existing is still the
		// live position.
		total := existing.Qty.Add(filled)
		existing.Entry = existing.Entry.Mul(existing.Qty).Add(avg.Mul(filled)).Div(total)
		existing.Qty = total
		existing.Margin = existing.Margin.Add(margin)
		existing.UpdatedAt = now
		return snapshot(existing), nil
	}
	p := &Position{
		Account:   account,
		Symbol:    symbol,
		Side:      side,
		Mode:      mode,
		Qty:       filled,
		Entry:     avg,
		Leverage:  leverage,
		Margin:    margin,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	e.positions[k] = p
	return snapshot(p), nil
}

// Close voluntarily unwinds qty of a position at market and settles the
// closed part's PnL against its margin share: the account gets back
// margin + PnL, floored at zero for isolated margin. Zero qty closes the
// whole position.
func (e *Engine) Close(ctx context.Context, account uint64, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	if qty.IsNegative() {
		return decimal.Zero, xerr.New(xerr.Validation, "close quantity cannot be negative")
	}
	k := posKey{account, symbol}
	km := e.lockKey(k)
	km.Lock()
	defer km.Unlock()

	e.mu.Lock()
	p := e.positions[k]
	e.mu.Unlock()
	if p == nil {
		return decimal.Zero, xerr.Newf(xerr.RecordNotFound, "no position on %s", symbol)
	}
	if qty.GreaterThan(p.Qty) {
		return decimal.Zero, xerr.Newf(xerr.Validation, "close quantity %s exceeds position %s", qty, p.Qty)
	}
	return e.unwind(ctx, p, qty, false)
}

// Position returns a copy of the account's position on symbol.
func (e *Engine) Position(account uint64, symbol string) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.positions[posKey{account, symbol}]
	if p == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "no position on %s", symbol)
	}
	return snapshot(p), nil
}

// Positions lists every open position for an account.
func (e *Engine) Positions(account uint64) []*Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Position, 0, 4)
	for k, p := range e.positions {
		if k.account == account {
			out = append(out, snapshot(p))
		}
	}
	return out
}

func (e *Engine) Mark(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.marks[symbol]
	return m, ok
}

// OnMark ingests a new mark price and sweeps that symbol's positions for
// maintenance margin breaches.
func (e *Engine) OnMark(ctx context.Context, symbol string, mark decimal.Decimal) {
	if !mark.IsPositive() {
		return
	}
	e.mu.Lock()
	e.marks[symbol] = mark
	var breached []*Position
	crossAccounts := make(map[uint64]bool)
	for _, p := range e.positions {
		if p.Symbol != symbol {
			continue
		}
		if p.Mode == Cross {
			crossAccounts[p.Account] = true
			continue
		}
		if e.breachesMaintenance(p, mark) {
			breached = append(breached, p)
		}
	}
	for account := range crossAccounts {
		if crossed := e.crossBreachedLocked(account); len(crossed) > 0 {
			breached = append(breached, crossed...)
		}
	}
	e.mu.Unlock()

	for _, p := range breached {
		m := mark
		if p.Symbol != symbol {
			if pm, ok := e.Mark(p.Symbol); ok {
				m = pm
			}
		}
		e.liquidate(ctx, p, m)
	}
}

// crossBreachedLocked evaluates an account's cross positions as one
// pool, grouped by quote asset: maintenance across all of them against
// aggregate equity plus the account's available quote balance. A breach
// liquidates the whole pool. Positions without a mark yet are skipped.
// Caller holds e.mu.
func (e *Engine) crossBreachedLocked(account uint64) []*Position {
	type pool struct {
		positions   []*Position
		maintenance decimal.Decimal
		equity      decimal.Decimal
	}
	pools := make(map[string]*pool, 2)
	for _, p := range e.positions {
		if p.Account != account || p.Mode != Cross {
			continue
		}
		mark, ok := e.marks[p.Symbol]
		if !ok {
			continue
		}
		pair, ok := e.pairs.Get(p.Symbol)
		if !ok {
			continue
		}
		pl := pools[pair.Quote]
		if pl == nil {
			pl = &pool{}
			pools[pair.Quote] = pl
		}
		pl.positions = append(pl.positions, p)
		pl.maintenance = pl.maintenance.Add(mark.Mul(p.Qty).Mul(e.cfg.MaintenanceMarginRate))
		pl.equity = pl.equity.Add(p.Margin).Add(p.UnrealizedPnL(mark))
	}

	now := time.Now().UTC()
	var breached []*Position
	for quote, pl := range pools {
		available, _ := e.ledger.Balance(account, quote)
		equity := pl.equity.Add(available)
		if loan := e.loans[posKey{account, quote}]; loan != nil && loan.Overdue(now) {
			equity = equity.Sub(loan.Outstanding())
		}
		if !equity.IsPositive() || pl.maintenance.GreaterThanOrEqual(equity) {
			breached = append(breached, pl.positions...)
		}
	}
	return breached
}

// breachesMaintenance is the liquidation trigger: maintenance margin
// exceeds remaining equity, or equity is gone entirely. An overdue loan
// in the quote asset counts against equity.
func (e *Engine) breachesMaintenance(p *Position, mark decimal.Decimal) bool {
	equity := p.Margin.Add(p.UnrealizedPnL(mark))
	if pair, ok := e.pairs.Get(p.Symbol); ok {
		if loan := e.loans[posKey{p.Account, pair.Quote}]; loan != nil && loan.Overdue(time.Now().UTC()) {
			equity = equity.Sub(loan.Outstanding())
		}
	}
	if !equity.IsPositive() {
		return true
	}
	maintenance := mark.Mul(p.Qty).Mul(e.cfg.MaintenanceMarginRate)
	return maintenance.GreaterThanOrEqual(equity)
}

// MarginRatio reports maintenance requirement over equity at the current
// mark. Values at or above 1 mean the position is liquidatable.
func (e *Engine) MarginRatio(account uint64, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	p := e.positions[posKey{account, symbol}]
	mark, ok := e.marks[symbol]
	e.mu.Unlock()
	if p == nil {
		return decimal.Zero, xerr.Newf(xerr.RecordNotFound, "no position on %s", symbol)
	}
	if !ok {
		return decimal.Zero, xerr.Newf(xerr.Validation, "no mark price for %s", symbol)
	}
	equity := p.Margin.Add(p.UnrealizedPnL(mark))
	if !equity.IsPositive() {
		return decimal.NewFromInt(999), nil
	}
	return mark.Mul(p.Qty).Mul(e.cfg.MaintenanceMarginRate).Div(equity), nil
}

func (e *Engine) liquidate(ctx context.Context, p *Position, mark decimal.Decimal) {
	k := posKey{p.Account, p.Symbol}
	km := e.lockKey(k)
	km.Lock()
	defer km.Unlock()

	// The sweep collected p without the key lock; the owner may have
	// closed or replaced the position since.
	e.mu.Lock()
	live := e.positions[k]
	e.mu.Unlock()
	if live != p {
		return
	}

	logger.Warn(ctx, "liquidating position",
		zap.Uint64("account", p.Account),
		zap.String("symbol", p.Symbol),
		zap.String("side", p.Side.String()),
		zap.String("mark", mark.String()))
	metrics.Liquidations.WithLabelValues(p.Symbol).Inc()

	if _, err := e.unwind(ctx, p, decimal.Zero, true); err != nil {
		// Leave the position for the next sweep; the book may have no
		// liquidity right now.
		logger.Error(ctx, "liquidation close failed",
			zap.Uint64("account", p.Account),
			zap.String("symbol", p.Symbol),
			zap.Error(err))
	}
}

// unwind closes qty of a position at market (zero means all of it) and
// distributes the equity. For a voluntary close the equity goes back to
// the owner. For a liquidation the leftover goes to the insurance fund;
// a deficit is drawn from the fund, and whatever the fund cannot cover
// is surfaced as an ADL event. Caller holds the slot's key lock.
func (e *Engine) unwind(ctx context.Context, p *Position, qty decimal.Decimal, forced bool) (decimal.Decimal, error) {
	pair, ok := e.pairs.Get(p.Symbol)
	if !ok {
		return decimal.Zero, xerr.Newf(xerr.Validation, "unknown pair %s", p.Symbol)
	}
	if qty.IsZero() || qty.GreaterThan(p.Qty) {
		qty = p.Qty
	}
	filled, avg, err := e.marketFill(ctx, p.Account, p.Symbol, orderSide(p.Side, true), qty)
	if err != nil {
		return decimal.Zero, err
	}
	if filled.LessThan(p.Qty) {
		// Partial close, whether requested or because liquidity ran out:
		// realize the filled part, keep the rest open with proportional
		// margin.
		ratio := filled.Div(p.Qty)
		closedMargin := p.Margin.Mul(ratio)
		e.mu.Lock()
		p.Qty = p.Qty.Sub(filled)
		p.Margin = p.Margin.Sub(closedMargin)
		p.UpdatedAt = time.Now().UTC()
		e.mu.Unlock()
		return e.settleEquity(ctx, p, pair, closedMargin, avg, filled, forced)
	}

	e.mu.Lock()
	delete(e.positions, posKey{p.Account, p.Symbol})
	e.mu.Unlock()
	return e.settleEquity(ctx, p, pair, p.Margin, avg, filled, forced)
}

func (e *Engine) settleEquity(ctx context.Context, p *Position, pair *asset.Pair, margin, exitPrice, qty decimal.Decimal, forced bool) (decimal.Decimal, error) {
	var pnl decimal.Decimal
	if p.Side == Long {
		pnl = exitPrice.Sub(p.Entry).Mul(qty)
	} else {
		pnl = p.Entry.Sub(exitPrice).Mul(qty)
	}
	equity := margin.Add(pnl)
	ref := marginRef(p.Account, p.Symbol)

	if !forced {
		if equity.IsPositive() {
			return equity, e.ledger.Credit(ctx, p.Account, pair.Quote, equity, ref)
		}
		if p.Mode == Cross {
			// Cross margin: the loss past the collateral comes out of the
			// account's balance, as far as it goes.
			loss := equity.Neg()
			available, _ := e.ledger.Balance(p.Account, pair.Quote)
			if take := decimal.Min(loss, available); take.IsPositive() {
				if err := e.ledger.Debit(ctx, p.Account, pair.Quote, take, ref); err != nil {
					return decimal.Zero, err
				}
			}
			return equity, nil
		}
		// Isolated margin: losses stop at the collateral.
		return decimal.Zero, nil
	}

	if equity.IsPositive() {
		fee := equity.Mul(e.cfg.LiquidationFeeRate)
		leftover := equity.Sub(fee)
		// Liquidation leftover and fee both land on the insurance fund.
		return decimal.Zero, e.ledger.Credit(ctx, ledger.InsuranceAccount, pair.Quote, leftover.Add(fee), ref)
	}

	deficit := equity.Neg()
	if p.Mode == Cross {
		// Cross margin absorbs the deficit from the account's balance
		// before the insurance fund is touched.
		accountAvail, _ := e.ledger.Balance(p.Account, pair.Quote)
		if take := decimal.Min(deficit, accountAvail); take.IsPositive() {
			if err := e.ledger.Debit(ctx, p.Account, pair.Quote, take, ref); err != nil {
				return decimal.Zero, err
			}
			deficit = deficit.Sub(take)
		}
		if deficit.IsZero() {
			return decimal.Zero, nil
		}
	}
	available, _ := e.ledger.Balance(ledger.InsuranceAccount, pair.Quote)
	covered := decimal.Min(deficit, available)
	if covered.IsPositive() {
		if err := e.ledger.Debit(ctx, ledger.InsuranceAccount, pair.Quote, covered, ref); err != nil {
			return decimal.Zero, err
		}
	}
	if shortfall := deficit.Sub(covered); shortfall.IsPositive() {
		// The fund is dry. Auto-deleveraging socializes the rest; it is
		// loud on purpose.
		metrics.ADLEvents.Inc()
		logger.Error(ctx, "liquidation shortfall, auto-deleveraging",
			zap.Uint64("account", p.Account),
			zap.String("symbol", p.Symbol),
			zap.String("shortfall", shortfall.String()))
		return decimal.Zero, xerr.Newf(xerr.LiquidationShortfall,
			"insurance fund short %s on %s", shortfall, p.Symbol)
	}
	return decimal.Zero, nil
}

// marketFill pushes a funds-bypassing market IOC order through the
// matching engine and reports filled quantity and average price.
func (e *Engine) marketFill(ctx context.Context, account uint64, symbol string, side uint8, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	o := &engine.Order{
		AccountID:   account,
		Symbol:      symbol,
		Type:        engine.TypeMarket,
		Side:        side,
		TIF:         engine.IOC,
		Qty:         qty,
		ReduceOnly:  true,
		BypassFunds: true,
	}
	res, err := e.match.Submit(ctx, o)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	pair, _ := e.pairs.Get(symbol)
	filled := res.FilledQty(pair)
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}
	return filled, res.FilledNotional.Div(filled), nil
}

func orderSide(side PositionSide, closing bool) uint8 {
	long := side == Long
	if closing {
		long = !long
	}
	if long {
		return matching.Buy
	}
	return matching.Sell
}

func snapshot(p *Position) *Position {
	c := *p
	return &c
}

func marginRef(account uint64, symbol string) string {
	return fmt.Sprintf("margin:%d:%s", account, symbol)
}
