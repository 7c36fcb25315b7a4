package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/safe"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

// Engine routes commands to one actor per pair. Submit and Cancel are
// synchronous: the caller gets the validation or balance error the actor
// produced, not a fire-and-forget ack.
type Engine struct {
	mu     sync.RWMutex
	actors map[string]*PairActor
	halted map[string]bool

	pairs *asset.Registry
	deps  Deps

	nextID uint64
	cancel context.CancelFunc
}

func New(pairs *asset.Registry, deps Deps) *Engine {
	e := &Engine{
		actors: make(map[string]*PairActor, 16),
		halted: make(map[string]bool, 4),
		pairs:  pairs,
		deps:   deps,
	}
	if e.deps.NextID == nil {
		e.deps.NextID = e.allocID
	}
	return e
}

func (e *Engine) allocID() uint64 { return atomic.AddUint64(&e.nextID, 1) }

// Start spins up one actor goroutine per registered pair.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for _, p := range e.pairs.List() {
		e.startPair(ctx, p)
	}
}

func (e *Engine) startPair(ctx context.Context, p *asset.Pair) {
	a := NewPairActor(p, e.deps)
	e.mu.Lock()
	e.actors[p.Symbol] = a
	e.mu.Unlock()
	safe.GoCtx(ctx, func(ctx context.Context) { a.Run(ctx) })
}

// AddPair registers and starts a pair after boot.
func (e *Engine) AddPair(ctx context.Context, p *asset.Pair) {
	e.pairs.Add(p)
	e.startPair(ctx, p)
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Halt stops accepting commands for a pair; in-flight commands finish.
func (e *Engine) Halt(symbol string) {
	e.mu.Lock()
	e.halted[symbol] = true
	e.mu.Unlock()
}

func (e *Engine) Resume(symbol string) {
	e.mu.Lock()
	delete(e.halted, symbol)
	e.mu.Unlock()
}

func (e *Engine) actor(symbol string) (*PairActor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.halted[symbol] {
		return nil, xerr.Newf(xerr.EngineUnavailable, "pair %s is halted", symbol)
	}
	a := e.actors[symbol]
	if a == nil {
		return nil, xerr.Newf(xerr.Validation, "unknown pair %s", symbol)
	}
	return a, nil
}

// Submit validates and executes an order, returning its resulting state.
// The order id is assigned here so callers can correlate before the
// actor replies.
func (e *Engine) Submit(ctx context.Context, o *Order) (*Order, error) {
	a, err := e.actor(o.Symbol)
	if err != nil {
		return nil, err
	}
	if o.ID == 0 {
		o.ID = e.deps.NextID()
	}
	ch := make(chan cmdResult, 1)
	if err := a.enqueue(command{typ: cmdSubmit, order: o, reply: ch}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.order, res.err
	}
}

// Cancel removes an open order. accountID 0 skips the ownership check
// (internal callers only).
func (e *Engine) Cancel(ctx context.Context, symbol string, orderID, accountID uint64) (*Order, error) {
	a, err := e.actor(symbol)
	if err != nil {
		return nil, err
	}
	ch := make(chan cmdResult, 1)
	if err := a.enqueue(command{typ: cmdCancel, cancelID: orderID, accountID: accountID, reply: ch}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.order, res.err
	}
}

// MarkPrice feeds a new mark into the pair's trigger logic. Fire and
// forget; a full mailbox drops the tick and the next one catches up.
func (e *Engine) MarkPrice(symbol string, price decimal.Decimal) {
	e.mu.RLock()
	a := e.actors[symbol]
	e.mu.RUnlock()
	if a == nil {
		return
	}
	_ = a.enqueue(command{typ: cmdMarkPrice, markPrice: price})
}

// SweepExpired cancels good-till-date orders past their deadline on
// every pair. The scheduler calls this periodically.
func (e *Engine) SweepExpired(now time.Time) {
	e.mu.RLock()
	actors := make([]*PairActor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.RUnlock()
	for _, a := range actors {
		_ = a.enqueue(command{typ: cmdExpireSweep, now: now})
	}
}

// OpenOrders lists an account's live orders on one pair, pending stops
// included.
func (e *Engine) OpenOrders(ctx context.Context, symbol string, accountID uint64) ([]*Order, error) {
	a, err := e.actor(symbol)
	if err != nil {
		return nil, err
	}
	ch := make(chan cmdResult, 1)
	if err := a.enqueue(command{typ: cmdOpenOrders, accountID: accountID, reply: ch}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.orders, nil
	}
}

// Depth returns an aggregated book snapshot for one pair.
func (e *Engine) Depth(ctx context.Context, symbol string, levels int) (bids, asks []matching.PriceQty, err error) {
	a, err := e.actor(symbol)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan cmdResult, 1)
	if err := a.enqueue(command{typ: cmdDepth, depth: levels, reply: ch}); err != nil {
		return nil, nil, err
	}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		return res.bids, res.asks, nil
	}
}
