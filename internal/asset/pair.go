package asset

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

// Pair describes one trading pair. Prices and quantities cross the engine
// boundary as decimals and live inside the matching engine as int64 tick and
// step counts; the conversions here are the only place that scaling happens.
//
// A pair is immutable once trading has occurred, except for Active.
type Pair struct {
	Symbol string // e.g. "BTC/USDT"
	Base   string
	Quote  string

	TickSize decimal.Decimal // price increment
	StepSize decimal.Decimal // quantity increment
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal

	mu     sync.RWMutex
	active bool
}

func NewPair(symbol, base, quote string, tick, step, minPrice, maxPrice, minQty, maxQty decimal.Decimal) (*Pair, error) {
	if symbol == "" || base == "" || quote == "" {
		return nil, xerr.New(xerr.Validation, "pair: empty symbol or asset")
	}
	if !tick.IsPositive() || !step.IsPositive() {
		return nil, xerr.New(xerr.Validation, "pair: tick and step must be positive")
	}
	return &Pair{
		Symbol:   symbol,
		Base:     base,
		Quote:    quote,
		TickSize: tick,
		StepSize: step,
		MinPrice: minPrice,
		MaxPrice: maxPrice,
		MinQty:   minQty,
		MaxQty:   maxQty,
		active:   true,
	}, nil
}

func (p *Pair) Active() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

func (p *Pair) SetActive(v bool) {
	p.mu.Lock()
	p.active = v
	p.mu.Unlock()
}

// PriceToTicks validates and converts a decimal price to tick units.
func (p *Pair) PriceToTicks(price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, xerr.New(xerr.Validation, "price must be positive")
	}
	if price.LessThan(p.MinPrice) || (p.MaxPrice.IsPositive() && price.GreaterThan(p.MaxPrice)) {
		return 0, xerr.Newf(xerr.Validation, "price %s outside [%s, %s]", price, p.MinPrice, p.MaxPrice)
	}
	q := price.Div(p.TickSize)
	if !q.IsInteger() {
		return 0, xerr.Newf(xerr.Validation, "price %s not a multiple of tick %s", price, p.TickSize)
	}
	return q.IntPart(), nil
}

// QtyToSteps validates and converts a decimal quantity to step units.
func (p *Pair) QtyToSteps(qty decimal.Decimal) (int64, error) {
	if !qty.IsPositive() {
		return 0, xerr.New(xerr.Validation, "quantity must be positive")
	}
	if qty.LessThan(p.MinQty) || (p.MaxQty.IsPositive() && qty.GreaterThan(p.MaxQty)) {
		return 0, xerr.Newf(xerr.Validation, "quantity %s outside [%s, %s]", qty, p.MinQty, p.MaxQty)
	}
	q := qty.Div(p.StepSize)
	if !q.IsInteger() {
		return 0, xerr.Newf(xerr.Validation, "quantity %s not a multiple of step %s", qty, p.StepSize)
	}
	return q.IntPart(), nil
}

func (p *Pair) TicksToPrice(ticks int64) decimal.Decimal {
	return decimal.NewFromInt(ticks).Mul(p.TickSize)
}

func (p *Pair) StepsToQty(steps int64) decimal.Decimal {
	return decimal.NewFromInt(steps).Mul(p.StepSize)
}

// Notional returns price × quantity in the quote asset.
func (p *Pair) Notional(priceTicks, qtySteps int64) decimal.Decimal {
	return p.TicksToPrice(priceTicks).Mul(p.StepsToQty(qtySteps))
}

// Registry is the in-memory pair table keyed by symbol.
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]*Pair
}

func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]*Pair, 16)}
}

func (r *Registry) Add(p *Pair) {
	r.mu.Lock()
	r.pairs[p.Symbol] = p
	r.mu.Unlock()
}

func (r *Registry) Get(symbol string) (*Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[symbol]
	return p, ok
}

func (r *Registry) List() []*Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}
