package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionSide uint8

const (
	Long PositionSide = iota + 1
	Short
)

func (s PositionSide) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// MarginMode selects what backs a position: its own collateral only, or
// the account's whole quote balance on top of it.
type MarginMode uint8

const (
	Isolated MarginMode = iota + 1
	Cross
)

func (m MarginMode) String() string {
	if m == Cross {
		return "cross"
	}
	return "isolated"
}

// Position is a futures position. Margin is collateral already debited
// from the owner's ledger balance. For isolated mode losing it is the
// worst case for the account; cross mode additionally exposes the
// account's available quote balance.
type Position struct {
	Account  uint64
	Symbol   string
	Side     PositionSide
	Mode     MarginMode
	Qty      decimal.Decimal
	Entry    decimal.Decimal // average entry price
	Leverage int64
	Margin   decimal.Decimal

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// UnrealizedPnL at the given mark price.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Side == Long {
		return mark.Sub(p.Entry).Mul(p.Qty)
	}
	return p.Entry.Sub(mark).Mul(p.Qty)
}

// LiquidationPrice is the indicative level shown to users. The actual
// trigger is the maintenance margin ratio check against the mark.
func (p *Position) LiquidationPrice(mmr decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	invLev := one.Div(decimal.NewFromInt(p.Leverage))
	if p.Side == Long {
		return p.Entry.Mul(one.Sub(invLev).Add(mmr))
	}
	return p.Entry.Mul(one.Add(invLev).Sub(mmr))
}

// Loan is one margin borrow. Interest accrues hourly on the principal
// and compounds into Accrued, never into Principal.
type Loan struct {
	Account   uint64
	Asset     string
	Principal decimal.Decimal
	Rate      decimal.Decimal // per hour
	Accrued   decimal.Decimal
	DueAt     time.Time
	UpdatedAt time.Time
}

func (l *Loan) Outstanding() decimal.Decimal {
	return l.Principal.Add(l.Accrued)
}

// Overdue loans count against the borrower's margin equity.
func (l *Loan) Overdue(now time.Time) bool {
	return !l.DueAt.IsZero() && now.After(l.DueAt)
}

// Config tunes the risk engine.
type Config struct {
	MaintenanceMarginRate decimal.Decimal // e.g. 0.005
	MaxLeverage           int64
	HourlyBorrowRate      decimal.Decimal
	LiquidationFeeRate    decimal.Decimal // taken from leftover equity, to insurance
	LoanTerm              time.Duration   // borrow maturity; overdue joins the liquidation check
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaintenanceMarginRate.IsZero() {
		out.MaintenanceMarginRate = decimal.NewFromFloat(0.005)
	}
	if out.MaxLeverage <= 0 {
		out.MaxLeverage = 100
	}
	if out.HourlyBorrowRate.IsZero() {
		out.HourlyBorrowRate = decimal.NewFromFloat(0.00001)
	}
	if out.LoanTerm <= 0 {
		out.LoanTerm = 30 * 24 * time.Hour
	}
	return out
}
