package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
)

type OrderType uint8

const (
	TypeMarket OrderType = iota + 1
	TypeLimit
	TypeStop
	TypeStopLimit
	TypeTrailingStop
)

func (t OrderType) String() string {
	switch t {
	case TypeMarket:
		return "market"
	case TypeLimit:
		return "limit"
	case TypeStop:
		return "stop"
	case TypeStopLimit:
		return "stop_limit"
	case TypeTrailingStop:
		return "trailing_stop"
	}
	return "unknown"
}

// Time in force.
type TIF uint8

const (
	GTC TIF = iota + 1
	IOC
	FOK
	GTD
)

func (t TIF) String() string {
	switch t {
	case GTC:
		return "gtc"
	case IOC:
		return "ioc"
	case FOK:
		return "fok"
	case GTD:
		return "gtd"
	}
	return "unknown"
}

type Status uint8

const (
	StatusNew Status = iota + 1
	StatusOpen
	StatusPartial
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusOpen:
		return "open"
	case StatusPartial:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected || s == StatusExpired
}

// Self-trade prevention modes.
type STPMode uint8

const (
	// STPCancelTaker cancels the remaining taker quantity when the next
	// maker in line belongs to the same account. Resting orders stay.
	STPCancelTaker STPMode = iota + 1
	// STPReject rejects the incoming order up front if it would meet any
	// own resting order within its crossable range.
	STPReject
)

type GroupRole uint8

const (
	GroupNone GroupRole = iota
	// GroupOCO links two orders; a fill or trigger on one cancels the other.
	GroupOCO
	// GroupGrid re-arms a mirrored order on the opposite side after each
	// full fill, offset by GridStep.
	GroupGrid
)

// Order is the engine-level order. Decimal fields are the client view;
// the actor converts them to tick/step int64s against the pair before any
// book work.
type Order struct {
	ID        uint64
	AccountID uint64
	Symbol    string
	Type      OrderType
	Side      uint8 // matching.Buy or matching.Sell
	TIF       TIF
	Status    Status

	Price       decimal.Decimal // limit price; zero for market
	Qty         decimal.Decimal
	StopPrice   decimal.Decimal // trigger for stop and stop-limit
	TrailOffset decimal.Decimal // distance for trailing stops

	PostOnly   bool
	ReduceOnly bool

	GroupID   uint64
	GroupRole GroupRole
	GridStep  decimal.Decimal

	ExpireAt  time.Time // GTD only
	CreatedAt time.Time
	UpdatedAt time.Time

	// BypassFunds skips the reservation step. Only the risk engine sets
	// it, for forced closes funded from margin collateral it already holds.
	BypassFunds bool

	// FilledNotional accumulates price x qty over fills, so callers can
	// derive the average fill price without replaying executions.
	FilledNotional decimal.Decimal

	priceTicks  int64
	qtySteps    int64
	filledSteps int64
	trigTicks   int64 // current trigger in ticks; trailing stops move it
	trailTicks  int64
	reservation uuid.UUID
}

// FilledQty returns the cumulative filled quantity in pair steps.
func (o *Order) FilledQty(pair *asset.Pair) decimal.Decimal {
	return pair.StepsToQty(o.filledSteps)
}

func (o *Order) RemainingSteps() int64 { return o.qtySteps - o.filledSteps }

func (o *Order) triggered() bool {
	return o.Type == TypeStop || o.Type == TypeStopLimit || o.Type == TypeTrailingStop
}

// Execution is one settled trade.
type Execution struct {
	TradeID      uuid.UUID
	Symbol       string
	TakerOrderID uint64
	MakerOrderID uint64
	TakerAccount uint64
	MakerAccount uint64
	TakerSide    uint8
	Price        decimal.Decimal
	Qty          decimal.Decimal
	TakerFee     decimal.Decimal
	MakerFee     decimal.Decimal
	CreatedAt    time.Time
}

// Party identifies one side of a fill for settlement.
type Party struct {
	OrderID     uint64
	Account     uint64
	Side        uint8
	Reservation uuid.UUID
	BypassFunds bool
}

// FillSettlement is the settler's unit of work: one fill, both legs.
type FillSettlement struct {
	Pair  *asset.Pair
	Price decimal.Decimal
	Qty   decimal.Decimal
	Taker Party
	Maker Party
}

// Settler moves funds for one fill atomically: commit both reservations,
// credit both counterparties net of fees, credit the fee account.
type Settler interface {
	Settle(ctx context.Context, fs FillSettlement) (Execution, error)
}

// Funds is the slice of the ledger the actor needs: reservations only.
type Funds interface {
	Reserve(ctx context.Context, account uint64, asset string, amount decimal.Decimal, ref string) (uuid.UUID, error)
	Release(ctx context.Context, id uuid.UUID, ref string) error
}

// Events receives engine output. Implementations must not block; the
// market data feed fans out on its own goroutines.
type Events interface {
	OnTrade(e Execution)
	OnOrder(symbol string, o OrderUpdate)
	OnDepth(symbol string, bids, asks []matching.PriceQty)
}

// OrderUpdate is the outward order state change notification.
type OrderUpdate struct {
	OrderID   uint64
	AccountID uint64
	Status    Status
	FilledQty decimal.Decimal
	Ts        time.Time
}

type cmdType uint8

const (
	cmdSubmit cmdType = iota + 1
	cmdCancel
	cmdMarkPrice
	cmdExpireSweep
	cmdDepth
	cmdOpenOrders
)

type cmdResult struct {
	order  *Order
	orders []*Order
	bids   []matching.PriceQty
	asks   []matching.PriceQty
	err    error
}

type command struct {
	typ       cmdType
	order     *Order
	cancelID  uint64
	accountID uint64
	markPrice decimal.Decimal
	depth     int
	now       time.Time
	reply     chan cmdResult // buffered(1); nil for fire-and-forget
}
