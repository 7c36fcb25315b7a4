package escrow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow states. Terminal states never transition again; repeating the
// operation that produced one is reported as AlreadyTerminal so retries
// stay harmless.
type State string

const (
	StateAwaitingDeposit State = "awaiting_deposit"
	StateHeld            State = "held"
	StateReleased        State = "released"
	StateRefunded        State = "refunded"
	StateDisputed        State = "disputed"
	StateResolved        State = "resolved"
)

func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded || s == StateResolved
}

// DisputeState tracks one dispute from filing to verdict.
type DisputeState string

const (
	DisputeOpen     DisputeState = "open"
	DisputeInReview DisputeState = "in_review"
	DisputeResolved DisputeState = "resolved"
	// DisputeRejected means the arbiter declined the case; the escrow
	// goes back to held and the auto-release clock restarts.
	DisputeRejected DisputeState = "rejected"
)

// Resolution is the arbiter's verdict on a disputed escrow.
type Resolution string

const (
	ResolveToBuyer  Resolution = "buyer_favored"
	ResolveToSeller Resolution = "seller_favored"
	ResolveSplit    Resolution = "split"
	// ResolveCancelled rejects the dispute without moving funds.
	ResolveCancelled Resolution = "cancelled"
)

// Dispute records who filed, who judged, and why. BuyerShare is set on
// split verdicts only.
type Dispute struct {
	OpenedBy   uint64
	Reason     string
	State      DisputeState
	Resolver   uint64
	Rationale  string
	BuyerShare decimal.Decimal
	OpenedAt   time.Time
	ResolvedAt time.Time
}

// Escrow holds crypto for one P2P trade. The seller funds it, the buyer
// pays off-platform, and the held amount moves exactly once: to the
// buyer on release or back to the seller on refund.
type Escrow struct {
	ID       uuid.UUID
	TradeRef string
	Buyer    uint64
	Seller   uint64
	Asset    string
	Amount   decimal.Decimal
	State    State

	Dispute    *Dispute
	Resolution Resolution

	CreatedAt time.Time
	FundedAt  time.Time
	// Deadline is when a held escrow auto-releases to the buyer. Disputes
	// clear it.
	Deadline  time.Time
	ClosedAt  time.Time
	UpdatedAt time.Time
}

// Store persists escrow snapshots keyed by id. Upsert semantics.
type Store interface {
	Save(e *Escrow) error
}
