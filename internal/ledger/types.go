package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry types. The entry log is the system of record; available/reserved
// balances are a projection of it and must be rebuildable by Replay.
const (
	EntryCredit  = "credit"
	EntryDebit   = "debit"
	EntryReserve = "reserve"
	EntryRelease = "reserve_release" // reserved -> available
	EntryCommit  = "reserve_commit"  // reserved leaves the account
)

// Entry is one immutable ledger mutation. Ref ties the entry back to the
// business object that caused it (order id, trade id, escrow id, "interest").
type Entry struct {
	ID        uuid.UUID
	Account   uint64
	Asset     string
	Type      string
	Amount    decimal.Decimal
	Ref       string
	CreatedAt time.Time
}

// Reservation is a hold on an account's available balance. It is consumed
// by Commit (possibly in parts, one per fill) and returned by Release.
type Reservation struct {
	ID        uuid.UUID
	Account   uint64
	Asset     string
	Remaining decimal.Decimal
}

// EntryStore persists entries append-only. Implementations must never
// update or delete rows.
type EntryStore interface {
	Append(entries []Entry) error
}
