package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

// System accounts. Account ids below firstUserAccount are owned by the
// engine itself.
const (
	FeeAccount       uint64 = 1
	EscrowAccount    uint64 = 2
	InsuranceAccount uint64 = 3

	firstUserAccount uint64 = 100
)

type balanceKey struct {
	account uint64
	asset   string
}

// less orders keys for deadlock-free two-account locking: ascending
// account id, then asset.
func (k balanceKey) less(o balanceKey) bool {
	if k.account != o.account {
		return k.account < o.account
	}
	return k.asset < o.asset
}

type accountState struct {
	mu        sync.Mutex
	available decimal.Decimal
	reserved  decimal.Decimal
}

// Ledger keeps one serialized balance state per account+asset and an
// append-only entry log. All amounts are exact decimals.
type Ledger struct {
	mu       sync.RWMutex // guards the accounts map, not the states
	accounts map[balanceKey]*accountState

	resMu        sync.Mutex
	reservations map[uuid.UUID]*Reservation

	logMu   sync.Mutex
	entries []Entry

	store EntryStore // optional persistence, append-only
}

func New(store EntryStore) *Ledger {
	return &Ledger{
		accounts:     make(map[balanceKey]*accountState, 1024),
		reservations: make(map[uuid.UUID]*Reservation, 1024),
		entries:      make([]Entry, 0, 4096),
		store:        store,
	}
}

func (l *Ledger) state(k balanceKey) *accountState {
	l.mu.RLock()
	st := l.accounts[k]
	l.mu.RUnlock()
	if st != nil {
		return st
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st = l.accounts[k]; st == nil {
		st = &accountState{available: decimal.Zero, reserved: decimal.Zero}
		l.accounts[k] = st
	}
	return st
}

// append records entries in the log and forwards them to the store.
// Callers hold the relevant account locks, so log order is consistent
// with the per-account mutation order.
func (l *Ledger) append(entries ...Entry) error {
	l.logMu.Lock()
	l.entries = append(l.entries, entries...)
	l.logMu.Unlock()
	if l.store != nil {
		if err := l.store.Append(entries); err != nil {
			return xerr.Newf(xerr.DbError, "ledger: persist entries: %v", err)
		}
	}
	return nil
}

func newEntry(account uint64, asset, typ string, amount decimal.Decimal, ref string) Entry {
	return Entry{
		ID:        uuid.New(),
		Account:   account,
		Asset:     asset,
		Type:      typ,
		Amount:    amount,
		Ref:       ref,
		CreatedAt: time.Now().UTC(),
	}
}

// Credit adds amount to the account's available balance.
func (l *Ledger) Credit(ctx context.Context, account uint64, asset string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.Validation, "ledger: credit amount must be positive")
	}
	st := l.state(balanceKey{account, asset})
	st.mu.Lock()
	defer st.mu.Unlock()
	st.available = st.available.Add(amount)
	return l.append(newEntry(account, asset, EntryCredit, amount, ref))
}

// Debit removes amount from available, failing with InsufficientBalance
// and no side effects if the balance does not cover it.
func (l *Ledger) Debit(ctx context.Context, account uint64, asset string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.Validation, "ledger: debit amount must be positive")
	}
	st := l.state(balanceKey{account, asset})
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.available.LessThan(amount) {
		return xerr.Newf(xerr.InsufficientBalance, "account %d asset %s: have %s, need %s",
			account, asset, st.available, amount)
	}
	st.available = st.available.Sub(amount)
	return l.append(newEntry(account, asset, EntryDebit, amount, ref))
}

// Reserve moves amount from available to reserved and returns a
// reservation handle for later Commit/Release.
func (l *Ledger) Reserve(ctx context.Context, account uint64, asset string, amount decimal.Decimal, ref string) (uuid.UUID, error) {
	if !amount.IsPositive() {
		return uuid.Nil, xerr.New(xerr.Validation, "ledger: reserve amount must be positive")
	}
	st := l.state(balanceKey{account, asset})
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.available.LessThan(amount) {
		return uuid.Nil, xerr.Newf(xerr.InsufficientBalance, "account %d asset %s: have %s, need %s",
			account, asset, st.available, amount)
	}
	st.available = st.available.Sub(amount)
	st.reserved = st.reserved.Add(amount)

	res := &Reservation{ID: uuid.New(), Account: account, Asset: asset, Remaining: amount}
	l.resMu.Lock()
	l.reservations[res.ID] = res
	l.resMu.Unlock()

	if err := l.append(newEntry(account, asset, EntryReserve, amount, ref)); err != nil {
		return uuid.Nil, err
	}
	return res.ID, nil
}

func (l *Ledger) reservation(id uuid.UUID) (*Reservation, error) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	res, ok := l.reservations[id]
	if !ok {
		return nil, xerr.Newf(xerr.RecordNotFound, "reservation %s not found", id)
	}
	return res, nil
}

// Commit consumes part of a reservation: the funds leave the account.
// The matching credit on the counterparty is a separate Credit call.
func (l *Ledger) Commit(ctx context.Context, id uuid.UUID, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.Validation, "ledger: commit amount must be positive")
	}
	res, err := l.reservation(id)
	if err != nil {
		return err
	}
	st := l.state(balanceKey{res.Account, res.Asset})
	st.mu.Lock()
	defer st.mu.Unlock()
	if res.Remaining.LessThan(amount) {
		return xerr.Newf(xerr.Validation, "reservation %s: remaining %s < commit %s", id, res.Remaining, amount)
	}
	res.Remaining = res.Remaining.Sub(amount)
	st.reserved = st.reserved.Sub(amount)
	if res.Remaining.IsZero() {
		l.dropReservation(id)
	}
	return l.append(newEntry(res.Account, res.Asset, EntryCommit, amount, ref))
}

// CommitAll consumes whatever remains of the reservation.
func (l *Ledger) CommitAll(ctx context.Context, id uuid.UUID, ref string) (decimal.Decimal, error) {
	res, err := l.reservation(id)
	if err != nil {
		return decimal.Zero, err
	}
	amount := res.Remaining
	if amount.IsZero() {
		l.dropReservation(id)
		return decimal.Zero, nil
	}
	return amount, l.Commit(ctx, id, amount, ref)
}

// Release returns the remaining reserved amount to available and retires
// the reservation. Releasing an exhausted reservation is AlreadyTerminal.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID, ref string) error {
	res, err := l.reservation(id)
	if err != nil {
		return err
	}
	st := l.state(balanceKey{res.Account, res.Asset})
	st.mu.Lock()
	defer st.mu.Unlock()
	if res.Remaining.IsZero() {
		l.dropReservation(id)
		return xerr.NewErrCode(xerr.AlreadyTerminal)
	}
	amount := res.Remaining
	res.Remaining = decimal.Zero
	st.reserved = st.reserved.Sub(amount)
	st.available = st.available.Add(amount)
	l.dropReservation(id)
	return l.append(newEntry(res.Account, res.Asset, EntryRelease, amount, ref))
}

// ReleasePart returns part of a reservation to available, keeping the rest
// held. Used when a partially filled order is cancelled down.
func (l *Ledger) ReleasePart(ctx context.Context, id uuid.UUID, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.Validation, "ledger: release amount must be positive")
	}
	res, err := l.reservation(id)
	if err != nil {
		return err
	}
	st := l.state(balanceKey{res.Account, res.Asset})
	st.mu.Lock()
	defer st.mu.Unlock()
	if res.Remaining.LessThan(amount) {
		return xerr.Newf(xerr.Validation, "reservation %s: remaining %s < release %s", id, res.Remaining, amount)
	}
	res.Remaining = res.Remaining.Sub(amount)
	st.reserved = st.reserved.Sub(amount)
	st.available = st.available.Add(amount)
	if res.Remaining.IsZero() {
		l.dropReservation(id)
	}
	return l.append(newEntry(res.Account, res.Asset, EntryRelease, amount, ref))
}

func (l *Ledger) dropReservation(id uuid.UUID) {
	l.resMu.Lock()
	delete(l.reservations, id)
	l.resMu.Unlock()
}

// Transfer moves amount between two accounts' available balances. Both
// account states are locked in ascending key order so concurrent transfers
// in opposite directions cannot deadlock.
func (l *Ledger) Transfer(ctx context.Context, from, to uint64, asset string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.Validation, "ledger: transfer amount must be positive")
	}
	if from == to {
		return xerr.New(xerr.Validation, "ledger: transfer to self")
	}
	fk := balanceKey{from, asset}
	tk := balanceKey{to, asset}
	fst := l.state(fk)
	tst := l.state(tk)

	first, second := fst, tst
	if tk.less(fk) {
		first, second = tst, fst
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if fst.available.LessThan(amount) {
		return xerr.Newf(xerr.InsufficientBalance, "account %d asset %s: have %s, need %s",
			from, asset, fst.available, amount)
	}
	fst.available = fst.available.Sub(amount)
	tst.available = tst.available.Add(amount)
	return l.append(
		newEntry(from, asset, EntryDebit, amount, ref),
		newEntry(to, asset, EntryCredit, amount, ref),
	)
}

// Balance returns the current available and reserved amounts.
func (l *Ledger) Balance(account uint64, asset string) (available, reserved decimal.Decimal) {
	st := l.state(balanceKey{account, asset})
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.available, st.reserved
}

// Entries returns a snapshot copy of the entry log.
func (l *Ledger) Entries() []Entry {
	l.logMu.Lock()
	defer l.logMu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Replay rebuilds balance state from an entry log. Used for recovery and
// reconciliation checks: the projection must equal the live balances.
func Replay(entries []Entry) map[uint64]map[string][2]decimal.Decimal {
	type bal struct{ available, reserved decimal.Decimal }
	acc := make(map[balanceKey]*bal)
	get := func(k balanceKey) *bal {
		b := acc[k]
		if b == nil {
			b = &bal{available: decimal.Zero, reserved: decimal.Zero}
			acc[k] = b
		}
		return b
	}
	for _, e := range entries {
		b := get(balanceKey{e.Account, e.Asset})
		switch e.Type {
		case EntryCredit:
			b.available = b.available.Add(e.Amount)
		case EntryDebit:
			b.available = b.available.Sub(e.Amount)
		case EntryReserve:
			b.available = b.available.Sub(e.Amount)
			b.reserved = b.reserved.Add(e.Amount)
		case EntryRelease:
			b.reserved = b.reserved.Sub(e.Amount)
			b.available = b.available.Add(e.Amount)
		case EntryCommit:
			b.reserved = b.reserved.Sub(e.Amount)
		}
	}
	out := make(map[uint64]map[string][2]decimal.Decimal, len(acc))
	for k, b := range acc {
		m := out[k.account]
		if m == nil {
			m = make(map[string][2]decimal.Decimal)
			out[k.account] = m
		}
		m[k.asset] = [2]decimal.Decimal{b.available, b.reserved}
	}
	return out
}
