package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/metrics"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

// DefaultAutoRelease is how long a held escrow waits for the seller to
// confirm before the crypto goes to the buyer anyway.
const DefaultAutoRelease = 24 * time.Hour

// Manager drives the escrow state machine. Funds physically live on the
// ledger's escrow system account while held, so escrow totals reconcile
// against the same entry log as everything else.
type Manager struct {
	mu      sync.Mutex
	escrows map[uuid.UUID]*Escrow

	ledger      *ledger.Ledger
	store       Store
	autoRelease time.Duration
}

func NewManager(l *ledger.Ledger, store Store, autoRelease time.Duration) *Manager {
	if autoRelease <= 0 {
		autoRelease = DefaultAutoRelease
	}
	return &Manager{
		escrows:     make(map[uuid.UUID]*Escrow, 256),
		ledger:      l,
		store:       store,
		autoRelease: autoRelease,
	}
}

// Create opens an escrow in awaiting_deposit. No funds move yet.
func (m *Manager) Create(ctx context.Context, tradeRef string, buyer, seller uint64, asset string, amount decimal.Decimal) (*Escrow, error) {
	if !amount.IsPositive() {
		return nil, xerr.New(xerr.Validation, "escrow amount must be positive")
	}
	if buyer == seller {
		return nil, xerr.New(xerr.Validation, "buyer and seller must differ")
	}
	now := time.Now().UTC()
	e := &Escrow{
		ID:        uuid.New(),
		TradeRef:  tradeRef,
		Buyer:     buyer,
		Seller:    seller,
		Asset:     asset,
		Amount:    amount,
		State:     StateAwaitingDeposit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.escrows[e.ID] = e
	m.mu.Unlock()
	m.persist(ctx, e)
	metrics.EscrowTransitions.WithLabelValues(string(StateAwaitingDeposit)).Inc()
	return snapshot(e), nil
}

// Fund moves the seller's crypto onto the escrow account and starts the
// auto-release clock.
func (m *Manager) Fund(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	return m.transition(ctx, id, func(e *Escrow) error {
		switch e.State {
		case StateAwaitingDeposit:
		case StateHeld:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return stateConflict(e, "fund")
		}
		if err := m.ledger.Transfer(ctx, e.Seller, ledger.EscrowAccount, e.Asset, e.Amount, escrowRef(e.ID)); err != nil {
			return err
		}
		now := time.Now().UTC()
		e.State = StateHeld
		e.FundedAt = now
		e.Deadline = now.Add(m.autoRelease)
		return nil
	})
}

// Release pays the buyer. Idempotent: releasing an already released
// escrow reports AlreadyTerminal and moves nothing.
func (m *Manager) Release(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	return m.transition(ctx, id, func(e *Escrow) error {
		switch e.State {
		case StateHeld:
		case StateReleased:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return stateConflict(e, "release")
		}
		if err := m.ledger.Transfer(ctx, ledger.EscrowAccount, e.Buyer, e.Asset, e.Amount, escrowRef(e.ID)); err != nil {
			return err
		}
		e.State = StateReleased
		e.ClosedAt = time.Now().UTC()
		return nil
	})
}

// Refund returns the crypto to the seller.
func (m *Manager) Refund(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	return m.transition(ctx, id, func(e *Escrow) error {
		switch e.State {
		case StateHeld:
		case StateRefunded:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return stateConflict(e, "refund")
		}
		if err := m.ledger.Transfer(ctx, ledger.EscrowAccount, e.Seller, e.Asset, e.Amount, escrowRef(e.ID)); err != nil {
			return err
		}
		e.State = StateRefunded
		e.ClosedAt = time.Now().UTC()
		return nil
	})
}

// Dispute freezes a held escrow: the auto-release clock stops and only a
// resolution can move the funds.
func (m *Manager) Dispute(ctx context.Context, id uuid.UUID, actor uint64, reason string) (*Escrow, error) {
	return m.transition(ctx, id, func(e *Escrow) error {
		switch e.State {
		case StateHeld:
		case StateDisputed:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return stateConflict(e, "dispute")
		}
		e.State = StateDisputed
		e.Dispute = &Dispute{
			OpenedBy: actor,
			Reason:   reason,
			State:    DisputeOpen,
			OpenedAt: time.Now().UTC(),
		}
		e.Deadline = time.Time{}
		return nil
	})
}

// Review claims an open dispute for the given arbiter.
func (m *Manager) Review(ctx context.Context, id uuid.UUID, resolver uint64) (*Escrow, error) {
	return m.transition(ctx, id, func(e *Escrow) error {
		if e.State != StateDisputed || e.Dispute == nil {
			return stateConflict(e, "review")
		}
		if e.Dispute.State != DisputeOpen {
			return xerr.Newf(xerr.EscrowStateConflict, "dispute on escrow %s is %s", e.ID, e.Dispute.State)
		}
		e.Dispute.State = DisputeInReview
		e.Dispute.Resolver = resolver
		return nil
	})
}

// Resolve closes a disputed escrow per the arbiter's verdict, recording
// who resolved it and why. buyerShare is the fraction paid to the buyer
// on a split verdict and is ignored otherwise. A cancelled verdict
// rejects the dispute: nothing moves and the escrow returns to held
// with a fresh auto-release clock.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, resolver uint64, verdict Resolution, rationale string, buyerShare decimal.Decimal) (*Escrow, error) {
	one := decimal.NewFromInt(1)
	switch verdict {
	case ResolveToBuyer, ResolveToSeller, ResolveCancelled:
	case ResolveSplit:
		if !buyerShare.IsPositive() || buyerShare.GreaterThanOrEqual(one) {
			return nil, xerr.New(xerr.Validation, "split needs a buyer share strictly between 0 and 1")
		}
	default:
		return nil, xerr.New(xerr.Validation, "invalid resolution")
	}
	return m.transition(ctx, id, func(e *Escrow) error {
		switch e.State {
		case StateDisputed:
		case StateResolved:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return stateConflict(e, "resolve")
		}
		now := time.Now().UTC()

		switch verdict {
		case ResolveCancelled:
			// The escrow keeps running; Resolution stays empty because
			// nothing was resolved.
			e.State = StateHeld
			e.Deadline = now.Add(m.autoRelease)
			if e.Dispute != nil {
				e.Dispute.State = DisputeRejected
			}
		case ResolveSplit:
			buyerPart := e.Amount.Mul(buyerShare)
			sellerPart := e.Amount.Sub(buyerPart)
			if err := m.ledger.Transfer(ctx, ledger.EscrowAccount, e.Buyer, e.Asset, buyerPart, escrowRef(e.ID)); err != nil {
				return err
			}
			if err := m.ledger.Transfer(ctx, ledger.EscrowAccount, e.Seller, e.Asset, sellerPart, escrowRef(e.ID)); err != nil {
				return err
			}
			e.State = StateResolved
			e.Resolution = verdict
			e.ClosedAt = now
			if e.Dispute != nil {
				e.Dispute.State = DisputeResolved
				e.Dispute.BuyerShare = buyerShare
			}
		default:
			to := e.Buyer
			if verdict == ResolveToSeller {
				to = e.Seller
			}
			if err := m.ledger.Transfer(ctx, ledger.EscrowAccount, to, e.Asset, e.Amount, escrowRef(e.ID)); err != nil {
				return err
			}
			e.State = StateResolved
			e.Resolution = verdict
			e.ClosedAt = now
			if e.Dispute != nil {
				e.Dispute.State = DisputeResolved
			}
		}
		if e.Dispute != nil {
			e.Dispute.Resolver = resolver
			e.Dispute.Rationale = rationale
			e.Dispute.ResolvedAt = now
		}
		return nil
	})
}

// Get returns a copy of the escrow.
func (m *Manager) Get(id uuid.UUID) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.escrows[id]
	if e == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "escrow %s not found", id)
	}
	return snapshot(e), nil
}

// SweepAutoRelease releases every held escrow whose deadline passed.
// Disputed escrows have no deadline and are skipped. The scheduler calls
// this periodically.
func (m *Manager) SweepAutoRelease(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	due := make([]uuid.UUID, 0, 8)
	for id, e := range m.escrows {
		if e.State == StateHeld && !e.Deadline.IsZero() && !now.Before(e.Deadline) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	released := 0
	for _, id := range due {
		if _, err := m.Release(ctx, id); err != nil {
			if xerr.Code(err) != xerr.AlreadyTerminal {
				logger.Error(ctx, "auto-release failed",
					zap.String("escrow_id", id.String()), zap.Error(err))
			}
			continue
		}
		released++
	}
	return released
}

// transition runs fn under the manager lock and persists on success.
func (m *Manager) transition(ctx context.Context, id uuid.UUID, fn func(*Escrow) error) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.escrows[id]
	if e == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "escrow %s not found", id)
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = time.Now().UTC()
	m.persist(ctx, e)
	metrics.EscrowTransitions.WithLabelValues(string(e.State)).Inc()
	return snapshot(e), nil
}

func (m *Manager) persist(ctx context.Context, e *Escrow) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(snapshot(e)); err != nil {
		logger.Error(ctx, "persist escrow failed",
			zap.String("escrow_id", e.ID.String()), zap.Error(err))
	}
}

func snapshot(e *Escrow) *Escrow {
	c := *e
	if e.Dispute != nil {
		d := *e.Dispute
		c.Dispute = &d
	}
	return &c
}

func stateConflict(e *Escrow, op string) error {
	return xerr.Newf(xerr.EscrowStateConflict, "cannot %s escrow %s in state %s", op, e.ID, e.State)
}

func escrowRef(id uuid.UUID) string { return fmt.Sprintf("escrow:%s", id) }
