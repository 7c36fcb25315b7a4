package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

// Listing is a seller's standing offer: crypto for fiat at a fixed
// price, settled off-platform. Available plus Reserved never exceeds the
// quantity the seller posted.
type Listing struct {
	ID        uuid.UUID
	Seller    uint64
	Asset     string
	Currency  string          // fiat currency code
	Price     decimal.Decimal // fiat per unit of Asset
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Payment   []string // accepted payment methods
	Active    bool
	CreatedAt time.Time
}

type TradeState string

const (
	TradeOpen      TradeState = "open"      // escrow funded, waiting for fiat
	TradePaid      TradeState = "paid"      // buyer says fiat sent
	TradeCompleted TradeState = "completed" // crypto released
	TradeCancelled TradeState = "cancelled" // crypto refunded
	TradeDisputed  TradeState = "disputed"
)

// Trade is one buyer taking part of a listing. Its crypto leg lives in
// the linked escrow; the trade tracks the fiat side and the listing
// inventory.
type Trade struct {
	ID         uuid.UUID
	ListingID  uuid.UUID
	EscrowID   uuid.UUID
	Buyer      uint64
	Seller     uint64
	Asset      string
	Amount     decimal.Decimal
	FiatAmount decimal.Decimal
	Currency   string
	State      TradeState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Service owns listings and their trades. Opening a trade reserves
// listing inventory and funds an escrow in one step, so a listed amount
// can never be sold twice.
type Service struct {
	mu       sync.Mutex
	listings map[uuid.UUID]*Listing
	trades   map[uuid.UUID]*Trade

	escrows *escrow.Manager
}

func NewService(escrows *escrow.Manager) *Service {
	return &Service{
		listings: make(map[uuid.UUID]*Listing, 256),
		trades:   make(map[uuid.UUID]*Trade, 256),
		escrows:  escrows,
	}
}

// CreateListing posts an offer. The quantity is not locked on the ledger
// until a buyer takes some of it; sellers keep custody until then.
func (s *Service) CreateListing(ctx context.Context, seller uint64, asset, currency string, price, qty, minAmt, maxAmt decimal.Decimal, payment []string) (*Listing, error) {
	if !price.IsPositive() || !qty.IsPositive() {
		return nil, xerr.New(xerr.Validation, "price and quantity must be positive")
	}
	if minAmt.IsNegative() || maxAmt.LessThan(minAmt) {
		return nil, xerr.New(xerr.Validation, "invalid amount bounds")
	}
	l := &Listing{
		ID:        uuid.New(),
		Seller:    seller,
		Asset:     asset,
		Currency:  currency,
		Price:     price,
		MinAmount: minAmt,
		MaxAmount: maxAmt,
		Available: qty,
		Reserved:  decimal.Zero,
		Payment:   payment,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.listings[l.ID] = l
	s.mu.Unlock()
	return copyListing(l), nil
}

// Deactivate stops new trades; open trades run to completion.
func (s *Service) Deactivate(ctx context.Context, seller uint64, listingID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listings[listingID]
	if l == nil || l.Seller != seller {
		return xerr.Newf(xerr.RecordNotFound, "listing %s not found", listingID)
	}
	l.Active = false
	return nil
}

// OpenTrade takes amount from the listing and funds an escrow with the
// seller's crypto. Fails without side effects if the seller cannot cover
// the escrow.
func (s *Service) OpenTrade(ctx context.Context, buyer uint64, listingID uuid.UUID, amount decimal.Decimal) (*Trade, error) {
	s.mu.Lock()
	l := s.listings[listingID]
	if l == nil || !l.Active {
		s.mu.Unlock()
		return nil, xerr.Newf(xerr.RecordNotFound, "listing %s not found", listingID)
	}
	if buyer == l.Seller {
		s.mu.Unlock()
		return nil, xerr.New(xerr.Validation, "cannot trade against own listing")
	}
	if amount.LessThan(l.MinAmount) || (l.MaxAmount.IsPositive() && amount.GreaterThan(l.MaxAmount)) {
		s.mu.Unlock()
		return nil, xerr.Newf(xerr.Validation, "amount %s outside [%s, %s]", amount, l.MinAmount, l.MaxAmount)
	}
	if l.Available.LessThan(amount) {
		s.mu.Unlock()
		return nil, xerr.Newf(xerr.Validation, "only %s available", l.Available)
	}
	// Reserve inventory before releasing the lock so concurrent buyers
	// cannot oversell the listing.
	l.Available = l.Available.Sub(amount)
	l.Reserved = l.Reserved.Add(amount)
	seller := l.Seller
	s.mu.Unlock()

	tradeID := uuid.New()
	esc, err := s.escrows.Create(ctx, "p2p:"+tradeID.String(), buyer, seller, l.Asset, amount)
	if err == nil {
		_, err = s.escrows.Fund(ctx, esc.ID)
	}
	if err != nil {
		s.mu.Lock()
		l.Available = l.Available.Add(amount)
		l.Reserved = l.Reserved.Sub(amount)
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	tr := &Trade{
		ID:         tradeID,
		ListingID:  listingID,
		EscrowID:   esc.ID,
		Buyer:      buyer,
		Seller:     seller,
		Asset:      l.Asset,
		Amount:     amount,
		FiatAmount: amount.Mul(l.Price),
		Currency:   l.Currency,
		State:      TradeOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	s.trades[tradeID] = tr
	s.mu.Unlock()
	return copyTrade(tr), nil
}

// MarkPaid records the buyer's claim that fiat was sent.
func (s *Service) MarkPaid(ctx context.Context, buyer uint64, tradeID uuid.UUID) (*Trade, error) {
	return s.update(tradeID, func(tr *Trade, _ *Listing) error {
		if tr.Buyer != buyer {
			return xerr.Newf(xerr.RecordNotFound, "trade %s not found", tradeID)
		}
		if tr.State != TradeOpen {
			return tradeConflict(tr, "mark paid")
		}
		tr.State = TradePaid
		return nil
	})
}

// Confirm is the seller acknowledging the fiat arrived; the escrow pays
// the buyer and the trade completes.
func (s *Service) Confirm(ctx context.Context, seller uint64, tradeID uuid.UUID) (*Trade, error) {
	return s.update(tradeID, func(tr *Trade, l *Listing) error {
		if tr.Seller != seller {
			return xerr.Newf(xerr.RecordNotFound, "trade %s not found", tradeID)
		}
		switch tr.State {
		case TradeOpen, TradePaid:
		case TradeCompleted:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return tradeConflict(tr, "confirm")
		}
		// An escrow that already released (auto-release fired first) is
		// the outcome confirm wants, so that one terminal state passes.
		if _, err := s.escrows.Release(ctx, tr.EscrowID); err != nil && !s.escrowSettled(tr.EscrowID, escrow.StateReleased, err) {
			return err
		}
		tr.State = TradeCompleted
		if l != nil {
			l.Reserved = l.Reserved.Sub(tr.Amount)
		}
		return nil
	})
}

// CancelTrade refunds the escrow and returns inventory to the listing.
// Only allowed before the buyer marks the fiat as paid.
func (s *Service) CancelTrade(ctx context.Context, actor uint64, tradeID uuid.UUID) (*Trade, error) {
	return s.update(tradeID, func(tr *Trade, l *Listing) error {
		if tr.Buyer != actor && tr.Seller != actor {
			return xerr.Newf(xerr.RecordNotFound, "trade %s not found", tradeID)
		}
		switch tr.State {
		case TradeOpen:
		case TradeCancelled:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return tradeConflict(tr, "cancel")
		}
		if _, err := s.escrows.Refund(ctx, tr.EscrowID); err != nil && !s.escrowSettled(tr.EscrowID, escrow.StateRefunded, err) {
			return err
		}
		tr.State = TradeCancelled
		// Cancelled inventory goes back on sale.
		if l != nil {
			l.Available = l.Available.Add(tr.Amount)
			l.Reserved = l.Reserved.Sub(tr.Amount)
		}
		return nil
	})
}

// DisputeTrade freezes the escrow pending arbitration.
func (s *Service) DisputeTrade(ctx context.Context, actor uint64, tradeID uuid.UUID, reason string) (*Trade, error) {
	return s.update(tradeID, func(tr *Trade, _ *Listing) error {
		if tr.Buyer != actor && tr.Seller != actor {
			return xerr.Newf(xerr.RecordNotFound, "trade %s not found", tradeID)
		}
		if tr.State != TradeOpen && tr.State != TradePaid {
			return tradeConflict(tr, "dispute")
		}
		if _, err := s.escrows.Dispute(ctx, tr.EscrowID, actor, reason); err != nil {
			return err
		}
		tr.State = TradeDisputed
		return nil
	})
}

// ReviewTrade puts a disputed trade's case in front of the arbiter.
func (s *Service) ReviewTrade(ctx context.Context, resolver uint64, tradeID uuid.UUID) (*Trade, error) {
	return s.update(tradeID, func(tr *Trade, _ *Listing) error {
		if tr.State != TradeDisputed {
			return tradeConflict(tr, "review")
		}
		_, err := s.escrows.Review(ctx, tr.EscrowID, resolver)
		return err
	})
}

// ResolveTrade applies the arbiter's verdict to the escrow and closes
// the trade accordingly. A split verdict completes the trade for the
// buyer's share and puts the refunded remainder back on sale; a
// cancelled verdict rejects the dispute and returns the trade to paid.
func (s *Service) ResolveTrade(ctx context.Context, resolver uint64, tradeID uuid.UUID, verdict escrow.Resolution, rationale string, buyerShare decimal.Decimal) (*Trade, error) {
	return s.update(tradeID, func(tr *Trade, l *Listing) error {
		switch tr.State {
		case TradeDisputed:
		case TradeCompleted, TradeCancelled:
			return xerr.NewErrCode(xerr.AlreadyTerminal)
		default:
			return tradeConflict(tr, "resolve")
		}
		if _, err := s.escrows.Resolve(ctx, tr.EscrowID, resolver, verdict, rationale, buyerShare); err != nil {
			return err
		}
		switch verdict {
		case escrow.ResolveToBuyer:
			tr.State = TradeCompleted
			if l != nil {
				l.Reserved = l.Reserved.Sub(tr.Amount)
			}
		case escrow.ResolveToSeller:
			tr.State = TradeCancelled
			if l != nil {
				l.Available = l.Available.Add(tr.Amount)
				l.Reserved = l.Reserved.Sub(tr.Amount)
			}
		case escrow.ResolveSplit:
			tr.State = TradeCompleted
			if l != nil {
				refunded := tr.Amount.Sub(tr.Amount.Mul(buyerShare))
				l.Available = l.Available.Add(refunded)
				l.Reserved = l.Reserved.Sub(tr.Amount)
			}
		case escrow.ResolveCancelled:
			tr.State = TradePaid
		}
		return nil
	})
}

// GetListing returns a copy of the listing.
func (s *Service) GetListing(id uuid.UUID) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listings[id]
	if l == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "listing %s not found", id)
	}
	return copyListing(l), nil
}

// GetTrade returns a copy of the trade.
func (s *Service) GetTrade(id uuid.UUID) (*Trade, error) {
	return s.get(id)
}

// ListActive returns every active listing, optionally filtered by asset.
func (s *Service) ListActive(assetFilter string) []*Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if !l.Active {
			continue
		}
		if assetFilter != "" && l.Asset != assetFilter {
			continue
		}
		out = append(out, copyListing(l))
	}
	return out
}

func (s *Service) get(id uuid.UUID) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trades[id]
	if tr == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "trade %s not found", id)
	}
	return copyTrade(tr), nil
}

// update runs fn with the live trade and its listing under s.mu, so the
// state check, the escrow call, and the inventory change commit as one
// step. The escrow manager takes its own lock and never calls back into
// the service, so holding s.mu across it cannot deadlock.
func (s *Service) update(id uuid.UUID, fn func(tr *Trade, l *Listing) error) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.trades[id]
	if tr == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "trade %s not found", id)
	}
	if err := fn(tr, s.listings[tr.ListingID]); err != nil {
		return nil, err
	}
	tr.UpdatedAt = time.Now().UTC()
	return copyTrade(tr), nil
}

// escrowSettled reports whether err is AlreadyTerminal and the escrow
// actually sits in want, meaning the funds already moved the way the
// current transition needs them to.
func (s *Service) escrowSettled(id uuid.UUID, want escrow.State, err error) bool {
	if xerr.Code(err) != xerr.AlreadyTerminal {
		return false
	}
	e, gerr := s.escrows.Get(id)
	return gerr == nil && e.State == want
}

func copyListing(l *Listing) *Listing {
	c := *l
	c.Payment = append([]string(nil), l.Payment...)
	return &c
}

func copyTrade(t *Trade) *Trade {
	c := *t
	return &c
}

func tradeConflict(t *Trade, op string) error {
	return xerr.Newf(xerr.EscrowStateConflict, "cannot %s trade %s in state %s", op, t.ID, t.State)
}
