package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/metrics"
)

// Config holds the fee schedule. Fees come out of the asset each side
// receives, so neither side can be driven negative by a fill.
type Config struct {
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
}

// ExecStore persists settled executions. Append-only.
type ExecStore interface {
	Append(e engine.Execution) error
}

// Settler moves funds for one fill as an all-or-nothing unit: both
// reservation commits, both credits, and the fee credits either all
// apply or none do.
type Settler struct {
	ledger *ledger.Ledger
	store  ExecStore
	cfg    Config
}

func New(l *ledger.Ledger, store ExecStore, cfg Config) *Settler {
	return &Settler{ledger: l, store: store, cfg: cfg}
}

// step pairs an action with its compensation. Compensations return the
// committed funds to available; the engine retires the affected orders
// after a failed settlement, so reservations are never under-covered.
type step struct {
	do   func() error
	undo func() error
}

func (s *Settler) Settle(ctx context.Context, fs engine.FillSettlement) (engine.Execution, error) {
	start := time.Now()

	buyer, seller := fs.Taker, fs.Maker
	buyerRate, sellerRate := s.cfg.TakerFeeRate, s.cfg.MakerFeeRate
	if fs.Taker.Side == matching.Sell {
		buyer, seller = fs.Maker, fs.Taker
		buyerRate, sellerRate = s.cfg.MakerFeeRate, s.cfg.TakerFeeRate
	}

	notional := fs.Price.Mul(fs.Qty)
	buyerFee := fs.Qty.Mul(buyerRate)    // in base
	sellerFee := notional.Mul(sellerRate) // in quote

	tradeID := uuid.New()
	ref := fmt.Sprintf("trade:%s", tradeID)
	base, quote := fs.Pair.Base, fs.Pair.Quote

	steps := make([]step, 0, 6)
	if !buyer.BypassFunds {
		res := buyer.Reservation
		acct := buyer.Account
		steps = append(steps,
			step{
				do:   func() error { return s.ledger.Commit(ctx, res, notional, ref) },
				undo: func() error { return s.ledger.Credit(ctx, acct, quote, notional, ref+":undo") },
			},
			step{
				do:   func() error { return s.ledger.Credit(ctx, acct, base, fs.Qty.Sub(buyerFee), ref) },
				undo: func() error { return s.ledger.Debit(ctx, acct, base, fs.Qty.Sub(buyerFee), ref+":undo") },
			},
		)
		if buyerFee.IsPositive() {
			steps = append(steps, step{
				do:   func() error { return s.ledger.Credit(ctx, ledger.FeeAccount, base, buyerFee, ref) },
				undo: func() error { return s.ledger.Debit(ctx, ledger.FeeAccount, base, buyerFee, ref+":undo") },
			})
		}
	}
	if !seller.BypassFunds {
		res := seller.Reservation
		acct := seller.Account
		steps = append(steps,
			step{
				do:   func() error { return s.ledger.Commit(ctx, res, fs.Qty, ref) },
				undo: func() error { return s.ledger.Credit(ctx, acct, base, fs.Qty, ref+":undo") },
			},
			step{
				do:   func() error { return s.ledger.Credit(ctx, acct, quote, notional.Sub(sellerFee), ref) },
				undo: func() error { return s.ledger.Debit(ctx, acct, quote, notional.Sub(sellerFee), ref+":undo") },
			},
		)
		if sellerFee.IsPositive() {
			steps = append(steps, step{
				do:   func() error { return s.ledger.Credit(ctx, ledger.FeeAccount, quote, sellerFee, ref) },
				undo: func() error { return s.ledger.Debit(ctx, ledger.FeeAccount, quote, sellerFee, ref+":undo") },
			})
		}
	}

	exec := engine.Execution{
		TradeID:      tradeID,
		Symbol:       fs.Pair.Symbol,
		TakerOrderID: fs.Taker.OrderID,
		MakerOrderID: fs.Maker.OrderID,
		TakerAccount: fs.Taker.Account,
		MakerAccount: fs.Maker.Account,
		TakerSide:    fs.Taker.Side,
		Price:        fs.Price,
		Qty:          fs.Qty,
		CreatedAt:    time.Now().UTC(),
	}
	if fs.Taker.Side == matching.Buy {
		exec.TakerFee, exec.MakerFee = buyerFee, sellerFee
	} else {
		exec.TakerFee, exec.MakerFee = sellerFee, buyerFee
	}

	// Persisting the execution is part of the unit: an unrecorded trade
	// is as bad as an unpaid one.
	if s.store != nil {
		steps = append(steps, step{
			do:   func() error { return s.store.Append(exec) },
			undo: func() error { return nil },
		})
	}

	for i, st := range steps {
		if err := st.do(); err != nil {
			s.rollback(ctx, steps[:i], ref)
			return engine.Execution{}, err
		}
	}
	metrics.SettleDuration.WithLabelValues(fs.Pair.Symbol).Observe(time.Since(start).Seconds())
	return exec, nil
}

// rollback compensates completed steps in reverse. A compensation that
// fails leaves the ledger inconsistent, and nothing downstream can fix
// that, so it panics.
func (s *Settler) rollback(ctx context.Context, done []step, ref string) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := done[i].undo(); err != nil {
			logger.Error(ctx, "settlement rollback failed",
				zap.String("ref", ref), zap.Int("step", i), zap.Error(err))
			panic(fmt.Sprintf("settle: rollback failed for %s: %v", ref, err))
		}
	}
}
