package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

// Borrow lends asset to the account from the insurance fund's lending
// pool. One loan per account and asset; borrowing again tops it up.
func (e *Engine) Borrow(ctx context.Context, account uint64, asset string, amount decimal.Decimal) (*Loan, error) {
	if !amount.IsPositive() {
		return nil, xerr.New(xerr.Validation, "borrow amount must be positive")
	}
	if err := e.ledger.Transfer(ctx, ledger.InsuranceAccount, account, asset, amount, borrowRef(account, asset)); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	k := posKey{account, asset}
	loan := e.loans[k]
	if loan == nil {
		loan = &Loan{Account: account, Asset: asset, Rate: e.cfg.HourlyBorrowRate, UpdatedAt: now}
		e.loans[k] = loan
	} else {
		accrueLocked(loan, now)
	}
	loan.Principal = loan.Principal.Add(amount)
	// Topping up extends the term with the new borrow.
	loan.DueAt = now.Add(e.cfg.LoanTerm)
	c := *loan
	return &c, nil
}

// Repay pays down accrued interest first, then principal. Repaying more
// than outstanding only takes what is owed.
func (e *Engine) Repay(ctx context.Context, account uint64, asset string, amount decimal.Decimal) (*Loan, error) {
	if !amount.IsPositive() {
		return nil, xerr.New(xerr.Validation, "repay amount must be positive")
	}
	now := time.Now().UTC()
	e.mu.Lock()
	k := posKey{account, asset}
	loan := e.loans[k]
	if loan == nil {
		e.mu.Unlock()
		return nil, xerr.Newf(xerr.RecordNotFound, "no loan for account %d asset %s", account, asset)
	}
	accrueLocked(loan, now)
	pay := decimal.Min(amount, loan.Outstanding())
	e.mu.Unlock()

	if err := e.ledger.Transfer(ctx, account, ledger.InsuranceAccount, asset, pay, borrowRef(account, asset)); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fromInterest := decimal.Min(pay, loan.Accrued)
	loan.Accrued = loan.Accrued.Sub(fromInterest)
	loan.Principal = loan.Principal.Sub(pay.Sub(fromInterest))
	if !loan.Outstanding().IsPositive() {
		delete(e.loans, k)
	}
	c := *loan
	return &c, nil
}

// Loan returns a copy of the account's loan on asset, with interest
// brought up to date.
func (e *Engine) Loan(account uint64, asset string) (*Loan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	loan := e.loans[posKey{account, asset}]
	if loan == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "no loan for account %d asset %s", account, asset)
	}
	accrueLocked(loan, time.Now().UTC())
	c := *loan
	return &c, nil
}

// AccrueInterest rolls interest forward on every loan and collects what
// accrued from the borrower's balance into the lending pool. A borrower
// who cannot pay keeps the interest on the loan, where it counts toward
// outstanding and the overdue checks. The scheduler calls this
// periodically; accrual is also lazy on access, so the cadence only
// bounds staleness.
func (e *Engine) AccrueInterest(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, loan := range e.loans {
		accrueLocked(loan, now)
		if !loan.Accrued.IsPositive() {
			continue
		}
		err := e.ledger.Transfer(ctx, k.account, ledger.InsuranceAccount, k.symbol, loan.Accrued, borrowRef(k.account, k.symbol))
		switch {
		case err == nil:
			loan.Accrued = decimal.Zero
		case xerr.IsCode(err, xerr.InsufficientBalance):
			// Stays on the loan until repay or liquidation.
		default:
			logger.Error(ctx, "interest collection failed",
				zap.Uint64("account", k.account), zap.String("asset", k.symbol), zap.Error(err))
		}
	}
}

// accrueLocked advances interest to now. Caller holds e.mu.
func accrueLocked(l *Loan, now time.Time) {
	if !now.After(l.UpdatedAt) {
		return
	}
	hours := decimal.NewFromFloat(now.Sub(l.UpdatedAt).Hours())
	l.Accrued = l.Accrued.Add(l.Principal.Mul(l.Rate).Mul(hours))
	l.UpdatedAt = now
}

func borrowRef(account uint64, asset string) string {
	return fmt.Sprintf("borrow:%d:%s", account, asset)
}
