package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func setup(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(nil)
	require.NoError(t, l.Credit(context.Background(), 200, "BTC", dec("5"), "deposit"))
	return NewService(escrow.NewManager(l, nil, time.Hour)), l
}

func postListing(t *testing.T, s *Service) *Listing {
	t.Helper()
	l, err := s.CreateListing(context.Background(), 200, "BTC", "EUR",
		dec("25000"), dec("2"), dec("0.1"), dec("2"), []string{"sepa"})
	require.NoError(t, err)
	return l
}

func TestP2PHappyPath(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)
	assert.Equal(t, TradeOpen, tr.State)
	assert.True(t, tr.FiatAmount.Equal(dec("25000")))

	// Seller's coin moved into escrow on open.
	escBal, _ := led.Balance(ledger.EscrowAccount, "BTC")
	assert.True(t, escBal.Equal(dec("1")))
	got, _ := s.GetListing(listing.ID)
	assert.True(t, got.Available.Equal(dec("1")))
	assert.True(t, got.Reserved.Equal(dec("1")))

	_, err = s.MarkPaid(ctx, 100, tr.ID)
	require.NoError(t, err)

	final, err := s.Confirm(ctx, 200, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, TradeCompleted, final.State)

	buyerBal, _ := led.Balance(100, "BTC")
	assert.True(t, buyerBal.Equal(dec("1")))
	got, _ = s.GetListing(listing.ID)
	assert.True(t, got.Reserved.IsZero())
}

func TestOpenTradeBounds(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	_, err := s.OpenTrade(ctx, 100, listing.ID, dec("0.05"))
	assert.Equal(t, xerr.Validation, xerr.Code(err), "below min amount")

	_, err = s.OpenTrade(ctx, 100, listing.ID, dec("3"))
	assert.Equal(t, xerr.Validation, xerr.Code(err), "above max amount")

	_, err = s.OpenTrade(ctx, 200, listing.ID, dec("1"))
	assert.Equal(t, xerr.Validation, xerr.Code(err), "seller cannot take own listing")
}

func TestOpenTradeRollsBackOnEscrowFailure(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	// Drain the seller so escrow funding fails.
	require.NoError(t, led.Debit(ctx, 200, "BTC", dec("5"), "withdraw"))

	_, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	assert.Equal(t, xerr.InsufficientBalance, xerr.Code(err))

	got, _ := s.GetListing(listing.ID)
	assert.True(t, got.Available.Equal(dec("2")), "inventory restored")
	assert.True(t, got.Reserved.IsZero())
}

func TestCancelReturnsInventoryAndCoin(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)

	got, err := s.CancelTrade(ctx, 100, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, TradeCancelled, got.State)

	sellerBal, _ := led.Balance(200, "BTC")
	assert.True(t, sellerBal.Equal(dec("5")))
	lst, _ := s.GetListing(listing.ID)
	assert.True(t, lst.Available.Equal(dec("2")))
}

func TestCancelAfterPaidConflicts(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)
	_, err = s.MarkPaid(ctx, 100, tr.ID)
	require.NoError(t, err)

	_, err = s.CancelTrade(ctx, 200, tr.ID)
	assert.Equal(t, xerr.EscrowStateConflict, xerr.Code(err))
}

func TestDisputeAndResolveToSeller(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)
	_, err = s.MarkPaid(ctx, 100, tr.ID)
	require.NoError(t, err)
	_, err = s.DisputeTrade(ctx, 200, tr.ID, "no fiat received")
	require.NoError(t, err)

	got, err := s.ResolveTrade(ctx, 900, tr.ID, escrow.ResolveToSeller, "no payment proof", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, TradeCancelled, got.State)

	sellerBal, _ := led.Balance(200, "BTC")
	assert.True(t, sellerBal.Equal(dec("5")))
	lst, _ := s.GetListing(listing.ID)
	assert.True(t, lst.Available.Equal(dec("2")))
	assert.True(t, lst.Reserved.IsZero())
}

func TestResolveSplitCompletesAndRelists(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)
	_, err = s.MarkPaid(ctx, 100, tr.ID)
	require.NoError(t, err)
	_, err = s.DisputeTrade(ctx, 200, tr.ID, "buyer paid half")
	require.NoError(t, err)

	_, err = s.ReviewTrade(ctx, 900, tr.ID)
	require.NoError(t, err)

	got, err := s.ResolveTrade(ctx, 900, tr.ID, escrow.ResolveSplit, "receipts cover half", dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, TradeCompleted, got.State)

	buyerBal, _ := led.Balance(100, "BTC")
	sellerBal, _ := led.Balance(200, "BTC")
	assert.True(t, buyerBal.Equal(dec("0.5")))
	assert.True(t, sellerBal.Equal(dec("4.5")))

	// The refunded half goes back on sale.
	lst, _ := s.GetListing(listing.ID)
	assert.True(t, lst.Available.Equal(dec("1.5")))
	assert.True(t, lst.Reserved.IsZero())
}

func TestResolveCancelledReturnsTradeToPaid(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)
	_, err = s.MarkPaid(ctx, 100, tr.ID)
	require.NoError(t, err)
	_, err = s.DisputeTrade(ctx, 200, tr.ID, "fat-fingered")
	require.NoError(t, err)

	got, err := s.ResolveTrade(ctx, 900, tr.ID, escrow.ResolveCancelled, "dispute withdrawn", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, TradePaid, got.State)

	// Coin stays in escrow; the seller can still confirm normally.
	escBal, _ := led.Balance(ledger.EscrowAccount, "BTC")
	assert.True(t, escBal.Equal(dec("1")))
	final, err := s.Confirm(ctx, 200, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, TradeCompleted, final.State)
}

func TestDoubleCancelKeepsInventoryExact(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)
	_, err = s.CancelTrade(ctx, 100, tr.ID)
	require.NoError(t, err)

	// Repeating the cancel reports terminal and must not restock again.
	_, err = s.CancelTrade(ctx, 200, tr.ID)
	assert.Equal(t, xerr.AlreadyTerminal, xerr.Code(err))

	lst, _ := s.GetListing(listing.ID)
	assert.True(t, lst.Available.Equal(dec("2")))
	assert.True(t, lst.Reserved.IsZero())
	sellerBal, _ := led.Balance(200, "BTC")
	assert.True(t, sellerBal.Equal(dec("5")))
}

func TestConfirmAfterCancelConflicts(t *testing.T) {
	s, led := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	tr, err := s.OpenTrade(ctx, 100, listing.ID, dec("1"))
	require.NoError(t, err)
	_, err = s.CancelTrade(ctx, 100, tr.ID)
	require.NoError(t, err)

	// The escrow was refunded; confirming must not mint a payout.
	_, err = s.Confirm(ctx, 200, tr.ID)
	assert.Equal(t, xerr.EscrowStateConflict, xerr.Code(err))

	buyerBal, _ := led.Balance(100, "BTC")
	assert.True(t, buyerBal.IsZero())
	sellerBal, _ := led.Balance(200, "BTC")
	assert.True(t, sellerBal.Equal(dec("5")))
}

func TestOversellPrevented(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	listing := postListing(t, s)

	_, err := s.OpenTrade(ctx, 100, listing.ID, dec("2"))
	require.NoError(t, err)

	_, err = s.OpenTrade(ctx, 101, listing.ID, dec("1"))
	assert.Equal(t, xerr.Validation, xerr.Code(err), "inventory exhausted")
}
