package risk_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
	"github.com/nollyvenon/vidiaspot-sub006/internal/risk"
	"github.com/nollyvenon/vidiaspot-sub006/internal/settle"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

const sym = "BTC/USDT"

func TestMain(m *testing.M) {
	logger.Init("risk-test", "error")
	os.Exit(m.Run())
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type harness struct {
	risk *risk.Engine
	eng  *engine.Engine
	led  *ledger.Ledger
}

func newHarness(t *testing.T) *harness {
	return newHarnessCfg(t, risk.Config{
		MaintenanceMarginRate: dec("0.005"),
		MaxLeverage:           50,
	})
}

func newHarnessCfg(t *testing.T, cfg risk.Config) *harness {
	t.Helper()
	pair, err := asset.NewPair(sym, "BTC", "USDT",
		dec("1"), dec("1"), dec("1"), dec("0"), dec("1"), dec("0"))
	require.NoError(t, err)
	reg := asset.NewRegistry()
	reg.Add(pair)

	led := ledger.New(nil)
	eng := engine.New(reg, engine.Deps{
		Funds:   led,
		Settler: settle.New(led, nil, settle.Config{}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(cancel)

	re := risk.NewEngine(led, eng, reg, cfg)
	return &harness{risk: re, eng: eng, led: led}
}

// addLiquidity rests a funds-bypassing limit order, the way other margin
// traders would appear on a futures book.
func (h *harness) addLiquidity(t *testing.T, account uint64, side uint8, price, qty string) *engine.Order {
	t.Helper()
	o := &engine.Order{
		AccountID: account, Symbol: sym, Type: engine.TypeLimit,
		Side: side, TIF: engine.GTC,
		Price: dec(price), Qty: dec(qty),
		BypassFunds: true,
	}
	res, err := h.eng.Submit(context.Background(), o)
	require.NoError(t, err)
	require.Equal(t, engine.StatusOpen, res.Status)
	return res
}

func TestOpenDebitsMarginAndTracksEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	p, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)
	assert.True(t, p.Entry.Equal(dec("100")))
	assert.True(t, p.Qty.Equal(dec("10")))
	assert.True(t, p.Margin.Equal(dec("100")), "margin %s", p.Margin)

	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Equal(dec("1900")))

	// Indicative liquidation level for 10x long at 0.5% maintenance.
	liq := p.LiquidationPrice(dec("0.005"))
	assert.True(t, liq.Equal(dec("90.5")), "liq price %s", liq)
}

func TestOpenInsufficientMargin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("50"), "deposit"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	assert.Equal(t, xerr.InsufficientBalance, xerr.Code(err))
}

func TestVoluntaryCloseRealizesPnL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	ask := h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)

	// Clear the leftover ask so the rally bid can rest above it.
	_, err = h.eng.Cancel(ctx, sym, ask.ID, 900)
	require.NoError(t, err)
	h.addLiquidity(t, 901, matching.Buy, "110", "100")
	equity, err := h.risk.Close(ctx, 100, sym, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, equity.Equal(dec("200")), "margin 100 + pnl 100, got %s", equity)

	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Equal(dec("2100")), "balance %s", avail)

	_, err = h.risk.Position(100, sym)
	assert.Equal(t, xerr.RecordNotFound, xerr.Code(err))
}

func TestPartialCloseKeepsRemainder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	ask := h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)

	_, err = h.eng.Cancel(ctx, sym, ask.ID, 900)
	require.NoError(t, err)
	h.addLiquidity(t, 901, matching.Buy, "110", "100")

	// Close 4 of 10: 40 margin share plus 40 pnl comes back.
	equity, err := h.risk.Close(ctx, 100, sym, dec("4"))
	require.NoError(t, err)
	assert.True(t, equity.Equal(dec("80")), "equity %s", equity)

	p, err := h.risk.Position(100, sym)
	require.NoError(t, err)
	assert.True(t, p.Qty.Equal(dec("6")))
	assert.True(t, p.Margin.Equal(dec("60")), "margin %s", p.Margin)
	assert.True(t, p.Entry.Equal(dec("100")), "entry unchanged by a close")

	_, err = h.risk.Close(ctx, 100, sym, dec("7"))
	assert.Equal(t, xerr.Validation, xerr.Code(err), "cannot close more than remains")

	// Zero closes the rest.
	_, err = h.risk.Close(ctx, 100, sym, decimal.Zero)
	require.NoError(t, err)
	_, err = h.risk.Position(100, sym)
	assert.Equal(t, xerr.RecordNotFound, xerr.Code(err))
	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Equal(dec("2100")), "balance %s", avail)
}

func TestOpenAddsToSameSidePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)

	p, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)
	assert.True(t, p.Qty.Equal(dec("20")))
	assert.True(t, p.Margin.Equal(dec("200")), "margin %s", p.Margin)
	assert.True(t, p.Entry.Equal(dec("100")), "entry %s", p.Entry)

	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Equal(dec("1800")))

	// Flipping sides or switching margin mode on the slot is rejected.
	_, err = h.risk.Open(ctx, 100, sym, risk.Short, risk.Isolated, dec("5"), 10)
	assert.Equal(t, xerr.Validation, xerr.Code(err))
	_, err = h.risk.Open(ctx, 100, sym, risk.Long, risk.Cross, dec("5"), 10)
	assert.Equal(t, xerr.Validation, xerr.Code(err))
}

func TestConcurrentOpensConserveMargin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("5"), 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Both opens land on one position; every debited dollar of margin is
	// either on the position or still in the balance.
	p, err := h.risk.Position(100, sym)
	require.NoError(t, err)
	assert.True(t, p.Qty.Equal(dec("10")))
	assert.True(t, p.Margin.Equal(dec("100")), "margin %s", p.Margin)
	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Add(p.Margin).Equal(dec("2000")), "avail %s margin %s", avail, p.Margin)
}

func TestLiquidationOnMarkBreach(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)

	// Above the maintenance threshold nothing happens.
	h.risk.OnMark(ctx, sym, dec("95"))
	_, err = h.risk.Position(100, sym)
	require.NoError(t, err)

	// Mark collapses through the liquidation level; a bid at 90 absorbs
	// the forced close and the position's equity is exactly zero.
	h.addLiquidity(t, 901, matching.Buy, "90", "100")
	h.risk.OnMark(ctx, sym, dec("90"))

	_, err = h.risk.Position(100, sym)
	assert.Equal(t, xerr.RecordNotFound, xerr.Code(err), "position force-closed")

	// Margin is gone; the account keeps the rest of its balance.
	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Equal(dec("1900")))
}

func TestLiquidationLeftoverGoesToInsurance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)

	// Forced close at 95 leaves equity 100 - 50 = 50 for the fund.
	h.addLiquidity(t, 901, matching.Buy, "95", "100")
	h.risk.OnMark(ctx, sym, dec("90.4"))

	ins, _ := h.led.Balance(ledger.InsuranceAccount, "USDT")
	assert.True(t, ins.Equal(dec("50")), "insurance %s", ins)
}

func TestLiquidationDeficitDrawsInsuranceThenADL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	require.NoError(t, h.led.Credit(ctx, ledger.InsuranceAccount, "USDT", dec("30"), "seed"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)

	// Exit at 85: pnl -150 against 100 margin, deficit 50, fund has 30.
	h.addLiquidity(t, 901, matching.Buy, "85", "100")
	h.risk.OnMark(ctx, sym, dec("85"))

	_, err = h.risk.Position(100, sym)
	assert.Equal(t, xerr.RecordNotFound, xerr.Code(err))
	ins, _ := h.led.Balance(ledger.InsuranceAccount, "USDT")
	assert.True(t, ins.IsZero(), "fund drained before ADL, got %s", ins)
}

func TestCrossMarginBackedByAccountBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	p, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Cross, dec("10"), 10)
	require.NoError(t, err)
	assert.Equal(t, risk.Cross, p.Mode)

	// Mark 90 zeroes out the position's own equity. An isolated position
	// would be liquidated here; the cross pool still has 1900 behind it.
	bid := h.addLiquidity(t, 901, matching.Buy, "90", "100")
	h.risk.OnMark(ctx, sym, dec("90"))
	_, err = h.risk.Position(100, sym)
	require.NoError(t, err, "cross position survives on account balance")

	// Drain the account down to 14 and the pool can no longer cover
	// maintenance. The forced close at 89 realizes a 10 deficit, paid
	// from the account's remaining balance rather than the fund.
	_, err = h.eng.Cancel(ctx, sym, bid.ID, 901)
	require.NoError(t, err)
	require.NoError(t, h.led.Debit(ctx, 100, "USDT", dec("1886"), "withdraw"))
	h.addLiquidity(t, 902, matching.Buy, "89", "100")
	h.risk.OnMark(ctx, sym, dec("89"))

	_, err = h.risk.Position(100, sym)
	assert.Equal(t, xerr.RecordNotFound, xerr.Code(err))
	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Equal(dec("4")), "balance %s", avail)
	ins, _ := h.led.Balance(ledger.InsuranceAccount, "USDT")
	assert.True(t, ins.IsZero(), "insurance untouched, got %s", ins)
}

func TestOverdueLoanJoinsLiquidationCheck(t *testing.T) {
	h := newHarnessCfg(t, risk.Config{
		MaintenanceMarginRate: dec("0.005"),
		MaxLeverage:           50,
		LoanTerm:              time.Nanosecond,
	})
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, 100, "USDT", dec("2000"), "deposit"))
	require.NoError(t, h.led.Credit(ctx, ledger.InsuranceAccount, "USDT", dec("10000"), "seed"))
	h.addLiquidity(t, 900, matching.Sell, "100", "100")
	h.risk.OnMark(ctx, sym, dec("100"))

	_, err := h.risk.Open(ctx, 100, sym, risk.Long, risk.Isolated, dec("10"), 10)
	require.NoError(t, err)

	// The loan matures immediately under the nanosecond term.
	_, err = h.risk.Borrow(ctx, 100, "USDT", dec("300"))
	require.NoError(t, err)

	// At mark 95 the position alone has equity 50 against maintenance
	// 4.75 and would stand. The 300 overdue drags equity negative and
	// forces the close; the bid at 95 absorbs it with equity 50 left for
	// the fund.
	h.addLiquidity(t, 901, matching.Buy, "95", "100")
	h.risk.OnMark(ctx, sym, dec("95"))

	_, err = h.risk.Position(100, sym)
	assert.Equal(t, xerr.RecordNotFound, xerr.Code(err))
	ins, _ := h.led.Balance(ledger.InsuranceAccount, "USDT")
	assert.True(t, ins.Equal(dec("9750")), "insurance %s", ins)

	// Liquidation does not repay the loan; it stays outstanding.
	loan, err := h.risk.Loan(100, "USDT")
	require.NoError(t, err)
	assert.True(t, loan.Outstanding().GreaterThanOrEqual(dec("300")))
}

func TestBorrowRepayWithInterest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, ledger.InsuranceAccount, "USDT", dec("10000"), "seed"))

	loan, err := h.risk.Borrow(ctx, 100, "USDT", dec("1000"))
	require.NoError(t, err)
	assert.True(t, loan.Principal.Equal(dec("1000")))

	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.Equal(dec("1000")))

	// 1000 x 0.00001/h x 2h = 0.02 of interest, collected straight from
	// the balance into the lending pool.
	h.risk.AccrueInterest(ctx, time.Now().Add(2*time.Hour))
	loan, err = h.risk.Loan(100, "USDT")
	require.NoError(t, err)
	assert.True(t, loan.Accrued.IsZero(), "accrued collected, got %s", loan.Accrued)
	assert.True(t, loan.Principal.Equal(dec("1000")), "principal untouched")

	avail, _ = h.led.Balance(100, "USDT")
	assert.True(t, avail.LessThanOrEqual(dec("999.98")), "balance %s", avail)
	assert.True(t, avail.GreaterThan(dec("999.9")), "balance %s", avail)
	ins, _ := h.led.Balance(ledger.InsuranceAccount, "USDT")
	assert.True(t, ins.GreaterThanOrEqual(dec("9000.02")), "pool %s", ins)

	_, err = h.risk.Repay(ctx, 100, "USDT", dec("500"))
	require.NoError(t, err)
	loan, err = h.risk.Loan(100, "USDT")
	require.NoError(t, err)
	assert.True(t, loan.Outstanding().Equal(dec("500")), "outstanding %s", loan.Outstanding())
}

func TestInterestStaysOnLoanWhenBalanceEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.led.Credit(ctx, ledger.InsuranceAccount, "USDT", dec("10000"), "seed"))

	_, err := h.risk.Borrow(ctx, 100, "USDT", dec("1000"))
	require.NoError(t, err)
	require.NoError(t, h.led.Debit(ctx, 100, "USDT", dec("1000"), "withdraw"))

	h.risk.AccrueInterest(ctx, time.Now().Add(2*time.Hour))
	loan, err := h.risk.Loan(100, "USDT")
	require.NoError(t, err)
	// Uncollectable interest keeps counting toward outstanding.
	assert.True(t, loan.Accrued.GreaterThanOrEqual(dec("0.02")), "accrued %s", loan.Accrued)
	avail, _ := h.led.Balance(100, "USDT")
	assert.True(t, avail.IsZero())
}
