package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/matching"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/metrics"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xerr"
)

// Deps carries everything a pair actor needs besides the pair itself.
type Deps struct {
	Funds   Funds
	Settler Settler
	Events  Events
	NextID  func() uint64

	STP         STPMode
	MarketBand  decimal.Decimal // price band for market-buy reservations
	MailboxSize int
	DepthLevels int
}

// PairActor owns one pair's book and open orders. All state behind the
// mailbox is single-writer: only the Run goroutine touches it.
type PairActor struct {
	pair *asset.Pair
	book *matching.Book
	in   chan command
	deps Deps

	orders  map[uint64]*Order
	pending map[uint64]*Order            // stop orders awaiting trigger
	groups  map[uint64]map[uint64]*Order // groupID -> members

	// Terminal orders kept so a late cancel can report already_filled
	// instead of not_found. Bounded FIFO eviction.
	done     map[uint64]doneOrder
	doneSeen []uint64

	markTicks int64
	hasMark   bool

	mailboxFull uint64
}

type doneOrder struct {
	status  Status
	account uint64
}

// doneCap bounds the terminal-order index per pair.
const doneCap = 1 << 16

func NewPairActor(pair *asset.Pair, deps Deps) *PairActor {
	if deps.MailboxSize <= 0 {
		deps.MailboxSize = 4096
	}
	if deps.DepthLevels <= 0 {
		deps.DepthLevels = 50
	}
	if deps.STP == 0 {
		deps.STP = STPCancelTaker
	}
	if deps.MarketBand.IsZero() {
		deps.MarketBand = decimal.NewFromFloat(0.05)
	}
	return &PairActor{
		pair:    pair,
		book:    matching.NewBook(),
		in:      make(chan command, deps.MailboxSize),
		deps:    deps,
		orders:  make(map[uint64]*Order, 1024),
		pending: make(map[uint64]*Order, 64),
		groups:  make(map[uint64]map[uint64]*Order, 64),
		done:    make(map[uint64]doneOrder, 1024),
	}
}

// enqueue offers a command to the mailbox without blocking.
func (a *PairActor) enqueue(cmd command) error {
	select {
	case a.in <- cmd:
		return nil
	default:
		atomic.AddUint64(&a.mailboxFull, 1)
		metrics.MailboxFull.WithLabelValues(a.pair.Symbol).Inc()
		return xerr.New(xerr.EngineUnavailable, "engine busy: mailbox full")
	}
}

func (a *PairActor) MailboxFullCount() uint64 { return atomic.LoadUint64(&a.mailboxFull) }

// Run drains the mailbox until ctx is cancelled.
func (a *PairActor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.in:
			a.dispatch(ctx, cmd)
		}
	}
}

func (a *PairActor) dispatch(ctx context.Context, cmd command) {
	switch cmd.typ {
	case cmdSubmit:
		res := a.handleSubmit(ctx, cmd.order)
		reply(cmd, res)
	case cmdCancel:
		res := a.handleCancel(ctx, cmd.cancelID, cmd.accountID)
		reply(cmd, res)
	case cmdMarkPrice:
		a.handleMark(ctx, cmd.markPrice)
	case cmdExpireSweep:
		a.handleExpire(ctx, cmd.now)
	case cmdDepth:
		bids, asks := a.book.Depth(cmd.depth)
		reply(cmd, cmdResult{bids: bids, asks: asks})
	case cmdOpenOrders:
		reply(cmd, cmdResult{orders: a.openOrders(cmd.accountID)})
	}
}

func reply(cmd command, res cmdResult) {
	if cmd.reply == nil {
		return
	}
	cmd.reply <- res
}

// snapshot copies the order for the caller so it never reads state the
// actor is still mutating.
func snapshot(o *Order) *Order {
	c := *o
	return &c
}

// ---- submit ----

func (a *PairActor) handleSubmit(ctx context.Context, o *Order) cmdResult {
	if err := a.validate(o); err != nil {
		o.Status = StatusRejected
		metrics.OrdersRejected.WithLabelValues(a.pair.Symbol, rejectReason(err)).Inc()
		return cmdResult{order: snapshot(o), err: err}
	}
	o.CreatedAt = time.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	o.Status = StatusNew
	metrics.OrdersSubmitted.WithLabelValues(a.pair.Symbol, o.Type.String()).Inc()

	if o.triggered() {
		a.orders[o.ID] = o
		a.pending[o.ID] = o
		a.joinGroup(o)
		a.notifyOrder(o)
		return cmdResult{order: snapshot(o)}
	}
	return a.runActive(ctx, o)
}

func (a *PairActor) validate(o *Order) error {
	if o.Side != matching.Buy && o.Side != matching.Sell {
		return xerr.New(xerr.Validation, "invalid side")
	}
	if o.TIF == 0 {
		o.TIF = GTC
	}
	steps, err := a.pair.QtyToSteps(o.Qty)
	if err != nil {
		return err
	}
	o.qtySteps = steps

	switch o.Type {
	case TypeMarket:
		if o.PostOnly {
			return xerr.New(xerr.Validation, "post-only requires a limit order")
		}
	case TypeLimit, TypeStopLimit:
		ticks, err := a.pair.PriceToTicks(o.Price)
		if err != nil {
			return err
		}
		o.priceTicks = ticks
	case TypeStop:
		if o.PostOnly {
			return xerr.New(xerr.Validation, "post-only requires a limit order")
		}
	case TypeTrailingStop:
		if !o.TrailOffset.IsPositive() {
			return xerr.New(xerr.Validation, "trailing stop requires a positive offset")
		}
		o.trailTicks = o.TrailOffset.Div(a.pair.TickSize).IntPart()
		if o.trailTicks <= 0 {
			return xerr.New(xerr.Validation, "trail offset below one tick")
		}
	default:
		return xerr.New(xerr.Validation, "invalid order type")
	}

	if o.Type == TypeStop || o.Type == TypeStopLimit {
		trig, err := a.pair.PriceToTicks(o.StopPrice)
		if err != nil {
			return xerr.New(xerr.Validation, "invalid stop price")
		}
		o.trigTicks = trig
	}
	if o.Type == TypeTrailingStop {
		switch {
		case o.StopPrice.IsPositive():
			o.trigTicks = o.StopPrice.Div(a.pair.TickSize).IntPart()
		case a.hasMark && o.Side == matching.Sell:
			o.trigTicks = a.markTicks - o.trailTicks
		case a.hasMark:
			o.trigTicks = a.markTicks + o.trailTicks
		default:
			return xerr.New(xerr.Validation, "trailing stop needs a stop price until a mark price exists")
		}
	}

	if o.TIF == GTD && !o.ExpireAt.After(time.Now()) {
		return xerr.New(xerr.Validation, "expire time must be in the future")
	}
	if o.TIF == GTD && o.Type == TypeMarket {
		return xerr.New(xerr.Validation, "market orders cannot be good-till-date")
	}
	if o.ReduceOnly && !o.BypassFunds {
		return xerr.New(xerr.Validation, "reduce-only is a margin order flag")
	}
	switch o.GroupRole {
	case GroupNone:
	case GroupOCO:
		if o.GroupID == 0 {
			return xerr.New(xerr.Validation, "oco orders need a group id")
		}
	case GroupGrid:
		if o.GroupID == 0 || !o.GridStep.IsPositive() {
			return xerr.New(xerr.Validation, "grid orders need a group id and step")
		}
		if _, err := a.pair.PriceToTicks(o.GridStep); err != nil {
			return xerr.New(xerr.Validation, "grid step must align to the tick size")
		}
	default:
		return xerr.New(xerr.Validation, "invalid group role")
	}
	return nil
}

// runActive takes a market or limit order through the taker pipeline:
// self-trade guard, fill-or-kill precheck, post-only guard, reservation,
// matching, then remainder disposition.
func (a *PairActor) runActive(ctx context.Context, o *Order) cmdResult {
	hasLimit := o.Type != TypeMarket
	limit := o.priceTicks

	// Market buys execute against a band-capped limit so the quote
	// reservation bounds the worst fill.
	if o.Type == TypeMarket && o.Side == matching.Buy {
		bestAsk, ok := a.book.BestAsk()
		if !ok {
			return a.rejectActive(o, xerr.New(xerr.Validation, "no liquidity for market buy"))
		}
		capPx := decimal.NewFromInt(bestAsk).Mul(decimal.NewFromInt(1).Add(a.deps.MarketBand))
		limit = capPx.Ceil().IntPart()
		hasLimit = true
	}

	if a.deps.STP == STPReject && a.book.WouldSelfTrade(o.Side, limit, hasLimit, o.AccountID) {
		return a.rejectActive(o, xerr.New(xerr.SelfTrade, "order would match own resting order"))
	}

	if o.TIF == FOK {
		avail := a.book.AvailableQty(o.Side, limit, hasLimit, o.AccountID, o.RemainingSteps())
		if avail < o.RemainingSteps() {
			o.Status = StatusCancelled
			o.UpdatedAt = time.Now().UTC()
			a.notifyOrder(o)
			return cmdResult{order: snapshot(o)}
		}
	}

	if o.PostOnly {
		if a.wouldCross(o) {
			return a.rejectActive(o, xerr.New(xerr.Validation, "post-only order would trade immediately"))
		}
	}

	if !o.BypassFunds {
		if err := a.reserve(ctx, o, limit); err != nil {
			return a.rejectActive(o, err)
		}
	}

	mo := &matching.Order{ID: o.ID, AccountID: o.AccountID, Side: o.Side, Price: limit, Qty: o.RemainingSteps()}
	fills, selfHit := a.book.Execute(mo, hasLimit)
	o.filledSteps = o.qtySteps - mo.Qty

	settleErr := a.settleFills(ctx, o, fills)
	if settleErr != nil {
		// Book state is already applied; stop the order here rather than
		// guess at a safe retry.
		a.finishOrder(ctx, o, StatusRejected)
		return cmdResult{order: snapshot(o), err: settleErr}
	}

	if selfHit && a.deps.STP == STPCancelTaker {
		a.finishOrder(ctx, o, StatusCancelled)
		a.publishDepth()
		return cmdResult{order: snapshot(o)}
	}

	a.disposeRemainder(ctx, o)
	a.publishDepth()
	return cmdResult{order: snapshot(o)}
}

func (a *PairActor) rejectActive(o *Order, err error) cmdResult {
	o.Status = StatusRejected
	o.UpdatedAt = time.Now().UTC()
	metrics.OrdersRejected.WithLabelValues(a.pair.Symbol, rejectReason(err)).Inc()
	a.notifyOrder(o)
	return cmdResult{order: snapshot(o), err: err}
}

func rejectReason(err error) string {
	switch xerr.Code(err) {
	case xerr.InsufficientBalance:
		return "insufficient_balance"
	case xerr.SelfTrade:
		return "self_trade"
	default:
		return "validation"
	}
}

func (a *PairActor) wouldCross(o *Order) bool {
	if o.Side == matching.Buy {
		best, ok := a.book.BestAsk()
		return ok && o.priceTicks >= best
	}
	best, ok := a.book.BestBid()
	return ok && o.priceTicks <= best
}

// reserve holds the funds the order can spend at worst. Sells hold base;
// buys hold quote at the limit (or band cap) price.
func (a *PairActor) reserve(ctx context.Context, o *Order, limit int64) error {
	var assetCode string
	var amount decimal.Decimal
	if o.Side == matching.Sell {
		assetCode = a.pair.Base
		amount = a.pair.StepsToQty(o.RemainingSteps())
	} else {
		assetCode = a.pair.Quote
		amount = a.pair.Notional(limit, o.RemainingSteps())
	}
	id, err := a.deps.Funds.Reserve(ctx, o.AccountID, assetCode, amount, orderRef(o.ID))
	if err != nil {
		return err
	}
	o.reservation = id
	return nil
}

func (a *PairActor) settleFills(ctx context.Context, taker *Order, fills []matching.Fill) error {
	for _, f := range fills {
		maker := a.orders[f.MakerID]
		if maker == nil {
			logger.Error(ctx, "fill references unknown maker order",
				zap.String("symbol", a.pair.Symbol), zap.Uint64("maker_id", f.MakerID))
			continue
		}
		fs := FillSettlement{
			Pair:  a.pair,
			Price: a.pair.TicksToPrice(f.Price),
			Qty:   a.pair.StepsToQty(f.Qty),
			Taker: Party{OrderID: taker.ID, Account: taker.AccountID, Side: taker.Side,
				Reservation: taker.reservation, BypassFunds: taker.BypassFunds},
			Maker: Party{OrderID: maker.ID, Account: maker.AccountID, Side: maker.Side,
				Reservation: maker.reservation, BypassFunds: maker.BypassFunds},
		}
		exec, err := a.deps.Settler.Settle(ctx, fs)
		if err != nil {
			logger.Error(ctx, "settlement failed",
				zap.String("symbol", a.pair.Symbol),
				zap.Uint64("taker_id", taker.ID), zap.Uint64("maker_id", maker.ID),
				zap.Error(err))
			return err
		}
		metrics.TradesMatched.WithLabelValues(a.pair.Symbol).Inc()

		fillNotional := exec.Price.Mul(exec.Qty)
		taker.FilledNotional = taker.FilledNotional.Add(fillNotional)
		maker.FilledNotional = maker.FilledNotional.Add(fillNotional)

		maker.filledSteps += f.Qty
		maker.UpdatedAt = exec.CreatedAt
		if a.book.Get(maker.ID) == nil {
			a.finishOrder(ctx, maker, StatusFilled)
		} else {
			maker.Status = StatusPartial
			a.notifyOrder(maker)
		}
		if a.deps.Events != nil {
			a.deps.Events.OnTrade(exec)
		}
	}
	return nil
}

// disposeRemainder decides what happens to the unfilled part of a taker.
func (a *PairActor) disposeRemainder(ctx context.Context, o *Order) {
	rem := o.RemainingSteps()
	if rem == 0 {
		a.finishOrder(ctx, o, StatusFilled)
		return
	}
	rests := o.Type == TypeLimit && (o.TIF == GTC || o.TIF == GTD)
	if !rests {
		// Market and IOC remainders die. FOK never reaches here unfilled.
		a.finishOrder(ctx, o, StatusCancelled)
		return
	}
	a.book.Add(&matching.Order{ID: o.ID, AccountID: o.AccountID, Side: o.Side, Price: o.priceTicks, Qty: rem})
	if o.filledSteps > 0 {
		o.Status = StatusPartial
	} else {
		o.Status = StatusOpen
	}
	o.UpdatedAt = time.Now().UTC()
	a.orders[o.ID] = o
	a.joinGroup(o)
	a.notifyOrder(o)
}

// finishOrder retires an order: leftover reservation released, group
// side effects applied, state published.
func (a *PairActor) finishOrder(ctx context.Context, o *Order, st Status) {
	o.Status = st
	o.UpdatedAt = time.Now().UTC()
	delete(a.orders, o.ID)
	delete(a.pending, o.ID)
	a.leaveGroup(o)
	a.recordDone(o)

	if !o.BypassFunds && o.reservation != uuid.Nil {
		if err := a.deps.Funds.Release(ctx, o.reservation, orderRef(o.ID)); err != nil {
			code := xerr.Code(err)
			if code != xerr.RecordNotFound && code != xerr.AlreadyTerminal {
				logger.Error(ctx, "release remainder failed",
					zap.Uint64("order_id", o.ID), zap.Error(err))
			}
		}
	}
	a.notifyOrder(o)

	switch o.GroupRole {
	case GroupOCO:
		if st == StatusFilled {
			a.cancelGroup(ctx, o.GroupID, o.ID)
		}
	case GroupGrid:
		if st == StatusFilled {
			a.rearmGrid(ctx, o)
		}
	}
}

func (a *PairActor) notifyOrder(o *Order) {
	if a.deps.Events == nil {
		return
	}
	a.deps.Events.OnOrder(a.pair.Symbol, OrderUpdate{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Status:    o.Status,
		FilledQty: a.pair.StepsToQty(o.filledSteps),
		Ts:        o.UpdatedAt,
	})
}

func (a *PairActor) publishDepth() {
	if a.deps.Events == nil {
		return
	}
	bids, asks := a.book.Depth(a.deps.DepthLevels)
	a.deps.Events.OnDepth(a.pair.Symbol, bids, asks)
}

// ---- groups ----

func (a *PairActor) joinGroup(o *Order) {
	if o.GroupRole == GroupNone || o.GroupID == 0 {
		return
	}
	g := a.groups[o.GroupID]
	if g == nil {
		g = make(map[uint64]*Order, 2)
		a.groups[o.GroupID] = g
	}
	g[o.ID] = o
}

func (a *PairActor) leaveGroup(o *Order) {
	if o.GroupRole == GroupNone || o.GroupID == 0 {
		return
	}
	g := a.groups[o.GroupID]
	if g == nil {
		return
	}
	delete(g, o.ID)
	if len(g) == 0 {
		delete(a.groups, o.GroupID)
	}
}

// cancelGroup cancels every member of a group except the one that caused
// the cancellation.
func (a *PairActor) cancelGroup(ctx context.Context, groupID, exceptID uint64) {
	g := a.groups[groupID]
	if g == nil {
		return
	}
	ids := make([]uint64, 0, len(g))
	for id := range g {
		if id != exceptID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		sib := a.orders[id]
		if sib == nil {
			continue
		}
		a.book.Cancel(id)
		a.finishOrder(ctx, sib, StatusCancelled)
	}
}

// rearmGrid schedules the mirrored leg after a grid order fills: a
// filled buy re-arms a sell one grid step above its price, and vice
// versa. The new leg goes through the mailbox as its own submission, so
// it matches after the command that filled its parent completes.
func (a *PairActor) rearmGrid(ctx context.Context, filled *Order) {
	stepTicks := filled.GridStep.Div(a.pair.TickSize).IntPart()
	var side uint8
	var price int64
	if filled.Side == matching.Buy {
		side = matching.Sell
		price = filled.priceTicks + stepTicks
	} else {
		side = matching.Buy
		price = filled.priceTicks - stepTicks
	}
	if price <= 0 {
		return
	}
	next := &Order{
		ID:        a.deps.NextID(),
		AccountID: filled.AccountID,
		Symbol:    filled.Symbol,
		Type:      TypeLimit,
		Side:      side,
		TIF:       GTC,
		Price:     a.pair.TicksToPrice(price),
		Qty:       a.pair.StepsToQty(filled.qtySteps),
		GroupID:   filled.GroupID,
		GroupRole: GroupGrid,
		GridStep:  filled.GridStep,
	}
	if err := a.enqueue(command{typ: cmdSubmit, order: next}); err != nil {
		logger.Warn(ctx, "grid re-arm dropped",
			zap.String("symbol", a.pair.Symbol),
			zap.Uint64("group_id", filled.GroupID),
			zap.Error(err))
	}
}

// openOrders copies every live order for an account, pending stops
// included.
func (a *PairActor) openOrders(accountID uint64) []*Order {
	out := make([]*Order, 0, 8)
	for _, o := range a.orders {
		if o.AccountID == accountID {
			out = append(out, snapshot(o))
		}
	}
	return out
}

func (a *PairActor) recordDone(o *Order) {
	if _, seen := a.done[o.ID]; !seen {
		a.doneSeen = append(a.doneSeen, o.ID)
	}
	a.done[o.ID] = doneOrder{status: o.Status, account: o.AccountID}
	for len(a.doneSeen) > doneCap {
		delete(a.done, a.doneSeen[0])
		a.doneSeen = a.doneSeen[1:]
	}
}

// ---- cancel ----

func (a *PairActor) handleCancel(ctx context.Context, orderID, accountID uint64) cmdResult {
	o := a.orders[orderID]
	if o == nil || (accountID != 0 && o.AccountID != accountID) {
		// Distinguish an id that reached a terminal state from one the
		// pair never saw.
		if rec, terminal := a.done[orderID]; terminal && (accountID == 0 || rec.account == accountID) {
			return cmdResult{err: xerr.Newf(xerr.AlreadyTerminal, "order %d already %s", orderID, rec.status)}
		}
		return cmdResult{err: xerr.Newf(xerr.OrderNotFound, "order %d not found", orderID)}
	}
	a.book.Cancel(orderID)
	if o.GroupRole == GroupOCO {
		a.cancelGroup(ctx, o.GroupID, o.ID)
	}
	a.finishOrder(ctx, o, StatusCancelled)
	a.publishDepth()
	return cmdResult{order: snapshot(o)}
}

// ---- mark price ----

// handleMark moves trailing triggers, fires stop orders whose trigger the
// mark crossed, then hands fired orders to the taker pipeline.
func (a *PairActor) handleMark(ctx context.Context, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	mark := price.Div(a.pair.TickSize).IntPart()
	if mark <= 0 {
		return
	}
	a.markTicks = mark
	a.hasMark = true

	var fired []*Order
	for _, o := range a.pending {
		if o.Type == TypeTrailingStop {
			a.updateTrail(o, mark)
		}
		if a.shouldTrigger(o, mark) {
			fired = append(fired, o)
		}
	}
	for _, o := range fired {
		delete(a.pending, o.ID)
		delete(a.orders, o.ID)
		if o.GroupRole == GroupOCO {
			a.cancelGroup(ctx, o.GroupID, o.ID)
		}
		a.fireTriggered(ctx, o)
	}
}

// updateTrail ratchets the trigger toward the mark; it never backs off.
func (a *PairActor) updateTrail(o *Order, mark int64) {
	if o.Side == matching.Sell {
		trig := mark - o.trailTicks
		if o.trigTicks == 0 || trig > o.trigTicks {
			o.trigTicks = trig
		}
		return
	}
	trig := mark + o.trailTicks
	if o.trigTicks == 0 || trig < o.trigTicks {
		o.trigTicks = trig
	}
}

func (a *PairActor) shouldTrigger(o *Order, mark int64) bool {
	if o.trigTicks <= 0 {
		return false
	}
	// Buy stops fire on the way up, sell stops on the way down.
	if o.Side == matching.Buy {
		return mark >= o.trigTicks
	}
	return mark <= o.trigTicks
}

func (a *PairActor) fireTriggered(ctx context.Context, o *Order) {
	switch o.Type {
	case TypeStopLimit:
		o.Type = TypeLimit
	default:
		o.Type = TypeMarket
		o.priceTicks = 0
		o.Price = decimal.Zero
	}
	res := a.runActive(ctx, o)
	if res.err != nil {
		logger.Warn(ctx, "triggered order rejected",
			zap.String("symbol", a.pair.Symbol),
			zap.Uint64("order_id", o.ID),
			zap.Error(res.err))
	}
}

// ---- expiry ----

func (a *PairActor) handleExpire(ctx context.Context, now time.Time) {
	var expired []*Order
	for _, o := range a.orders {
		if o.TIF == GTD && !o.ExpireAt.IsZero() && !now.Before(o.ExpireAt) {
			expired = append(expired, o)
		}
	}
	for _, o := range expired {
		a.book.Cancel(o.ID)
		a.finishOrder(ctx, o, StatusExpired)
	}
	if len(expired) > 0 {
		a.publishDepth()
	}
}

func orderRef(id uint64) string { return fmt.Sprintf("order:%d", id) }
