package matching

type priceLevel struct {
	price int64
	head  *lvNode
	tail  *lvNode
	size  int64
	qty   int64 // sum of remaining qty at this price
}

// lvNode is one resting order in a level's FIFO list.
type lvNode struct {
	prev  *lvNode
	next  *lvNode
	order *Order
	lv    *priceLevel
	side  uint8
}

// pushBack appends to the queue tail, so same-price orders keep time
// priority for free.
func (l *priceLevel) pushBack(n *lvNode) {
	n.prev, n.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.size++
	l.qty += n.order.Qty
}

func (l *priceLevel) remove(n *lvNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.size--
	l.qty -= n.order.Qty
}

func (l *priceLevel) empty() bool {
	return l.size == 0
}

// Book is a single pair's order book: price -> FIFO level on each side,
// an orderID index for O(1) cancel, and cached best prices. It is not
// safe for concurrent use; the owning actor serializes access.
type Book struct {
	asks    map[int64]*priceLevel
	bids    map[int64]*priceLevel
	byID    map[uint64]*lvNode
	bestAsk int64
	bestBid int64
	hasAsk  bool
	hasBid  bool
}

func NewBook() *Book {
	return &Book{
		asks: make(map[int64]*priceLevel, 1024),
		bids: make(map[int64]*priceLevel, 1024),
		byID: make(map[uint64]*lvNode, 1024),
	}
}

// Add rests an order on the book. Duplicate ids and non-positive
// quantities are ignored.
func (b *Book) Add(order *Order) {
	if order == nil || order.Qty <= 0 {
		return
	}
	if _, exists := b.byID[order.ID]; exists {
		return
	}
	if order.Side == Sell {
		lv := b.asks[order.Price]
		if lv == nil {
			lv = &priceLevel{price: order.Price}
			b.asks[order.Price] = lv
		}
		n := &lvNode{order: order, lv: lv, side: Sell}
		lv.pushBack(n)
		b.byID[order.ID] = n
		if !b.hasAsk || order.Price < b.bestAsk {
			b.bestAsk = order.Price
			b.hasAsk = true
		}
		return
	}
	if order.Side == Buy {
		lv := b.bids[order.Price]
		if lv == nil {
			lv = &priceLevel{price: order.Price}
			b.bids[order.Price] = lv
		}
		n := &lvNode{order: order, lv: lv, side: Buy}
		lv.pushBack(n)
		b.byID[order.ID] = n
		if !b.hasBid || order.Price > b.bestBid {
			b.bestBid = order.Price
			b.hasBid = true
		}
	}
}

// Cancel unlinks the order in O(1) via the id index. Returns false when
// the order is not resting.
func (b *Book) Cancel(orderID uint64) bool {
	n := b.byID[orderID]
	if n == nil {
		return false
	}
	lv := n.lv
	lv.remove(n)
	delete(b.byID, orderID)

	if lv.empty() {
		if n.side == Sell {
			delete(b.asks, lv.price)
			// Only recompute when the best level drained.
			if b.hasAsk && lv.price == b.bestAsk {
				b.recomputeBestAsk()
			}
		} else {
			delete(b.bids, lv.price)
			if b.hasBid && lv.price == b.bestBid {
				b.recomputeBestBid()
			}
		}
	}
	return true
}

// Get returns the resting order for id, or nil.
func (b *Book) Get(orderID uint64) *Order {
	n := b.byID[orderID]
	if n == nil {
		return nil
	}
	return n.order
}

// Reduce shrinks a resting order's remaining quantity in place, keeping
// its queue position. Returns false when the order is not resting or the
// reduction would not leave a positive remainder.
func (b *Book) Reduce(orderID uint64, by int64) bool {
	n := b.byID[orderID]
	if n == nil || by <= 0 || n.order.Qty <= by {
		return false
	}
	n.order.Qty -= by
	n.lv.qty -= by
	return true
}

func (b *Book) BestAsk() (price int64, ok bool) {
	if !b.hasAsk {
		return 0, false
	}
	return b.bestAsk, true
}

func (b *Book) BestBid() (price int64, ok bool) {
	if !b.hasBid {
		return 0, false
	}
	return b.bestBid, true
}

func (b *Book) recomputeBestAsk() {
	var best int64
	first := true
	for p, lv := range b.asks {
		if lv == nil || lv.empty() {
			continue
		}
		if first || p < best {
			best = p
			first = false
		}
	}
	if first {
		b.hasAsk = false
		b.bestAsk = 0
		return
	}
	b.hasAsk = true
	b.bestAsk = best
}

func (b *Book) recomputeBestBid() {
	var best int64
	first := true
	for p, lv := range b.bids {
		if lv == nil || lv.empty() {
			continue
		}
		if first || p > best {
			best = p
			first = false
		}
	}
	if first {
		b.hasBid = false
		b.bestBid = 0
		return
	}
	b.hasBid = true
	b.bestBid = best
}

// crosses reports whether a taker at limit can trade against the current
// best opposite price. A taker with no limit crosses anything.
func crosses(side uint8, limit int64, hasLimit bool, best int64) bool {
	if !hasLimit {
		return true
	}
	if side == Buy {
		return limit >= best
	}
	return limit <= best
}

// Execute sweeps the opposite side in price-time order until the taker is
// filled, the book stops crossing, or the next maker in line belongs to
// the taker's own account. It never rests the remainder; the caller
// decides what happens to leftover quantity. Fills always print at the
// maker's price. selfHit is true when matching stopped on an own-account
// maker with taker quantity still open.
func (b *Book) Execute(taker *Order, hasLimit bool) (fills []Fill, selfHit bool) {
	if taker == nil || taker.Qty <= 0 {
		return nil, false
	}
	fills = make([]Fill, 0, 8)

	for taker.Qty > 0 {
		var lv *priceLevel
		if taker.Side == Buy {
			if !b.hasAsk || !crosses(Buy, taker.Price, hasLimit, b.bestAsk) {
				break
			}
			lv = b.asks[b.bestAsk]
			if lv == nil || lv.empty() {
				b.recomputeBestAsk()
				continue
			}
		} else {
			if !b.hasBid || !crosses(Sell, taker.Price, hasLimit, b.bestBid) {
				break
			}
			lv = b.bids[b.bestBid]
			if lv == nil || lv.empty() {
				b.recomputeBestBid()
				continue
			}
		}

		for taker.Qty > 0 && !lv.empty() {
			mn := lv.head
			maker := mn.order
			if maker.AccountID == taker.AccountID {
				return fills, true
			}
			exec := min64(taker.Qty, maker.Qty)
			fills = append(fills, Fill{
				TakerID:      taker.ID,
				MakerID:      maker.ID,
				TakerAccount: taker.AccountID,
				MakerAccount: maker.AccountID,
				Price:        lv.price,
				Qty:          exec,
			})
			taker.Qty -= exec
			maker.Qty -= exec
			lv.qty -= exec
			if maker.Qty == 0 {
				lv.remove(mn)
				delete(b.byID, maker.ID)
			}
		}

		if lv.empty() {
			if taker.Side == Buy {
				delete(b.asks, lv.price)
				b.recomputeBestAsk()
			} else {
				delete(b.bids, lv.price)
				b.recomputeBestBid()
			}
		}
	}
	return fills, false
}

// AvailableQty sums the opposite-side quantity a taker from account
// could actually execute, up to need. It walks levels best-first in the
// same order Execute sweeps them and stops at the first own-account
// maker, because matching halts there; liquidity queued behind an own
// order is unreachable. Used for fill-or-kill prechecks.
func (b *Book) AvailableQty(side uint8, limit int64, hasLimit bool, account uint64, need int64) int64 {
	var levels map[int64]*priceLevel
	if side == Buy {
		levels = b.asks
	} else {
		levels = b.bids
	}
	prices := make([]int64, 0, len(levels))
	for price, lv := range levels {
		if lv == nil || lv.empty() || !crosses(side, limit, hasLimit, price) {
			continue
		}
		prices = append(prices, price)
	}
	// Best price first, mirroring the sweep order of Execute.
	for i := 1; i < len(prices); i++ {
		for j := i; j > 0; j-- {
			better := prices[j] < prices[j-1]
			if side == Sell {
				better = prices[j] > prices[j-1]
			}
			if !better {
				break
			}
			prices[j], prices[j-1] = prices[j-1], prices[j]
		}
	}
	var total int64
	for _, price := range prices {
		for n := levels[price].head; n != nil; n = n.next {
			if account != 0 && n.order.AccountID == account {
				return total
			}
			total += n.order.Qty
			if total >= need {
				return total
			}
		}
	}
	return total
}

// WouldSelfTrade reports whether a taker from account would meet one of
// its own resting orders within the crossable price range.
func (b *Book) WouldSelfTrade(side uint8, limit int64, hasLimit bool, account uint64) bool {
	var levels map[int64]*priceLevel
	if side == Buy {
		levels = b.asks
	} else {
		levels = b.bids
	}
	for price, lv := range levels {
		if lv == nil || lv.empty() {
			continue
		}
		if !crosses(side, limit, hasLimit, price) {
			continue
		}
		for n := lv.head; n != nil; n = n.next {
			if n.order.AccountID == account {
				return true
			}
		}
	}
	return false
}

// Depth returns up to maxLevels aggregated levels per side, best first.
func (b *Book) Depth(maxLevels int) (bids, asks []PriceQty) {
	bids = topLevels(b.bids, maxLevels, true)
	asks = topLevels(b.asks, maxLevels, false)
	return bids, asks
}

func topLevels(levels map[int64]*priceLevel, maxLevels int, desc bool) []PriceQty {
	out := make([]PriceQty, 0, len(levels))
	for _, lv := range levels {
		if lv == nil || lv.empty() {
			continue
		}
		out = append(out, PriceQty{Price: lv.price, Qty: lv.qty})
	}
	// Insertion sort: depth snapshots are small and levels are few.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			better := out[j].Price > out[j-1].Price
			if !desc {
				better = out[j].Price < out[j-1].Price
			}
			if !better {
				break
			}
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if maxLevels > 0 && len(out) > maxLevels {
		out = out[:maxLevels]
	}
	return out
}
