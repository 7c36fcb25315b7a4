package matching

// Order sides.
const (
	Buy uint8 = iota + 1
	Sell
)

// Order is a resting or incoming book order. Price is in ticks and Qty in
// steps of the pair, so all book arithmetic stays in int64. Qty is the
// remaining quantity and shrinks as fills consume the order.
type Order struct {
	ID        uint64
	AccountID uint64
	Side      uint8
	Price     int64
	Qty       int64
}

// Fill is one taker-maker execution at a single price level. Price is
// always the maker's resting price.
type Fill struct {
	TakerID      uint64
	MakerID      uint64
	TakerAccount uint64
	MakerAccount uint64
	Price        int64
	Qty          int64
}

// PriceQty is one aggregated depth level.
type PriceQty struct {
	Price int64
	Qty   int64
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
