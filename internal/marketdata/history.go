package marketdata

import "sync"

const defaultHistoryDepth = 1000

// History keeps the most recent bars per symbol and timeframe in a ring,
// serving chart backfills without a round trip to storage.
type History struct {
	mu    sync.RWMutex
	rings map[string][]Bar // key symbol|tf, newest last
	depth int
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	return &History{
		rings: make(map[string][]Bar, 64),
		depth: depth,
	}
}

func (h *History) Add(b Bar) {
	key := b.Symbol + "|" + b.TF
	h.mu.Lock()
	ring := append(h.rings[key], b)
	if len(ring) > h.depth {
		ring = ring[len(ring)-h.depth:]
	}
	h.rings[key] = ring
	h.mu.Unlock()
}

// Klines returns up to limit bars, oldest first.
func (h *History) Klines(symbol, tf string, limit int) []Bar {
	h.mu.RLock()
	ring := h.rings[symbol+"|"+tf]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]Bar, limit)
	copy(out, ring[len(ring)-limit:])
	h.mu.RUnlock()
	return out
}
