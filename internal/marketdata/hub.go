package marketdata

import (
	"sync"
)

// Hub fans payloads out to websocket subscribers by topic. Publishing is
// non-blocking per connection; a slow client drops frames instead of
// stalling the feed. The last payload per topic is kept so a new
// subscriber gets a snapshot immediately.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{}
	last map[string][]byte
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Conn]struct{}, 1024),
		last: make(map[string][]byte, 1024),
	}
}

func (h *Hub) Subscribe(c *Conn, topics []string) {
	h.mu.Lock()
	for _, t := range topics {
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
		}
		set[c] = struct{}{}
	}
	// Snapshot under the same lock, so a publish racing the subscribe
	// cannot slip between registration and replay.
	type snap struct {
		topic string
		data  []byte
	}
	snaps := make([]snap, 0, len(topics))
	for _, t := range topics {
		if b := h.last[t]; b != nil {
			cp := make([]byte, len(b))
			copy(cp, b)
			snaps = append(snaps, snap{t, cp})
		}
	}
	h.mu.Unlock()

	for _, s := range snaps {
		_ = c.Offer(s.topic, s.data)
	}
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	for _, t := range topics {
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) RemoveConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

func (h *Hub) Publish(topic string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	h.mu.Lock()
	h.last[topic] = cp
	set := h.subs[topic]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Offer(topic, cp)
	}
}
