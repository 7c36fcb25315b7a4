package marketdata

import (
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// Broker moves feed payloads between processes. Topics use the feed's
// colon form ("trades:BTC/USDT"); implementations map that onto their
// own addressing.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) (unsubscribe func(), err error)
	Close()
}

// NatsBroker bridges feed topics onto NATS subjects. Colons become dots
// and slashes become dashes, since both are significant to NATS.
type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string) (*NatsBroker, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(topic string, payload []byte) error {
	return b.nc.Publish(toSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(topic string, handler func([]byte)) (func(), error) {
	sub, err := b.nc.Subscribe(toSubject(topic), func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NatsBroker) Close() {
	b.nc.Close()
}

func toSubject(topic string) string {
	s := strings.ReplaceAll(topic, "/", "-")
	return strings.ReplaceAll(s, ":", ".")
}

// MemBroker is an in-process Broker for single-node deployments and
// tests.
type MemBroker struct {
	mu   sync.RWMutex
	subs map[string]map[int]func([]byte)
	next int
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string]map[int]func([]byte), 64)}
}

func (b *MemBroker) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *MemBroker) Subscribe(topic string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[topic]
	if set == nil {
		set = make(map[int]func([]byte), 4)
		b.subs[topic] = set
	}
	id := b.next
	b.next++
	set[id] = handler
	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}, nil
}

func (b *MemBroker) Close() {}
