package marketdata

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var errConnClosed = errors.New("ws: connection closed")

// frame is one outbound message: the topic plus its payload.
type frame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Conn wraps one websocket client. All writes go through a buffered
// channel drained by a single writer goroutine, per gorilla's one-writer
// rule.
type Conn struct {
	ws   *websocket.Conn
	send chan frame

	closeOnce sync.Once
	done      chan struct{}

	dropped uint64
	mu      sync.Mutex
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan frame, sendBuffer),
		done: make(chan struct{}),
	}
}

// Offer queues a payload without blocking. Full buffer means the client
// is too slow; the frame is dropped and counted.
func (c *Conn) Offer(topic string, payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame{Topic: topic, Data: payload}:
		return nil
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		return nil
	}
}

func (c *Conn) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// WritePump drains the send queue onto the socket and keeps the
// connection alive with pings. Run it in its own goroutine; it exits
// when the connection closes.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientMsg is the inbound subscribe protocol.
type clientMsg struct {
	Op     string   `json:"op"` // subscribe | unsubscribe
	Topics []string `json:"topics"`
}

// ReadPump consumes subscribe/unsubscribe requests until the client
// disconnects, then detaches the connection from the hub.
func (c *Conn) ReadPump(hub *Hub) {
	defer func() {
		hub.RemoveConn(c)
		c.Close()
	}()
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMsg
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Op {
		case "subscribe":
			hub.Subscribe(c, msg.Topics)
		case "unsubscribe":
			hub.Unsubscribe(c, msg.Topics)
		}
	}
}
