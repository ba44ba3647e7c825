package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrDisconnected is returned for requests to a page that went
// away. It wraps core.ErrFatal, as the module it hosted is lost.
var ErrDisconnected = fmt.Errorf("bridge: page disconnected: %w", core.ErrFatal)

var errRTTUnsupported = errors.New("bridge: round trip time unavailable on this platform")

// Client is a connected page hosting a core.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	surface string
	version string

	connectedAt time.Time
	avgLatency  atomic.Uint32 // ms

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan frame

	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, hl hello) *Client {
	return &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, 64),
		surface:     hl.surface,
		version:     hl.version,
		connectedAt: time.Now(),
		pending:     make(map[uint32]chan frame),
		closed:      make(chan struct{}),
	}
}

// Surface returns the surface the page renders to.
func (c *Client) Surface() string { return c.surface }

// Version returns the version of the page's core.
func (c *Client) Version() string { return c.version }

// Latency returns the smoothed round trip time to the page.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.avgLatency.Load()) * time.Millisecond
}

// close fails every pending request and stops the pumps. It is
// safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()

		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()

		c.hub.unregister(c)
	})
}

// call sends op to the page and waits for its response. The
// response status is mapped onto the core error values.
func (c *Client) call(ctx context.Context, op Op, payload []byte) ([]byte, error) {
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	select {
	case c.send <- encodeRequest(op, id, payload):
	case <-c.closed:
		return nil, ErrDisconnected
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return f.payload, statusError(op, f)
	case <-c.closed:
		return nil, ErrDisconnected
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func statusError(op Op, f frame) error {
	msg := string(f.payload)
	switch f.status {
	case StatusOK:
		return nil
	case StatusUnsupported:
		return fmt.Errorf("op %d: %s: %w", op, msg, core.ErrUnsupported)
	case StatusFatal:
		return fmt.Errorf("op %d: %s: %w", op, msg, core.ErrFatal)
	case StatusRejected:
		return fmt.Errorf("op %d: %s: %w", op, msg, core.ErrRejected)
	default:
		if msg == "" {
			msg = "request failed"
		}
		return fmt.Errorf("op %d: %s", op, msg)
	}
}

// readPump delivers responses to their callers until the
// connection fails.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(MaxPayload + responseHeader)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Errorf("bridge: surface %s: %v", c.surface, err)
			}
			return
		}

		f, err := decode(message)
		if err != nil {
			c.hub.log.Errorf("bridge: surface %s: %v", c.surface, err)
			continue
		}
		if !f.response {
			c.hub.log.Debugf("bridge: surface %s: ignoring request op %d", c.surface, f.op)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.id]
		delete(c.pending, f.id)
		c.mu.Unlock()
		if !ok {
			// the caller gave up
			continue
		}
		ch <- f
	}
}

// writePump writes queued frames and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
			c.updateLatency()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// updateLatency folds the kernel's RTT estimate into the moving
// average. Connections that are not TCP are left alone.
func (c *Client) updateLatency() {
	conn, ok := c.conn.UnderlyingConn().(*net.TCPConn)
	if !ok {
		return
	}
	rtt, err := tcpRTT(conn)
	if err != nil {
		if !errors.Is(err, errRTTUnsupported) {
			c.hub.log.Debugf("bridge: surface %s: %v", c.surface, err)
		}
		return
	}

	ms := uint32(rtt / time.Millisecond)
	avg := (c.avgLatency.Load()*9 + ms) / 10
	c.avgLatency.Store(avg)
	metrics.SetBridgeRTT(c.surface, int(avg))
}
