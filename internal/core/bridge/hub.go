// Package bridge connects to emulation cores hosted by browser
// pages. A page opens a websocket, announces the surface it
// renders to, and then serves core requests sent over it:
//
//	request:  [op][id u32 LE][payload]
//	response: [op|0x80][id u32 LE][status][payload]
//
// Payloads larger than 1 KiB are brotli compressed, which is
// flagged by bit 6 of the op byte of a request and of the status
// byte of a response.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/metrics"
	"github.com/thelolagemann/cartbox/internal/retry"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// ErrNotConnected is returned when no page renders to the
// requested surface. It is retryable, as pages connect on their
// own schedule.
var ErrNotConnected = errors.New("bridge: no page connected")

const helloWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks connected pages by surface and instantiates cores
// on them.
type Hub struct {
	log    log.Logger
	assets []string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewHub returns a hub whose pages load the given runtime
// assets.
func NewHub(logger log.Logger, assets ...string) *Hub {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Hub{
		log:     logger,
		assets:  assets,
		clients: make(map[string]*Client),
	}
}

// ServeHTTP upgrades a page connection. The first frame must be
// the page's hello; a page announcing a surface that is already
// connected replaces the previous page.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("bridge: upgrade: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(helloWait))
	_, message, err := conn.ReadMessage()
	if err != nil {
		h.log.Errorf("bridge: reading hello from %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	f, err := decode(message)
	if err == nil {
		var hl hello
		if hl, err = parseHello(f); err == nil {
			h.accept(conn, hl, r.RemoteAddr)
			return
		}
	}

	h.log.Errorf("bridge: %s: %v", r.RemoteAddr, err)
	conn.WriteMessage(websocket.BinaryMessage, encodeResponse(OpHello, 0, StatusError, []byte(err.Error())))
	conn.Close()
}

func (h *Hub) accept(conn *websocket.Conn, hl hello, remote string) {
	c := newClient(h, conn, hl)

	h.mu.Lock()
	prev := h.clients[hl.surface]
	h.clients[hl.surface] = c
	h.mu.Unlock()

	if prev != nil {
		h.log.Infof("bridge: surface %s reconnected, dropping previous page", hl.surface)
		prev.close()
	}

	metrics.BridgeConnected(1)
	h.log.Infof("bridge: page %s connected on surface %s (%s)", remote, hl.surface, hl.version)

	go c.readPump()
	go c.writePump()

	c.send <- encodeResponse(OpHello, 0, StatusOK, nil)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c.surface] == c {
		delete(h.clients, c.surface)
		metrics.SetBridgeRTT(c.surface, -1)
	}
	h.mu.Unlock()

	metrics.BridgeConnected(-1)
	h.log.Infof("bridge: page on surface %s disconnected", c.surface)
}

// Client returns the page rendering to surface, or nil.
func (h *Hub) Client(surface string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[surface]
}

// Surfaces returns the connected surfaces, sorted.
func (h *Hub) Surfaces() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.clients))
	for s := range h.clients {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Instantiate asks the page rendering to surface to create its
// core from the located runtime assets.
func (h *Hub) Instantiate(ctx context.Context, surface core.Surface, locate core.AssetLocator) (core.Module, error) {
	c := h.Client(surface.ID())
	if c == nil {
		return nil, retry.Retryable(fmt.Errorf("surface %s: %w", surface.ID(), ErrNotConnected))
	}

	located := make([]string, len(h.assets))
	for i, a := range h.assets {
		located[i] = locate(a)
	}

	if _, err := c.call(ctx, OpInstantiate, []byte(strings.Join(located, "\n"))); err != nil {
		return nil, err
	}
	return &Module{client: c}, nil
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

var _ core.Instantiator = (*Hub)(nil)
