package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/fanout/notify_plane/channel"
	"github.com/itskum47/fanout/notify_plane/observability"
)

const (
	maxWSConnections = 1000
	wsWriteWait      = 5 * time.Second
)

var errHubFull = errors.New("websocket hub at capacity")

// wsClient serializes writes to one connection. gorilla allows a single
// concurrent writer per conn.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// ConnectionHub holds the WebSocket connections of this process keyed by
// subscriber id. It is the websocket delivery channel: unknown ids and failed
// writes are reported as a closed channel.
type ConnectionHub struct {
	clients map[string]*wsClient
	mu      sync.RWMutex
	max     int
	logger  zerolog.Logger
}

// NewConnectionHub creates a hub that accepts at most maxConns connections.
// A non-positive maxConns uses the default cap.
func NewConnectionHub(maxConns int, logger zerolog.Logger) *ConnectionHub {
	if maxConns <= 0 {
		maxConns = maxWSConnections
	}
	return &ConnectionHub{
		clients: make(map[string]*wsClient),
		max:     maxConns,
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Attach adds a connection under id. Re-attaching an id replaces and closes
// the previous connection.
func (h *ConnectionHub) Attach(id string, conn *websocket.Conn) error {
	h.mu.Lock()
	old, exists := h.clients[id]
	// Connection cap to prevent overload
	if !exists && len(h.clients) >= h.max {
		h.mu.Unlock()
		h.logger.Warn().Int("max", h.max).Msg("websocket connection rejected: max connections reached")
		return errHubFull
	}
	h.clients[id] = &wsClient{conn: conn}
	total := len(h.clients)
	h.mu.Unlock()

	if exists {
		old.conn.Close()
	} else {
		observability.ActiveConnections.Inc()
	}
	h.logger.Debug().Str("subscriber_id", id).Int("total", total).Msg("websocket client attached")
	return nil
}

// Detach removes and closes the connection for id if it is still attached.
func (h *ConnectionHub) Detach(id string) {
	h.detach(id, nil)
}

// detach removes id only when it still maps to want (any connection when
// want is nil), so a stale writer cannot drop a newer connection.
func (h *ConnectionHub) detach(id string, want *wsClient) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok || (want != nil && c != want) {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	total := len(h.clients)
	h.mu.Unlock()

	c.conn.Close()
	observability.ActiveConnections.Dec()
	h.logger.Debug().Str("subscriber_id", id).Int("total", total).Msg("websocket client detached")
}

// Send writes payload as one text frame to the connection registered as id.
func (h *ConnectionHub) Send(ctx context.Context, id string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no local connection for %s", channel.ErrClosed, id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()

	if err != nil {
		h.detach(id, c)
		return fmt.Errorf("%w: write to %s: %v", channel.ErrClosed, id, err)
	}
	return nil
}

// Ping writes a ping control frame to id. Control frames may be written
// concurrently with data frames.
func (h *ConnectionHub) Ping(id string) error {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return channel.ErrClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// ClientCount returns the number of connected clients.
func (h *ConnectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown gracefully closes all client connections.
func (h *ConnectionHub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	h.logger.Info().Int("clients", len(clients)).Msg("shutting down websocket hub")

	for _, c := range clients {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		c.mu.Unlock()
		c.conn.Close()
		observability.ActiveConnections.Dec()
	}
}
