// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	// WebSocket limits
	maxMessageSize = 4096
	maxRunsPerConn = 50
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

// newUpgrader creates a WebSocket upgrader that respects the configured allowed
// origins. When allowedOrigins is empty the upgrader accepts any origin
// (localhost development mode). When set, only those origins are permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			return ok
		},
	}
}

// WSRequest is a client → server message.
type WSRequest struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	RunID  uint   `json:"run_id"`
}

// WSMessage is a server → client message. Events of a run arrive in order
// and the run's stream ends with its terminal event.
type WSMessage struct {
	Type    string          `json:"type"` // "event" or "error"
	RunID   uint            `json:"run_id,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

// RunLookup loads a run for a subscription.
type RunLookup interface {
	GetRun(ctx context.Context, id uint) (*models.Run, error)
}

// ClientRegistry counts connected WebSocket clients.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewClientRegistry creates a new client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[*wsClient]struct{}),
	}
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// Len returns the number of connected clients.
func (r *ClientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// wsClient is one connection. Every subscribed run is followed by its own
// goroutine; all of them write through send.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[uint]context.CancelFunc
}

// HandleWebSocket upgrades an HTTP connection and manages the client lifecycle.
func HandleWebSocket(registry *ClientRegistry, runs RunLookup, streamer *RunStreamer, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		// The request context ends when the handler returns; subscriptions
		// are bound to the connection instead.
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		client := &wsClient{
			conn:   conn,
			send:   make(chan []byte, 64),
			ctx:    ctx,
			cancel: cancel,
			runs:   make(map[uint]context.CancelFunc),
		}
		if !registry.add(client) {
			getLog().Warn().Msg("WebSocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			cancel()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

		go client.writePump()
		client.readPump(registry, runs, streamer)
	}
}

func (c *wsClient) readPump(registry *ClientRegistry, runs RunLookup, streamer *RunStreamer) {
	defer func() {
		registry.remove(c)
		c.cancel()
		c.wg.Wait()
		close(c.send) // signals writePump to exit
		getLog().Info().Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			getLog().Warn().Err(err).Msg("Invalid WebSocket message")
			c.sendError(0, "invalid message")
			continue
		}

		switch req.Action {
		case "subscribe":
			c.subscribe(req.RunID, runs, streamer)
		case "unsubscribe":
			c.unsubscribe(req.RunID)
		default:
			c.sendError(req.RunID, "unknown action "+req.Action)
		}
	}
}

func (c *wsClient) subscribe(runID uint, runs RunLookup, streamer *RunStreamer) {
	run, err := runs.GetRun(c.ctx, runID)
	if err != nil {
		c.sendError(runID, err.Error())
		return
	}

	c.mu.Lock()
	if _, dup := c.runs[runID]; dup {
		c.mu.Unlock()
		return
	}
	if len(c.runs) >= maxRunsPerConn {
		c.mu.Unlock()
		getLog().Warn().Msg("WebSocket client hit max subscription limit")
		c.sendError(runID, "too many subscriptions")
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.runs[runID] = cancel
	c.mu.Unlock()

	getLog().Debug().Uint("run_id", runID).Msg("WebSocket client subscribed")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.unsubscribe(runID)

		err := streamer.Stream(ctx, run, func(ev protocol.Event) error {
			data, err := protocol.Marshal(ev)
			if err != nil {
				return err
			}
			return c.enqueue(ctx, WSMessage{Type: "event", RunID: runID, Event: data})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			getLog().Warn().Err(err).Uint("run_id", runID).Msg("WebSocket run stream failed")
		}
	}()
}

func (c *wsClient) unsubscribe(runID uint) {
	c.mu.Lock()
	cancel, ok := c.runs[runID]
	delete(c.runs, runID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// enqueue blocks until the writer accepts msg so no event is dropped.
func (c *wsClient) enqueue(ctx context.Context, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsClient) sendError(runID uint, message string) {
	_ = c.enqueue(c.ctx, WSMessage{Type: "error", RunID: runID, Message: message})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed by readPump, send close frame.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Error().Err(err).Msg("WebSocket write error")
				c.cancel()
				// Keep draining so readPump can close send.
				for range c.send {
				}
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				for range c.send {
				}
				return
			}
		}
	}
}
