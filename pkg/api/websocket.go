package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/bus"
)

// ConnectionManager owns the monitor's WebSocket clients. Each client picks
// its own event patterns; matched bus events are pushed as they happen.
type ConnectionManager struct {
	router       *bus.Router
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	conns  map[string]*wsConnection
	closed bool
}

// NewConnectionManager creates the manager.
func NewConnectionManager(router *bus.Router, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		router:       router,
		writeTimeout: writeTimeout,
		logger:       slog.With("component", "monitor.ws"),
		conns:        make(map[string]*wsConnection),
	}
}

// HandleConnection upgrades the request and serves the client until it
// disconnects. Blocks for the lifetime of the connection.
func (m *ConnectionManager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host monitor UI; no fixed origin
	})
	if err != nil {
		m.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	conn := &wsConnection{
		id:      "ws:" + uuid.New().String(),
		sock:    sock,
		manager: m,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = sock.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	m.conns[conn.id] = conn
	m.mu.Unlock()

	defer func() {
		m.router.UnsubscribeOwner(conn.id)
		m.mu.Lock()
		delete(m.conns, conn.id)
		m.mu.Unlock()
		_ = sock.Close(websocket.StatusNormalClosure, "")
	}()

	conn.write(map[string]any{
		"type":          "connection.established",
		"connection_id": conn.id,
	})
	conn.readLoop(r.Context())
}

// Close disconnects every client.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*wsConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.sock.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// wsConnection is one monitor client. The read loop owns its subscription
// management; pushes arrive from bus goroutines and serialize on writeMu.
type wsConnection struct {
	id      string
	sock    *websocket.Conn
	manager *ConnectionManager

	writeMu sync.Mutex
}

// clientMessage is the wire format of client requests.
type clientMessage struct {
	Action         string   `json:"action"`
	Patterns       []string `json:"patterns,omitempty"`
	Namespace      string   `json:"namespace,omitempty"`
	SubscriptionID string   `json:"subscription_id,omitempty"`
}

func (c *wsConnection) readLoop(ctx context.Context) {
	for {
		_, payload, err := c.sock.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.write(map[string]any{"type": "error", "message": "invalid JSON: " + err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			if len(msg.Patterns) == 0 && msg.Namespace == "" {
				c.write(map[string]any{"type": "error", "message": "subscribe requires 'patterns' or 'namespace'"})
				continue
			}
			subID := c.manager.router.Subscribe(c.id, msg.Patterns, c.push, msg.Namespace)
			c.write(map[string]any{"type": "subscribed", "subscription_id": subID})
		case "unsubscribe":
			if !c.manager.router.Unsubscribe(msg.SubscriptionID) {
				c.write(map[string]any{"type": "error", "message": "unknown subscription"})
				continue
			}
			c.write(map[string]any{"type": "unsubscribed", "subscription_id": msg.SubscriptionID})
		case "ping":
			c.write(map[string]any{"type": "pong"})
		default:
			c.write(map[string]any{"type": "error", "message": "unknown action: " + msg.Action})
		}
	}
}

// push delivers one matched bus event to the client.
func (c *wsConnection) push(rec *bus.Record) {
	c.write(map[string]any{
		"type":      "event",
		"event":     rec.Name,
		"event_id":  rec.ID,
		"source":    rec.Source,
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":      rec.Data,
	})
}

func (c *wsConnection) write(doc map[string]any) {
	payload, err := json.Marshal(doc)
	if err != nil {
		c.manager.logger.Warn("Failed to encode message", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.manager.writeTimeout)
	defer cancel()
	if err := c.sock.Write(ctx, websocket.MessageText, payload); err != nil {
		c.manager.logger.Debug("WebSocket write failed", "conn", c.id, "error", err)
	}
}
