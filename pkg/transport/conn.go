package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/bus"
)

// maxLineSize bounds one request line (16 MiB).
const maxLineSize = 16 << 20

// connection handles one client. Requests are processed concurrently but
// their responses leave in request order: the reader enqueues one future per
// request, the writer drains futures in sequence. Notification pushes share
// the write lock and interleave between responses.
type connection struct {
	id     string
	conn   net.Conn
	router *bus.Router
	logger *slog.Logger

	// pending carries one future per request, in arrival order.
	pending chan chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(conn net.Conn, router *bus.Router, logger *slog.Logger) *connection {
	id := "conn:" + uuid.New().String()
	return &connection{
		id:      id,
		conn:    conn,
		router:  router,
		logger:  logger.With("conn", id),
		pending: make(chan chan []byte, 256),
	}
}

// serve runs the read and write loops until the client disconnects.
func (c *connection) serve(ctx context.Context) {
	defer c.close()
	// The client's bus subscriptions die with the connection.
	defer c.router.UnsubscribeOwner(c.id)

	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		for future := range c.pending {
			payload, ok := <-future
			if !ok {
				continue
			}
			c.write(payload)
		}
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		future := make(chan []byte, 1)
		c.pending <- future
		go c.handle(ctx, line, future)
	}
	close(c.pending)
	writeWG.Wait()
}

// request is the wire format of one client request.
type request struct {
	Event         string         `json:"event"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// handle processes one request line and resolves its response future.
// Protocol errors answer on the same connection; nothing closes it.
func (c *connection) handle(ctx context.Context, line []byte, future chan []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		future <- c.encodeError("", bus.CodeInvalidJSON, "request is not valid JSON: "+err.Error())
		return
	}
	if req.Event == "" {
		future <- c.encodeError(req.CorrelationID, bus.CodeInvalidEvent, "request is missing an 'event' field")
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	// Subscription management is a transport concern: the delivery target
	// is this connection.
	switch req.Event {
	case "transport:subscribe":
		future <- c.encode(req.CorrelationID, c.subscribe(req.Data))
		return
	case "transport:unsubscribe":
		future <- c.encode(req.CorrelationID, c.unsubscribe(req.Data))
		return
	}

	// Every socket request awaits a correlated response; events nobody
	// answers come back as a TIMEOUT envelope from the router, recorded in
	// history with an empty handlers_called list.
	opts := []bus.EmitOption{bus.WithSource(c.id), bus.WithExpectResponse()}
	if req.CorrelationID != "" {
		opts = append(opts, bus.WithCorrelationID(req.CorrelationID))
	}
	result, err := c.router.Emit(ctx, req.Event, req.Data, opts...)
	if err != nil {
		future <- c.encodeError(req.CorrelationID, bus.CodeHandlerError, err.Error())
		return
	}
	future <- c.encode(req.CorrelationID, result)
}

// subscribe binds bus patterns to this connection; matched events are
// pushed as notification lines.
func (c *connection) subscribe(data map[string]any) map[string]any {
	var patterns []string
	if items, ok := data["patterns"].([]any); ok {
		for _, item := range items {
			if s, ok := item.(string); ok && s != "" {
				patterns = append(patterns, s)
			}
		}
	}
	namespace, _ := data["namespace"].(string)
	if len(patterns) == 0 && namespace == "" {
		return bus.ErrorResult(bus.CodeValidation, "subscribe requires 'patterns' or 'namespace'")
	}

	subID := c.router.Subscribe(c.id, patterns, func(rec *bus.Record) {
		c.pushNotification(rec)
	}, namespace)
	return map[string]any{"subscription_id": subID, "status": "subscribed"}
}

func (c *connection) unsubscribe(data map[string]any) map[string]any {
	subID, _ := data["subscription_id"].(string)
	if subID == "" {
		return bus.ErrorResult(bus.CodeValidation, "unsubscribe requires 'subscription_id'")
	}
	if !c.router.Unsubscribe(subID) {
		return bus.ErrorResult(bus.CodeNotFound, "unknown subscription")
	}
	return map[string]any{"status": "unsubscribed"}
}

// pushNotification writes one event line to the client.
func (c *connection) pushNotification(rec *bus.Record) {
	payload, err := json.Marshal(map[string]any{
		"notification": true,
		"event":        rec.Name,
		"event_id":     rec.ID,
		"source":       rec.Source,
		"data":         rec.Data,
	})
	if err != nil {
		c.logger.Warn("Failed to encode notification", "event", rec.Name, "error", err)
		return
	}
	c.write(payload)
}

// encode builds one response line: the handler's result object with the
// request's correlation id merged in at the top level. Error envelopes
// already carry a top-level "error" key and pass through unchanged.
func (c *connection) encode(correlationID string, result map[string]any) []byte {
	doc := make(map[string]any, len(result)+1)
	for k, v := range result {
		doc[k] = v
	}
	if correlationID != "" {
		doc["correlation_id"] = correlationID
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		// The result contained something unencodable; report instead of
		// dropping the response.
		return c.encodeError(correlationID, bus.CodeHandlerError,
			"response could not be encoded: "+err.Error())
	}
	return payload
}

func (c *connection) encodeError(correlationID, code, message string) []byte {
	return c.encode(correlationID, bus.ErrorResult(code, message))
}

// write sends one line. All writes on the connection serialize here.
func (c *connection) write(payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		c.logger.Debug("Write failed", "error", err)
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
