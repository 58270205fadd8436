// Package bus provides the event bus and router at the heart of the daemon:
// namespace-aware dispatch to registered handlers, pattern subscriptions,
// request/response correlation with timeouts, hierarchical routing for agent
// trees, and a bounded replay history.
package bus

import (
	"context"
	"strings"
	"time"
)

// Handler processes a single event. A nil result means "not handled here";
// the router keeps dispatching and returns the first non-nil result.
type Handler func(ctx context.Context, data map[string]any) (map[string]any, error)

// ParamSpec describes one handler parameter for the discovery service.
type ParamSpec struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// DefaultPriority is assigned to handlers that do not set one.
// Lower priorities run first.
const DefaultPriority = 100

// HandlerSpec registers a handler together with the metadata that drives
// discovery (system:discover, system:help).
type HandlerSpec struct {
	Event      string
	Fn         Handler
	Priority   int
	Async      bool
	Filter     func(data map[string]any) bool
	Module     string
	Summary    string
	Parameters map[string]ParamSpec
	Triggers   []string
}

// Record is the internal event record kept in the bounded history ring.
type Record struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Source         string         `json:"source"`
	Timestamp      time.Time      `json:"timestamp"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	Data           map[string]any `json:"data"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	HandlersCalled []string       `json:"handlers_called"`
}

// Namespace returns the prefix before the first ':' of an event name.
func Namespace(event string) string {
	if idx := strings.IndexByte(event, ':'); idx >= 0 {
		return event[:idx]
	}
	return event
}

// emitOptions collects per-Emit settings.
type emitOptions struct {
	source         string
	correlationID  string
	parentID       string
	expectResponse bool
	timeout        time.Duration
}

// EmitOption customizes a single Emit call.
type EmitOption func(*emitOptions)

// WithSource tags the event with its origin (e.g. "unix", an agent id).
func WithSource(source string) EmitOption {
	return func(o *emitOptions) { o.source = source }
}

// WithCorrelationID binds the emit to a caller-provided correlation id.
func WithCorrelationID(id string) EmitOption {
	return func(o *emitOptions) { o.correlationID = id }
}

// WithParentID links the event to the record that caused it.
func WithParentID(id string) EmitOption {
	return func(o *emitOptions) { o.parentID = id }
}

// WithExpectResponse makes Emit await a correlated response up to the
// correlation timeout. Exactly one response (or a TIMEOUT error) is returned.
func WithExpectResponse() EmitOption {
	return func(o *emitOptions) { o.expectResponse = true }
}

// WithTimeout overrides the default correlation timeout for this call.
func WithTimeout(d time.Duration) EmitOption {
	return func(o *emitOptions) { o.timeout = d }
}

// AgentHierarchy resolves the ancestor chain of an agent for hierarchical
// routing. Implemented by the agent service.
type AgentHierarchy interface {
	// Ancestors returns the ancestor chain of agentID, nearest first.
	Ancestors(agentID string) []Ancestor
}

// Ancestor is one entry of an agent's ancestor chain.
type Ancestor struct {
	ID string
	// SubscriptionLevel declares how deep below itself this agent observes:
	// 0 none, 1 direct children, 2 children and grandchildren, -1 all.
	SubscriptionLevel int
}

// AgentObserver receives events routed up an agent's ancestor chain.
// depth is the distance from the emitting agent (1 = direct child).
// Observers receive the event tagged as an observation, never as the
// primary dispatch.
type AgentObserver func(ancestorID string, rec *Record, depth int)

// EventObserver sees every event routed through the bus. Implemented by the
// observation service; it runs on the async pool, off the emit path.
type EventObserver interface {
	ObserveEvent(rec *Record)
}
