package transport

import (
	"context"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin gives the transport a registry presence: its connection-scoped
// events show up in discovery, and the module is marked non-reloadable so
// plugin:reload cannot tear down live client connections.
type Plugin struct {
	server *Server
}

// NewPlugin wraps the socket server as a bus plugin.
func NewPlugin(server *Server) *Plugin {
	return &Plugin{server: server}
}

func (p *Plugin) Name() string { return "transport" }

// Reloadable pins the transport in place. Reloading it would drop every
// connected client.
func (p *Plugin) Reloadable() bool { return false }

func (p *Plugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "transport:subscribe",
			Fn:      p.handleConnectionScoped,
			Summary: "Bind event patterns to the calling socket connection",
			Parameters: map[string]bus.ParamSpec{
				"patterns":  {Type: "array", Description: "event name globs"},
				"namespace": {Type: "string", Description: "subscribe to a whole namespace"},
			},
		},
		{
			Event:   "transport:unsubscribe",
			Fn:      p.handleConnectionScoped,
			Summary: "Remove a connection-bound subscription",
			Parameters: map[string]bus.ParamSpec{
				"subscription_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "transport:status",
			Fn:      p.handleStatus,
			Summary: "Report the socket path and live connection count",
		},
	}
}

// handleConnectionScoped answers internal emits of events that only make
// sense on a socket connection; the connection layer intercepts them before
// they reach the bus.
func (p *Plugin) handleConnectionScoped(ctx context.Context, data map[string]any) (map[string]any, error) {
	return bus.ErrorResult(bus.CodeValidation,
		"subscriptions bind to a socket connection; send this event over the socket"), nil
}

func (p *Plugin) handleStatus(ctx context.Context, data map[string]any) (map[string]any, error) {
	p.server.mu.Lock()
	connections := len(p.server.conns)
	p.server.mu.Unlock()
	return map[string]any{
		"socket":      p.server.socketPath,
		"connections": connections,
	}, nil
}
