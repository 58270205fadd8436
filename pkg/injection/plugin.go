package injection

import (
	"context"
	"errors"
	"time"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin exposes the injection router over the event bus. It also listens
// on completion:result to apply injection_config routing.
type Plugin struct {
	service *Service
}

// NewPlugin wraps a service as a bus plugin.
func NewPlugin(service *Service) *Plugin {
	return &Plugin{service: service}
}

func (p *Plugin) Name() string { return "injection" }

func (p *Plugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "injection:inject",
			Fn:      p.handleInject,
			Summary: "Queue content for an agent's next turn",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
				"content":  {Type: "string", Required: true},
				"source":   {Type: "string"},
				"mode":     {Type: "string", Default: "next", Description: "'next' or 'system_reminder'"},
				"ttl":      {Type: "number", Description: "seconds until an unclaimed injection expires"},
				"metadata": {Type: "object"},
			},
		},
		{
			Event:   "injection:claim",
			Fn:      p.handleClaim,
			Summary: "Drain pending injections for an agent (used at turn start)",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "injection:list",
			Fn:      p.handleList,
			Summary: "List pending injections without consuming them",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "injection:clear",
			Fn:      p.handleClear,
			Summary: "Drop an agent's pending injections",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "injection:status",
			Fn:      p.handleStatus,
			Summary: "Summarize pending injections across agents",
		},
		{
			Event:   "injection:process_result",
			Fn:      p.handleProcessResult,
			Summary: "Apply injection_config routing to a completion result payload",
			Parameters: map[string]bus.ParamSpec{
				"result":           {Type: "string", Required: true},
				"injection_config": {Type: "object", Required: true},
				"agent_id":         {Type: "string"},
			},
		},
		{
			// Observes completion results to apply injection_config routing.
			Event:   "completion:result",
			Fn:      p.handleCompletionResult,
			Summary: "Route completion results per their injection_config",
		},
	}
}

func agentID(data map[string]any) string {
	id, _ := data["agent_id"].(string)
	return id
}

func (p *Plugin) handleInject(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := agentID(data)
	content, _ := data["content"].(string)
	if id == "" || content == "" {
		return bus.ErrorResult(bus.CodeValidation, "inject requires 'agent_id' and 'content'"), nil
	}
	entry := Entry{Content: content}
	entry.Source, _ = data["source"].(string)
	entry.Mode, _ = data["mode"].(string)
	entry.Metadata, _ = data["metadata"].(map[string]any)
	if ttl, ok := data["ttl"].(float64); ok && ttl > 0 {
		entry.TTL = time.Duration(ttl * float64(time.Second))
	}
	if err := p.service.InjectEntry(ctx, id, entry); err != nil {
		if errors.Is(err, ErrUnknownMode) {
			return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
		}
		return nil, err
	}
	return map[string]any{"status": "queued", "agent_id": id}, nil
}

func (p *Plugin) handleClaim(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := agentID(data)
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "claim requires 'agent_id'"), nil
	}
	contents, err := p.service.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	items := make([]any, len(contents))
	for i, c := range contents {
		items[i] = c
	}
	return map[string]any{"injections": items, "total": len(items)}, nil
}

func (p *Plugin) handleList(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := agentID(data)
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "list requires 'agent_id'"), nil
	}
	pending, err := p.service.Pending(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"injections": pending, "total": len(pending)}, nil
}

func (p *Plugin) handleClear(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := agentID(data)
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "clear requires 'agent_id'"), nil
	}
	removed, err := p.service.Clear(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "cleared", "removed": removed}, nil
}

func (p *Plugin) handleStatus(ctx context.Context, data map[string]any) (map[string]any, error) {
	ids, err := p.service.AgentIDs(ctx)
	if err != nil {
		return nil, err
	}
	agents := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		pending, err := p.service.Pending(ctx, id)
		if err != nil {
			return nil, err
		}
		agents = append(agents, map[string]any{
			"agent_id": id,
			"pending":  len(pending),
		})
	}
	return map[string]any{"agents": agents, "total": len(agents)}, nil
}

// handleProcessResult routes an explicit result payload, for callers that
// construct results outside the completion pipeline.
func (p *Plugin) handleProcessResult(ctx context.Context, data map[string]any) (map[string]any, error) {
	if _, ok := data["injection_config"].(map[string]any); !ok {
		return bus.ErrorResult(bus.CodeValidation, "process_result requires 'injection_config'"), nil
	}
	if text, _ := data["result"].(string); text == "" {
		return bus.ErrorResult(bus.CodeValidation, "process_result requires 'result'"), nil
	}
	routed, err := p.service.RouteResult(ctx, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "processed", "routed": routed}, nil
}

// handleCompletionResult returns nil so it never becomes the result of the
// completion:result emission; routing is a side effect.
func (p *Plugin) handleCompletionResult(ctx context.Context, data map[string]any) (map[string]any, error) {
	if _, err := p.service.RouteResult(ctx, data); err != nil {
		return nil, err
	}
	return nil, nil
}
