package agent

import (
	"context"
	"errors"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin exposes the agent service over the event bus. It also listens on
// completion:result to track each agent's latest session id.
type Plugin struct {
	service *Service
}

// NewPlugin wraps a service as a bus plugin.
func NewPlugin(service *Service) *Plugin {
	return &Plugin{service: service}
}

func (p *Plugin) Name() string { return "agent" }

func (p *Plugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "agent:spawn",
			Fn:      p.handleSpawn,
			Summary: "Spawn an agent from a composition profile",
			Parameters: map[string]bus.ParamSpec{
				"profile":            {Type: "string", Required: true},
				"agent_id":           {Type: "string", Description: "explicit id, minted when omitted"},
				"parent_id":          {Type: "string"},
				"subscription_level": {Type: "integer", Default: 0, Description: "0 none, N levels deep, -1 all"},
				"variables":          {Type: "object"},
				"prompt":             {Type: "string", Description: "optional first message"},
			},
			Triggers: []string{"agent:spawned"},
		},
		{
			Event:   "agent:terminate",
			Fn:      p.handleTerminate,
			Summary: "Terminate an agent and, by default, its subtree",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
				"cascade":  {Type: "boolean", Default: true, Description: "false re-parents children instead"},
			},
			Triggers: []string{"agent:terminated"},
		},
		{
			Event:   "agent:send_message",
			Fn:      p.handleSendMessage,
			Summary: "Queue a message as the agent's next completion turn",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
				"message":  {Type: "string", Required: true},
			},
		},
		{
			Event:   "agent:list",
			Fn:      p.handleList,
			Summary: "List agents",
		},
		{
			Event:   "agent:info",
			Fn:      p.handleInfo,
			Summary: "Describe one agent",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "agent:list_constructs",
			Fn:      p.handleListConstructs,
			Summary: "List the live agents spawned below an originator",
			Parameters: map[string]bus.ParamSpec{
				"agent_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "agent:update_composition",
			Fn:      p.handleUpdateComposition,
			Summary: "Switch an agent to a different composition profile",
			Parameters: map[string]bus.ParamSpec{
				"agent_id":  {Type: "string", Required: true},
				"profile":   {Type: "string", Required: true},
				"variables": {Type: "object"},
			},
		},
		{
			// Observes completion results to keep session pointers current.
			Event:   "completion:result",
			Fn:      p.handleCompletionResult,
			Summary: "Track agents' latest session ids",
		},
	}
}

func (p *Plugin) handleSpawn(ctx context.Context, data map[string]any) (map[string]any, error) {
	profile, _ := data["profile"].(string)
	if profile == "" {
		return bus.ErrorResult(bus.CodeValidation, "spawn requires a 'profile' parameter"), nil
	}
	opts := SpawnOptions{Profile: profile}
	opts.AgentID, _ = data["agent_id"].(string)
	opts.ParentID, _ = data["parent_id"].(string)
	opts.Variables, _ = data["variables"].(map[string]any)
	opts.Prompt, _ = data["prompt"].(string)
	if level, ok := data["subscription_level"].(float64); ok {
		opts.SubscriptionLevel = int(level)
	} else if level, ok := data["subscription_level"].(int); ok {
		opts.SubscriptionLevel = level
	}

	agent, err := p.service.Spawn(ctx, opts)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	if err != nil {
		return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
	}
	return map[string]any{
		"agent_id":     agent.ID,
		"profile":      agent.Profile,
		"sandbox_uuid": agent.SandboxUUID,
		"status":       agent.Status,
	}, nil
}

func (p *Plugin) handleTerminate(ctx context.Context, data map[string]any) (map[string]any, error) {
	id, _ := data["agent_id"].(string)
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "terminate requires an 'agent_id' parameter"), nil
	}
	cascade := true
	if v, ok := data["cascade"].(bool); ok {
		cascade = v
	}
	terminated, err := p.service.Terminate(ctx, id, cascade)
	if errors.Is(err, ErrNotFound) {
		// Terminating an unknown or already-gone agent is a no-op, not a
		// failure.
		return map[string]any{"terminated": []string{}, "total": 0}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"terminated": terminated, "total": len(terminated)}, nil
}

func (p *Plugin) handleSendMessage(ctx context.Context, data map[string]any) (map[string]any, error) {
	id, _ := data["agent_id"].(string)
	message, _ := data["message"].(string)
	if id == "" || message == "" {
		return bus.ErrorResult(bus.CodeValidation, "send_message requires 'agent_id' and 'message'"), nil
	}
	err := p.service.SendMessage(ctx, id, message)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	if err != nil {
		return bus.ErrorResult(bus.CodeHandlerError, err.Error()), nil
	}
	return map[string]any{"status": "queued", "agent_id": id}, nil
}

func (p *Plugin) handleList(ctx context.Context, data map[string]any) (map[string]any, error) {
	agents := p.service.List()
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, describe(a))
	}
	return map[string]any{"agents": out, "total": len(out)}, nil
}

func (p *Plugin) handleInfo(ctx context.Context, data map[string]any) (map[string]any, error) {
	id, _ := data["agent_id"].(string)
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "info requires an 'agent_id' parameter"), nil
	}
	agent, err := p.service.Get(id)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return describe(agent), nil
}

func (p *Plugin) handleListConstructs(ctx context.Context, data map[string]any) (map[string]any, error) {
	id, _ := data["agent_id"].(string)
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "list_constructs requires an 'agent_id' parameter"), nil
	}
	constructs, err := p.service.Constructs(id)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(constructs))
	for _, a := range constructs {
		out = append(out, describe(a))
	}
	return map[string]any{"originator": id, "constructs": out, "total": len(out)}, nil
}

func (p *Plugin) handleUpdateComposition(ctx context.Context, data map[string]any) (map[string]any, error) {
	id, _ := data["agent_id"].(string)
	profile, _ := data["profile"].(string)
	if id == "" || profile == "" {
		return bus.ErrorResult(bus.CodeValidation, "update_composition requires 'agent_id' and 'profile'"), nil
	}
	variables, _ := data["variables"].(map[string]any)
	err := p.service.UpdateComposition(ctx, id, profile, variables)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	if err != nil {
		return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
	}
	return map[string]any{"status": "updated", "agent_id": id, "profile": profile}, nil
}

func (p *Plugin) handleCompletionResult(ctx context.Context, data map[string]any) (map[string]any, error) {
	agentID, _ := data["agent_id"].(string)
	sessionID, _ := data["session_id"].(string)
	p.service.RecordSession(agentID, sessionID)
	return nil, nil
}

func describe(a *Agent) map[string]any {
	out := map[string]any{
		"agent_id":           a.ID,
		"profile":            a.Profile,
		"subscription_level": a.SubscriptionLevel,
		"sandbox_uuid":       a.SandboxUUID,
		"status":             a.Status,
		"created_at":         a.CreatedAt,
	}
	if a.ParentID != "" {
		out["parent_id"] = a.ParentID
	}
	if a.SessionID != "" {
		out["session_id"] = a.SessionID
	}
	return out
}
