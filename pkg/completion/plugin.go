package completion

import (
	"context"
	"errors"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin exposes the completion service over the event bus.
type Plugin struct {
	service *Service
}

// NewPlugin wraps a service as a bus plugin.
func NewPlugin(service *Service) *Plugin {
	return &Plugin{service: service}
}

func (p *Plugin) Name() string { return "completion" }

func (p *Plugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "completion:async",
			Fn:      p.handleAsync,
			Summary: "Queue a completion turn; the result arrives as completion:result",
			Parameters: map[string]bus.ParamSpec{
				"prompt":           {Type: "string", Required: true},
				"request_id":       {Type: "string", Description: "caller-chosen id; minted when omitted"},
				"session_id":       {Type: "string", Description: "resume an existing conversation"},
				"model":            {Type: "string"},
				"agent_id":         {Type: "string"},
				"injection_config": {Type: "object", Description: "routing hints carried into the result event"},
			},
			Triggers: []string{"completion:result"},
		},
		{
			Event:   "completion:cancel",
			Fn:      p.handleCancel,
			Summary: "Cancel a queued or in-flight completion turn",
			Parameters: map[string]bus.ParamSpec{
				"request_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "completion:status",
			Fn:      p.handleStatus,
			Summary: "Summarize active conversations and queue depths",
		},
		{
			Event:   "completion:session_status",
			Fn:      p.handleSessionStatus,
			Summary: "Describe one conversation",
			Parameters: map[string]bus.ParamSpec{
				"session_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "completion:request_status",
			Fn:      p.handleRequestStatus,
			Summary: "Report one request's lifecycle status",
			Parameters: map[string]bus.ParamSpec{
				"request_id": {Type: "string", Required: true},
			},
		},
	}
}

func (p *Plugin) handleAsync(ctx context.Context, data map[string]any) (map[string]any, error) {
	prompt, _ := data["prompt"].(string)
	if prompt == "" {
		return bus.ErrorResult(bus.CodeValidation, "async requires a 'prompt' parameter"), nil
	}
	opts := EnqueueOptions{Prompt: prompt}
	opts.RequestID, _ = data["request_id"].(string)
	opts.SessionID, _ = data["session_id"].(string)
	opts.Model, _ = data["model"].(string)
	opts.AgentID, _ = data["agent_id"].(string)
	opts.InjectionConfig, _ = data["injection_config"].(map[string]any)

	requestID, err := p.service.Enqueue(opts)
	if errors.Is(err, ErrShuttingDown) {
		return bus.ErrorResult(bus.CodeCancelled, err.Error()), nil
	}
	if err != nil {
		return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
	}
	return map[string]any{"request_id": requestID, "status": StatusQueued}, nil
}

func (p *Plugin) handleCancel(ctx context.Context, data map[string]any) (map[string]any, error) {
	requestID, _ := data["request_id"].(string)
	if requestID == "" {
		return bus.ErrorResult(bus.CodeValidation, "cancel requires a 'request_id' parameter"), nil
	}
	status, err := p.service.Cancel(requestID)
	if err != nil {
		if status != "" {
			return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
		}
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	return map[string]any{"request_id": requestID, "status": status}, nil
}

func (p *Plugin) handleStatus(ctx context.Context, data map[string]any) (map[string]any, error) {
	return p.service.Status(), nil
}

func (p *Plugin) handleSessionStatus(ctx context.Context, data map[string]any) (map[string]any, error) {
	sessionID, _ := data["session_id"].(string)
	if sessionID == "" {
		return bus.ErrorResult(bus.CodeValidation, "session_status requires a 'session_id' parameter"), nil
	}
	status, ok := p.service.SessionStatus(sessionID)
	if !ok {
		return bus.ErrorResult(bus.CodeNotFound, "no such conversation"), nil
	}
	return status, nil
}

func (p *Plugin) handleRequestStatus(ctx context.Context, data map[string]any) (map[string]any, error) {
	requestID, _ := data["request_id"].(string)
	if requestID == "" {
		return bus.ErrorResult(bus.CodeValidation, "request_status requires a 'request_id' parameter"), nil
	}
	status, ok := p.service.RequestStatus(requestID)
	if !ok {
		return bus.ErrorResult(bus.CodeNotFound, "unknown request"), nil
	}
	return map[string]any{"request_id": requestID, "status": status}, nil
}
