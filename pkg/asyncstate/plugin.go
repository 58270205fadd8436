package asyncstate

import (
	"context"
	"errors"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin exposes the durable queues over the event bus.
type Plugin struct {
	queues *Queues
}

// NewPlugin wraps the queues as a bus plugin.
func NewPlugin(queues *Queues) *Plugin {
	return &Plugin{queues: queues}
}

func (p *Plugin) Name() string { return "async_state" }

func (p *Plugin) Handlers() []bus.HandlerSpec {
	queueParams := map[string]bus.ParamSpec{
		"namespace": {Type: "string", Default: "global"},
		"key":       {Type: "string", Required: true},
	}
	return []bus.HandlerSpec{
		{
			Event:   "async_state:push",
			Fn:      p.handlePush,
			Summary: "Append a value to a durable queue",
			Parameters: map[string]bus.ParamSpec{
				"namespace": {Type: "string", Default: "global"},
				"key":       {Type: "string", Required: true},
				"value":     {Type: "any", Required: true},
			},
		},
		{
			Event:      "async_state:pop",
			Fn:         p.handlePop,
			Summary:    "Remove and return the oldest queued value",
			Parameters: queueParams,
		},
		{
			Event:      "async_state:get",
			Fn:         p.handleGet,
			Summary:    "Read all queued values without removing them",
			Parameters: queueParams,
		},
		{
			// Alias kept for clients that address the queue by name.
			Event:      "async_state:get_queue",
			Fn:         p.handleGet,
			Summary:    "Read all queued values without removing them",
			Parameters: queueParams,
		},
		{
			Event:      "async_state:queue_length",
			Fn:         p.handleLength,
			Summary:    "Count queued values",
			Parameters: queueParams,
		},
		{
			Event:   "async_state:get_keys",
			Fn:      p.handleKeys,
			Summary: "List the queue keys of a namespace",
			Parameters: map[string]bus.ParamSpec{
				"namespace": {Type: "string", Default: "global"},
			},
		},
		{
			Event:      "async_state:delete",
			Fn:         p.handleDelete,
			Summary:    "Drop every value of a queue",
			Parameters: queueParams,
		},
	}
}

func params(data map[string]any) (namespace, key string) {
	namespace = "global"
	if v, ok := data["namespace"].(string); ok && v != "" {
		namespace = v
	}
	key, _ = data["key"].(string)
	return namespace, key
}

func (p *Plugin) handlePush(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace, key := params(data)
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "push requires a 'key' parameter"), nil
	}
	value, ok := data["value"]
	if !ok {
		return bus.ErrorResult(bus.CodeValidation, "push requires a 'value' parameter"), nil
	}
	if err := p.queues.Push(ctx, namespace, key, value); err != nil {
		return nil, err
	}
	length, err := p.queues.Length(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "queued", "queue_length": length}, nil
}

func (p *Plugin) handlePop(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace, key := params(data)
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "pop requires a 'key' parameter"), nil
	}
	value, err := p.queues.Pop(ctx, namespace, key)
	if errors.Is(err, ErrEmpty) {
		return map[string]any{"value": nil, "empty": true}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": value, "empty": false}, nil
}

func (p *Plugin) handleGet(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace, key := params(data)
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "get requires a 'key' parameter"), nil
	}
	values, err := p.queues.Peek(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"values": values, "total": len(values)}, nil
}

func (p *Plugin) handleLength(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace, key := params(data)
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "queue_length requires a 'key' parameter"), nil
	}
	length, err := p.queues.Length(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"queue_length": length}, nil
}

func (p *Plugin) handleKeys(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace, _ := params(data)
	keys, err := p.queues.Keys(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"keys": keys}, nil
}

func (p *Plugin) handleDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace, key := params(data)
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "delete requires a 'key' parameter"), nil
	}
	removed, err := p.queues.Clear(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "deleted", "removed": removed}, nil
}
