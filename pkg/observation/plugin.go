package observation

import (
	"context"
	"time"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin exposes the observation service over the event bus.
type Plugin struct {
	service *Service
}

// NewPlugin wraps a service as a bus plugin.
func NewPlugin(service *Service) *Plugin {
	return &Plugin{service: service}
}

func (p *Plugin) Name() string { return "observation" }

func (p *Plugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "observation:subscribe",
			Fn:      p.handleSubscribe,
			Summary: "Watch an agent's (or all) event traffic through filters",
			Parameters: map[string]bus.ParamSpec{
				"observer": {Type: "string", Required: true},
				"target":   {Type: "string", Description: "agent id to watch; empty watches everything"},
				"filter":   {Type: "object", Description: "include/exclude globs, content_match, rate_limit, sample_rate"},
			},
			Triggers: []string{"observe:begin", "observe:end"},
		},
		{
			Event:   "observation:unsubscribe",
			Fn:      p.handleUnsubscribe,
			Summary: "Remove one watch",
			Parameters: map[string]bus.ParamSpec{
				"subscription_id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "observation:list",
			Fn:      p.handleStatus,
			Summary: "List registered watches with delivery counters",
		},
		{
			// Alias kept for clients that poll status rather than list.
			Event:   "observation:status",
			Fn:      p.handleStatus,
			Summary: "List registered watches with delivery counters",
		},
		{
			Event:   "observation:query_history",
			Fn:      p.handleQueryHistory,
			Summary: "Query event history, including records persisted across restarts",
			Parameters: map[string]bus.ParamSpec{
				"patterns": {Type: "array", Description: "event name globs; empty matches all"},
				"since":    {Type: "string", Description: "RFC3339 lower bound"},
				"limit":    {Type: "integer", Default: 100},
			},
		},
		{
			Event:   "observation:replay",
			Fn:      p.handleReplay,
			Summary: "Re-emit matching history records",
			Parameters: map[string]bus.ParamSpec{
				"patterns":    {Type: "array", Required: true},
				"limit":       {Type: "integer"},
				"speed":       {Type: "number", Description: "pacing factor over original gaps; 0 replays back-to-back"},
				"as_original": {Type: "boolean", Description: "omit the _replay tags so emissions look live"},
			},
		},
		{
			Event:   "observation:analyze_patterns",
			Fn:      p.handleAnalyze,
			Summary: "Frequency statistics over matching history records",
			Parameters: map[string]bus.ParamSpec{
				"patterns": {Type: "array"},
			},
		},
	}
}

func (p *Plugin) handleSubscribe(ctx context.Context, data map[string]any) (map[string]any, error) {
	observer, _ := data["observer"].(string)
	if observer == "" {
		return bus.ErrorResult(bus.CodeValidation, "subscribe requires an 'observer' parameter"), nil
	}
	target, _ := data["target"].(string)
	id := p.service.Subscribe(observer, target, parseFilter(data))
	return map[string]any{"subscription_id": id, "status": "subscribed"}, nil
}

func (p *Plugin) handleUnsubscribe(ctx context.Context, data map[string]any) (map[string]any, error) {
	id, _ := data["subscription_id"].(string)
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "unsubscribe requires a 'subscription_id' parameter"), nil
	}
	if !p.service.Unsubscribe(id) {
		return bus.ErrorResult(bus.CodeNotFound, "unknown subscription"), nil
	}
	return map[string]any{"status": "unsubscribed"}, nil
}

func (p *Plugin) handleStatus(ctx context.Context, data map[string]any) (map[string]any, error) {
	subs := p.service.Status()
	return map[string]any{"subscriptions": subs, "total": len(subs)}, nil
}

func (p *Plugin) handleQueryHistory(ctx context.Context, data map[string]any) (map[string]any, error) {
	patterns := stringList(data["patterns"])
	limit := 100
	if v, ok := data["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	var since time.Time
	if raw, ok := data["since"].(string); ok && raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return bus.ErrorResult(bus.CodeValidation, "invalid 'since' timestamp: "+err.Error()), nil
		}
		since = parsed
	}

	records := p.service.QueryHistory(ctx, patterns, since, limit)
	events := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"event_id":  rec.ID,
			"event":     rec.Name,
			"source":    rec.Source,
			"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
			"data":      rec.Data,
		}
		if rec.Result != nil {
			entry["result"] = rec.Result
		}
		if rec.Error != "" {
			entry["error"] = rec.Error
		}
		events = append(events, entry)
	}
	return map[string]any{"events": events, "total": len(events)}, nil
}

func (p *Plugin) handleReplay(ctx context.Context, data map[string]any) (map[string]any, error) {
	patterns := stringList(data["patterns"])
	if len(patterns) == 0 {
		return bus.ErrorResult(bus.CodeValidation, "replay requires 'patterns'"), nil
	}
	opts := ReplayOptions{Patterns: patterns}
	if v, ok := data["limit"].(float64); ok && v > 0 {
		opts.Limit = int(v)
	}
	if v, ok := data["speed"].(float64); ok && v > 0 {
		opts.Speed = v
	}
	opts.AsOriginal, _ = data["as_original"].(bool)
	replayed := p.service.Replay(ctx, opts)
	return map[string]any{"replayed": replayed}, nil
}

func (p *Plugin) handleAnalyze(ctx context.Context, data map[string]any) (map[string]any, error) {
	return p.service.AnalyzePatterns(stringList(data["patterns"])), nil
}
