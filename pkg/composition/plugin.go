package composition

import (
	"context"
	"log/slog"
	"os"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin exposes the composition manager over the event bus.
type Plugin struct {
	manager *Manager
}

// NewPlugin wraps a manager as a bus plugin.
func NewPlugin(manager *Manager) *Plugin {
	return &Plugin{manager: manager}
}

func (p *Plugin) Name() string { return "composition" }

// Init loads the composition directory and begins watching it for edits.
func (p *Plugin) Init(ctx context.Context) error {
	if err := p.manager.Load(); err != nil {
		return err
	}
	if _, err := os.Stat(p.manager.dir); err == nil {
		if err := p.manager.Watch(); err != nil {
			slog.Warn("Composition watch unavailable", "dir", p.manager.dir, "error", err)
		}
	}
	return nil
}

// Close stops the directory watcher.
func (p *Plugin) Close() error {
	p.manager.StopWatch()
	return nil
}

func (p *Plugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "composition:list",
			Fn:      p.handleList,
			Summary: "List available composition profiles",
		},
		{
			Event:   "composition:get",
			Fn:      p.handleGet,
			Summary: "Read a composition with inheritance flattened",
			Parameters: map[string]bus.ParamSpec{
				"name": {Type: "string", Required: true},
			},
		},
		{
			Event:   "composition:compose",
			Fn:      p.handleCompose,
			Summary: "Render a composition with variables substituted",
			Parameters: map[string]bus.ParamSpec{
				"name":      {Type: "string", Required: true},
				"variables": {Type: "object"},
			},
		},
		{
			Event:   "composition:profile",
			Fn:      p.handleProfile,
			Summary: "Render a composition plus its fragments flattened into one prompt",
			Parameters: map[string]bus.ParamSpec{
				"name":      {Type: "string", Required: true},
				"variables": {Type: "object"},
			},
		},
		{
			Event:   "composition:reload",
			Fn:      p.handleReload,
			Summary: "Re-read the composition directory",
		},
	}
}

func (p *Plugin) handleList(ctx context.Context, data map[string]any) (map[string]any, error) {
	names := p.manager.List()
	return map[string]any{"compositions": names, "total": len(names)}, nil
}

func (p *Plugin) handleGet(ctx context.Context, data map[string]any) (map[string]any, error) {
	name, _ := data["name"].(string)
	if name == "" {
		return bus.ErrorResult(bus.CodeValidation, "get requires a 'name' parameter"), nil
	}
	comp, err := p.manager.Get(name)
	if err != nil {
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}

	components := make([]map[string]any, 0, len(comp.Components))
	for _, c := range comp.Components {
		entry := map[string]any{"name": c.Name}
		if c.Template != "" {
			entry["template"] = c.Template
		}
		if c.Inline != nil {
			entry["inline"] = c.Inline
		}
		components = append(components, entry)
	}
	variables := make(map[string]any, len(comp.Variables))
	for k, v := range comp.Variables {
		variables[k] = map[string]any{
			"default":     v.Default,
			"required":    v.Required,
			"description": v.Description,
		}
	}
	result := map[string]any{
		"name":        comp.Name,
		"description": comp.Description,
		"components":  components,
		"variables":   variables,
	}
	if comp.PermissionLevel != "" {
		result["permission_level"] = comp.PermissionLevel
	}
	if len(comp.AllowedEvents) > 0 {
		result["allowed_events"] = comp.AllowedEvents
	}
	return result, nil
}

func (p *Plugin) handleCompose(ctx context.Context, data map[string]any) (map[string]any, error) {
	name, _ := data["name"].(string)
	if name == "" {
		return bus.ErrorResult(bus.CodeValidation, "compose requires a 'name' parameter"), nil
	}
	variables, _ := data["variables"].(map[string]any)
	result, err := p.manager.Compose(name, variables)
	if err != nil {
		return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
	}
	return result, nil
}

func (p *Plugin) handleProfile(ctx context.Context, data map[string]any) (map[string]any, error) {
	name, _ := data["name"].(string)
	if name == "" {
		return bus.ErrorResult(bus.CodeValidation, "profile requires a 'name' parameter"), nil
	}
	variables, _ := data["variables"].(map[string]any)
	composed, prompt, err := p.manager.Profile(name, variables)
	if err != nil {
		return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
	}
	return map[string]any{
		"composition":     composed,
		"resolved_prompt": prompt,
	}, nil
}

func (p *Plugin) handleReload(ctx context.Context, data map[string]any) (map[string]any, error) {
	if err := p.manager.Load(); err != nil {
		return bus.ErrorResult(bus.CodeHandlerError, err.Error()), nil
	}
	names := p.manager.List()
	return map[string]any{"status": "reloaded", "total": len(names)}, nil
}
