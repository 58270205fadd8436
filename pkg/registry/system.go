package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/version"
)

// SystemPlugin serves the daemon's introspection surface: health, discovery,
// per-event help, module listing, plugin reload, and shutdown.
type SystemPlugin struct {
	registry *Registry
	router   *bus.Router
	// shutdown asks the daemon to stop; invoked asynchronously so the
	// system:shutdown response still reaches the caller.
	shutdown func()
}

// NewSystemPlugin wires the introspection plugin. shutdown may be nil in
// tests.
func NewSystemPlugin(registry *Registry, router *bus.Router, shutdown func()) *SystemPlugin {
	return &SystemPlugin{registry: registry, router: router, shutdown: shutdown}
}

func (p *SystemPlugin) Name() string { return "system" }

func (p *SystemPlugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "system:health",
			Fn:      p.handleHealth,
			Summary: "Report daemon health and uptime",
		},
		{
			Event:   "system:discover",
			Fn:      p.handleDiscover,
			Summary: "List every registered event with its metadata",
			Parameters: map[string]bus.ParamSpec{
				"namespace": {Type: "string", Description: "restrict to one namespace"},
				"detail":    {Type: "boolean", Default: false, Description: "include parameters, triggers, and schemas"},
			},
		},
		{
			Event:   "system:help",
			Fn:      p.handleHelp,
			Summary: "Detailed metadata for a single event",
			Parameters: map[string]bus.ParamSpec{
				"event":        {Type: "string", Required: true},
				"format_style": {Type: "string", Default: "human", Description: "'human' or 'mcp' tool schema"},
			},
		},
		{
			Event:   "system:shutdown",
			Fn:      p.handleShutdown,
			Summary: "Gracefully stop the daemon",
		},
		{
			Event:   "module:list",
			Fn:      p.handleModuleList,
			Summary: "List registered modules with handler counts",
		},
		{
			Event:   "module:list_events",
			Fn:      p.handleModuleEvents,
			Summary: "List the events one module handles",
			Parameters: map[string]bus.ParamSpec{
				"module": {Type: "string", Required: true},
			},
		},
		{
			Event:   "plugin:reload",
			Fn:      p.handleReload,
			Summary: "Reload a plugin's handlers",
			Parameters: map[string]bus.ParamSpec{
				"plugin_name": {Type: "string", Required: true},
				"force":       {Type: "boolean", Default: false, Description: "reload even non-reloadable plugins"},
			},
		},
	}
}

func (p *SystemPlugin) handleHealth(ctx context.Context, data map[string]any) (map[string]any, error) {
	uptime := int64(p.registry.Uptime().Seconds())
	return map[string]any{
		"status":         "healthy",
		"version":        version.Full(),
		"uptime":         uptime,
		"uptime_seconds": uptime,
		"modules":        len(p.registry.Modules()),
		"handlers":       len(p.registry.AllHandlers()),
		"history_length": p.router.HistoryLen(),
	}, nil
}

// specMetadata builds the discovery document for one handler spec.
func (p *SystemPlugin) specMetadata(spec bus.HandlerSpec) map[string]any {
	meta := map[string]any{
		"module":  spec.Module,
		"summary": spec.Summary,
		"async":   spec.Async,
	}
	if len(spec.Parameters) > 0 {
		params := make(map[string]any, len(spec.Parameters))
		for name, ps := range spec.Parameters {
			entry := map[string]any{
				"type":     ps.Type,
				"required": ps.Required,
			}
			if ps.Default != nil {
				entry["default"] = ps.Default
			}
			if ps.Description != "" {
				entry["description"] = ps.Description
			}
			params[name] = entry
		}
		meta["parameters"] = params
	}
	if len(spec.Triggers) > 0 {
		meta["triggers"] = spec.Triggers
	}
	if schema := p.router.Schema(spec.Event); schema != nil {
		meta["schema"] = schema
	}
	return meta
}

func (p *SystemPlugin) handleDiscover(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace, _ := data["namespace"].(string)
	detail, _ := data["detail"].(bool)

	events := map[string]any{}
	seen := map[string]bool{}
	for _, spec := range p.registry.AllHandlers() {
		if namespace != "" && bus.Namespace(spec.Event) != namespace {
			continue
		}
		seen[bus.Namespace(spec.Event)] = true
		if detail {
			events[spec.Event] = p.specMetadata(spec)
		} else {
			events[spec.Event] = map[string]any{
				"module":  spec.Module,
				"summary": spec.Summary,
				"async":   spec.Async,
			}
		}
	}
	namespaces := make([]string, 0, len(seen))
	for ns := range seen {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return map[string]any{
		"events":     events,
		"namespaces": namespaces,
		"total":      len(events),
	}, nil
}

func (p *SystemPlugin) handleHelp(ctx context.Context, data map[string]any) (map[string]any, error) {
	event, _ := data["event"].(string)
	if event == "" {
		return bus.ErrorResult(bus.CodeValidation, "help requires an 'event' parameter"), nil
	}
	style, _ := data["format_style"].(string)
	for _, spec := range p.registry.AllHandlers() {
		if spec.Event != event {
			continue
		}
		if style == "mcp" {
			return mcpToolSchema(spec), nil
		}
		meta := p.specMetadata(spec)
		meta["event"] = event
		return meta, nil
	}
	return bus.ErrorResult(bus.CodeNotFound, fmt.Sprintf("no handler registered for %s", event)), nil
}

// mcpToolSchema renders one handler as an MCP tool declaration so bridges
// can expose daemon events as tools without translating the metadata
// themselves.
func mcpToolSchema(spec bus.HandlerSpec) map[string]any {
	properties := map[string]any{}
	required := make([]string, 0)
	for name, ps := range spec.Parameters {
		prop := map[string]any{"type": ps.Type}
		if ps.Description != "" {
			prop["description"] = ps.Description
		}
		if ps.Default != nil {
			prop["default"] = ps.Default
		}
		properties[name] = prop
		if ps.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"name":        strings.ReplaceAll(spec.Event, ":", "_"),
		"description": spec.Summary,
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

func (p *SystemPlugin) handleShutdown(ctx context.Context, data map[string]any) (map[string]any, error) {
	if p.shutdown != nil {
		go p.shutdown()
	}
	return map[string]any{"status": "shutting_down"}, nil
}

func (p *SystemPlugin) handleModuleList(ctx context.Context, data map[string]any) (map[string]any, error) {
	modules := make([]map[string]any, 0)
	for _, name := range p.registry.Modules() {
		handlers, _ := p.registry.ModuleHandlers(name)
		modules = append(modules, map[string]any{
			"name":       name,
			"handlers":   len(handlers),
			"reloadable": p.registry.Reloadable(name),
		})
	}
	return map[string]any{"modules": modules}, nil
}

func (p *SystemPlugin) handleModuleEvents(ctx context.Context, data map[string]any) (map[string]any, error) {
	module, _ := data["module"].(string)
	if module == "" {
		return bus.ErrorResult(bus.CodeValidation, "list_events requires a 'module' parameter"), nil
	}
	handlers, ok := p.registry.ModuleHandlers(module)
	if !ok {
		return bus.ErrorResult(bus.CodeNotFound, fmt.Sprintf("module %q is not registered", module)), nil
	}
	events := make([]string, 0, len(handlers))
	for _, spec := range handlers {
		events = append(events, spec.Event)
	}
	sort.Strings(events)
	return map[string]any{"module": module, "events": events}, nil
}

func (p *SystemPlugin) handleReload(ctx context.Context, data map[string]any) (map[string]any, error) {
	name, _ := data["plugin_name"].(string)
	if name == "" {
		// Older clients send "module".
		name, _ = data["module"].(string)
	}
	if name == "" {
		return bus.ErrorResult(bus.CodeValidation, "reload requires a 'plugin_name' parameter"), nil
	}
	force, _ := data["force"].(bool)
	if err := p.registry.Reload(ctx, name, force); err != nil {
		if errors.Is(err, ErrNotReloadable) {
			return bus.ErrorResult(bus.CodeValidation, err.Error()), nil
		}
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	return map[string]any{"plugin_name": name, "status": "reloaded"}, nil
}
