// Package registry manages the daemon's pluggable handler modules: plugin
// registration and lifecycle, handler discovery metadata, and reload.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/bus"
)

// ErrNotReloadable is returned when reloading a plugin that opted out of
// runtime reload and force was not set.
var ErrNotReloadable = errors.New("plugin is not reloadable")

// Plugin is a named bundle of event handlers. Everything the daemon does is
// exposed this way: core services and user extensions register identically.
type Plugin interface {
	Name() string
	Handlers() []bus.HandlerSpec
}

// Initializer is implemented by plugins needing setup before their handlers
// go live.
type Initializer interface {
	Init(ctx context.Context) error
}

// Closer is implemented by plugins holding resources. Called on reload and
// daemon shutdown, reverse registration order.
type Closer interface {
	Close() error
}

// Reloader lets a plugin declare whether it may be reloaded at runtime.
// Plugins that do not implement it are reloadable. Transport plugins return
// false: reloading them would tear down every live client connection.
type Reloader interface {
	Reloadable() bool
}

// moduleEntry tracks one registered plugin and the handler specs it owns.
type moduleEntry struct {
	plugin   Plugin
	handlers []bus.HandlerSpec
	loadedAt time.Time
}

// Registry owns plugin registration and serves the discovery surface.
type Registry struct {
	router   *bus.Router
	logger   *slog.Logger
	disabled map[string]bool

	mu      sync.RWMutex
	modules map[string]*moduleEntry
	order   []string // registration order, for deterministic listing and shutdown

	started time.Time
}

// NewRegistry creates a registry bound to the router. Names in disabled are
// skipped at registration time.
func NewRegistry(router *bus.Router, disabled []string) *Registry {
	d := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		d[name] = true
	}
	return &Registry{
		router:   router,
		logger:   slog.With("component", "registry"),
		disabled: d,
		modules:  make(map[string]*moduleEntry),
		started:  time.Now(),
	}
}

// Register initializes a plugin and wires its handlers into the router.
// Disabled plugins are skipped silently (logged at info).
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	name := p.Name()
	if r.disabled[name] {
		r.logger.Info("Skipping disabled plugin", "plugin", name)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("plugin %q is already registered", name)
	}

	if init, ok := p.(Initializer); ok {
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize plugin %q: %w", name, err)
		}
	}

	specs := p.Handlers()
	for i := range specs {
		specs[i].Module = name
		if err := r.router.RegisterHandler(specs[i]); err != nil {
			r.router.UnregisterModule(name)
			return fmt.Errorf("failed to register handler %q of plugin %q: %w",
				specs[i].Event, name, err)
		}
	}

	r.modules[name] = &moduleEntry{plugin: p, handlers: specs, loadedAt: time.Now()}
	r.order = append(r.order, name)
	r.logger.Info("Registered plugin", "plugin", name, "handlers", len(specs))
	return nil
}

// Reload tears a plugin's handlers down and registers them again, re-running
// Close and Init when implemented. Plugins whose Reloadable() returns false
// are refused unless force is set.
func (r *Registry) Reload(ctx context.Context, name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("plugin %q is not registered", name)
	}
	if rl, ok := entry.plugin.(Reloader); ok && !rl.Reloadable() && !force {
		return fmt.Errorf("%w: %q", ErrNotReloadable, name)
	}

	if closer, ok := entry.plugin.(Closer); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("Plugin close failed during reload", "plugin", name, "error", err)
		}
	}
	r.router.UnregisterModule(name)

	if init, ok := entry.plugin.(Initializer); ok {
		if err := init.Init(ctx); err != nil {
			delete(r.modules, name)
			return fmt.Errorf("failed to re-initialize plugin %q: %w", name, err)
		}
	}

	specs := entry.plugin.Handlers()
	for i := range specs {
		specs[i].Module = name
		if err := r.router.RegisterHandler(specs[i]); err != nil {
			return fmt.Errorf("failed to re-register handler %q of plugin %q: %w",
				specs[i].Event, name, err)
		}
	}
	entry.handlers = specs
	entry.loadedAt = time.Now()
	r.logger.Info("Reloaded plugin", "plugin", name, "handlers", len(specs))
	return nil
}

// Close shuts plugins down in reverse registration order.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		entry, ok := r.modules[r.order[i]]
		if !ok {
			continue
		}
		if closer, ok := entry.plugin.(Closer); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("Plugin close failed", "plugin", r.order[i], "error", err)
			}
		}
	}
}

// Reloadable reports whether a registered plugin accepts runtime reload.
// Unknown modules report false.
func (r *Registry) Reloadable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.modules[name]
	if !ok {
		return false
	}
	if rl, ok := entry.plugin.(Reloader); ok {
		return rl.Reloadable()
	}
	return true
}

// Modules returns the registered module names in registration order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ModuleHandlers returns the handler specs a module registered, sorted by
// event name. ok is false for unknown modules.
func (r *Registry) ModuleHandlers(name string) ([]bus.HandlerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.modules[name]
	if !ok {
		return nil, false
	}
	out := make([]bus.HandlerSpec, len(entry.handlers))
	copy(out, entry.handlers)
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out, true
}

// AllHandlers returns every registered handler spec across all modules,
// sorted by event name then module.
func (r *Registry) AllHandlers() []bus.HandlerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []bus.HandlerSpec
	for _, entry := range r.modules {
		out = append(out, entry.handlers...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event != out[j].Event {
			return out[i].Event < out[j].Event
		}
		return out[i].Module < out[j].Module
	})
	return out
}

// Uptime reports how long the registry (and so the daemon) has been up.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}
