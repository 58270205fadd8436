// Package composition loads declarative agent profiles from YAML and renders
// them into concrete prompts and capability sets. A composition names its
// components (system prompt fragments, allowed event lists, model settings),
// may extend another composition, and declares variables substituted at
// compose time.
package composition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Variable declares one substitutable value of a composition.
type Variable struct {
	Default     any    `yaml:"default"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// Component is one named fragment of a composition. Template text is
// rendered with the compose-time variables; Inline values pass through
// untouched.
type Component struct {
	Name     string         `yaml:"name"`
	Template string         `yaml:"template"`
	Inline   map[string]any `yaml:"inline"`
}

// Composition is one parsed profile file. PermissionLevel and AllowedEvents
// bound what agents spawned from the profile may do; both inherit from the
// extended composition when unset.
type Composition struct {
	Name            string              `yaml:"name"`
	Description     string              `yaml:"description"`
	Extends         string              `yaml:"extends"`
	PermissionLevel string              `yaml:"permission_level"`
	AllowedEvents   []string            `yaml:"allowed_events"`
	Components      []Component         `yaml:"components"`
	Variables       map[string]Variable `yaml:"variables"`
}

// Manager loads and caches compositions from a directory of YAML files.
type Manager struct {
	dir string

	mu           sync.RWMutex
	compositions map[string]*Composition
	watcher      *fsnotify.Watcher
	watchDone    chan struct{}
}

// NewManager creates a manager over dir. Call Load before use; a missing
// directory loads an empty set.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, compositions: make(map[string]*Composition)}
}

// Load (re)reads every *.yaml / *.yml file in the directory.
func (m *Manager) Load() error {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		m.mu.Lock()
		m.compositions = make(map[string]*Composition)
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read compositions directory: %w", err)
	}

	loaded := make(map[string]*Composition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read composition %s: %w", entry.Name(), err)
		}
		var comp Composition
		if err := yaml.Unmarshal(raw, &comp); err != nil {
			return fmt.Errorf("failed to parse composition %s: %w", entry.Name(), err)
		}
		if comp.Name == "" {
			comp.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		loaded[comp.Name] = &comp
	}

	m.mu.Lock()
	m.compositions = loaded
	m.mu.Unlock()
	return nil
}

// List returns the loaded composition names, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.compositions))
	for name := range m.compositions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a composition with its inheritance chain flattened: components
// and variables of ancestors merge in, the child winning on conflicts.
func (m *Manager) Get(name string) (*Composition, error) {
	return m.resolve(name, map[string]bool{})
}

func (m *Manager) resolve(name string, seen map[string]bool) (*Composition, error) {
	if seen[name] {
		return nil, fmt.Errorf("composition %q extends itself (cycle)", name)
	}
	seen[name] = true

	m.mu.RLock()
	comp, ok := m.compositions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("composition %q does not exist", name)
	}

	// Deep copy so callers and the merge never mutate the cache.
	out := &Composition{
		Name:            comp.Name,
		Description:     comp.Description,
		PermissionLevel: comp.PermissionLevel,
		AllowedEvents:   append([]string(nil), comp.AllowedEvents...),
		Components:      append([]Component(nil), comp.Components...),
		Variables:       make(map[string]Variable, len(comp.Variables)),
	}
	for k, v := range comp.Variables {
		out.Variables[k] = v
	}

	if comp.Extends == "" {
		return out, nil
	}

	parent, err := m.resolve(comp.Extends, seen)
	if err != nil {
		return nil, fmt.Errorf("composition %q: %w", name, err)
	}

	// Parent components come first; a child component with the same name
	// replaces the parent's.
	merged := make([]Component, 0, len(parent.Components)+len(out.Components))
	childNames := make(map[string]bool, len(out.Components))
	for _, c := range out.Components {
		childNames[c.Name] = true
	}
	for _, c := range parent.Components {
		if !childNames[c.Name] {
			merged = append(merged, c)
		}
	}
	out.Components = append(merged, out.Components...)

	if out.PermissionLevel == "" {
		out.PermissionLevel = parent.PermissionLevel
	}
	if len(out.AllowedEvents) == 0 {
		out.AllowedEvents = parent.AllowedEvents
	}

	if err := mergo.Merge(&out.Variables, parent.Variables); err != nil {
		return nil, fmt.Errorf("composition %q: failed to merge variables: %w", name, err)
	}
	return out, nil
}

// Compose renders a composition with the given variables. Declared defaults
// fill gaps; a missing required variable is an error.
func (m *Manager) Compose(name string, variables map[string]any) (map[string]any, error) {
	comp, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(comp.Variables)+len(variables))
	for k, decl := range comp.Variables {
		if decl.Default != nil {
			vars[k] = decl.Default
		}
	}
	for k, v := range variables {
		vars[k] = v
	}
	for k, decl := range comp.Variables {
		if decl.Required {
			if _, ok := vars[k]; !ok {
				return nil, fmt.Errorf("composition %q requires variable %q", name, k)
			}
		}
	}

	components := make(map[string]any, len(comp.Components))
	for _, c := range comp.Components {
		if c.Template != "" {
			rendered, err := renderTemplate(c.Name, c.Template, vars)
			if err != nil {
				return nil, fmt.Errorf("composition %q component %q: %w", name, c.Name, err)
			}
			components[c.Name] = rendered
			continue
		}
		components[c.Name] = c.Inline
	}

	result := map[string]any{
		"name":        comp.Name,
		"description": comp.Description,
		"components":  components,
		"variables":   vars,
	}
	if comp.PermissionLevel != "" {
		result["permission_level"] = comp.PermissionLevel
	}
	if len(comp.AllowedEvents) > 0 {
		result["allowed_events"] = comp.AllowedEvents
	}
	return result, nil
}

// Profile renders a composition and additionally flattens its prompt
// fragments, in component order, into one resolved prompt string.
func (m *Manager) Profile(name string, variables map[string]any) (map[string]any, string, error) {
	composed, err := m.Compose(name, variables)
	if err != nil {
		return nil, "", err
	}
	comp, err := m.Get(name)
	if err != nil {
		return nil, "", err
	}

	components, _ := composed["components"].(map[string]any)
	var parts []string
	for _, c := range comp.Components {
		if s, ok := components[c.Name].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return composed, strings.Join(parts, "\n\n"), nil
}

func renderTemplate(name, text string, vars map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return sb.String(), nil
}
