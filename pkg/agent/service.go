// Package agent manages the population of autonomous agents: spawning from
// composition profiles, terminating with cascade, routing messages through
// the completion service, and resolving the ancestor chains the bus uses
// for hierarchical event routing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/state"
)

// ErrNotFound is returned for unknown agent ids.
var ErrNotFound = errors.New("agent not found")

// Agent is one live (or terminated) member of the population.
type Agent struct {
	ID                string `json:"agent_id"`
	Profile           string `json:"profile"`
	ParentID          string `json:"parent_id,omitempty"`
	SubscriptionLevel int    `json:"subscription_level"`
	// SandboxUUID names the agent's working directory. It is minted once at
	// spawn and stays stable across turns even as session ids change.
	SandboxUUID string         `json:"sandbox_uuid"`
	SessionID   string         `json:"session_id,omitempty"`
	Status      string         `json:"status"`
	Variables   map[string]any `json:"variables,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	systemPrompt string
}

// Agent statuses.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// SpawnOptions configures one spawn.
type SpawnOptions struct {
	AgentID           string // empty mints one
	Profile           string
	ParentID          string
	SubscriptionLevel int
	Variables         map[string]any
	Prompt            string // optional first message
}

// Service owns the agent registry.
type Service struct {
	router      *bus.Router
	store       *state.Store
	sandboxRoot string
	logger      *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewService builds the agent service. sandboxRoot holds per-agent working
// directories; empty disables sandbox creation.
func NewService(router *bus.Router, store *state.Store, sandboxRoot string) *Service {
	return &Service{
		router:      router,
		store:       store,
		sandboxRoot: sandboxRoot,
		logger:      slog.With("component", "agent"),
		agents:      make(map[string]*Agent),
	}
}

// Spawn creates an agent from a composition profile and, when a prompt is
// given, queues its first completion turn.
func (s *Service) Spawn(ctx context.Context, opts SpawnOptions) (*Agent, error) {
	if opts.Profile == "" {
		return nil, fmt.Errorf("spawn requires a profile")
	}
	if opts.ParentID != "" {
		if _, err := s.Get(opts.ParentID); err != nil {
			return nil, fmt.Errorf("parent %s: %w", opts.ParentID, ErrNotFound)
		}
	}

	composed, err := s.router.Emit(ctx, "composition:compose", map[string]any{
		"name":      opts.Profile,
		"variables": opts.Variables,
	}, bus.WithSource("agent"))
	if err != nil {
		return nil, err
	}
	if bus.IsErrorResult(composed) {
		detail := composed["error"].(map[string]any)
		return nil, fmt.Errorf("failed to compose profile %q: %v", opts.Profile, detail["message"])
	}
	systemPrompt := ""
	if components, ok := composed["components"].(map[string]any); ok {
		systemPrompt, _ = components["system_prompt"].(string)
	}

	agent := &Agent{
		ID:                opts.AgentID,
		Profile:           opts.Profile,
		ParentID:          opts.ParentID,
		SubscriptionLevel: opts.SubscriptionLevel,
		SandboxUUID:       uuid.New().String(),
		Status:            StatusActive,
		Variables:         opts.Variables,
		CreatedAt:         time.Now(),
		systemPrompt:      systemPrompt,
	}
	if agent.ID == "" {
		agent.ID = "agent_" + uuid.New().String()[:8]
	}

	s.mu.Lock()
	if _, exists := s.agents[agent.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %s already exists", agent.ID)
	}
	s.agents[agent.ID] = agent
	s.mu.Unlock()

	if err := s.persist(ctx, agent); err != nil {
		s.logger.Warn("Failed to persist agent", "agent_id", agent.ID, "error", err)
	}
	if dir := s.sandboxDir(agent); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Warn("Failed to create sandbox", "agent_id", agent.ID, "error", err)
		}
	}

	s.logger.Info("Spawned agent",
		"agent_id", agent.ID, "profile", agent.Profile, "parent_id", agent.ParentID)
	if _, err := s.router.Emit(ctx, "agent:spawned", map[string]any{
		"agent_id":  agent.ID,
		"profile":   agent.Profile,
		"parent_id": agent.ParentID,
	}, bus.WithSource("agent")); err != nil {
		s.logger.Warn("Failed to announce spawn", "agent_id", agent.ID, "error", err)
	}

	if opts.Prompt != "" {
		if err := s.SendMessage(ctx, agent.ID, opts.Prompt); err != nil {
			s.logger.Warn("Failed to queue first turn", "agent_id", agent.ID, "error", err)
		}
	}
	return agent, nil
}

// SendMessage queues one completion turn for the agent. The first turn
// carries the composed system prompt.
func (s *Service) SendMessage(ctx context.Context, agentID, message string) error {
	s.mu.RLock()
	agent, ok := s.agents[agentID]
	if !ok || agent.Status != StatusActive {
		s.mu.RUnlock()
		if !ok {
			return ErrNotFound
		}
		return fmt.Errorf("agent %s is terminated", agentID)
	}
	sessionID := agent.SessionID
	prompt := message
	if sessionID == "" && agent.systemPrompt != "" {
		prompt = agent.systemPrompt + "\n\n" + message
	}
	s.mu.RUnlock()

	result, err := s.router.Emit(ctx, "completion:async", map[string]any{
		"prompt":     prompt,
		"session_id": sessionID,
		"agent_id":   agentID,
	}, bus.WithSource("agent"))
	if err != nil {
		return err
	}
	if bus.IsErrorResult(result) {
		detail := result["error"].(map[string]any)
		return fmt.Errorf("failed to queue turn for %s: %v", agentID, detail["message"])
	}
	return nil
}

// Terminate stops one agent; with cascade, its whole subtree.
func (s *Service) Terminate(ctx context.Context, agentID string, cascade bool) ([]string, error) {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	doomed := []*Agent{agent}
	if cascade {
		doomed = append(doomed, s.descendantsLocked(agentID)...)
	} else {
		// Orphans are re-parented to the terminated agent's parent so the
		// hierarchy stays connected.
		for _, a := range s.agents {
			if a.ParentID == agentID {
				a.ParentID = agent.ParentID
			}
		}
	}
	terminated := make([]string, 0, len(doomed))
	for _, a := range doomed {
		if a.Status == StatusTerminated {
			continue
		}
		a.Status = StatusTerminated
		terminated = append(terminated, a.ID)
	}
	s.mu.Unlock()

	for _, id := range terminated {
		if err := s.store.DeleteEntity(ctx, "agent:"+id); err != nil && !errors.Is(err, state.ErrNotFound) {
			s.logger.Warn("Failed to remove agent entity", "agent_id", id, "error", err)
		}
		if _, err := s.router.Emit(ctx, "agent:terminated", map[string]any{
			"agent_id": id,
		}, bus.WithSource("agent")); err != nil {
			s.logger.Warn("Failed to announce termination", "agent_id", id, "error", err)
		}
	}
	s.logger.Info("Terminated agents", "agent_id", agentID, "cascade", cascade, "count", len(terminated))
	return terminated, nil
}

// TerminateAll terminates every live agent. Called on daemon shutdown so no
// agent outlives its daemon.
func (s *Service) TerminateAll(ctx context.Context) int {
	s.mu.RLock()
	var roots []string
	for _, a := range s.agents {
		if a.Status == StatusActive && a.ParentID == "" {
			roots = append(roots, a.ID)
		}
	}
	s.mu.RUnlock()

	total := 0
	for _, id := range roots {
		terminated, err := s.Terminate(ctx, id, true)
		if err != nil {
			s.logger.Warn("Failed to terminate agent tree", "agent_id", id, "error", err)
			continue
		}
		total += len(terminated)
	}
	// Orphans whose parents are already gone still need a pass.
	s.mu.RLock()
	var strays []string
	for _, a := range s.agents {
		if a.Status == StatusActive {
			strays = append(strays, a.ID)
		}
	}
	s.mu.RUnlock()
	for _, id := range strays {
		if terminated, err := s.Terminate(ctx, id, true); err == nil {
			total += len(terminated)
		}
	}
	return total
}

// descendantsLocked collects the live subtree below agentID. Caller holds s.mu.
func (s *Service) descendantsLocked(agentID string) []*Agent {
	var out []*Agent
	frontier := []string{agentID}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for _, a := range s.agents {
			if a.ParentID == parent && a.Status == StatusActive {
				out = append(out, a)
				frontier = append(frontier, a.ID)
			}
		}
	}
	return out
}

// Constructs returns the live subtree below an originator, sorted by
// creation time.
func (s *Service) Constructs(agentID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.agents[agentID]; !ok {
		return nil, ErrNotFound
	}
	out := s.descendantsLocked(agentID)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Get returns one agent.
func (s *Service) Get(agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return agent, nil
}

// List returns all agents, active first, then by creation time.
func (s *Service) List() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == StatusActive
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateComposition re-composes an agent's profile, applying from the next
// turn that starts a fresh conversation.
func (s *Service) UpdateComposition(ctx context.Context, agentID, profile string, variables map[string]any) error {
	agent, err := s.Get(agentID)
	if err != nil {
		return err
	}

	composed, err := s.router.Emit(ctx, "composition:compose", map[string]any{
		"name":      profile,
		"variables": variables,
	}, bus.WithSource("agent"))
	if err != nil {
		return err
	}
	if bus.IsErrorResult(composed) {
		detail := composed["error"].(map[string]any)
		return fmt.Errorf("failed to compose profile %q: %v", profile, detail["message"])
	}
	systemPrompt := ""
	if components, ok := composed["components"].(map[string]any); ok {
		systemPrompt, _ = components["system_prompt"].(string)
	}

	s.mu.Lock()
	agent.Profile = profile
	agent.Variables = variables
	agent.systemPrompt = systemPrompt
	// Forget the session so the new composition takes effect cleanly.
	agent.SessionID = ""
	s.mu.Unlock()

	if err := s.persist(ctx, agent); err != nil {
		s.logger.Warn("Failed to persist agent", "agent_id", agentID, "error", err)
	}
	return nil
}

// RecordSession updates the agent's conversation pointer from a completion
// result.
func (s *Service) RecordSession(agentID, sessionID string) {
	if agentID == "" || sessionID == "" {
		return
	}
	s.mu.Lock()
	if agent, ok := s.agents[agentID]; ok {
		agent.SessionID = sessionID
	}
	s.mu.Unlock()
}

// Ancestors implements bus.AgentHierarchy: the chain from agentID's parent
// up to the root, nearest first.
func (s *Service) Ancestors(agentID string) []bus.Ancestor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var chain []bus.Ancestor
	seen := map[string]bool{agentID: true}
	current, ok := s.agents[agentID]
	for ok && current.ParentID != "" && !seen[current.ParentID] {
		seen[current.ParentID] = true
		parent, found := s.agents[current.ParentID]
		if !found {
			break
		}
		chain = append(chain, bus.Ancestor{
			ID:                parent.ID,
			SubscriptionLevel: parent.SubscriptionLevel,
		})
		current, ok = parent, true
	}
	return chain
}

// sandboxDir returns the agent's working directory path.
func (s *Service) sandboxDir(agent *Agent) string {
	if s.sandboxRoot == "" {
		return ""
	}
	return filepath.Join(s.sandboxRoot, agent.SandboxUUID)
}

// persist mirrors the agent into the state graph so it is inspectable and
// survives restarts.
func (s *Service) persist(ctx context.Context, agent *Agent) error {
	id := "agent:" + agent.ID
	props := map[string]any{
		"profile":            agent.Profile,
		"parent_id":          agent.ParentID,
		"subscription_level": agent.SubscriptionLevel,
		"sandbox_uuid":       agent.SandboxUUID,
		"status":             agent.Status,
	}
	if err := s.store.CreateEntity(ctx, id, "agent", props); err != nil {
		return s.store.UpdateEntity(ctx, id, props)
	}
	if agent.ParentID != "" {
		return s.store.CreateRelationship(ctx, "agent:"+agent.ParentID, id, "spawned", nil)
	}
	return nil
}
