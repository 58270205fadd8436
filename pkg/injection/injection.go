// Package injection routes content into agents' future turns. Instead of
// interrupting a busy agent, callers queue injections; the completion
// service claims them when the agent's next turn starts and prepends them
// to the prompt as system reminders. Queues live in durable async state, so
// pending injections survive restarts.
package injection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ksi-project/ksi/pkg/asyncstate"
)

// queueNamespace is the async-state namespace holding injection queues,
// keyed by agent id.
const queueNamespace = "injection"

// Injection modes. ModeNext delivers at the start of the agent's next turn;
// ModeSystemReminder additionally marks the content as a system notice
// rather than conversational input.
const (
	ModeNext           = "next"
	ModeSystemReminder = "system_reminder"
)

// ErrUnknownMode rejects injections asking for a mode the router does not
// recognize.
var ErrUnknownMode = errors.New("unknown injection mode")

func validMode(mode string) bool {
	return mode == ModeNext || mode == ModeSystemReminder
}

// Entry describes one queued injection.
type Entry struct {
	Content  string
	Source   string
	Mode     string        // empty defaults to ModeNext
	TTL      time.Duration // 0 falls back to the queue-wide TTL
	Metadata map[string]any
}

// Service owns the injection queues.
type Service struct {
	queues *asyncstate.Queues
	logger *slog.Logger
}

// NewService builds the injection router over the shared durable queues.
func NewService(queues *asyncstate.Queues) *Service {
	return &Service{
		queues: queues,
		logger: slog.With("component", "injection"),
	}
}

// Inject queues content for an agent's next turn with default settings.
func (s *Service) Inject(ctx context.Context, agentID, content, source string) error {
	return s.InjectEntry(ctx, agentID, Entry{Content: content, Source: source})
}

// InjectEntry queues a fully-specified injection for an agent.
func (s *Service) InjectEntry(ctx context.Context, agentID string, e Entry) error {
	if e.Mode == "" {
		e.Mode = ModeNext
	}
	if !validMode(e.Mode) {
		return fmt.Errorf("%w %q", ErrUnknownMode, e.Mode)
	}
	entry := map[string]any{
		"content":     e.Content,
		"source":      e.Source,
		"mode":        e.Mode,
		"injected_at": time.Now().UTC().Format(time.RFC3339),
	}
	if len(e.Metadata) > 0 {
		entry["metadata"] = e.Metadata
	}
	if e.TTL > 0 {
		entry["expires_at"] = time.Now().UTC().Add(e.TTL).Format(time.RFC3339)
	}
	if err := s.queues.Push(ctx, queueNamespace, agentID, entry); err != nil {
		return fmt.Errorf("failed to queue injection for %s: %w", agentID, err)
	}
	s.logger.Debug("Queued injection",
		"agent_id", agentID, "source", e.Source, "mode", e.Mode)
	return nil
}

// expired reports whether an entry carried a per-injection expiry that has
// already passed.
func expired(entry map[string]any) bool {
	raw, ok := entry["expires_at"].(string)
	if !ok {
		return false
	}
	at, err := time.Parse(time.RFC3339, raw)
	return err == nil && time.Now().After(at)
}

// Claim drains and returns the pending injection contents for an agent,
// oldest first.
func (s *Service) Claim(ctx context.Context, agentID string) ([]string, error) {
	var contents []string
	for {
		value, err := s.queues.Pop(ctx, queueNamespace, agentID)
		if err == asyncstate.ErrEmpty {
			return contents, nil
		}
		if err != nil {
			return contents, err
		}
		entry, ok := value.(map[string]any)
		if !ok || expired(entry) {
			continue
		}
		if content, ok := entry["content"].(string); ok && content != "" {
			contents = append(contents, content)
		}
	}
}

// Pending lists queued injections for an agent without consuming them.
// Entries whose per-injection expiry has passed are omitted.
func (s *Service) Pending(ctx context.Context, agentID string) ([]any, error) {
	values, err := s.queues.Peek(ctx, queueNamespace, agentID)
	if err != nil {
		return nil, err
	}
	live := make([]any, 0, len(values))
	for _, v := range values {
		if entry, ok := v.(map[string]any); ok && expired(entry) {
			continue
		}
		live = append(live, v)
	}
	return live, nil
}

// Clear drops an agent's pending injections and returns the count removed.
func (s *Service) Clear(ctx context.Context, agentID string) (int, error) {
	return s.queues.Clear(ctx, queueNamespace, agentID)
}

// AgentIDs lists the agents with pending injections.
func (s *Service) AgentIDs(ctx context.Context) ([]string, error) {
	return s.queues.Keys(ctx, queueNamespace)
}

// RouteResult applies a completion result's injection_config: the result
// text is wrapped in trigger boilerplate and queued for each target agent.
func (s *Service) RouteResult(ctx context.Context, result map[string]any) (int, error) {
	cfg, ok := result["injection_config"].(map[string]any)
	if !ok {
		return 0, nil
	}
	if enabled, ok := cfg["enabled"].(bool); ok && !enabled {
		return 0, nil
	}

	text, _ := result["result"].(string)
	if text == "" {
		return 0, nil
	}
	sourceAgent, _ := result["agent_id"].(string)
	trigger, _ := cfg["trigger_type"].(string)
	if trigger == "" {
		trigger = "general"
	}

	rawTargets := cfg["target_sessions"]
	if rawTargets == nil {
		// Older results name the field "targets".
		rawTargets = cfg["targets"]
	}
	var targets []string
	switch raw := rawTargets.(type) {
	case []any:
		for _, t := range raw {
			if id, ok := t.(string); ok && id != "" {
				targets = append(targets, id)
			}
		}
	case []string:
		targets = raw
	}
	if len(targets) == 0 && sourceAgent != "" {
		targets = []string{sourceAgent}
	}

	content := formatTriggerContent(trigger, sourceAgent, text)
	routed := 0
	for _, target := range targets {
		if err := s.Inject(ctx, target, content, "completion:"+sourceAgent); err != nil {
			s.logger.Warn("Failed to route completion result",
				"target", target, "error", err)
			continue
		}
		routed++
	}
	return routed, nil
}

// formatTriggerContent wraps a routed result in boilerplate telling the
// receiving agent what arrived and why.
func formatTriggerContent(trigger, sourceAgent, text string) string {
	var sb strings.Builder
	sb.WriteString("A completion result was routed to you")
	if sourceAgent != "" {
		sb.WriteString(" from agent ")
		sb.WriteString(sourceAgent)
	}
	sb.WriteString(" (trigger: ")
	sb.WriteString(trigger)
	sb.WriteString("):\n\n")
	sb.WriteString(text)
	sb.WriteString("\n\nDecide whether this changes your current work before continuing.")
	return sb.String()
}
