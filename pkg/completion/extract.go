package completion

import (
	"encoding/json"
	"strings"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/provider"
)

// extractEvents scans a model response for embedded event emissions. A line
// that parses as a JSON object with an "event" key is emitted on the bus,
// attributed to the requesting agent. A line that looks like such an
// emission but fails to parse produces feedback injected into the agent's
// next turn, so the model can correct itself.
func (s *Service) extractEvents(req *request, resp *provider.Response) {
	emitted := 0
	var malformed []string

	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			if looksLikeEventEmission(line) {
				malformed = append(malformed, line)
			}
			continue
		}
		name, ok := doc["event"].(string)
		if !ok || name == "" {
			continue
		}

		data, _ := doc["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		if req.agentID != "" {
			data["_agent_id"] = req.agentID
		}

		if _, err := s.router.Emit(s.baseCtx, name, data,
			bus.WithSource("agent:"+req.agentID)); err != nil {
			s.logger.Warn("Failed to emit extracted event",
				"event", name, "agent_id", req.agentID, "error", err)
			continue
		}
		emitted++
	}

	if emitted > 0 {
		s.logger.Debug("Extracted events from response",
			"request_id", req.id, "count", emitted)
	}
	if len(malformed) > 0 {
		s.injectMalformedFeedback(req, malformed)
	}
}

// looksLikeEventEmission reports whether an unparseable line was probably an
// attempted event emission rather than prose that happens to start with '{'.
func looksLikeEventEmission(line string) bool {
	return strings.Contains(line, `"event"`)
}

// injectMalformedFeedback queues a correction notice for the agent's next
// turn via the injection router.
func (s *Service) injectMalformedFeedback(req *request, lines []string) {
	if req.agentID == "" {
		return
	}
	var sb strings.Builder
	sb.WriteString("Your previous response contained malformed event JSON that could not be processed:\n")
	for _, line := range lines {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("Emit events as single-line JSON objects: {\"event\": \"name\", \"data\": {...}}")

	if _, err := s.router.Emit(s.baseCtx, "injection:inject", map[string]any{
		"agent_id": req.agentID,
		"content":  sb.String(),
		"source":   "completion",
		"mode":     "system_reminder",
		"metadata": map[string]any{"is_feedback": true},
	}, bus.WithSource("completion")); err != nil {
		s.logger.Warn("Failed to inject malformed-JSON feedback",
			"agent_id", req.agentID, "error", err)
	}
}
