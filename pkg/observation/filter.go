package observation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Filter narrows which events an observation delivers.
type Filter struct {
	// Include patterns (glob); empty means every event name.
	Include []string `json:"include,omitempty"`
	// Exclude patterns win over Include.
	Exclude []string `json:"exclude,omitempty"`
	// ContentMatch constrains the event's data payload.
	ContentMatch *ContentMatch `json:"content_match,omitempty"`
	// RateLimit caps deliveries per window; nil means unlimited.
	RateLimit *RateLimit `json:"rate_limit,omitempty"`
	// SampleRate delivers this fraction of matches (0 or 1 means all).
	SampleRate float64 `json:"sample_rate,omitempty"`
}

// ContentMatch constrains an event's data payload. Field is a dot path into
// the data; empty matches against the whole payload's JSON text.
type ContentMatch struct {
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
	Pattern  string `json:"pattern,omitempty"`  // glob; used by the matches operator
	Operator string `json:"operator,omitempty"` // equals, contains (default), matches
}

// RateLimit caps deliveries to MaxEvents per WindowSeconds window.
type RateLimit struct {
	MaxEvents     float64 `json:"max_events"`
	WindowSeconds float64 `json:"window_seconds,omitempty"` // 0 defaults to 1
}

func (r *RateLimit) window() time.Duration {
	if r.WindowSeconds <= 0 {
		return time.Second
	}
	return time.Duration(r.WindowSeconds * float64(time.Second))
}

// limiter is a token bucket over fixed windows.
type limiter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

func (l *limiter) allow(rl *RateLimit, now time.Time) bool {
	if rl == nil || rl.MaxEvents <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.windowStart) >= rl.window() {
		l.windowStart = now
		l.count = 0
	}
	if float64(l.count) >= rl.MaxEvents {
		return false
	}
	l.count++
	return true
}

// sampler keeps a deterministic every-Nth counter for sub-1.0 sample rates.
type sampler struct {
	mu      sync.Mutex
	counter int
}

func (s *sampler) allow(rate float64) bool {
	if rate <= 0 || rate >= 1 {
		return true
	}
	stride := int(1.0 / rate)
	if stride < 1 {
		stride = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter%stride == 1 || stride == 1
}

// matchesName applies the include/exclude globs to an event name.
func (f *Filter) matchesName(name string) bool {
	for _, pattern := range f.Exclude {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, pattern := range f.Include {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// matchesContent applies the content constraint to the event's data.
func (f *Filter) matchesContent(rec *bus.Record) bool {
	m := f.ContentMatch
	if m == nil {
		return true
	}

	var subject string
	if m.Field == "" {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return false
		}
		subject = string(raw)
	} else {
		value, ok := lookupField(rec.Data, m.Field)
		if !ok {
			return false
		}
		subject = stringify(value)
	}

	switch m.Operator {
	case "equals":
		return subject == m.Value
	case "matches":
		pattern := m.Pattern
		if pattern == "" {
			pattern = m.Value
		}
		ok, err := doublestar.Match(pattern, subject)
		return err == nil && ok
	default: // contains
		return strings.Contains(subject, m.Value)
	}
}

// lookupField resolves a dot path like "task.status" into nested maps.
func lookupField(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		doc, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = doc[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// parseFilter builds a Filter from an event payload. content_match accepts
// either the full object form or a bare substring; rate_limit accepts either
// {max_events, window_seconds} or a bare per-second number.
func parseFilter(data map[string]any) Filter {
	var f Filter
	raw, ok := data["filter"].(map[string]any)
	if !ok {
		return f
	}
	f.Include = stringList(raw["include"])
	f.Exclude = stringList(raw["exclude"])

	switch cm := raw["content_match"].(type) {
	case string:
		if cm != "" {
			f.ContentMatch = &ContentMatch{Value: cm}
		}
	case map[string]any:
		match := &ContentMatch{}
		match.Field, _ = cm["field"].(string)
		match.Value, _ = cm["value"].(string)
		match.Pattern, _ = cm["pattern"].(string)
		match.Operator, _ = cm["operator"].(string)
		f.ContentMatch = match
	}

	switch rl := raw["rate_limit"].(type) {
	case float64:
		if rl > 0 {
			f.RateLimit = &RateLimit{MaxEvents: rl}
		}
	case map[string]any:
		limit := &RateLimit{}
		limit.MaxEvents, _ = rl["max_events"].(float64)
		limit.WindowSeconds, _ = rl["window_seconds"].(float64)
		if limit.MaxEvents > 0 {
			f.RateLimit = limit
		}
	}

	if v, ok := raw["sample_rate"].(float64); ok {
		f.SampleRate = v
	}
	return f
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
