// Package observation lets agents and clients watch other agents' event
// traffic through filtered observations: include/exclude patterns, content
// matching, rate limits, and sampling. Matched events are delivered as
// observe:begin / observe:end pairs; the package also serves history
// queries, replay, and frequency analysis over the bus's event ring.
package observation

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/asyncstate"
	"github.com/ksi-project/ksi/pkg/bus"
)

// Durable history lives in one async-state queue so records survive
// restarts; the queue TTL bounds retention.
const (
	historyNamespace = "observation"
	historyKey       = "history"
)

// observation is one registered watch.
type observation struct {
	id       string
	observer string // who receives the observe:* events
	target   string // agent id to watch; empty watches everything
	filter   Filter

	limit  limiter
	sample sampler

	mu        sync.Mutex
	matched   int
	delivered int
	dropped   int
	createdAt time.Time
}

// Service implements bus.EventObserver and the observation surface.
type Service struct {
	router *bus.Router
	queues *asyncstate.Queues // nil disables durable history
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*observation
}

// NewService builds the observation service. Install it on the router with
// router.SetObserver. Routed events are mirrored into the durable queues so
// history queries span restarts.
func NewService(router *bus.Router, queues *asyncstate.Queues) *Service {
	return &Service{
		router: router,
		queues: queues,
		logger: slog.With("component", "observation"),
		subs:   make(map[string]*observation),
	}
}

// Subscribe registers a watch and returns its id.
func (s *Service) Subscribe(observer, target string, filter Filter) string {
	obs := &observation{
		id:        uuid.New().String(),
		observer:  observer,
		target:    target,
		filter:    filter,
		createdAt: time.Now(),
	}
	s.mu.Lock()
	s.subs[obs.id] = obs
	s.mu.Unlock()
	s.logger.Info("Observation subscribed",
		"subscription_id", obs.id, "observer", observer, "target", target)
	return obs.id
}

// Unsubscribe removes a watch. Returns false for unknown ids.
func (s *Service) Unsubscribe(id string) bool {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	return ok
}

// UnsubscribeObserver removes every watch held by an observer.
func (s *Service) UnsubscribeObserver(observer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, obs := range s.subs {
		if obs.observer == observer {
			delete(s.subs, id)
			removed++
		}
	}
	return removed
}

// ObserveEvent delivers a routed event to every matching watch and mirrors
// it into durable history. Runs on the router's async pool, off the emit
// path.
func (s *Service) ObserveEvent(rec *bus.Record) {
	s.persist(rec)

	s.mu.RLock()
	subs := make([]*observation, 0, len(s.subs))
	for _, obs := range s.subs {
		subs = append(subs, obs)
	}
	s.mu.RUnlock()

	for _, obs := range subs {
		s.deliver(obs, rec)
	}
}

// persist mirrors a routed record into the durable history queue. The
// observe:* traffic this service emits is skipped so watched events don't
// triple the write volume.
func (s *Service) persist(rec *bus.Record) {
	if s.queues == nil || strings.HasPrefix(rec.Name, "observe:") {
		return
	}
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
	if err := s.queues.Push(context.Background(), historyNamespace, historyKey, entry); err != nil {
		s.logger.Warn("Failed to persist history record",
			"event", rec.Name, "error", err)
	}
}

func (s *Service) deliver(obs *observation, rec *bus.Record) {
	if obs.target != "" {
		agentID, _ := rec.Data["_agent_id"].(string)
		if agentID != obs.target {
			return
		}
	}
	if !obs.filter.matchesName(rec.Name) || !obs.filter.matchesContent(rec) {
		return
	}

	obs.mu.Lock()
	obs.matched++
	obs.mu.Unlock()

	if !obs.limit.allow(obs.filter.RateLimit, time.Now()) || !obs.sample.allow(obs.filter.SampleRate) {
		obs.mu.Lock()
		obs.dropped++
		obs.mu.Unlock()
		return
	}

	base := map[string]any{
		"subscription_id": obs.id,
		"observer":        obs.observer,
		"event_id":        rec.ID,
		"event_name":      rec.Name,
		"source":          rec.Source,
		"timestamp":       rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":            rec.Data,
	}
	if _, err := s.router.Emit(context.Background(), "observe:begin", base,
		bus.WithSource("observation")); err != nil {
		s.logger.Warn("Failed to emit observe:begin", "subscription_id", obs.id, "error", err)
		return
	}

	end := map[string]any{
		"subscription_id": obs.id,
		"observer":        obs.observer,
		"event_id":        rec.ID,
		"event_name":      rec.Name,
	}
	if rec.Result != nil {
		end["result"] = rec.Result
	}
	if rec.Error != "" {
		end["error"] = rec.Error
	}
	if _, err := s.router.Emit(context.Background(), "observe:end", end,
		bus.WithSource("observation")); err != nil {
		s.logger.Warn("Failed to emit observe:end", "subscription_id", obs.id, "error", err)
		return
	}

	obs.mu.Lock()
	obs.delivered++
	obs.mu.Unlock()
}

// Status summarizes the registered watches.
func (s *Service) Status() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]any, 0, len(s.subs))
	for _, obs := range s.subs {
		obs.mu.Lock()
		entry := map[string]any{
			"subscription_id": obs.id,
			"observer":        obs.observer,
			"target":          obs.target,
			"matched":         obs.matched,
			"delivered":       obs.delivered,
			"dropped":         obs.dropped,
			"created_at":      obs.createdAt.UTC().Format(time.RFC3339),
		}
		obs.mu.Unlock()
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["created_at"].(string) < out[j]["created_at"].(string)
	})
	return out
}

// QueryHistory returns history records matching the patterns, newest last,
// capped at limit. The in-memory ring is merged with the durable queue, so
// records emitted before the last restart are still visible.
func (s *Service) QueryHistory(ctx context.Context, patterns []string, since time.Time, limit int) []*bus.Record {
	keep := func(rec *bus.Record) bool {
		if !since.IsZero() && rec.Timestamp.Before(since) {
			return false
		}
		return matchAny(patterns, rec.Name)
	}

	matched := s.router.Replay(keep, nil)
	seen := make(map[string]bool, len(matched))
	for _, rec := range matched {
		seen[rec.ID] = true
	}
	for _, rec := range s.persisted(ctx) {
		if !seen[rec.ID] && keep(rec) {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// persisted reads the durable history queue back into records.
func (s *Service) persisted(ctx context.Context) []*bus.Record {
	if s.queues == nil {
		return nil
	}
	values, err := s.queues.Peek(ctx, historyNamespace, historyKey)
	if err != nil {
		s.logger.Warn("Failed to read persisted history", "error", err)
		return nil
	}
	records := make([]*bus.Record, 0, len(values))
	for _, value := range values {
		entry, ok := value.(map[string]any)
		if !ok {
			continue
		}
		rec := &bus.Record{}
		rec.ID, _ = entry["event_id"].(string)
		rec.Name, _ = entry["event"].(string)
		rec.Source, _ = entry["source"].(string)
		if raw, ok := entry["timestamp"].(string); ok {
			rec.Timestamp, _ = time.Parse(time.RFC3339Nano, raw)
		}
		rec.Data, _ = entry["data"].(map[string]any)
		rec.Result, _ = entry["result"].(map[string]any)
		rec.Error, _ = entry["error"].(string)
		if rec.ID == "" || rec.Name == "" {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// ReplayOptions controls how history records are re-emitted.
type ReplayOptions struct {
	Patterns []string
	Limit    int
	// Speed scales pacing against the original inter-event gaps: 2 replays
	// twice as fast, 0 replays back-to-back.
	Speed float64
	// AsOriginal re-emits records untagged, indistinguishable from live
	// traffic. The default tags each emission with _replay and
	// _original_event_id.
	AsOriginal bool
}

// Replay re-emits matching history records onto the bus. Returns the count
// replayed.
func (s *Service) Replay(ctx context.Context, opts ReplayOptions) int {
	records := s.QueryHistory(ctx, opts.Patterns, time.Time{}, opts.Limit)
	replayed := 0
	var prev time.Time
	for _, rec := range records {
		if opts.Speed > 0 && !prev.IsZero() {
			gap := time.Duration(float64(rec.Timestamp.Sub(prev)) / opts.Speed)
			if gap > 0 {
				select {
				case <-time.After(gap):
				case <-ctx.Done():
					return replayed
				}
			}
		}
		prev = rec.Timestamp

		data := make(map[string]any, len(rec.Data)+2)
		for k, v := range rec.Data {
			data[k] = v
		}
		if !opts.AsOriginal {
			data["_replay"] = true
			data["_original_event_id"] = rec.ID
		}
		if _, err := s.router.Emit(ctx, rec.Name, data,
			bus.WithSource("observation:replay")); err != nil {
			s.logger.Warn("Replay emit failed", "event", rec.Name, "error", err)
			continue
		}
		replayed++
	}
	return replayed
}

// AnalyzePatterns computes statistics over matching history records:
// per-event frequencies, recurring event sequences, and delivery timing
// derived from observe:begin / observe:end pairs.
func (s *Service) AnalyzePatterns(patterns []string) map[string]any {
	counts := make(map[string]int)
	namespaces := make(map[string]int)
	var names []string
	total := 0
	var oldest, newest time.Time

	begins := make(map[string]time.Time) // observed event id -> begin timestamp
	var spans []time.Duration

	s.router.Replay(func(rec *bus.Record) bool {
		switch rec.Name {
		case "observe:begin":
			if id, ok := rec.Data["event_id"].(string); ok {
				begins[id] = rec.Timestamp
			}
		case "observe:end":
			if id, ok := rec.Data["event_id"].(string); ok {
				if begin, ok := begins[id]; ok {
					spans = append(spans, rec.Timestamp.Sub(begin))
					delete(begins, id)
				}
			}
		}
		if !matchAny(patterns, rec.Name) {
			return false
		}
		counts[rec.Name]++
		namespaces[bus.Namespace(rec.Name)]++
		names = append(names, rec.Name)
		total++
		if oldest.IsZero() || rec.Timestamp.Before(oldest) {
			oldest = rec.Timestamp
		}
		if rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}
		return false // counting only; no need to collect
	}, nil)

	events := make([]map[string]any, 0, len(counts))
	for name, count := range counts {
		events = append(events, map[string]any{"event": name, "count": count})
	}
	sort.Slice(events, func(i, j int) bool {
		ci, cj := events[i]["count"].(int), events[j]["count"].(int)
		if ci != cj {
			return ci > cj
		}
		return events[i]["event"].(string) < events[j]["event"].(string)
	})

	result := map[string]any{
		"total":      total,
		"events":     events,
		"namespaces": namespaces,
		"sequences":  topSequences(names, 10),
	}
	if total > 0 {
		result["window_start"] = oldest.UTC().Format(time.RFC3339Nano)
		result["window_end"] = newest.UTC().Format(time.RFC3339Nano)
		if span := newest.Sub(oldest).Seconds(); span > 0 {
			result["events_per_second"] = float64(total) / span
		}
	}
	if len(spans) > 0 {
		min, max, sum := spans[0], spans[0], time.Duration(0)
		for _, d := range spans {
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
			sum += d
		}
		result["performance"] = map[string]any{
			"pairs":  len(spans),
			"avg_ms": float64(sum.Microseconds()) / float64(len(spans)) / 1000.0,
			"min_ms": float64(min.Microseconds()) / 1000.0,
			"max_ms": float64(max.Microseconds()) / 1000.0,
		}
	}
	return result
}

// topSequences counts consecutive event-name bigrams and trigrams and
// returns the most frequent, repeated sequences first.
func topSequences(names []string, max int) []map[string]any {
	counts := make(map[string]int)
	for _, n := range []int{2, 3} {
		for i := 0; i+n <= len(names); i++ {
			counts[strings.Join(names[i:i+n], " -> ")]++
		}
	}
	out := make([]map[string]any, 0, len(counts))
	for seq, count := range counts {
		if count < 2 {
			continue
		}
		out = append(out, map[string]any{
			"sequence": strings.Split(seq, " -> "),
			"count":    count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i]["count"].(int), out[j]["count"].(int)
		if ci != cj {
			return ci > cj
		}
		si := strings.Join(out[i]["sequence"].([]string), " ")
		sj := strings.Join(out[j]["sequence"].([]string), " ")
		if len(si) != len(sj) {
			return len(si) < len(sj)
		}
		return si < sj
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[") {
			if pattern == name {
				return true
			}
			continue
		}
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
