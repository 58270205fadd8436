package observation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/asyncstate"
	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/database"
)

type fixture struct {
	router  *bus.Router
	queues  *asyncstate.Queues
	service *Service

	mu     sync.Mutex
	begins []map[string]any
	ends   []map[string]any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	router, err := bus.NewRouter(bus.Options{})
	require.NoError(t, err)
	t.Cleanup(router.Shutdown)

	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	queues := asyncstate.NewQueues(client, time.Hour)

	f := &fixture{router: router, queues: queues, service: NewService(router, queues)}
	router.SetObserver(f.service)
	for _, spec := range NewPlugin(f.service).Handlers() {
		require.NoError(t, router.RegisterHandler(spec))
	}

	router.Subscribe("test", []string{"observe:begin"}, func(rec *bus.Record) {
		f.mu.Lock()
		f.begins = append(f.begins, rec.Data)
		f.mu.Unlock()
	}, "")
	router.Subscribe("test", []string{"observe:end"}, func(rec *bus.Record) {
		f.mu.Lock()
		f.ends = append(f.ends, rec.Data)
		f.mu.Unlock()
	}, "")
	return f
}

func (f *fixture) beginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.begins)
}

func (f *fixture) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ends)
}

func TestObservationDeliversBeginAndEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subID := f.service.Subscribe("watcher", "agent-1", Filter{})

	// Matching: emitted by the watched agent.
	_, err := f.router.Emit(ctx, "task:progress",
		map[string]any{"_agent_id": "agent-1", "pct": 50.0})
	require.NoError(t, err)
	// Not matching: different agent.
	_, err = f.router.Emit(ctx, "task:progress",
		map[string]any{"_agent_id": "agent-2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.beginCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.begins, 1)
	assert.Equal(t, subID, f.begins[0]["subscription_id"])
	assert.Equal(t, "task:progress", f.begins[0]["event_name"])
	require.Len(t, f.ends, 1)
	assert.Equal(t, f.begins[0]["event_id"], f.ends[0]["event_id"])
}

func TestIncludeExcludeFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Subscribe("watcher", "", Filter{
		Include: []string{"task:*"},
		Exclude: []string{"task:noise"},
	})

	for _, name := range []string{"task:start", "task:noise", "state:set", "task:done"} {
		_, err := f.router.Emit(ctx, name, map[string]any{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return f.beginCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.beginCount())
}

func TestContentMatchFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Subscribe("watcher", "", Filter{ContentMatch: &ContentMatch{Value: "urgent"}})

	_, err := f.router.Emit(ctx, "note:add", map[string]any{"text": "urgent: fix it"})
	require.NoError(t, err)
	_, err = f.router.Emit(ctx, "note:add", map[string]any{"text": "routine"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.beginCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.beginCount())
}

func TestContentMatchFieldOperators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Subscribe("watcher", "", Filter{
		Include:      []string{"alert:*"},
		ContentMatch: &ContentMatch{Field: "severity", Operator: "equals", Value: "high"},
	})
	f.service.Subscribe("watcher", "", Filter{
		Include:      []string{"file:*"},
		ContentMatch: &ContentMatch{Field: "path", Operator: "matches", Pattern: "/etc/*"},
	})

	_, err := f.router.Emit(ctx, "alert:raise", map[string]any{"severity": "high"})
	require.NoError(t, err)
	_, err = f.router.Emit(ctx, "alert:raise", map[string]any{"severity": "highest"})
	require.NoError(t, err)
	_, err = f.router.Emit(ctx, "file:write", map[string]any{"path": "/etc/hosts"})
	require.NoError(t, err)
	_, err = f.router.Emit(ctx, "file:write", map[string]any{"path": "/tmp/scratch"})
	require.NoError(t, err)
	// Missing field never matches.
	_, err = f.router.Emit(ctx, "alert:raise", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.beginCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.beginCount())
}

func TestNestedFieldContentMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Subscribe("watcher", "", Filter{
		Include:      []string{"job:*"},
		ContentMatch: &ContentMatch{Field: "job.status", Value: "fail"},
	})

	_, err := f.router.Emit(ctx, "job:done",
		map[string]any{"job": map[string]any{"status": "failed"}})
	require.NoError(t, err)
	_, err = f.router.Emit(ctx, "job:done",
		map[string]any{"job": map[string]any{"status": "ok"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.beginCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.beginCount())
}

func TestRateLimitDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Subscribe("watcher", "", Filter{
		Include:   []string{"tick:*"},
		RateLimit: &RateLimit{MaxEvents: 2},
	})

	for i := 0; i < 10; i++ {
		_, err := f.router.Emit(ctx, fmt.Sprintf("tick:%d", i), map[string]any{})
		require.NoError(t, err)
	}

	// Only the first two of the burst get through the 2/s window.
	require.Eventually(t, func() bool {
		status := f.service.Status()
		return len(status) == 1 && status[0]["matched"] == 10
	}, time.Second, 5*time.Millisecond)

	status := f.service.Status()
	assert.Equal(t, 8, status[0]["dropped"])
	assert.LessOrEqual(t, f.beginCount(), 2)
}

func TestRateLimitWindowSeconds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A minute-long window admits three and never resets mid-test.
	f.service.Subscribe("watcher", "", Filter{
		Include:   []string{"tick:*"},
		RateLimit: &RateLimit{MaxEvents: 3, WindowSeconds: 60},
	})

	for i := 0; i < 6; i++ {
		_, err := f.router.Emit(ctx, fmt.Sprintf("tick:%d", i), map[string]any{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		status := f.service.Status()
		return len(status) == 1 && status[0]["matched"] == 6
	}, time.Second, 5*time.Millisecond)

	status := f.service.Status()
	assert.Equal(t, 3, status[0]["dropped"])
	assert.LessOrEqual(t, f.beginCount(), 3)
}

func TestSampling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Subscribe("watcher", "", Filter{
		Include:    []string{"tick:*"},
		SampleRate: 0.25,
	})

	for i := 0; i < 20; i++ {
		_, err := f.router.Emit(ctx, fmt.Sprintf("tick:%d", i), map[string]any{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return f.beginCount() == 5 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 5, f.beginCount())
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.service.Subscribe("watcher", "", Filter{})
	assert.True(t, f.service.Unsubscribe(id))
	assert.False(t, f.service.Unsubscribe(id))

	_, err := f.router.Emit(ctx, "tick:1", map[string]any{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.beginCount())
}

func TestQueryHistoryAndAnalyze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.router.Emit(ctx, "task:run", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}
	_, err := f.router.Emit(ctx, "state:set", map[string]any{})
	require.NoError(t, err)

	records := f.service.QueryHistory(ctx, []string{"task:*"}, time.Time{}, 0)
	assert.Len(t, records, 3)

	// Limit keeps the newest.
	records = f.service.QueryHistory(ctx, []string{"task:*"}, time.Time{}, 2)
	require.Len(t, records, 2)
	assert.Equal(t, 1.0, records[0].Data["i"])

	analysis := f.service.AnalyzePatterns(nil)
	assert.GreaterOrEqual(t, analysis["total"].(int), 4)
	events := analysis["events"].([]map[string]any)
	require.NotEmpty(t, events)
	assert.Equal(t, "task:run", events[0]["event"])
	assert.Equal(t, 3, events[0]["count"])
}

func TestReplayTagsRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var replayed []map[string]any
	require.NoError(t, f.router.RegisterHandler(bus.HandlerSpec{
		Event:  "task:run",
		Module: "test",
		Fn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
			if replay, _ := data["_replay"].(bool); replay {
				mu.Lock()
				replayed = append(replayed, data)
				mu.Unlock()
			}
			return map[string]any{"ok": true}, nil
		},
	}))

	_, err := f.router.Emit(ctx, "task:run", map[string]any{"i": 1.0})
	require.NoError(t, err)

	count := f.service.Replay(ctx, ReplayOptions{Patterns: []string{"task:run"}})
	assert.Equal(t, 1, count)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replayed, 1)
	assert.Equal(t, 1.0, replayed[0]["i"])
	assert.NotEmpty(t, replayed[0]["_original_event_id"])
}

func TestHistoryPersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.router.Emit(ctx, "audit:log", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	// Mirroring happens off the emit path.
	require.Eventually(t, func() bool {
		n, err := f.queues.Length(ctx, "observation", "history")
		return err == nil && n >= 3
	}, time.Second, 5*time.Millisecond)

	// A fresh router has an empty ring; the durable queue still answers.
	router2, err := bus.NewRouter(bus.Options{})
	require.NoError(t, err)
	t.Cleanup(router2.Shutdown)
	svc2 := NewService(router2, f.queues)

	records := svc2.QueryHistory(ctx, []string{"audit:*"}, time.Time{}, 0)
	require.Len(t, records, 3)
	assert.Equal(t, "audit:log", records[0].Name)
	assert.Equal(t, 0.0, records[0].Data["i"])
	assert.Equal(t, 2.0, records[2].Data["i"])
}

func TestReplayPacingAndAsOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []map[string]any
	require.NoError(t, f.router.RegisterHandler(bus.HandlerSpec{
		Event:  "paced:step",
		Module: "test",
		Fn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
			mu.Lock()
			got = append(got, data)
			mu.Unlock()
			return map[string]any{"ok": true}, nil
		},
	}))

	_, err := f.router.Emit(ctx, "paced:step", map[string]any{"n": 1.0})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = f.router.Emit(ctx, "paced:step", map[string]any{"n": 2.0})
	require.NoError(t, err)

	start := time.Now()
	count := f.service.Replay(ctx, ReplayOptions{
		Patterns:   []string{"paced:step"},
		Speed:      1,
		AsOriginal: true,
	})
	assert.Equal(t, 2, count)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4) // two live, two replayed
	for _, data := range got {
		assert.NotContains(t, data, "_replay")
		assert.NotContains(t, data, "_original_event_id")
	}
}

func TestAnalyzeSequencesAndPerformance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.Subscribe("watcher", "", Filter{Include: []string{"etl:*"}})

	for i := 0; i < 2; i++ {
		_, err := f.router.Emit(ctx, "etl:extract", map[string]any{})
		require.NoError(t, err)
		_, err = f.router.Emit(ctx, "etl:load", map[string]any{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return f.endCount() == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	analysis := f.service.AnalyzePatterns([]string{"etl:*"})
	assert.Equal(t, 4, analysis["total"])

	sequences := analysis["sequences"].([]map[string]any)
	require.NotEmpty(t, sequences)
	assert.Equal(t, []string{"etl:extract", "etl:load"}, sequences[0]["sequence"])
	assert.Equal(t, 2, sequences[0]["count"])

	perf := analysis["performance"].(map[string]any)
	assert.GreaterOrEqual(t, perf["pairs"].(int), 4)
	assert.GreaterOrEqual(t, perf["max_ms"].(float64), perf["min_ms"].(float64))
}

func TestStructuredFilterOverBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.router.Emit(ctx, "observation:subscribe", map[string]any{
		"observer": "client-1",
		"filter": map[string]any{
			"include": []any{"alert:*"},
			"content_match": map[string]any{
				"field":    "severity",
				"operator": "equals",
				"value":    "high",
			},
			"rate_limit": map[string]any{
				"max_events":     10.0,
				"window_seconds": 60.0,
			},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result["subscription_id"])

	_, err = f.router.Emit(ctx, "alert:raise", map[string]any{"severity": "high"})
	require.NoError(t, err)
	_, err = f.router.Emit(ctx, "alert:raise", map[string]any{"severity": "low"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.beginCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.beginCount())
}

func TestPluginSubscribeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.router.Emit(ctx, "observation:subscribe", map[string]any{
		"observer": "client-1",
		"target":   "agent-1",
		"filter": map[string]any{
			"include":    []any{"task:*"},
			"rate_limit": 100.0,
		},
	})
	require.NoError(t, err)
	subID := result["subscription_id"].(string)
	require.NotEmpty(t, subID)

	result, err = f.router.Emit(ctx, "observation:status", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result["total"])

	// list is an alias of status.
	result, err = f.router.Emit(ctx, "observation:list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result["total"])

	result, err = f.router.Emit(ctx, "observation:unsubscribe",
		map[string]any{"subscription_id": subID})
	require.NoError(t, err)
	assert.Equal(t, "unsubscribed", result["status"])

	result, err = f.router.Emit(ctx, "observation:unsubscribe",
		map[string]any{"subscription_id": subID})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
}
