package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/database"
	"github.com/ksi-project/ksi/pkg/state"
)

type fixture struct {
	router  *bus.Router
	service *Service
	store   *state.Store

	mu          sync.Mutex
	completions []map[string]any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	router, err := bus.NewRouter(bus.Options{})
	require.NoError(t, err)
	t.Cleanup(router.Shutdown)

	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store := state.NewStore(client)

	// Compositions served from a temp profile directory.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "researcher.yaml"), []byte(`
name: researcher
components:
  - name: system_prompt
    template: "You research {{.topic}}."
variables:
  topic:
    default: everything
`), 0o644))
	manager := composition.NewManager(dir)
	require.NoError(t, manager.Load())
	for _, spec := range composition.NewPlugin(manager).Handlers() {
		require.NoError(t, router.RegisterHandler(spec))
	}

	f := &fixture{router: router, store: store}

	// Stand-in completion service: records the queued turns.
	require.NoError(t, router.RegisterHandler(bus.HandlerSpec{
		Event:  "completion:async",
		Module: "test",
		Fn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
			f.mu.Lock()
			f.completions = append(f.completions, data)
			f.mu.Unlock()
			return map[string]any{"request_id": "r1", "status": "queued"}, nil
		},
	}))

	f.service = NewService(router, store, filepath.Join(t.TempDir(), "sandboxes"))
	for _, spec := range NewPlugin(f.service).Handlers() {
		require.NoError(t, router.RegisterHandler(spec))
	}
	return f
}

func TestSpawnCreatesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, err := f.service.Spawn(ctx, SpawnOptions{
		Profile:   "researcher",
		Variables: map[string]any{"topic": "genetics"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.NotEmpty(t, agent.SandboxUUID)
	assert.Equal(t, StatusActive, agent.Status)
	assert.Equal(t, "You research genetics.", agent.systemPrompt)

	// Mirrored into the state graph.
	entity, err := f.store.GetEntity(ctx, "agent:"+agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent", entity.Type)

	// Sandbox directory exists.
	_, err = os.Stat(f.service.sandboxDir(agent))
	require.NoError(t, err)

	// Unknown profile fails.
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "ghost"})
	require.Error(t, err)
}

func TestFirstTurnCarriesSystemPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, err := f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", Prompt: "begin"})
	require.NoError(t, err)

	f.mu.Lock()
	require.Len(t, f.completions, 1)
	prompt := f.completions[0]["prompt"].(string)
	f.mu.Unlock()
	assert.Contains(t, prompt, "You research everything.")
	assert.Contains(t, prompt, "begin")

	// After a session exists, later turns drop the system prompt and resume.
	f.service.RecordSession(agent.ID, "sess-1")
	require.NoError(t, f.service.SendMessage(ctx, agent.ID, "continue"))
	f.mu.Lock()
	require.Len(t, f.completions, 2)
	assert.Equal(t, "continue", f.completions[1]["prompt"])
	assert.Equal(t, "sess-1", f.completions[1]["session_id"])
	f.mu.Unlock()
}

func TestSessionTrackingFromCompletionResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, err := f.service.Spawn(ctx, SpawnOptions{Profile: "researcher"})
	require.NoError(t, err)

	_, err = f.router.Emit(ctx, "completion:result", map[string]any{
		"agent_id":   agent.ID,
		"session_id": "sess-9",
		"status":     "completed",
	})
	require.NoError(t, err)

	got, err := f.service.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", got.SessionID)
	// Sandbox is unchanged by new sessions.
	assert.Equal(t, agent.SandboxUUID, got.SandboxUUID)
}

func TestTerminateCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "root"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "child", ParentID: root.ID})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "grandchild", ParentID: "child"})
	require.NoError(t, err)

	terminated, err := f.service.Terminate(ctx, "root", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "child", "grandchild"}, terminated)

	for _, id := range terminated {
		agent, err := f.service.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusTerminated, agent.Status)
	}

	// Terminated agents refuse messages.
	err = f.service.SendMessage(ctx, "child", "hello?")
	require.Error(t, err)
}

func TestTerminateWithoutCascadeReparents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "root"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "mid", ParentID: "root"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "leaf", ParentID: "mid"})
	require.NoError(t, err)

	terminated, err := f.service.Terminate(ctx, "mid", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, terminated)

	leaf, err := f.service.Get("leaf")
	require.NoError(t, err)
	assert.Equal(t, "root", leaf.ParentID)
}

func TestAncestors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Spawn(ctx, SpawnOptions{
		Profile: "researcher", AgentID: "root", SubscriptionLevel: -1})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{
		Profile: "researcher", AgentID: "mid", ParentID: "root", SubscriptionLevel: 1})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{
		Profile: "researcher", AgentID: "leaf", ParentID: "mid"})
	require.NoError(t, err)

	chain := f.service.Ancestors("leaf")
	require.Len(t, chain, 2)
	assert.Equal(t, "mid", chain[0].ID)
	assert.Equal(t, 1, chain[0].SubscriptionLevel)
	assert.Equal(t, "root", chain[1].ID)
	assert.Equal(t, -1, chain[1].SubscriptionLevel)

	assert.Empty(t, f.service.Ancestors("root"))
	assert.Empty(t, f.service.Ancestors("ghost"))
}

func TestListConstructs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "orig"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "c1", ParentID: "orig"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "c2", ParentID: "c1"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "bystander"})
	require.NoError(t, err)

	result, err := f.router.Emit(ctx, "agent:list_constructs", map[string]any{"agent_id": "orig"})
	require.NoError(t, err)
	assert.Equal(t, 2, result["total"])
	var ids []string
	for _, c := range result["constructs"].([]map[string]any) {
		ids = append(ids, c["agent_id"].(string))
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)

	// Terminated constructs drop out of the listing.
	_, err = f.service.Terminate(ctx, "c2", false)
	require.NoError(t, err)
	result, err = f.router.Emit(ctx, "agent:list_constructs", map[string]any{"agent_id": "orig"})
	require.NoError(t, err)
	assert.Equal(t, 1, result["total"])

	result, err = f.router.Emit(ctx, "agent:list_constructs", map[string]any{"agent_id": "ghost"})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
	assert.Equal(t, bus.CodeNotFound, result["error"].(map[string]any)["code"])
}

func TestTerminateUnknownAgentIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Terminating an agent that never existed (or is already gone) reports
	// an empty termination, not an error.
	result, err := f.router.Emit(ctx, "agent:terminate", map[string]any{"agent_id": "ghost"})
	require.NoError(t, err)
	require.False(t, bus.IsErrorResult(result))
	assert.Equal(t, []string{}, result["terminated"])
	assert.Equal(t, 0, result["total"])
}

func TestTerminateCascadesByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "root"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "child", ParentID: "root"})
	require.NoError(t, err)

	// No explicit cascade flag: the subtree goes down with the parent.
	result, err := f.router.Emit(ctx, "agent:terminate", map[string]any{"agent_id": "root"})
	require.NoError(t, err)
	assert.Equal(t, 2, result["total"])
	assert.ElementsMatch(t, []string{"root", "child"}, result["terminated"])
}

func TestTerminateAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "root"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "child", ParentID: "root"})
	require.NoError(t, err)
	_, err = f.service.Spawn(ctx, SpawnOptions{Profile: "researcher", AgentID: "loner"})
	require.NoError(t, err)

	assert.Equal(t, 3, f.service.TerminateAll(ctx))
	for _, a := range f.service.List() {
		assert.Equal(t, StatusTerminated, a.Status)
	}
	// Idempotent: a second sweep finds nothing.
	assert.Equal(t, 0, f.service.TerminateAll(ctx))
}

func TestPluginHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.router.Emit(ctx, "agent:spawn", map[string]any{
		"profile":            "researcher",
		"agent_id":           "a1",
		"subscription_level": float64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", result["agent_id"])
	assert.Equal(t, StatusActive, result["status"])

	result, err = f.router.Emit(ctx, "agent:info", map[string]any{"agent_id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, 2, result["subscription_level"])

	result, err = f.router.Emit(ctx, "agent:list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result["total"])

	result, err = f.router.Emit(ctx, "agent:send_message",
		map[string]any{"agent_id": "a1", "message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "queued", result["status"])

	result, err = f.router.Emit(ctx, "agent:terminate", map[string]any{"agent_id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, result["terminated"])

	result, err = f.router.Emit(ctx, "agent:info", map[string]any{"agent_id": "ghost"})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
	assert.Equal(t, bus.CodeNotFound, result["error"].(map[string]any)["code"])
}

func TestSpawnAnnouncesEvent(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var spawned []string
	f.router.Subscribe("test", []string{"agent:spawned"}, func(rec *bus.Record) {
		mu.Lock()
		spawned = append(spawned, rec.Data["agent_id"].(string))
		mu.Unlock()
	}, "")

	_, err := f.service.Spawn(context.Background(), SpawnOptions{Profile: "researcher", AgentID: "announced"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(spawned) == 1 && spawned[0] == "announced"
	}, time.Second, 5*time.Millisecond)
}
