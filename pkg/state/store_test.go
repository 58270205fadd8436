package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client)
}

func TestKVRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "session", "theme", "dark"))
	require.NoError(t, store.Set(ctx, "session", "count", 3))
	require.NoError(t, store.Set(ctx, "other", "theme", "light"))

	value, err := store.Get(ctx, "session", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", value)

	// Overwrite in place.
	require.NoError(t, store.Set(ctx, "session", "theme", "solarized"))
	value, err = store.Get(ctx, "session", "theme")
	require.NoError(t, err)
	assert.Equal(t, "solarized", value)

	keys, err := store.ListKeys(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, []string{"count", "theme"}, keys)

	require.NoError(t, store.Delete(ctx, "session", "theme"))
	_, err = store.Get(ctx, "session", "theme")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "session", "theme"), ErrNotFound)
}

func TestKVStoresStructuredValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := map[string]any{"nested": map[string]any{"list": []any{1.0, 2.0}}}
	require.NoError(t, store.Set(ctx, "global", "doc", in))
	out, err := store.Get(ctx, "global", "doc")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEntityLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEntity(ctx, "agent-1", "agent",
		map[string]any{"profile": "researcher"}))
	require.Error(t, store.CreateEntity(ctx, "agent-1", "agent", nil))

	entity, err := store.GetEntity(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent", entity.Type)
	assert.Equal(t, "researcher", entity.Properties["profile"])

	// Update merges, preserving untouched keys.
	require.NoError(t, store.UpdateEntity(ctx, "agent-1",
		map[string]any{"status": "active"}))
	entity, err = store.GetEntity(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "researcher", entity.Properties["profile"])
	assert.Equal(t, "active", entity.Properties["status"])

	entities, err := store.QueryEntities(ctx, "agent")
	require.NoError(t, err)
	require.Len(t, entities, 1)

	require.NoError(t, store.DeleteEntity(ctx, "agent-1"))
	_, err = store.GetEntity(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelationships(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEntity(ctx, "parent", "agent", nil))
	require.NoError(t, store.CreateEntity(ctx, "child", "agent", nil))

	// Endpoints must exist.
	err := store.CreateRelationship(ctx, "parent", "ghost", "spawned", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.CreateRelationship(ctx, "parent", "child", "spawned",
		map[string]any{"depth": 1.0}))

	rels, err := store.QueryRelationships(ctx, "parent", "", "spawned")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "child", rels[0].ToID)
	assert.Equal(t, 1.0, rels[0].Properties["depth"])

	// Deleting an endpoint cascades to its edges.
	require.NoError(t, store.DeleteEntity(ctx, "child"))
	rels, err = store.QueryRelationships(ctx, "parent", "", "")
	require.NoError(t, err)
	assert.Empty(t, rels)
}

// buildGraph creates a small org chart: root spawned a and b, a spawned c,
// plus a "reports_to" edge from c back to root.
func buildGraph(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"root", "a", "b", "c"} {
		require.NoError(t, store.CreateEntity(ctx, id, "agent", nil))
	}
	require.NoError(t, store.CreateRelationship(ctx, "root", "a", "spawned", nil))
	require.NoError(t, store.CreateRelationship(ctx, "root", "b", "spawned", nil))
	require.NoError(t, store.CreateRelationship(ctx, "a", "c", "spawned", nil))
	require.NoError(t, store.CreateRelationship(ctx, "c", "root", "reports_to", nil))
}

func traversedIDs(nodes []*TraversalNode) map[string]int {
	out := make(map[string]int, len(nodes))
	for _, n := range nodes {
		out[n.Entity.ID] = n.Depth
	}
	return out
}

func TestTraverse(t *testing.T) {
	store := newTestStore(t)
	buildGraph(t, store)
	ctx := context.Background()

	// Outbound, unbounded: reaches everything, at shortest distance.
	nodes, err := store.Traverse(ctx, "root", "out", "", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"root": 0, "a": 1, "b": 1, "c": 2}, traversedIDs(nodes))

	// Depth bound stops the walk.
	nodes, err = store.Traverse(ctx, "root", "out", "", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"root": 0, "a": 1, "b": 1}, traversedIDs(nodes))

	// Edge-type filter prunes the reports_to shortcut.
	nodes, err = store.Traverse(ctx, "c", "out", "spawned", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"c": 0}, traversedIDs(nodes))

	// Inbound follows edges backwards.
	nodes, err = store.Traverse(ctx, "c", "in", "spawned", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"c": 0, "a": 1, "root": 2}, traversedIDs(nodes))

	// Both directions, despite the cycle, visits each node once.
	nodes, err = store.Traverse(ctx, "b", "both", "", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 0, "root": 1, "a": 2, "c": 2}, traversedIDs(nodes))

	_, err = store.Traverse(ctx, "ghost", "out", "", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraphTraverseHandler(t *testing.T) {
	store := newTestStore(t)
	buildGraph(t, store)
	router, err := bus.NewRouter(bus.Options{})
	require.NoError(t, err)
	t.Cleanup(router.Shutdown)

	for _, spec := range NewPlugin(store).Handlers() {
		require.NoError(t, router.RegisterHandler(spec))
	}
	ctx := context.Background()

	result, err := router.Emit(ctx, "state:graph:traverse",
		map[string]any{"from": "root", "depth": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 3, result["total"])
	first := result["nodes"].([]map[string]any)[0]
	assert.Equal(t, "root", first["id"])
	assert.Equal(t, 0, first["depth"])

	result, err = router.Emit(ctx, "state:graph:traverse",
		map[string]any{"from": "root", "direction": "sideways"})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
	assert.Equal(t, bus.CodeValidation, result["error"].(map[string]any)["code"])

	result, err = router.Emit(ctx, "state:graph:traverse",
		map[string]any{"from": "ghost"})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
	assert.Equal(t, bus.CodeNotFound, result["error"].(map[string]any)["code"])
}

func TestPluginHandlers(t *testing.T) {
	store := newTestStore(t)
	router, err := bus.NewRouter(bus.Options{})
	require.NoError(t, err)
	t.Cleanup(router.Shutdown)

	for _, spec := range NewPlugin(store).Handlers() {
		require.NoError(t, router.RegisterHandler(spec))
	}
	ctx := context.Background()

	result, err := router.Emit(ctx, "state:set",
		map[string]any{"key": "mode", "value": "test"})
	require.NoError(t, err)
	assert.Equal(t, "stored", result["status"])
	assert.Equal(t, "global", result["namespace"])

	result, err = router.Emit(ctx, "state:get", map[string]any{"key": "mode"})
	require.NoError(t, err)
	assert.Equal(t, "test", result["value"])
	assert.Equal(t, true, result["found"])

	// Missing keys are not errors: found=false.
	result, err = router.Emit(ctx, "state:get", map[string]any{"key": "absent"})
	require.NoError(t, err)
	assert.Equal(t, false, result["found"])

	// Missing required parameter is a VALIDATION envelope.
	result, err = router.Emit(ctx, "state:set", map[string]any{"value": 1})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
	assert.Equal(t, bus.CodeValidation, result["error"].(map[string]any)["code"])

	result, err = router.Emit(ctx, "state:delete", map[string]any{"key": "absent"})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
	assert.Equal(t, bus.CodeNotFound, result["error"].(map[string]any)["code"])
}
