package asyncstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/database"
)

func newTestQueues(t *testing.T, ttl time.Duration) *Queues {
	t.Helper()
	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewQueues(client, ttl)
}

func TestPushPopFIFO(t *testing.T) {
	q := newTestQueues(t, 0)
	ctx := context.Background()

	for _, v := range []string{"first", "second", "third"} {
		require.NoError(t, q.Push(ctx, "injection", "agent-1", v))
	}

	length, err := q.Length(ctx, "injection", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	for _, want := range []string{"first", "second", "third"} {
		got, err := q.Pop(ctx, "injection", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = q.Pop(ctx, "injection", "agent-1")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueuesAreIndependent(t *testing.T) {
	q := newTestQueues(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "injection", "agent-1", "a"))
	require.NoError(t, q.Push(ctx, "injection", "agent-2", "b"))
	require.NoError(t, q.Push(ctx, "messages", "agent-1", "c"))

	keys, err := q.Keys(ctx, "injection")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "agent-2"}, keys)

	got, err := q.Pop(ctx, "messages", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "c", got)

	length, err := q.Length(ctx, "injection", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestPeekDoesNotConsume(t *testing.T) {
	q := newTestQueues(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "g", "k", map[string]any{"n": 1.0}))
	require.NoError(t, q.Push(ctx, "g", "k", map[string]any{"n": 2.0}))

	values, err := q.Peek(ctx, "g", "k")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, map[string]any{"n": 1.0}, values[0])

	length, err := q.Length(ctx, "g", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, length)
}

func TestExpiryAndPrune(t *testing.T) {
	q := newTestQueues(t, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "g", "k", "doomed"))
	time.Sleep(10 * time.Millisecond)

	// Expired entries are invisible to reads even before pruning.
	_, err := q.Pop(ctx, "g", "k")
	assert.ErrorIs(t, err, ErrEmpty)
	length, err := q.Length(ctx, "g", "k")
	require.NoError(t, err)
	assert.Equal(t, 0, length)

	pruned, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestClear(t *testing.T) {
	q := newTestQueues(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "g", "k", 1))
	require.NoError(t, q.Push(ctx, "g", "k", 2))

	removed, err := q.Clear(ctx, "g", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	length, err := q.Length(ctx, "g", "k")
	require.NoError(t, err)
	assert.Equal(t, 0, length)
}

func TestPluginHandlers(t *testing.T) {
	q := newTestQueues(t, 0)
	router, err := bus.NewRouter(bus.Options{})
	require.NoError(t, err)
	t.Cleanup(router.Shutdown)

	for _, spec := range NewPlugin(q).Handlers() {
		require.NoError(t, router.RegisterHandler(spec))
	}
	ctx := context.Background()

	result, err := router.Emit(ctx, "async_state:push",
		map[string]any{"namespace": "inj", "key": "a1", "value": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "queued", result["status"])
	assert.Equal(t, 1, result["queue_length"])

	result, err = router.Emit(ctx, "async_state:pop",
		map[string]any{"namespace": "inj", "key": "a1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["value"])
	assert.Equal(t, false, result["empty"])

	// Empty pop is not an error.
	result, err = router.Emit(ctx, "async_state:pop",
		map[string]any{"namespace": "inj", "key": "a1"})
	require.NoError(t, err)
	assert.Equal(t, true, result["empty"])

	// get and get_queue are the same read.
	_, err = router.Emit(ctx, "async_state:push",
		map[string]any{"namespace": "inj", "key": "a2", "value": "kept"})
	require.NoError(t, err)
	for _, event := range []string{"async_state:get", "async_state:get_queue"} {
		result, err = router.Emit(ctx, event,
			map[string]any{"namespace": "inj", "key": "a2"})
		require.NoError(t, err)
		assert.Equal(t, 1, result["total"])
		assert.Equal(t, []any{"kept"}, result["values"])
	}

	result, err = router.Emit(ctx, "async_state:push", map[string]any{"value": 1})
	require.NoError(t, err)
	require.True(t, bus.IsErrorResult(result))
	assert.Equal(t, bus.CodeValidation, result["error"].(map[string]any)["code"])
}
