package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/asyncstate"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/database"
)

func TestRetentionLoopPrunesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	client, err := database.NewClient(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	queues := asyncstate.NewQueues(client, time.Millisecond)
	require.NoError(t, queues.Push(ctx, "g", "k", "doomed"))
	time.Sleep(10 * time.Millisecond)

	svc := NewService(&config.RetentionConfig{
		AsyncStateTTL: time.Millisecond,
		PruneInterval: 10 * time.Millisecond,
	}, queues, client)
	svc.Start(ctx)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		var n int
		err := client.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM async_state_queue`).Scan(&n)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	svc := NewService(&config.RetentionConfig{
		AsyncStateTTL: time.Hour,
		PruneInterval: time.Hour,
	}, asyncstate.NewQueues(client, time.Hour), client)

	// Stop before Start is a no-op.
	svc.Stop()

	svc.Start(context.Background())
	svc.Stop()
	assert.NotPanics(t, func() { svc.Stop() })
}
