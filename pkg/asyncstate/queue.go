// Package asyncstate implements durable FIFO queues keyed by
// (namespace, key). Services use them to hand data across async boundaries:
// pending injections, queued messages for agents that are busy, and similar
// deferred work that must survive a daemon restart.
package asyncstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ksi-project/ksi/pkg/database"
)

// ErrEmpty is returned by Pop on an empty queue.
var ErrEmpty = errors.New("queue is empty")

// Queues persists FIFO queues in the async_state_queue table.
type Queues struct {
	client *database.Client
	ttl    time.Duration // 0 means entries never expire
}

// NewQueues wraps the shared database client. ttl bounds entry lifetime.
func NewQueues(client *database.Client, ttl time.Duration) *Queues {
	return &Queues{client: client, ttl: ttl}
}

// Push appends a value to the queue. Order is insertion order.
func (q *Queues) Push(ctx context.Context, namespace, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	var expires any
	if q.ttl > 0 {
		expires = time.Now().Add(q.ttl).UTC()
	}
	_, err = q.client.DB().ExecContext(ctx, `
		INSERT INTO async_state_queue (namespace, queue_key, value, expires_at)
		VALUES (?, ?, ?, ?)`,
		namespace, key, string(raw), expires)
	if err != nil {
		return fmt.Errorf("failed to push to %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Pop removes and returns the oldest unexpired entry.
func (q *Queues) Pop(ctx context.Context, namespace, key string) (any, error) {
	tx, err := q.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT id, value FROM async_state_queue
		WHERE namespace = ? AND queue_key = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY id LIMIT 1`,
		namespace, key, time.Now().UTC()).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s/%s: %w", namespace, key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM async_state_queue WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to remove popped entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode queued value: %w", err)
	}
	return value, nil
}

// Peek returns all unexpired entries oldest-first without removing them.
func (q *Queues) Peek(ctx context.Context, namespace, key string) ([]any, error) {
	rows, err := q.client.DB().QueryContext(ctx, `
		SELECT value FROM async_state_queue
		WHERE namespace = ? AND queue_key = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY id`,
		namespace, key, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	defer rows.Close()

	values := make([]any, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("failed to decode queued value: %w", err)
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

// Length returns the number of unexpired entries in a queue.
func (q *Queues) Length(ctx context.Context, namespace, key string) (int, error) {
	var n int
	err := q.client.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM async_state_queue
		WHERE namespace = ? AND queue_key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		namespace, key, time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s/%s: %w", namespace, key, err)
	}
	return n, nil
}

// Keys lists the distinct queue keys of a namespace that hold unexpired
// entries.
func (q *Queues) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := q.client.DB().QueryContext(ctx, `
		SELECT DISTINCT queue_key FROM async_state_queue
		WHERE namespace = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY queue_key`,
		namespace, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", namespace, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Clear removes every entry of a queue and returns the count removed.
func (q *Queues) Clear(ctx context.Context, namespace, key string) (int, error) {
	res, err := q.client.DB().ExecContext(ctx,
		`DELETE FROM async_state_queue WHERE namespace = ? AND queue_key = ?`,
		namespace, key)
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s/%s: %w", namespace, key, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Prune deletes expired entries across all queues and returns the count.
// Called periodically by the retention janitor.
func (q *Queues) Prune(ctx context.Context) (int, error) {
	res, err := q.client.DB().ExecContext(ctx,
		`DELETE FROM async_state_queue WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
