// Package cleanup provides data retention services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ksi-project/ksi/pkg/asyncstate"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/database"
)

// Service periodically enforces retention policies:
//   - Deletes expired async-state queue entries past their TTL
//   - Checkpoints the SQLite WAL so the log file stays bounded
//
// All operations are idempotent.
type Service struct {
	config *config.RetentionConfig
	queues *asyncstate.Queues
	db     *database.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(cfg *config.RetentionConfig, queues *asyncstate.Queues, db *database.Client) *Service {
	return &Service{
		config: cfg,
		queues: queues,
		db:     db,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"async_state_ttl", s.config.AsyncStateTTL,
		"interval", s.config.PruneInterval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneExpiredQueueEntries(ctx)
	s.checkpointWAL(ctx)
}

func (s *Service) pruneExpiredQueueEntries(ctx context.Context) {
	count, err := s.queues.Prune(ctx)
	if err != nil {
		slog.Error("Retention: queue prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned expired queue entries", "count", count)
	}
}

func (s *Service) checkpointWAL(ctx context.Context) {
	if _, err := s.db.DB().ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		slog.Error("Retention: WAL checkpoint failed", "error", err)
	}
}
