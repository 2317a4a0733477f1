package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/idempotency"
	"ghostplane.io/platform/internal/pkg/logger"
)

// DefaultIdempotencyRetention is how long a completed idempotency record
// is kept before a replayed key is treated as unseen (spec §4.2).
const DefaultIdempotencyRetention = 24 * time.Hour

// IdempotencyCleanupArgs is a periodic maintenance job that removes
// expired idempotency-key records.
type IdempotencyCleanupArgs struct{}

func (IdempotencyCleanupArgs) Kind() string { return "idempotency_cleanup" }

// InsertOpts ensures at most one cleanup job is enqueued within the same hour.
func (IdempotencyCleanupArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// IdempotencyCleanupWorker deletes idempotency records older than the
// configured retention.
type IdempotencyCleanupWorker struct {
	river.WorkerDefaults[IdempotencyCleanupArgs]
	store     *idempotency.Store
	retention time.Duration
}

// NewIdempotencyCleanupWorker creates a cleanup worker. Non-positive
// retention falls back to DefaultIdempotencyRetention.
func NewIdempotencyCleanupWorker(store *idempotency.Store, retention time.Duration) *IdempotencyCleanupWorker {
	if retention <= 0 {
		retention = DefaultIdempotencyRetention
	}
	return &IdempotencyCleanupWorker{store: store, retention: retention}
}

func (w *IdempotencyCleanupWorker) Work(ctx context.Context, _ *river.Job[IdempotencyCleanupArgs]) error {
	if w.store == nil {
		return fmt.Errorf("idempotency cleanup worker is not initialized")
	}
	deleted, err := w.store.CleanupExpired(ctx, w.retention)
	if err != nil {
		return fmt.Errorf("cleanup expired idempotency records: %w", err)
	}
	logger.Info("idempotency cleanup completed",
		zap.Int64("deleted_rows", deleted),
		zap.Duration("retention", w.retention),
	)
	return nil
}
