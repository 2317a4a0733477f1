package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// CheckpointResetArgs is an admin-triggered job that rewinds one
// projection's checkpoint so the worker replays events from event_id 0
// on its next poll. Used to recover a read-model view after a handler
// bug is fixed, without restarting the whole worker.
type CheckpointResetArgs struct {
	ProjectionName string `json:"projection_name"`
}

func (CheckpointResetArgs) Kind() string { return "checkpoint_reset" }

func (CheckpointResetArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: river.QueueDefault, MaxAttempts: 1}
}

// CheckpointResetWorker rewinds a projection's checkpoint to zero.
type CheckpointResetWorker struct {
	river.WorkerDefaults[CheckpointResetArgs]
	pool *pgxpool.Pool
}

func NewCheckpointResetWorker(pool *pgxpool.Pool) *CheckpointResetWorker {
	return &CheckpointResetWorker{pool: pool}
}

func (w *CheckpointResetWorker) Work(ctx context.Context, job *river.Job[CheckpointResetArgs]) error {
	if job.Args.ProjectionName == "" {
		return fmt.Errorf("checkpoint reset: projection_name is required")
	}
	tag, err := w.pool.Exec(ctx,
		`UPDATE projection_checkpoints SET last_applied_event_id = 0, updated_at = now() WHERE projection_name = $1`,
		job.Args.ProjectionName,
	)
	if err != nil {
		return fmt.Errorf("reset checkpoint for %s: %w", job.Args.ProjectionName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint reset: unknown projection %q", job.Args.ProjectionName)
	}
	logger.Info("projection checkpoint reset", zap.String("projection", job.Args.ProjectionName))
	return nil
}
