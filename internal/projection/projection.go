// Package projection implements the projection engine (spec §4.3, C3): a
// single continuous worker that drives read-model views from the event
// log with durable per-projection checkpoints, plus the read-your-writes
// wait primitive used by the command API.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/observability/metrics"
	apperrors "ghostplane.io/platform/internal/pkg/errors"
	"ghostplane.io/platform/internal/pkg/logger"
)

// Handler is a per-aggregate projection: it declares the event types it
// subscribes to and applies each within the caller's transaction. Apply
// must be idempotent — applying the same event twice leaves the view
// state unchanged (spec §4.4).
type Handler interface {
	Name() string
	EventTypes() []string
	Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error
}

// EventSource is the subset of eventstore.Store the worker depends on.
type EventSource interface {
	QueryAfterCursor(ctx context.Context, minEventID int64, limit int) ([]event.Envelope, error)
}

// Config tunes the worker loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
}

// DefaultConfig returns the worker's default tuning.
func DefaultConfig() Config {
	return Config{BatchSize: 200, PollInterval: 500 * time.Millisecond}
}

// Worker continuously applies events to every registered Handler,
// maintaining a durable checkpoint per handler.
type Worker struct {
	pool     *pgxpool.Pool
	store    EventSource
	handlers []Handler
	cfg      Config
}

// New constructs a Worker over the given handlers. Handler order does not
// affect correctness — each handler's checkpoint advances independently.
func New(pool *pgxpool.Pool, store EventSource, handlers []Handler, cfg Config) *Worker {
	return &Worker{pool: pool, store: store, handlers: handlers, cfg: cfg}
}

// Run drives the worker loop until shutdown is closed or ctx is done. Any
// handler error halts the worker entirely (fail-closed); the caller's
// supervisor is expected to restart Run, which resumes from the last
// committed checkpoints.
func (w *Worker) Run(ctx context.Context, shutdown <-chan struct{}) error {
	if err := w.ensureCheckpoints(ctx); err != nil {
		return fmt.Errorf("ensure checkpoints: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			logger.Info("projection worker stopping on shutdown signal")
			return nil
		default:
		}

		checkpoints, err := w.loadCheckpoints(ctx)
		if err != nil {
			return fmt.Errorf("load checkpoints: %w", err)
		}

		cursor := minCheckpoint(checkpoints)
		batch, err := w.store.QueryAfterCursor(ctx, cursor, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("query events after cursor: %w", err)
		}

		if len(batch) == 0 {
			select {
			case <-time.After(w.cfg.PollInterval):
			case <-shutdown:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, e := range batch {
			if err := w.applyOne(ctx, e, checkpoints); err != nil {
				return fmt.Errorf("apply event %d: %w", e.EventID, err)
			}
		}

		latest := batch[len(batch)-1].EventID
		for _, h := range w.handlers {
			metrics.ProjectionLagEvents.WithLabelValues(h.Name()).Set(float64(latest - checkpoints[h.Name()]))
		}
	}
}

func (w *Worker) applyOne(ctx context.Context, e event.Envelope, checkpoints map[string]int64) error {
	for _, h := range w.handlers {
		if checkpoints[h.Name()] >= e.EventID {
			continue
		}

		if !subscribesTo(h, e.EventType) {
			// Advance without work to keep min(checkpoints) moving.
			if err := w.advanceCheckpoint(ctx, h.Name(), e.EventID); err != nil {
				return err
			}
			checkpoints[h.Name()] = e.EventID
			continue
		}

		err := pgx.BeginTxFunc(ctx, w.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			if err := h.Apply(ctx, tx, e); err != nil {
				return fmt.Errorf("handler %s apply event %d: %w", h.Name(), e.EventID, err)
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO projection_checkpoints (projection_name, last_applied_event_id)
				 VALUES ($1, $2)
				 ON CONFLICT (projection_name) DO UPDATE SET last_applied_event_id = EXCLUDED.last_applied_event_id, updated_at = now()`,
				h.Name(), e.EventID,
			)
			return err
		})
		if err != nil {
			return err
		}
		checkpoints[h.Name()] = e.EventID
	}
	return nil
}

func subscribesTo(h Handler, eventType string) bool {
	for _, t := range h.EventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}

func (w *Worker) ensureCheckpoints(ctx context.Context) error {
	for _, h := range w.handlers {
		_, err := w.pool.Exec(ctx,
			`INSERT INTO projection_checkpoints (projection_name, last_applied_event_id)
			 VALUES ($1, 0) ON CONFLICT (projection_name) DO NOTHING`,
			h.Name(),
		)
		if err != nil {
			return fmt.Errorf("init checkpoint for %s: %w", h.Name(), err)
		}
	}
	return nil
}

func (w *Worker) loadCheckpoints(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(w.handlers))
	for _, h := range w.handlers {
		var cp int64
		err := w.pool.QueryRow(ctx,
			`SELECT last_applied_event_id FROM projection_checkpoints WHERE projection_name = $1`,
			h.Name(),
		).Scan(&cp)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint for %s: %w", h.Name(), err)
		}
		out[h.Name()] = cp
	}
	return out, nil
}

func (w *Worker) advanceCheckpoint(ctx context.Context, name string, eventID int64) error {
	_, err := w.pool.Exec(ctx,
		`UPDATE projection_checkpoints SET last_applied_event_id = $2, updated_at = now() WHERE projection_name = $1`,
		name, eventID,
	)
	return err
}

// ResetCheckpoint sets a projection's checkpoint to 0 so the worker
// reapplies every event for it from the start (spec §4.3 rebuild).
func (w *Worker) ResetCheckpoint(ctx context.Context, name string) error {
	_, err := w.pool.Exec(ctx,
		`UPDATE projection_checkpoints SET last_applied_event_id = 0, updated_at = now() WHERE projection_name = $1`,
		name,
	)
	return err
}

func minCheckpoint(checkpoints map[string]int64) int64 {
	first := true
	var min int64
	for _, v := range checkpoints {
		if first || v < min {
			min = v
			first = false
		}
	}
	return min
}

// WaitForCheckpoint polls until the named projection's checkpoint reaches
// or exceeds targetEventID, or returns ProjectionTimeout (spec §4.3, the
// command API's read-your-writes gate).
func WaitForCheckpoint(ctx context.Context, pool *pgxpool.Pool, projectionName string, targetEventID int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 20 * time.Millisecond

	for {
		var cp int64
		err := pool.QueryRow(ctx,
			`SELECT last_applied_event_id FROM projection_checkpoints WHERE projection_name = $1`,
			projectionName,
		).Scan(&cp)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read checkpoint for %s: %w", projectionName, err)
		}
		if cp >= targetEventID {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.ProjectionTimeout(projectionName, targetEventID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
