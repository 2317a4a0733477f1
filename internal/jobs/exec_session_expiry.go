package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/eventstore"
	"ghostplane.io/platform/internal/pkg/logger"
)

// ExecSessionExpiryArgs is a periodic sweep that closes exec sessions past
// their expires_at (spec §4.10: a session's token stops working once
// expired whether or not the client ever disconnected).
type ExecSessionExpiryArgs struct{}

func (ExecSessionExpiryArgs) Kind() string { return "exec_session_expiry" }

func (ExecSessionExpiryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// ExecSessionExpiryWorker appends exec_session.ended for every granted
// or connected session whose expiry has passed.
type ExecSessionExpiryWorker struct {
	river.WorkerDefaults[ExecSessionExpiryArgs]
	pool   *pgxpool.Pool
	events *eventstore.Store
}

func NewExecSessionExpiryWorker(pool *pgxpool.Pool, events *eventstore.Store) *ExecSessionExpiryWorker {
	return &ExecSessionExpiryWorker{pool: pool, events: events}
}

func (w *ExecSessionExpiryWorker) Work(ctx context.Context, _ *river.Job[ExecSessionExpiryArgs]) error {
	rows, err := w.pool.Query(ctx,
		`SELECT exec_session_id FROM exec_sessions_view WHERE status IN ('granted', 'connected') AND expires_at < now()`,
	)
	if err != nil {
		return fmt.Errorf("query expired exec sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan expired exec session: %w", err)
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate expired exec sessions: %w", err)
	}

	ended := 0
	for _, sessionID := range expired {
		seq, err := w.events.CurrentSeq(ctx, event.AggregateExecSession, sessionID)
		if err != nil {
			return fmt.Errorf("current seq for exec session %s: %w", sessionID, err)
		}
		_, err = w.events.Append(ctx, event.AggregateExecSession, sessionID, seq, event.TypeExecSessionEnded,
			map[string]any{"reason": "expired"},
			event.Metadata{ActorType: event.ActorSystem, ActorID: "exec_session_expiry", RequestID: sessionID},
			nil,
		)
		if err != nil {
			return fmt.Errorf("end expired exec session %s: %w", sessionID, err)
		}
		ended++
	}

	if ended > 0 {
		logger.Info("exec session expiry sweep completed", zap.Int("ended", ended))
	}
	return nil
}
