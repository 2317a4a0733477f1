// Package eventstore implements the append-only event log (spec §4.1, C1):
// per-aggregate monotonic sequencing, a globally strictly-increasing
// event_id, and exactly-once append combined with caller-supplied
// uniqueness guards in one serializable transaction.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/event"
	apperrors "ghostplane.io/platform/internal/pkg/errors"
	"ghostplane.io/platform/internal/pkg/logger"
)

// SequenceConflictError reports an optimistic-concurrency mismatch on
// (aggregate_type, aggregate_id, aggregate_seq).
type SequenceConflictError struct {
	AggregateType string
	AggregateID   string
	Expected      int64
	Actual        int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on %s/%s: expected %d", e.AggregateType, e.AggregateID, e.Expected)
}

// UniqueConflictError reports a guard-row collision (e.g. route hostname
// already taken).
type UniqueConflictError struct {
	Kind string
}

func (e *UniqueConflictError) Error() string {
	return fmt.Sprintf("unique conflict: %s", e.Kind)
}

const (
	pgUniqueViolation     = "23505"
	pgSerializationFailure = "40001"
	maxAppendRetries       = 3
)

// Store is the event store backed by a shared pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store over the shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append commits one event and any accompanying guard rows atomically. It
// asserts the caller's expectedSeq against the current max aggregate_seq,
// inserts the envelope, inserts every guard, and returns the new event_id.
//
// Retrying on a serialization failure is safe and expected — the caller
// sees either a SequenceConflictError, a UniqueConflictError, or success.
func (s *Store) Append(ctx context.Context, aggregateType, aggregateID string, expectedSeq int64, eventType string, payload any, meta event.Metadata, guards []event.Guard) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}

	var eventID int64
	for attempt := 0; ; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			var currentSeq int64
			err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(aggregate_seq), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
				aggregateType, aggregateID,
			).Scan(&currentSeq)
			if err != nil {
				return fmt.Errorf("read current sequence: %w", err)
			}
			if currentSeq != expectedSeq {
				return &SequenceConflictError{AggregateType: aggregateType, AggregateID: aggregateID, Expected: expectedSeq, Actual: currentSeq}
			}

			newSeq := expectedSeq + 1
			err = tx.QueryRow(ctx,
				`INSERT INTO events (
					aggregate_type, aggregate_id, aggregate_seq, event_type, payload,
					org_id, app_id, env_id, actor_type, actor_id, request_id,
					correlation_id, causation_id
				 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
				 RETURNING event_id`,
				aggregateType, aggregateID, newSeq, eventType, payloadJSON,
				meta.OrgID, meta.AppID, meta.EnvID, meta.ActorType, meta.ActorID, meta.RequestID,
				meta.CorrelationID, meta.CausationID,
			).Scan(&eventID)
			if err != nil {
				return classifyInsertError(err, aggregateType, aggregateID, expectedSeq)
			}

			for _, g := range guards {
				if err := insertGuard(ctx, tx, g); err != nil {
					return err
				}
			}
			return nil
		})
		if isSerializationFailure(err) && attempt < maxAppendRetries {
			continue
		}
		break
	}
	if err != nil {
		var seqConflict *SequenceConflictError
		var uniqConflict *UniqueConflictError
		if errors.As(err, &seqConflict) {
			return 0, apperrors.Wrap(err, apperrors.CodeSequenceConflict, seqConflict.Error(), 409)
		}
		if errors.As(err, &uniqConflict) {
			return 0, apperrors.Wrap(err, apperrors.CodeUniqueConflict, uniqConflict.Error(), 409)
		}
		return 0, fmt.Errorf("append event: %w", err)
	}

	logger.Debug("event appended",
		zap.Int64("event_id", eventID),
		zap.String("aggregate_type", aggregateType),
		zap.String("aggregate_id", aggregateID),
		zap.String("event_type", eventType),
	)
	return eventID, nil
}

func insertGuard(ctx context.Context, tx pgx.Tx, g event.Guard) error {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", g.Table, placeholderList(g.Columns), placeholderMarks(len(g.Values)))
	_, err := tx.Exec(ctx, query, g.Values...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return &UniqueConflictError{Kind: g.Kind}
		}
		return fmt.Errorf("insert guard %s: %w", g.Kind, err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure
}

func classifyInsertError(err error, aggregateType, aggregateID string, expectedSeq int64) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &SequenceConflictError{AggregateType: aggregateType, AggregateID: aggregateID, Expected: expectedSeq, Actual: expectedSeq + 1}
	}
	return fmt.Errorf("insert event: %w", err)
}

func placeholderList(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func placeholderMarks(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("$%d", i+1)
	}
	return out
}

// CurrentSeq returns the current max aggregate_seq for (aggregateType,
// aggregateID), or 0 if the aggregate has no events yet. Callers use this
// to compute expectedSeq for a subsequent Append when the resource
// already has its first event recorded elsewhere (spec §4.5 step 8).
func (s *Store) CurrentSeq(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_seq), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read current sequence: %w", err)
	}
	return seq, nil
}

// QueryAfterCursor returns up to limit events with event_id > minEventID,
// ordered by event_id.
func (s *Store) QueryAfterCursor(ctx context.Context, minEventID int64, limit int) ([]event.Envelope, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, aggregate_type, aggregate_id, aggregate_seq, event_type, payload,
			org_id, app_id, env_id, occurred_at, actor_type, actor_id, request_id,
			correlation_id, causation_id
		 FROM events WHERE event_id > $1 ORDER BY event_id ASC LIMIT $2`,
		minEventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events after cursor: %w", err)
	}
	defer rows.Close()

	var out []event.Envelope
	for rows.Next() {
		var e event.Envelope
		if err := rows.Scan(&e.EventID, &e.AggregateType, &e.AggregateID, &e.AggregateSeq, &e.EventType,
			&e.Payload, &e.OrgID, &e.AppID, &e.EnvID, &e.OccurredAt, &e.ActorType, &e.ActorID, &e.RequestID,
			&e.CorrelationID, &e.CausationID); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StreamSince yields events one batch at a time via fn until fn returns
// false or the context is cancelled; implemented as repeated polling of
// QueryAfterCursor (spec §4.1 notes this is an acceptable implementation).
func (s *Store) StreamSince(ctx context.Context, minEventID int64, batchSize int, fn func([]event.Envelope) (keepGoing bool, err error)) error {
	cursor := minEventID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := s.QueryAfterCursor(ctx, cursor, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		keepGoing, err := fn(batch)
		if err != nil {
			return err
		}
		cursor = batch[len(batch)-1].EventID
		if !keepGoing {
			return nil
		}
	}
}
