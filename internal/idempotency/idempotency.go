// Package idempotency implements the write-command dedup store (spec §4.2,
// C2), keyed by (org_scope, actor_id, endpoint_name, idempotency_key).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MinKeyLength and MaxKeyLength bound the client-supplied Idempotency-Key
// header (spec §4.2).
const (
	MinKeyLength = 8
	MaxKeyLength = 128
)

// ErrKeyLengthInvalid is returned by ValidateKey for an out-of-range key.
var ErrKeyLengthInvalid = errors.New("idempotency key length out of range")

// ValidateKey rejects an Idempotency-Key header outside 8..=128 chars.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return ErrKeyLengthInvalid
	}
	return nil
}

// Record is a stored idempotency result.
type Record struct {
	RequestHash    string
	ResponseStatus int
	ResponseBody   json.RawMessage
	EventID        *int64
}

// CheckResult is the outcome of Check.
type CheckResult int

const (
	// NotFound means no prior record exists; the caller should proceed.
	NotFound CheckResult = iota
	// Found means a record with a matching request_hash exists; return its
	// cached response.
	Found
	// Conflict means a record exists for the key with a different
	// request_hash.
	Conflict
)

// Store is the idempotency store backed by a shared pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store over the shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// HashRequest computes SHA-256(endpoint_name || "\n" || canonical_json(body))
// with object keys sorted recursively (spec §4.2).
func HashRequest(endpointName string, body any) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize request body: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(endpointName))
	h.Write([]byte("\n"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalCanonical(generic)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			valJSON, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valJSON...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte("[")
		for i, elem := range val {
			if i > 0 {
				out = append(out, ',')
			}
			elemJSON, err := marshalCanonical(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, elemJSON...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// Check looks up (orgScope, actorID, endpointName, key). NotFound means
// proceed; Found means return the cached record verbatim; Conflict means
// the same key was used with a different request_hash.
func (s *Store) Check(ctx context.Context, orgScope, actorID, endpointName, key, requestHash string) (CheckResult, *Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT request_hash, response_status, response_body, event_id
		 FROM idempotency_keys
		 WHERE org_scope = $1 AND actor_id = $2 AND endpoint_name = $3 AND idempotency_key = $4`,
		orgScope, actorID, endpointName, key,
	).Scan(&rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody, &rec.EventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound, nil, nil
	}
	if err != nil {
		return NotFound, nil, fmt.Errorf("check idempotency key: %w", err)
	}

	if rec.RequestHash != requestHash {
		return Conflict, nil, nil
	}
	return Found, &rec, nil
}

// StoreResult inserts the record if absent; safe under races via ON
// CONFLICT DO NOTHING. When a concurrent insert won, the existing record
// is kept and no read-back is done.
func (s *Store) StoreResult(ctx context.Context, orgScope, actorID, endpointName, key, requestHash string, status int, body json.RawMessage, eventID *int64) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (org_scope, actor_id, endpoint_name, idempotency_key, request_hash, response_status, response_body, event_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (org_scope, actor_id, endpoint_name, idempotency_key) DO NOTHING`,
		orgScope, actorID, endpointName, key, requestHash, status, body, eventID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("store idempotency result: %w", err)
		}
		return fmt.Errorf("store idempotency result: %w", err)
	}
	_ = tag
	return nil
}

// CleanupExpired deletes records older than maxAge, which must be at
// least 24 hours (spec §4.2).
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge < 24*time.Hour {
		return 0, fmt.Errorf("idempotency cleanup max age must be >= 24h, got %s", maxAge)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(maxAge.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
