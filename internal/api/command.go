// Package api implements the command API (spec §4.5, C5): gin router,
// middleware wiring, and the generic 12-step write flow every mutating
// endpoint runs through.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ghostplane.io/platform/internal/api/middleware"
	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/eventstore"
	"ghostplane.io/platform/internal/governance/audit"
	"ghostplane.io/platform/internal/idempotency"
	"ghostplane.io/platform/internal/nodeplan"
	apperrors "ghostplane.io/platform/internal/pkg/errors"
	"ghostplane.io/platform/internal/projection"
	"ghostplane.io/platform/internal/quota"
)

// Deps bundles the shared dependencies every command handler needs.
type Deps struct {
	Pool              *pgxpool.Pool
	Events            *eventstore.Store
	Idempotency       *idempotency.Store
	Quota             *quota.Checker
	Audit             *audit.Logger
	RoleResolver      *middleware.OrgRoleResolver
	NodePlans         *nodeplan.Assembler
	ProjectionTimeout time.Duration
}

// CommandSpec is the per-request input to ExecuteCommand. RequestBody is
// hashed for idempotency dedup; the remaining fields describe the single
// event this command appends.
type CommandSpec struct {
	EndpointName   string
	OrgScope       string
	ActorType      string
	ActorID        string
	IdempotencyKey string
	RequestBody    any

	AggregateType string
	AggregateID   string
	ExpectedSeq   int64
	EventType     string
	EventPayload  any
	Meta          event.Metadata
	Guards        []event.Guard

	// Projection is the checkpoint name ExecuteCommand waits on for
	// read-your-writes (spec §4.5 step 10).
	Projection string

	// QuotaCheck, if set, runs after validation and before append (spec
	// §4.5 step 7). Returning an error aborts the command.
	QuotaCheck func(ctx context.Context) error

	// BuildResponse renders the response body after the projection has
	// caught up to the appended event (spec §4.5 step 11).
	BuildResponse func(ctx context.Context, eventID int64) (status int, body any, err error)
}

// ExecuteCommand runs the full write flow: idempotency check, quota
// check, append, wait-for-checkpoint, response construction, idempotency
// store (spec §4.5).
func ExecuteCommand(ctx context.Context, deps *Deps, spec CommandSpec) (int, any, error) {
	requestHash, err := idempotency.HashRequest(spec.EndpointName, spec.RequestBody)
	if err != nil {
		return 0, nil, fmt.Errorf("hash request: %w", err)
	}

	if spec.IdempotencyKey != "" {
		result, rec, err := deps.Idempotency.Check(ctx, spec.OrgScope, spec.ActorID, spec.EndpointName, spec.IdempotencyKey, requestHash)
		if err != nil {
			return 0, nil, err
		}
		switch result {
		case idempotency.Found:
			var body any
			if len(rec.ResponseBody) > 0 {
				if err := json.Unmarshal(rec.ResponseBody, &body); err != nil {
					return 0, nil, fmt.Errorf("unmarshal cached idempotency body: %w", err)
				}
			}
			return rec.ResponseStatus, body, nil
		case idempotency.Conflict:
			return 0, nil, apperrors.Conflict(apperrors.CodeIdempotencyKeyConflict, "idempotency key reused with a different request body")
		}
	}

	if spec.QuotaCheck != nil {
		if err := spec.QuotaCheck(ctx); err != nil {
			return 0, nil, err
		}
	}

	eventID, err := deps.Events.Append(ctx, spec.AggregateType, spec.AggregateID, spec.ExpectedSeq, spec.EventType, spec.EventPayload, spec.Meta, spec.Guards)
	if err != nil {
		return 0, nil, err
	}

	if spec.Projection != "" {
		timeout := deps.ProjectionTimeout
		if timeout == 0 {
			timeout = 2 * time.Second
		}
		if err := projection.WaitForCheckpoint(ctx, deps.Pool, spec.Projection, eventID, timeout); err != nil {
			return 0, nil, err
		}
	}

	status, body, err := spec.BuildResponse(ctx, eventID)
	if err != nil {
		return 0, nil, err
	}

	if spec.IdempotencyKey != "" {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal response body for idempotency store: %w", err)
		}
		if err := deps.Idempotency.StoreResult(ctx, spec.OrgScope, spec.ActorID, spec.EndpointName, spec.IdempotencyKey, requestHash, status, bodyJSON, &eventID); err != nil {
			return 0, nil, err
		}
	}

	if deps.Audit != nil {
		_ = deps.Audit.LogCommand(ctx, spec.EndpointName, spec.AggregateType, spec.AggregateID, spec.ActorID, eventID)
	}

	return status, body, nil
}
