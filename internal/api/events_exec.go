package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"ghostplane.io/platform/internal/api/middleware"
	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/id"
	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

// ListEvents handles GET /v1/orgs/:org_id/events?after=<event_id>, a
// direct read against the append-only log scoped to the org.
func (h *Handlers) ListEvents(c *gin.Context) {
	orgID := c.Param("org_id")
	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			middleware.Abort(c, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "after must be an integer event_id"))
			return
		}
		after = v
	}

	rows, err := h.deps.Pool.Query(c.Request.Context(),
		`SELECT event_id, aggregate_type, aggregate_id, aggregate_seq, event_type, payload, occurred_at
		 FROM events WHERE org_id = $1 AND event_id > $2 ORDER BY event_id ASC LIMIT 500`,
		orgID, after,
	)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	defer rows.Close()

	type eventRow struct {
		EventID       int64     `json:"event_id"`
		AggregateType string    `json:"aggregate_type"`
		AggregateID   string    `json:"aggregate_id"`
		AggregateSeq  int64     `json:"aggregate_seq"`
		EventType     string    `json:"event_type"`
		Payload       any       `json:"payload"`
		OccurredAt    time.Time `json:"occurred_at"`
	}

	out := make([]eventRow, 0)
	for rows.Next() {
		var r eventRow
		var payload []byte
		if err := rows.Scan(&r.EventID, &r.AggregateType, &r.AggregateID, &r.AggregateSeq, &r.EventType, &payload, &r.OccurredAt); err != nil {
			middleware.Abort(c, err)
			return
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}

	c.JSON(http.StatusOK, gin.H{"events": out})
}

type checkpointRow struct {
	ProjectionName     string `json:"projection_name"`
	LastAppliedEventID int64  `json:"last_applied_event_id"`
	Lag                int64  `json:"lag"`
}

// DebugCheckpoints handles GET /v1/debug/checkpoints, returning every
// projection's checkpoint and lag versus the latest event_id — operator
// visibility into §4.3's guarantees.
func (h *Handlers) DebugCheckpoints(c *gin.Context) {
	ctx := c.Request.Context()

	var latest int64
	if err := h.deps.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM events`).Scan(&latest); err != nil {
		middleware.Abort(c, err)
		return
	}

	rows, err := h.deps.Pool.Query(ctx, `SELECT projection_name, last_applied_event_id FROM projection_checkpoints ORDER BY projection_name`)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	defer rows.Close()

	out := make([]checkpointRow, 0)
	for rows.Next() {
		var r checkpointRow
		if err := rows.Scan(&r.ProjectionName, &r.LastAppliedEventID); err != nil {
			middleware.Abort(c, err)
			return
		}
		r.Lag = latest - r.LastAppliedEventID
		out = append(out, r)
	}

	c.JSON(http.StatusOK, gin.H{"latest_event_id": latest, "checkpoints": out})
}

type createExecSessionRequest struct {
	Command []string `json:"command" binding:"required"`
	TTL     int       `json:"ttl_seconds"`
}

type execSessionResponse struct {
	ExecSessionID string    `json:"exec_session_id"`
	InstanceID    string    `json:"instance_id"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

const defaultExecSessionTTL = 15 * time.Minute

// CreateExecSession handles POST
// /v1/orgs/:org_id/instances/:instance_id/exec. The bearer-equivalent
// token is bcrypt-hashed before storage; only the hash ever reaches the
// projection (spec §3 exec_sessions_view).
func (h *Handlers) CreateExecSession(c *gin.Context) {
	rc := requestContextFrom(c)
	orgID := c.Param("org_id")
	instanceID := c.Param("instance_id")

	var req createExecSessionRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	ttl := defaultExecSessionTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	sessionID := id.New(id.PrefixExecSession).String()
	rawToken := id.New(id.PrefixExecSession).String()
	hash, err := bcrypt.GenerateFromPassword([]byte(rawToken), bcrypt.DefaultCost)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}
	expiresAt := time.Now().Add(ttl)

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "exec_sessions.create",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateExecSession,
		AggregateID:   sessionID,
		ExpectedSeq:   0,
		EventType:     event.TypeExecSessionGranted,
		EventPayload: map[string]any{
			"instance_id": instanceID, "token_hash": string(hash), "expires_at": expiresAt,
		},
		Meta: event.Metadata{OrgID: &orgID, ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "exec_sessions",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			return http.StatusCreated, execSessionResponse{
				ExecSessionID: sessionID,
				InstanceID:    instanceID,
				Token:         rawToken,
				ExpiresAt:     expiresAt,
			}, nil
		},
	})
	respondCommand(c, status, body, err)
}

type reportExecSessionStatusRequest struct {
	Status   string `json:"status" binding:"required"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// ReportExecSessionStatus handles POST
// /v1/nodes/:node_id/instances/:instance_id/exec/:exec_session_id/status
// (endpoint "exec_sessions.report_status"). The node agent's vsock exec
// handler (port 5162) calls this once the client attaches the stream
// (`connected`) and again once it exits (`ended`), carrying the session
// through the status enum documented in spec §3. Like instance status
// reports, this bypasses the idempotency store.
func (h *Handlers) ReportExecSessionStatus(c *gin.Context) {
	rc := requestContextFrom(c)
	sessionID := c.Param("exec_session_id")

	var req reportExecSessionStatusRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	var eventType string
	switch req.Status {
	case "connected":
		eventType = event.TypeExecSessionConnected
	case "ended":
		eventType = event.TypeExecSessionEnded
	default:
		middleware.Abort(c, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "status must be connected or ended"))
		return
	}

	currentSeq, err := h.deps.Events.CurrentSeq(rc.ctx, event.AggregateExecSession, sessionID)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	_, err = h.deps.Events.Append(rc.ctx, event.AggregateExecSession, sessionID, currentSeq, eventType,
		map[string]any{"exit_code": req.ExitCode},
		event.Metadata{ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},
		nil,
	)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}
	respondCommand(c, http.StatusAccepted, gin.H{"status": "ok"}, nil)
}
