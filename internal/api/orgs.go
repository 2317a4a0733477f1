package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/id"
)

type createOrgRequest struct {
	Name string `json:"name" binding:"required"`
}

type orgResponse struct {
	OrgID           string `json:"org_id"`
	Name            string `json:"name"`
	ResourceVersion int64  `json:"resource_version"`
}

// CreateOrg handles POST /v1/orgs (spec §4.5, endpoint "orgs.create").
func (h *Handlers) CreateOrg(c *gin.Context) {
	rc := requestContextFrom(c)

	var req createOrgRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	orgID := id.New(id.PrefixOrg).String()

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "orgs.create",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateOrg,
		AggregateID:   orgID,
		ExpectedSeq:   0,
		EventType:     event.TypeOrgCreated,
		EventPayload:  map[string]any{"name": req.Name},
		Meta:          event.Metadata{ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "orgs",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			var resp orgResponse
			err := h.deps.Pool.QueryRow(ctx,
				`SELECT org_id, name, resource_version FROM orgs_view WHERE org_id = $1`, orgID,
			).Scan(&resp.OrgID, &resp.Name, &resp.ResourceVersion)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, resp, nil
		},
	})
	respondCommand(c, status, body, err)
}

type addOrgMemberRequest struct {
	Email string `json:"email" binding:"required"`
	Role  string `json:"role" binding:"required"`
}

type memberResponse struct {
	MemberID        string `json:"member_id"`
	OrgID           string `json:"org_id"`
	Email           string `json:"email"`
	Role            string `json:"role"`
	ResourceVersion int64  `json:"resource_version"`
}

// AddOrgMember handles POST /v1/orgs/:org_id/members (endpoint
// "org_members.add"); admin-only per RequireOrgRole on the route.
func (h *Handlers) AddOrgMember(c *gin.Context) {
	rc := requestContextFrom(c)
	orgID := c.Param("org_id")

	var req addOrgMemberRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	memberID := id.New(id.PrefixMember).String()

	currentSeq, err := h.deps.Events.CurrentSeq(rc.ctx, event.AggregateOrg, orgID)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "org_members.add",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateOrg,
		AggregateID:   orgID,
		ExpectedSeq:   currentSeq,
		EventType:     event.TypeOrgMemberAdded,
		EventPayload: map[string]any{
			"member_id": memberID, "org_id": orgID, "email": req.Email, "role": req.Role,
		},
		Meta: event.Metadata{OrgID: &orgID, ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "org_members",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			var resp memberResponse
			err := h.deps.Pool.QueryRow(ctx,
				`SELECT member_id, org_id, email, role, resource_version FROM org_members_view WHERE member_id = $1`, memberID,
			).Scan(&resp.MemberID, &resp.OrgID, &resp.Email, &resp.Role, &resp.ResourceVersion)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, resp, nil
		},
	})
	respondCommand(c, status, body, err)
}
