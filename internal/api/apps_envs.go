package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/id"
)

type createAppRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type appResponse struct {
	AppID           string `json:"app_id"`
	OrgID           string `json:"org_id"`
	Name            string `json:"name"`
	ResourceVersion int64  `json:"resource_version"`
}

// CreateApp handles POST /v1/orgs/:org_id/apps (endpoint "apps.create").
func (h *Handlers) CreateApp(c *gin.Context) {
	rc := requestContextFrom(c)
	orgID := c.Param("org_id")

	var req createAppRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	appID := id.New(id.PrefixApp).String()

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "apps.create",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateApp,
		AggregateID:   appID,
		ExpectedSeq:   0,
		EventType:     event.TypeAppCreated,
		EventPayload: map[string]any{
			"org_id": orgID, "name": req.Name, "description": req.Description,
		},
		Meta: event.Metadata{OrgID: &orgID, ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "apps",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			var resp appResponse
			err := h.deps.Pool.QueryRow(ctx,
				`SELECT app_id, org_id, name, resource_version FROM apps_view WHERE app_id = $1`, appID,
			).Scan(&resp.AppID, &resp.OrgID, &resp.Name, &resp.ResourceVersion)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, resp, nil
		},
	})
	respondCommand(c, status, body, err)
}

type createEnvRequest struct {
	Name string `json:"name" binding:"required"`
}

type envResponse struct {
	EnvID           string `json:"env_id"`
	AppID           string `json:"app_id"`
	OrgID           string `json:"org_id"`
	Name            string `json:"name"`
	ResourceVersion int64  `json:"resource_version"`
}

// CreateEnv handles POST /v1/orgs/:org_id/apps/:app_id/envs (endpoint
// "envs.create").
func (h *Handlers) CreateEnv(c *gin.Context) {
	rc := requestContextFrom(c)
	orgID := c.Param("org_id")
	appID := c.Param("app_id")

	var req createEnvRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	envID := id.New(id.PrefixEnv).String()

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "envs.create",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateEnv,
		AggregateID:   envID,
		ExpectedSeq:   0,
		EventType:     event.TypeEnvCreated,
		EventPayload: map[string]any{
			"org_id": orgID, "app_id": appID, "name": req.Name,
		},
		Meta: event.Metadata{OrgID: &orgID, AppID: &appID, EnvID: &envID, ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "envs",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			var resp envResponse
			err := h.deps.Pool.QueryRow(ctx,
				`SELECT env_id, app_id, org_id, name, resource_version FROM envs_view WHERE env_id = $1`, envID,
			).Scan(&resp.EnvID, &resp.AppID, &resp.OrgID, &resp.Name, &resp.ResourceVersion)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, resp, nil
		},
	})
	respondCommand(c, status, body, err)
}
