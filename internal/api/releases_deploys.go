package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/id"
)

type createReleaseRequest struct {
	ImageRef              string          `json:"image_ref" binding:"required"`
	ImageDigest           string          `json:"image_digest" binding:"required"`
	ImageOS               string          `json:"image_os"`
	ImageArch             string          `json:"image_arch"`
	ManifestSchemaVersion int             `json:"manifest_schema_version" binding:"required"`
	ManifestHash          string          `json:"manifest_hash" binding:"required"`
	Command               json.RawMessage `json:"command"`
	EnvVars               json.RawMessage `json:"env_vars"`
}

type releaseResponse struct {
	ReleaseID       string `json:"release_id"`
	EnvID           string `json:"env_id"`
	ImageRef        string `json:"image_ref"`
	ImageDigest     string `json:"image_digest"`
	ResourceVersion int64  `json:"resource_version"`
}

// CreateRelease handles POST /v1/orgs/:org_id/envs/:env_id/releases
// (endpoint "releases.create").
func (h *Handlers) CreateRelease(c *gin.Context) {
	rc := requestContextFrom(c)
	orgID := c.Param("org_id")
	envID := c.Param("env_id")

	var req createReleaseRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	releaseID := id.New(id.PrefixRelease).String()

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "releases.create",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateRelease,
		AggregateID:   releaseID,
		ExpectedSeq:   0,
		EventType:     event.TypeReleaseCreated,
		EventPayload: map[string]any{
			"env_id": envID, "image_ref": req.ImageRef, "image_digest": req.ImageDigest,
			"image_os": req.ImageOS, "image_arch": req.ImageArch,
			"manifest_schema_version": req.ManifestSchemaVersion, "manifest_hash": req.ManifestHash,
			"command": req.Command, "env_vars": req.EnvVars,
		},
		Meta: event.Metadata{OrgID: &orgID, EnvID: &envID, ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "releases",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			var resp releaseResponse
			err := h.deps.Pool.QueryRow(ctx,
				`SELECT release_id, env_id, image_ref, image_digest, resource_version FROM releases_view WHERE release_id = $1`, releaseID,
			).Scan(&resp.ReleaseID, &resp.EnvID, &resp.ImageRef, &resp.ImageDigest, &resp.ResourceVersion)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, resp, nil
		},
	})
	respondCommand(c, status, body, err)
}

type createDeployRequest struct {
	ReleaseID   string  `json:"release_id" binding:"required"`
	ProcessType *string `json:"process_type,omitempty"`
	Kind        string  `json:"kind"`
}

type deployResponse struct {
	DeployID        string `json:"deploy_id"`
	ReleaseID       string `json:"release_id"`
	EnvID           string `json:"env_id"`
	Status          string `json:"status"`
	ResourceVersion int64  `json:"resource_version"`
}

// CreateDeploy handles POST /v1/orgs/:org_id/envs/:env_id/deploys
// (endpoint "deploys.create"). A "rolling" kind drives the scheduler's
// min_available cutover logic (spec §4.6); this handler only records the
// deploy's existence.
func (h *Handlers) CreateDeploy(c *gin.Context) {
	rc := requestContextFrom(c)
	orgID := c.Param("org_id")
	envID := c.Param("env_id")

	var req createDeployRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}
	if req.Kind == "" {
		req.Kind = "rolling"
	}

	deployID := id.New(id.PrefixDeploy).String()

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "deploys.create",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateDeploy,
		AggregateID:   deployID,
		ExpectedSeq:   0,
		EventType:     event.TypeDeployCreated,
		EventPayload: map[string]any{
			"release_id": req.ReleaseID, "env_id": envID, "process_type": req.ProcessType, "kind": req.Kind,
		},
		Meta: event.Metadata{OrgID: &orgID, EnvID: &envID, ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "deploys",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			var resp deployResponse
			err := h.deps.Pool.QueryRow(ctx,
				`SELECT deploy_id, release_id, env_id, status, resource_version FROM deploys_view WHERE deploy_id = $1`, deployID,
			).Scan(&resp.DeployID, &resp.ReleaseID, &resp.EnvID, &resp.Status, &resp.ResourceVersion)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, resp, nil
		},
	})
	respondCommand(c, status, body, err)
}

type setScaleRequest struct {
	Processes []scaleProcessEntry `json:"processes" binding:"required"`
}

type scaleProcessEntry struct {
	ProcessType string `json:"process_type" binding:"required"`
	Desired     int    `json:"desired"`
	VCPU        int    `json:"vcpu"`
	MemoryMB    int    `json:"memory_mb"`
}

type scaleResponse struct {
	EnvID     string              `json:"env_id"`
	Processes []scaleProcessEntry `json:"processes"`
}

// SetScale handles PUT /v1/orgs/:org_id/envs/:env_id/scale (endpoint
// "envs.set_scale"). It rewrites the full scale-set for the env in one
// event, applied by env_config's full-set-rewrite semantics (spec §4.4).
func (h *Handlers) SetScale(c *gin.Context) {
	rc := requestContextFrom(c)
	orgID := c.Param("org_id")
	envID := c.Param("env_id")

	var req setScaleRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	currentSeq, err := h.deps.Events.CurrentSeq(rc.ctx, event.AggregateEnv, envID)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	var requestedInstances, requestedVCPU, requestedMemoryMB int64
	for _, p := range req.Processes {
		vcpu, memMB := p.VCPU, p.MemoryMB
		if vcpu <= 0 {
			vcpu = 1
		}
		if memMB <= 0 {
			memMB = 256
		}
		requestedInstances += int64(p.Desired)
		requestedVCPU += int64(p.Desired * vcpu)
		requestedMemoryMB += int64(p.Desired * memMB)
	}

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "envs.set_scale",
		OrgScope:       orgID,
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateEnv,
		AggregateID:   envID,
		ExpectedSeq:   currentSeq,
		EventType:     event.TypeEnvScaleSet,
		EventPayload: map[string]any{
			"processes": req.Processes, "version": currentSeq + 1,
		},
		Meta: event.Metadata{OrgID: &orgID, EnvID: &envID, ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		QuotaCheck: func(ctx context.Context) error {
			return h.deps.Quota.CheckAdmission(ctx, orgID, requestedInstances, requestedVCPU, requestedMemoryMB)
		},
		Projection: "env_config",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			return http.StatusOK, scaleResponse{EnvID: envID, Processes: req.Processes}, nil
		},
	})
	respondCommand(c, status, body, err)
}
