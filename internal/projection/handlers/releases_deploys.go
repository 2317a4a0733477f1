package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// ReleasesHandler applies release.created. Releases are immutable
// (create-only, spec §3).
type ReleasesHandler struct{}

func (ReleasesHandler) Name() string { return "releases" }

func (ReleasesHandler) EventTypes() []string {
	return []string{event.TypeReleaseCreated}
}

type releaseCreatedPayload struct {
	EnvID                 string          `json:"env_id"`
	ImageRef              string          `json:"image_ref"`
	ImageDigest           string          `json:"image_digest"`
	ImageOS               string          `json:"image_os,omitempty"`
	ImageArch             string          `json:"image_arch,omitempty"`
	ManifestSchemaVersion int             `json:"manifest_schema_version"`
	ManifestHash          string          `json:"manifest_hash"`
	Command               json.RawMessage `json:"command,omitempty"`
	EnvVars               json.RawMessage `json:"env_vars,omitempty"`
}

func (ReleasesHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	var p releaseCreatedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("releases handler: invalid payload for event %d: %w", e.EventID, err)
	}
	if p.ImageOS == "" {
		p.ImageOS = "linux"
	}
	if p.ImageArch == "" {
		p.ImageArch = "amd64"
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO releases_view (release_id, env_id, image_ref, image_digest, image_os, image_arch, manifest_schema_version, manifest_hash, command, env_vars, resource_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		 ON CONFLICT (release_id) DO NOTHING`,
		e.AggregateID, p.EnvID, p.ImageRef, p.ImageDigest, p.ImageOS, p.ImageArch, p.ManifestSchemaVersion, p.ManifestHash, p.Command, p.EnvVars,
	)
	return err
}

// DeploysHandler applies deploy.created|status_changed.
type DeploysHandler struct{}

func (DeploysHandler) Name() string { return "deploys" }

func (DeploysHandler) EventTypes() []string {
	return []string{event.TypeDeployCreated, event.TypeDeployStatusChanged}
}

type deployCreatedPayload struct {
	ReleaseID   string  `json:"release_id"`
	EnvID       string  `json:"env_id"`
	ProcessType *string `json:"process_type,omitempty"`
	Kind        string  `json:"kind"`
}

type deployStatusChangedPayload struct {
	Status       string  `json:"status"`
	Message      *string `json:"message,omitempty"`
	FailedReason *string `json:"failed_reason,omitempty"`
}

func (DeploysHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeDeployCreated:
		var p deployCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("deploys handler: invalid payload for event %d: %w", e.EventID, err)
		}
		kind := p.Kind
		if kind == "" {
			kind = "rolling"
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO deploys_view (deploy_id, release_id, env_id, process_type, kind, status, resource_version)
			 VALUES ($1, $2, $3, $4, $5, 'queued', 1)
			 ON CONFLICT (deploy_id) DO NOTHING`,
			e.AggregateID, p.ReleaseID, p.EnvID, p.ProcessType, kind,
		)
		return err
	case event.TypeDeployStatusChanged:
		var p deployStatusChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("deploys handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE deploys_view SET
				status = $2,
				message = COALESCE($3, message),
				failed_reason = COALESCE($4, failed_reason),
				resource_version = resource_version + 1
			 WHERE deploy_id = $1`,
			e.AggregateID, p.Status, p.Message, p.FailedReason,
		)
		return err
	}
	return fmt.Errorf("deploys handler: unexpected event type %s", e.EventType)
}
