package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// VolumesHandler applies volume.created|deleted and volume.attached|detached.
type VolumesHandler struct{}

func (VolumesHandler) Name() string { return "volumes" }

func (VolumesHandler) EventTypes() []string {
	return []string{
		event.TypeVolumeCreated, event.TypeVolumeDeleted,
		event.TypeVolumeAttached, event.TypeVolumeDetached,
	}
}

type volumeCreatedPayload struct {
	EnvID  string `json:"env_id"`
	SizeGB int    `json:"size_gb"`
}

type volumeAttachmentPayload struct {
	AttachmentID string `json:"attachment_id"`
	VolumeID     string `json:"volume_id"`
	InstanceID   string `json:"instance_id"`
}

func (VolumesHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeVolumeCreated:
		var p volumeCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("volumes handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO volumes_view (volume_id, env_id, size_gb, is_deleted, resource_version)
			 VALUES ($1, $2, $3, false, 1)
			 ON CONFLICT (volume_id) DO NOTHING`,
			e.AggregateID, p.EnvID, p.SizeGB,
		)
		return err

	case event.TypeVolumeDeleted:
		_, err := tx.Exec(ctx,
			`UPDATE volumes_view SET is_deleted = true, resource_version = resource_version + 1 WHERE volume_id = $1`,
			e.AggregateID,
		)
		return err

	case event.TypeVolumeAttached:
		var p volumeAttachmentPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("volumes handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO volume_attachments_view (attachment_id, volume_id, instance_id, resource_version)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (attachment_id) DO NOTHING`,
			p.AttachmentID, p.VolumeID, p.InstanceID,
		)
		return err

	case event.TypeVolumeDetached:
		var p volumeAttachmentPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("volumes handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx, `DELETE FROM volume_attachments_view WHERE attachment_id = $1`, p.AttachmentID)
		return err
	}
	return fmt.Errorf("volumes handler: unexpected event type %s", e.EventType)
}

// SnapshotsHandler applies snapshot.created|status_changed.
type SnapshotsHandler struct{}

func (SnapshotsHandler) Name() string { return "snapshots" }

func (SnapshotsHandler) EventTypes() []string {
	return []string{event.TypeSnapshotCreated, event.TypeSnapshotStatusChanged}
}

type snapshotCreatedPayload struct {
	VolumeID string `json:"volume_id"`
}

type statusChangedPayload struct {
	Status string `json:"status"`
}

func (SnapshotsHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeSnapshotCreated:
		var p snapshotCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("snapshots handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO snapshots_view (snapshot_id, volume_id, status, resource_version)
			 VALUES ($1, $2, 'pending', 1)
			 ON CONFLICT (snapshot_id) DO NOTHING`,
			e.AggregateID, p.VolumeID,
		)
		return err
	case event.TypeSnapshotStatusChanged:
		var p statusChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("snapshots handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE snapshots_view SET status = $2, resource_version = resource_version + 1 WHERE snapshot_id = $1`,
			e.AggregateID, p.Status,
		)
		return err
	}
	return fmt.Errorf("snapshots handler: unexpected event type %s", e.EventType)
}

// RestoreJobsHandler applies restore_job.created|status_changed.
type RestoreJobsHandler struct{}

func (RestoreJobsHandler) Name() string { return "restore_jobs" }

func (RestoreJobsHandler) EventTypes() []string {
	return []string{event.TypeRestoreJobCreated, event.TypeRestoreJobStatusChanged}
}

type restoreJobCreatedPayload struct {
	SnapshotID     string  `json:"snapshot_id"`
	TargetVolumeID *string `json:"target_volume_id,omitempty"`
}

func (RestoreJobsHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeRestoreJobCreated:
		var p restoreJobCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("restore_jobs handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO restore_jobs_view (restore_job_id, snapshot_id, target_volume_id, status, resource_version)
			 VALUES ($1, $2, $3, 'queued', 1)
			 ON CONFLICT (restore_job_id) DO NOTHING`,
			e.AggregateID, p.SnapshotID, p.TargetVolumeID,
		)
		return err
	case event.TypeRestoreJobStatusChanged:
		var p statusChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("restore_jobs handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE restore_jobs_view SET status = $2, resource_version = resource_version + 1 WHERE restore_job_id = $1`,
			e.AggregateID, p.Status,
		)
		return err
	}
	return fmt.Errorf("restore_jobs handler: unexpected event type %s", e.EventType)
}

// ExecSessionsHandler applies exec_session.granted|connected|ended,
// carrying a session through its status ∈ {granted, connected, ended}
// lifecycle (spec §3).
type ExecSessionsHandler struct{}

func (ExecSessionsHandler) Name() string { return "exec_sessions" }

func (ExecSessionsHandler) EventTypes() []string {
	return []string{event.TypeExecSessionGranted, event.TypeExecSessionConnected, event.TypeExecSessionEnded}
}

type execSessionGrantedPayload struct {
	InstanceID string `json:"instance_id"`
	TokenHash  string `json:"token_hash"`
	ExpiresAt  string `json:"expires_at"`
}

type execSessionEndedPayload struct {
	ExitCode *int `json:"exit_code,omitempty"`
}

func (ExecSessionsHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeExecSessionGranted:
		var p execSessionGrantedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("exec_sessions handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO exec_sessions_view (exec_session_id, instance_id, status, token_hash, expires_at, resource_version)
			 VALUES ($1, $2, 'granted', $3, $4, 1)
			 ON CONFLICT (exec_session_id) DO NOTHING`,
			e.AggregateID, p.InstanceID, p.TokenHash, p.ExpiresAt,
		)
		return err
	case event.TypeExecSessionConnected:
		_, err := tx.Exec(ctx,
			`UPDATE exec_sessions_view SET status = 'connected', resource_version = resource_version + 1 WHERE exec_session_id = $1 AND status = 'granted'`,
			e.AggregateID,
		)
		return err
	case event.TypeExecSessionEnded:
		var p execSessionEndedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("exec_sessions handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE exec_sessions_view SET status = 'ended', exit_code = $2, resource_version = resource_version + 1 WHERE exec_session_id = $1`,
			e.AggregateID, p.ExitCode,
		)
		return err
	}
	return fmt.Errorf("exec_sessions handler: unexpected event type %s", e.EventType)
}
