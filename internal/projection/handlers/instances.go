package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// InstancesHandler applies instance.allocated, instance.desired_state_changed,
// instance.status_reported and instance.released. Required by the
// scheduler (instances_desired_view) and the status reporter
// (instance_status_view) even though it isn't spelled out alongside the
// other C4 examples (spec §4.4).
type InstancesHandler struct{}

func (InstancesHandler) Name() string { return "instances" }

func (InstancesHandler) EventTypes() []string {
	return []string{
		event.TypeInstanceAllocated,
		event.TypeInstanceDesiredStateChanged,
		event.TypeInstanceStatusReported,
		event.TypeInstanceReleased,
	}
}

type instanceAllocatedPayload struct {
	OrgID       string  `json:"org_id"`
	AppID       string  `json:"app_id"`
	EnvID       string  `json:"env_id"`
	ProcessType string  `json:"process_type"`
	ReleaseID   string  `json:"release_id"`
	DeployID    *string `json:"deploy_id,omitempty"`
	NodeID      string  `json:"node_id"`
	VCPU        int     `json:"vcpu"`
	MemoryMB    int     `json:"memory_mb"`
	OverlayIPv6 string  `json:"overlay_ipv6"`
}

type instanceDesiredStateChangedPayload struct {
	DesiredState string `json:"desired_state"`
}

type instanceStatusReportedPayload struct {
	Status      string  `json:"status"`
	BootID      *string `json:"boot_id,omitempty"`
	ReasonCode  *string `json:"reason_code,omitempty"`
}

func (InstancesHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeInstanceAllocated:
		var p instanceAllocatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("instances handler: invalid payload for event %d: %w", e.EventID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO instances_desired_view (instance_id, org_id, app_id, env_id, process_type, desired_state, release_id, deploy_id, node_id, vcpu, memory_mb, overlay_ipv6, resource_version)
			 VALUES ($1, $2, $3, $4, $5, 'running', $6, $7, $8, $9, $10, $11, 1)
			 ON CONFLICT (instance_id) DO UPDATE SET
				release_id = EXCLUDED.release_id,
				deploy_id = EXCLUDED.deploy_id,
				node_id = EXCLUDED.node_id,
				vcpu = EXCLUDED.vcpu,
				memory_mb = EXCLUDED.memory_mb,
				overlay_ipv6 = EXCLUDED.overlay_ipv6,
				resource_version = instances_desired_view.resource_version + 1`,
			e.AggregateID, p.OrgID, p.AppID, p.EnvID, p.ProcessType, p.ReleaseID, p.DeployID, p.NodeID, p.VCPU, p.MemoryMB, p.OverlayIPv6,
		); err != nil {
			return fmt.Errorf("instances handler: upsert desired: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO instance_status_view (instance_id, status, resource_version)
			 VALUES ($1, 'booting', 1)
			 ON CONFLICT (instance_id) DO NOTHING`,
			e.AggregateID,
		)
		return err

	case event.TypeInstanceDesiredStateChanged:
		var p instanceDesiredStateChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("instances handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE instances_desired_view SET desired_state = $2, resource_version = resource_version + 1 WHERE instance_id = $1`,
			e.AggregateID, p.DesiredState,
		)
		return err

	case event.TypeInstanceStatusReported:
		var p instanceStatusReportedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("instances handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO instance_status_view (instance_id, status, boot_id, reason_code, last_reported_at, resource_version)
			 VALUES ($1, $2, $3, $4, now(), 1)
			 ON CONFLICT (instance_id) DO UPDATE SET
				status = EXCLUDED.status,
				boot_id = COALESCE(EXCLUDED.boot_id, instance_status_view.boot_id),
				reason_code = EXCLUDED.reason_code,
				last_reported_at = now(),
				resource_version = instance_status_view.resource_version + 1`,
			e.AggregateID, p.Status, p.BootID, p.ReasonCode,
		)
		return err

	case event.TypeInstanceReleased:
		if _, err := tx.Exec(ctx, `DELETE FROM instances_desired_view WHERE instance_id = $1`, e.AggregateID); err != nil {
			return fmt.Errorf("instances handler: delete desired: %w", err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE instance_status_view SET status = 'stopped', resource_version = resource_version + 1 WHERE instance_id = $1`,
			e.AggregateID,
		)
		return err
	}
	return fmt.Errorf("instances handler: unexpected event type %s", e.EventType)
}
