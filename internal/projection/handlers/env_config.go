package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// EnvConfigHandler splits env.desired_release_set (upsert one
// (env_id, process_type) -> release_id row) and env.scale_set (rewrite
// the full set of scale rows for an env) per spec §4.4.
type EnvConfigHandler struct{}

func (EnvConfigHandler) Name() string { return "env_config" }

func (EnvConfigHandler) EventTypes() []string {
	return []string{event.TypeEnvDesiredReleaseSet, event.TypeEnvScaleSet}
}

type desiredReleaseSetPayload struct {
	ProcessType string `json:"process_type"`
	ReleaseID   string `json:"release_id"`
}

type scaleEntry struct {
	ProcessType string `json:"process_type"`
	Desired     int    `json:"desired"`
	VCPU        int    `json:"vcpu"`
	MemoryMB    int    `json:"memory_mb"`
}

type scaleSetPayload struct {
	Processes []scaleEntry `json:"processes"`
	Version   int64        `json:"version"`
}

func (EnvConfigHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeEnvDesiredReleaseSet:
		var p desiredReleaseSetPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("env_config handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO env_desired_releases_view (env_id, process_type, release_id, resource_version)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (env_id, process_type) DO UPDATE SET
				release_id = EXCLUDED.release_id,
				resource_version = env_desired_releases_view.resource_version + 1`,
			e.AggregateID, p.ProcessType, p.ReleaseID,
		)
		return err

	case event.TypeEnvScaleSet:
		var p scaleSetPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("env_config handler: invalid payload for event %d: %w", e.EventID, err)
		}

		keep := make([]string, 0, len(p.Processes))
		for _, entry := range p.Processes {
			vcpu, memMB := entry.VCPU, entry.MemoryMB
			if vcpu <= 0 {
				vcpu = 1
			}
			if memMB <= 0 {
				memMB = 256
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO env_scale_view (env_id, process_type, desired_replicas, vcpu_request, memory_mb_request, resource_version)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (env_id, process_type) DO UPDATE SET
					desired_replicas = EXCLUDED.desired_replicas,
					vcpu_request = EXCLUDED.vcpu_request,
					memory_mb_request = EXCLUDED.memory_mb_request,
					resource_version = GREATEST(env_scale_view.resource_version, EXCLUDED.resource_version)`,
				e.AggregateID, entry.ProcessType, entry.Desired, vcpu, memMB, p.Version,
			)
			if err != nil {
				return fmt.Errorf("env_config handler: upsert scale row: %w", err)
			}
			keep = append(keep, entry.ProcessType)
		}

		// Delete rows not present in the new set (including all rows if
		// the new set is empty).
		_, err := tx.Exec(ctx,
			`DELETE FROM env_scale_view WHERE env_id = $1 AND NOT (process_type = ANY($2))`,
			e.AggregateID, keep,
		)
		return err
	}
	return fmt.Errorf("env_config handler: unexpected event type %s", e.EventType)
}

// EnvNetworkingHandler projects env.networking_configured.
type EnvNetworkingHandler struct{}

func (EnvNetworkingHandler) Name() string { return "env_networking" }

func (EnvNetworkingHandler) EventTypes() []string {
	return []string{event.TypeEnvNetworkingConfigured}
}

type envNetworkingPayload struct {
	IPv4Enabled  bool    `json:"ipv4_enabled"`
	IPv4Address  *string `json:"ipv4_address,omitempty"`
	AllocationID *string `json:"allocation_id,omitempty"`
}

func (EnvNetworkingHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	var p envNetworkingPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("env_networking handler: invalid payload for event %d: %w", e.EventID, err)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO env_networking_view (env_id, ipv4_enabled, ipv4_address, allocation_id, resource_version)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (env_id) DO UPDATE SET
			ipv4_enabled = EXCLUDED.ipv4_enabled,
			ipv4_address = EXCLUDED.ipv4_address,
			allocation_id = EXCLUDED.allocation_id,
			resource_version = env_networking_view.resource_version + 1`,
		e.AggregateID, p.IPv4Enabled, p.IPv4Address, p.AllocationID,
	)
	return err
}
