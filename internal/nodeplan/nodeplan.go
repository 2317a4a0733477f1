// Package nodeplan assembles the plan a node agent polls for (spec §4.7,
// C7): the full desired-state document for every instance scheduled onto
// one node, plus the monotonic plan_version the node agent uses to
// decide whether to re-apply.
package nodeplan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Image describes the rootdisk source for an instance (spec §4.7).
type Image struct {
	Ref            string `json:"ref"`
	Digest         string `json:"digest"`
	ResolvedDigest string `json:"resolved_digest,omitempty"`
	OS             string `json:"os"`
	Arch           string `json:"arch"`
}

// Resources is the instance's compute allocation.
type Resources struct {
	CPU         int   `json:"cpu"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// VolumeMount is one volume attached to the instance.
type VolumeMount struct {
	VolumeID string `json:"volume_id"`
	SizeGB   int    `json:"size_gb"`
}

// InstancePlan is the node agent's per-instance unit of desired state
// (spec §4.7).
type InstancePlan struct {
	InstanceID      string            `json:"instance_id"`
	AppID           string            `json:"app_id"`
	EnvID           string            `json:"env_id"`
	ProcessType     string            `json:"process_type"`
	ReleaseID       string            `json:"release_id"`
	DeployID        *string           `json:"deploy_id,omitempty"`
	Image           Image             `json:"image"`
	Command         []string          `json:"command"`
	Resources       Resources         `json:"resources"`
	OverlayIPv6     string            `json:"overlay_ipv6"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	Volumes         []VolumeMount     `json:"volumes,omitempty"`
	SecretsVersion  *string           `json:"secrets_version,omitempty"`
}

// Plan is the full response for GET /nodes/{node_id}/plan.
type Plan struct {
	PlanVersion int64          `json:"plan_version"`
	Instances   []InstancePlan `json:"instances"`
}

// Assembler builds Plan documents from the read-model views. It also
// holds a small per-node cache, populated by WarmCache, so a node
// agent's poll after a scheduler placement doesn't always pay the full
// multi-join query cost.
type Assembler struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	cache map[string]*Plan
}

// New constructs an Assembler.
func New(pool *pgxpool.Pool) *Assembler {
	return &Assembler{pool: pool, cache: make(map[string]*Plan)}
}

// GetPlan returns nodeID's plan, serving the cached copy when its
// plan_version still matches the current one (cheap: a single indexed
// MAX(event_id) query) and only re-running the full multi-join build
// when it's stale or missing.
func (a *Assembler) GetPlan(ctx context.Context, nodeID string) (*Plan, error) {
	currentVersion, err := a.planVersion(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("compute plan version: %w", err)
	}

	a.mu.RLock()
	cached, ok := a.cache[nodeID]
	a.mu.RUnlock()
	if ok && cached.PlanVersion == currentVersion {
		return cached, nil
	}
	return a.WarmCache(ctx, nodeID)
}

// WarmCache rebuilds and caches nodeID's plan unconditionally. Called
// asynchronously by the scheduler right after it places an instance on a
// node, so the cache is warm before the node agent's next poll instead of
// racing it. Drains do not trigger a warm; GetPlan rebuilds on the next
// poll once the plan version has moved.
func (a *Assembler) WarmCache(ctx context.Context, nodeID string) (*Plan, error) {
	plan, err := a.BuildPlan(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.cache[nodeID] = plan
	a.mu.Unlock()
	return plan, nil
}

type instanceRow struct {
	InstanceID     string
	AppID          string
	EnvID          string
	ProcessType    string
	ReleaseID      string
	DeployID       *string
	VCPU           int
	MemoryMB       int
	OverlayIPv6    string
	ImageRef       string
	ImageDigest    string
	ImageOS        string
	ImageArch      string
	ResolvedDigest *string
	Command        []byte
	EnvVars        []byte
	BundleID       *string
	CurrentVersion *string
}

// BuildPlan assembles the current plan for a node: every
// non-stopped instance desired on it, joined against its release for
// image/command/env_vars, its env for a secrets bundle version, and its
// attached volumes.
func (a *Assembler) BuildPlan(ctx context.Context, nodeID string) (*Plan, error) {
	planVersion, err := a.planVersion(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("compute plan version: %w", err)
	}

	rows, err := a.pool.Query(ctx, `
		SELECT i.instance_id, i.app_id, i.env_id, i.process_type, i.release_id, i.deploy_id,
		       i.vcpu, i.memory_mb, i.overlay_ipv6,
		       r.image_ref, r.image_digest, r.image_os, r.image_arch, r.resolved_digest, r.command, r.env_vars,
		       sb.bundle_id, sb.current_version_id
		FROM instances_desired_view i
		JOIN releases_view r ON r.release_id = i.release_id
		LEFT JOIN secret_bundles_view sb ON sb.env_id = i.env_id
		WHERE i.node_id = $1 AND i.desired_state != 'stopped'`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query instances for node: %w", err)
	}
	defer rows.Close()

	var instanceRows []instanceRow
	for rows.Next() {
		var ir instanceRow
		if err := rows.Scan(
			&ir.InstanceID, &ir.AppID, &ir.EnvID, &ir.ProcessType, &ir.ReleaseID, &ir.DeployID,
			&ir.VCPU, &ir.MemoryMB, &ir.OverlayIPv6,
			&ir.ImageRef, &ir.ImageDigest, &ir.ImageOS, &ir.ImageArch, &ir.ResolvedDigest, &ir.Command, &ir.EnvVars,
			&ir.BundleID, &ir.CurrentVersion,
		); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		instanceRows = append(instanceRows, ir)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}

	plans := make([]InstancePlan, 0, len(instanceRows))
	for _, ir := range instanceRows {
		volumes, err := a.loadVolumes(ctx, ir.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("load volumes for %s: %w", ir.InstanceID, err)
		}
		plan, err := buildInstancePlan(ir, volumes)
		if err != nil {
			return nil, fmt.Errorf("build plan for %s: %w", ir.InstanceID, err)
		}
		plans = append(plans, plan)
	}

	return &Plan{PlanVersion: planVersion, Instances: plans}, nil
}

func (a *Assembler) planVersion(ctx context.Context, nodeID string) (int64, error) {
	var version int64
	err := a.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(e.event_id), 0)
		FROM events e
		WHERE (e.aggregate_type = 'Instance' AND e.aggregate_id IN (
			SELECT instance_id FROM instances_desired_view WHERE node_id = $1
		)) OR (e.aggregate_type = 'Node' AND e.aggregate_id = $1)`,
		nodeID,
	).Scan(&version)
	return version, err
}

func (a *Assembler) loadVolumes(ctx context.Context, instanceID string) ([]VolumeMount, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT v.volume_id, v.size_gb
		FROM volume_attachments_view va
		JOIN volumes_view v ON v.volume_id = va.volume_id AND v.is_deleted = false
		WHERE va.instance_id = $1`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VolumeMount
	for rows.Next() {
		var vm VolumeMount
		if err := rows.Scan(&vm.VolumeID, &vm.SizeGB); err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

// buildInstancePlan is the pure row-to-plan mapping, factored out of
// BuildPlan so it can be unit tested without a database.
func buildInstancePlan(ir instanceRow, volumes []VolumeMount) (InstancePlan, error) {
	var command []string
	if len(ir.Command) > 0 {
		if err := json.Unmarshal(ir.Command, &command); err != nil {
			return InstancePlan{}, fmt.Errorf("unmarshal command: %w", err)
		}
	}

	var envVars map[string]string
	if len(ir.EnvVars) > 0 {
		if err := json.Unmarshal(ir.EnvVars, &envVars); err != nil {
			return InstancePlan{}, fmt.Errorf("unmarshal env_vars: %w", err)
		}
	}

	resolvedDigest := ir.ImageDigest
	if ir.ResolvedDigest != nil && *ir.ResolvedDigest != "" {
		resolvedDigest = *ir.ResolvedDigest
	}

	return InstancePlan{
		InstanceID:  ir.InstanceID,
		AppID:       ir.AppID,
		EnvID:       ir.EnvID,
		ProcessType: ir.ProcessType,
		ReleaseID:   ir.ReleaseID,
		DeployID:    ir.DeployID,
		Image: Image{
			Ref: ir.ImageRef, Digest: ir.ImageDigest, ResolvedDigest: resolvedDigest,
			OS: ir.ImageOS, Arch: ir.ImageArch,
		},
		Command:        command,
		Resources:      Resources{CPU: ir.VCPU, MemoryBytes: int64(ir.MemoryMB) * 1024 * 1024},
		OverlayIPv6:    ir.OverlayIPv6,
		EnvVars:        envVars,
		Volumes:        volumes,
		SecretsVersion: ir.CurrentVersion,
	}, nil
}
