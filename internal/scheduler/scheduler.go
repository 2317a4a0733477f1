// Package scheduler implements the reconciliation loop (spec §4.6, C6):
// a periodic pass over the scale and desired-release views that emits
// instance.allocated / instance.desired_state_changed events to converge
// actual placement onto desired state, honoring rolling-update
// min_available and re-checking org quotas before every allocation.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/event"
	"ghostplane.io/platform/internal/eventstore"
	"ghostplane.io/platform/internal/id"
	"ghostplane.io/platform/internal/nodeplan"
	"ghostplane.io/platform/internal/observability/metrics"
	"ghostplane.io/platform/internal/pkg/logger"
	"ghostplane.io/platform/internal/pkg/worker"
	"ghostplane.io/platform/internal/quota"
)

// Config tunes the reconciliation loop.
type Config struct {
	ReconcileInterval time.Duration
}

// DefaultConfig returns the scheduler's default tuning (spec §4.6: 5s
// default interval).
func DefaultConfig() Config {
	return Config{ReconcileInterval: 5 * time.Second}
}

// Reconciler drives the periodic reconciliation loop.
type Reconciler struct {
	pool   *pgxpool.Pool
	events *eventstore.Store
	quota  *quota.Checker
	cfg    Config

	// plans and warmPool are optional: when both are set, a successful
	// placement fires an async plan-cache warm for the target node so
	// the node agent's next poll doesn't race the full plan query.
	plans    *nodeplan.Assembler
	warmPool *worker.Pool
}

// New constructs a Reconciler.
func New(pool *pgxpool.Pool, events *eventstore.Store, quotaChecker *quota.Checker, cfg Config) *Reconciler {
	return &Reconciler{pool: pool, events: events, quota: quotaChecker, cfg: cfg}
}

// WithPlanWarming enables async plan-cache warming after placement,
// submitted onto pool instead of a naked goroutine.
func (r *Reconciler) WithPlanWarming(plans *nodeplan.Assembler, pool *worker.Pool) *Reconciler {
	r.plans = plans
	r.warmPool = pool
	return r
}

// Run drives the reconciliation loop until shutdown is closed or ctx is
// done. A failed pass is logged and retried on the next tick rather than
// halting the loop — unlike the projection worker, a missed
// reconciliation cycle is recoverable on the next tick.
func (r *Reconciler) Run(ctx context.Context, shutdown <-chan struct{}) error {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			logger.Info("scheduler stopping on shutdown signal")
			return nil
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

type scaleRow struct {
	OrgID           string
	AppID           string
	EnvID           string
	ProcessType     string
	DesiredReplicas int
	VCPU            int
	MemoryMB        int
	ReleaseID       *string
}

// ReconcileOnce runs a single pass over every (env_id, process_type) with
// a nonzero desired replica count (spec §4.6).
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	metrics.ReconcileCyclesTotal.Inc()
	rows, err := r.pool.Query(ctx, `
		SELECT e.org_id, e.app_id, s.env_id, s.process_type, s.desired_replicas,
		       s.vcpu_request, s.memory_mb_request, d.release_id
		FROM env_scale_view s
		JOIN envs_view e ON e.env_id = s.env_id AND e.is_deleted = false
		LEFT JOIN env_desired_releases_view d ON d.env_id = s.env_id AND d.process_type = s.process_type
		WHERE s.desired_replicas > 0`)
	if err != nil {
		return fmt.Errorf("query scale rows: %w", err)
	}
	var scaleRows []scaleRow
	for rows.Next() {
		var sr scaleRow
		if err := rows.Scan(&sr.OrgID, &sr.AppID, &sr.EnvID, &sr.ProcessType, &sr.DesiredReplicas, &sr.VCPU, &sr.MemoryMB, &sr.ReleaseID); err != nil {
			rows.Close()
			return fmt.Errorf("scan scale row: %w", err)
		}
		scaleRows = append(scaleRows, sr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate scale rows: %w", err)
	}

	for _, sr := range scaleRows {
		if sr.ReleaseID == nil {
			// No desired release for this process type yet; the env
			// produces zero instances for it (spec §3 invariant).
			continue
		}
		if err := r.reconcilePair(ctx, sr); err != nil {
			metrics.ReconcileErrorsTotal.WithLabelValues("reconcile_pair").Inc()
			logger.Error("reconcile pair failed",
				zap.String("env_id", sr.EnvID), zap.String("process_type", sr.ProcessType), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcilePair(ctx context.Context, sr scaleRow) error {
	existing, err := r.loadExisting(ctx, sr.EnvID, sr.ProcessType)
	if err != nil {
		return fmt.Errorf("load existing instances: %w", err)
	}

	rolling, deployID, err := r.rollingDeployInProgress(ctx, sr.EnvID, sr.ProcessType)
	if err != nil {
		return fmt.Errorf("check rolling deploy: %w", err)
	}

	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas:   sr.DesiredReplicas,
		ReleaseID:         *sr.ReleaseID,
		Existing:          existing,
		RollingInProgress: rolling,
	})

	for _, instanceID := range decision.ToDrain {
		if err := r.drainInstance(ctx, instanceID); err != nil {
			logger.Error("drain instance failed", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}

	if decision.ToAdd == 0 {
		return nil
	}

	if r.quota != nil {
		requestedInstances := int64(decision.ToAdd)
		requestedVCPU := int64(decision.ToAdd * sr.VCPU)
		requestedMemoryMB := int64(decision.ToAdd * sr.MemoryMB)
		if err := r.quota.CheckAdmission(ctx, sr.OrgID, requestedInstances, requestedVCPU, requestedMemoryMB); err != nil {
			return r.failDeployForQuota(ctx, deployID, err)
		}
	}

	candidates, err := r.loadNodeCandidates(ctx, sr.EnvID, sr.ProcessType)
	if err != nil {
		return fmt.Errorf("load node candidates: %w", err)
	}

	placementReq := PlacementRequest{VCPU: sr.VCPU, MemoryMB: sr.MemoryMB}
	for i := 0; i < decision.ToAdd; i++ {
		node, ok := PickNode(candidates, placementReq)
		if !ok {
			logger.Warn("no eligible node for placement",
				zap.String("env_id", sr.EnvID), zap.String("process_type", sr.ProcessType))
			break
		}
		if err := r.allocateInstance(ctx, sr, node.NodeID, deployID); err != nil {
			return fmt.Errorf("allocate instance: %w", err)
		}
		// Reflect the placement locally so the next iteration of this
		// loop doesn't repeatedly pick the same node past capacity.
		for idx := range candidates {
			if candidates[idx].NodeID == node.NodeID {
				candidates[idx].FreeVCPU -= sr.VCPU
				candidates[idx].FreeMemoryMB -= sr.MemoryMB
				candidates[idx].ExistingCount++
			}
		}
	}
	return nil
}

func (r *Reconciler) loadExisting(ctx context.Context, envID, processType string) ([]ExistingInstance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.instance_id, i.release_id, COALESCE(n.state, ''), COALESCE(st.status, '')
		FROM instances_desired_view i
		LEFT JOIN nodes_view n ON n.node_id = i.node_id
		LEFT JOIN instance_status_view st ON st.instance_id = i.instance_id
		WHERE i.env_id = $1 AND i.process_type = $2 AND i.desired_state != 'stopped'`,
		envID, processType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExistingInstance
	for rows.Next() {
		var e ExistingInstance
		var nodeState, status string
		if err := rows.Scan(&e.InstanceID, &e.ReleaseID, &nodeState, &status); err != nil {
			return nil, err
		}
		e.NodeActive = nodeState == "active"
		e.Ready = status == "ready"
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Reconciler) rollingDeployInProgress(ctx context.Context, envID, processType string) (bool, string, error) {
	var deployID, kind, status string
	err := r.pool.QueryRow(ctx, `
		SELECT deploy_id, kind, status FROM deploys_view
		WHERE env_id = $1 AND (process_type = $2 OR process_type IS NULL)
		ORDER BY updated_at DESC LIMIT 1`,
		envID, processType,
	).Scan(&deployID, &kind, &status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, "", nil
		}
		return false, "", err
	}
	inProgress := kind == "rolling" && (status == "queued" || status == "rolling")
	return inProgress, deployID, nil
}

func (r *Reconciler) failDeployForQuota(ctx context.Context, deployID string, quotaErr error) error {
	if deployID == "" {
		logger.Warn("quota exceeded with no deploy to attribute failure to", zap.Error(quotaErr))
		return nil
	}
	currentSeq, err := r.events.CurrentSeq(ctx, event.AggregateDeploy, deployID)
	if err != nil {
		return fmt.Errorf("read deploy sequence: %w", err)
	}
	reason := quotaErr.Error()
	_, err = r.events.Append(ctx, event.AggregateDeploy, deployID, currentSeq, event.TypeDeployStatusChanged,
		map[string]any{"status": "failed", "failed_reason": "quota_exceeded", "message": reason},
		event.Metadata{ActorType: event.ActorSystem, ActorID: "scheduler", RequestID: id.New(id.PrefixDeploy).String()},
		nil,
	)
	return err
}

type nodeRow struct {
	NodeID        string
	FreeVCPU      int
	FreeMemoryMB  int
	IPv4Available bool
	ExistingCount int
}

func (r *Reconciler) loadNodeCandidates(ctx context.Context, envID, processType string) ([]NodeCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT n.node_id,
		       n.vcpu_capacity - COALESCE(u.used_vcpu, 0),
		       n.memory_mb_capacity - COALESCE(u.used_mem, 0),
		       (n.ipv4 IS NOT NULL),
		       COALESCE(x.cnt, 0)
		FROM nodes_view n
		LEFT JOIN (
			SELECT node_id, SUM(vcpu) AS used_vcpu, SUM(memory_mb) AS used_mem
			FROM instances_desired_view WHERE desired_state != 'stopped' GROUP BY node_id
		) u ON u.node_id = n.node_id
		LEFT JOIN (
			SELECT node_id, COUNT(*) AS cnt FROM instances_desired_view
			WHERE desired_state != 'stopped' AND env_id = $1 AND process_type = $2
			GROUP BY node_id
		) x ON x.node_id = n.node_id
		WHERE n.state = 'active'`,
		envID, processType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeCandidate
	for rows.Next() {
		var nr nodeRow
		if err := rows.Scan(&nr.NodeID, &nr.FreeVCPU, &nr.FreeMemoryMB, &nr.IPv4Available, &nr.ExistingCount); err != nil {
			return nil, err
		}
		out = append(out, NodeCandidate{
			NodeID: nr.NodeID, FreeVCPU: nr.FreeVCPU, FreeMemoryMB: nr.FreeMemoryMB,
			IPv4Available: nr.IPv4Available, ExistingCount: nr.ExistingCount,
		})
	}
	return out, rows.Err()
}

func (r *Reconciler) allocateInstance(ctx context.Context, sr scaleRow, nodeID, deployID string) error {
	instanceID := id.New(id.PrefixInstance).String()
	overlayIPv6 := deriveOverlayIPv6(instanceID)

	var deployIDPtr *string
	if deployID != "" {
		deployIDPtr = &deployID
	}

	_, err := r.events.Append(ctx, event.AggregateInstance, instanceID, 0, event.TypeInstanceAllocated,
		map[string]any{
			"org_id": sr.OrgID, "app_id": sr.AppID, "env_id": sr.EnvID,
			"process_type": sr.ProcessType, "release_id": *sr.ReleaseID, "deploy_id": deployIDPtr, "node_id": nodeID,
			"vcpu": sr.VCPU, "memory_mb": sr.MemoryMB, "overlay_ipv6": overlayIPv6,
		},
		event.Metadata{
			OrgID: &sr.OrgID, AppID: &sr.AppID, EnvID: &sr.EnvID,
			ActorType: event.ActorSystem, ActorID: "scheduler", RequestID: instanceID,
		},
		nil,
	)
	if err == nil {
		metrics.InstancesAllocatedTotal.Inc()
		r.warmPlanAsync(nodeID)
	}
	return err
}

// warmPlanAsync fires a best-effort plan-cache warm for nodeID. It never
// blocks the reconciliation loop and is a no-op until WithPlanWarming is
// called.
func (r *Reconciler) warmPlanAsync(nodeID string) {
	if r.plans == nil || r.warmPool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.warmPool.Submit(ctx, func(taskCtx context.Context) {
		defer cancel()
		if _, err := r.plans.WarmCache(taskCtx, nodeID); err != nil {
			logger.Warn("plan cache warm failed", zap.String("node_id", nodeID), zap.Error(err))
		}
	}); err != nil {
		cancel()
		logger.Debug("plan cache warm not submitted", zap.String("node_id", nodeID), zap.Error(err))
	}
}

func (r *Reconciler) drainInstance(ctx context.Context, instanceID string) error {
	currentSeq, err := r.events.CurrentSeq(ctx, event.AggregateInstance, instanceID)
	if err != nil {
		return err
	}
	_, err = r.events.Append(ctx, event.AggregateInstance, instanceID, currentSeq, event.TypeInstanceDesiredStateChanged,
		map[string]any{"desired_state": "stopped"},
		event.Metadata{ActorType: event.ActorSystem, ActorID: "scheduler", RequestID: id.New(id.PrefixInstance).String()},
		nil,
	)
	if err == nil {
		metrics.InstancesDrainedTotal.Inc()
	}
	return err
}
