// Package supervisor is the node agent's root actor (spec §4.8): it
// fetches the plan, diffs it against running instances, and drives
// ImagePullActor and per-instance InstanceActors to converge.
//
// Supervision tree:
//
//	NodeSupervisor
//	├── ImagePullActor
//	└── InstanceActor(instance_id) — one per instance currently on this node
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/nodeagent/actor"
	"ghostplane.io/platform/internal/nodeagent/client"
	"ghostplane.io/platform/internal/nodeagent/imagepull"
	"ghostplane.io/platform/internal/nodeagent/instance"
	"ghostplane.io/platform/internal/nodeplan"
	"ghostplane.io/platform/internal/pkg/logger"
)

// Config tunes the reconciliation loop.
type Config struct {
	ReconcileInterval   time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig polls for a new plan every 5s and health-checks running
// instances every 10s, matching the node agent's original cadence.
func DefaultConfig() Config {
	return Config{ReconcileInterval: 5 * time.Second, HealthCheckInterval: instance.HealthCheckInterval}
}

// NodeSupervisor is the root of the node agent's actor tree.
type NodeSupervisor struct {
	cfg      Config
	client   *client.Client
	runtime  instance.Runtime
	reporter instance.StatusReporter
	puller   *imagepull.Puller

	imagePull *actor.Handle

	mu              sync.Mutex
	instances       map[string]*actor.Handle
	instanceDigest  map[string]string // instance_id -> resolved digest, needed to Release on removal
	lastPlanVersion int64
}

// New constructs a NodeSupervisor. Call Run to start reconciling.
func New(cfg Config, c *client.Client, runtime instance.Runtime, reporter instance.StatusReporter, puller *imagepull.Puller) *NodeSupervisor {
	return &NodeSupervisor{
		cfg: cfg, client: c, runtime: runtime, reporter: reporter, puller: puller,
		instances:      make(map[string]*actor.Handle),
		instanceDigest: make(map[string]string),
	}
}

// Run fetches the plan on ReconcileInterval and health-checks running
// instances on HealthCheckInterval, until ctx is cancelled.
func (s *NodeSupervisor) Run(ctx context.Context) error {
	s.imagePull = actor.Spawn(ctx, "image-pull", imagepull.NewActor(s.puller), actor.DefaultRestartPolicy(), 32)

	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	healthTicker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconcileTicker.C:
			if err := s.reconcileOnce(ctx); err != nil {
				logger.Error("node agent reconcile failed", zap.Error(err))
			}
		case <-healthTicker.C:
			s.checkHealth(ctx)
		}
	}
}

func (s *NodeSupervisor) reconcileOnce(ctx context.Context) error {
	plan, err := s.client.FetchPlan(ctx)
	if err != nil {
		return fmt.Errorf("fetch plan: %w", err)
	}

	s.mu.Lock()
	if plan.PlanVersion <= s.lastPlanVersion {
		s.mu.Unlock()
		return nil
	}
	s.lastPlanVersion = plan.PlanVersion
	s.mu.Unlock()

	return s.applyPlan(ctx, plan.Instances)
}

// applyPlan diffs the desired instance set against the currently running
// actors: new instances get an image pull then a spawned InstanceActor,
// removed instances are drained and their actors stopped.
func (s *NodeSupervisor) applyPlan(ctx context.Context, desired []nodeplan.InstancePlan) error {
	desiredIDs := make(map[string]struct{}, len(desired))

	for _, plan := range desired {
		desiredIDs[plan.InstanceID] = struct{}{}

		s.mu.Lock()
		handle, exists := s.instances[plan.InstanceID]
		s.mu.Unlock()

		if exists {
			if err := handle.Send(ctx, instance.Boot{Plan: plan}); err != nil {
				logger.Warn("failed to re-send boot to existing instance actor", zap.String("instance_id", plan.InstanceID), zap.Error(err))
			}
			continue
		}

		if err := s.spawnInstance(ctx, plan); err != nil {
			logger.Error("failed to spawn instance", zap.String("instance_id", plan.InstanceID), zap.Error(err))
		}
	}

	s.mu.Lock()
	var toRemove []string
	for id := range s.instances {
		if _, ok := desiredIDs[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toRemove {
		s.removeInstance(ctx, id)
	}
	return nil
}

func (s *NodeSupervisor) spawnInstance(ctx context.Context, plan nodeplan.InstancePlan) error {
	reply := make(chan imagepull.EnsurePulledResult, 1)
	if err := s.imagePull.Send(ctx, imagepull.EnsurePulled{
		Repo: plan.Image.Ref, Digest: plan.Image.ResolvedDigest, Reply: reply,
	}); err != nil {
		return fmt.Errorf("request image pull: %w", err)
	}

	var result imagepull.EnsurePulledResult
	select {
	case result = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	if result.Err != nil {
		return fmt.Errorf("pull image %s: %w", plan.Image.ResolvedDigest, result.Err)
	}

	handle := actor.Spawn(ctx, "instance-"+plan.InstanceID, instance.NewActor(plan.InstanceID, s.runtime, s.reporter), actor.DefaultRestartPolicy(), 8)
	if err := handle.Send(ctx, instance.Boot{Plan: plan, RootdiskPath: result.RootdiskPath}); err != nil {
		return fmt.Errorf("send boot to %s: %w", plan.InstanceID, err)
	}

	s.mu.Lock()
	s.instances[plan.InstanceID] = handle
	s.instanceDigest[plan.InstanceID] = plan.Image.ResolvedDigest
	s.mu.Unlock()
	return nil
}

func (s *NodeSupervisor) removeInstance(ctx context.Context, instanceID string) {
	s.mu.Lock()
	handle, ok := s.instances[instanceID]
	digest := s.instanceDigest[instanceID]
	delete(s.instances, instanceID)
	delete(s.instanceDigest, instanceID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := handle.Send(ctx, instance.Drain{}); err != nil {
		logger.Warn("failed to send drain to removed instance", zap.String("instance_id", instanceID), zap.Error(err))
	}
	if digest != "" {
		s.imagePull.TrySend(imagepull.Release{Digest: digest})
	}
}

func (s *NodeSupervisor) checkHealth(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*actor.Handle, 0, len(s.instances))
	for _, h := range s.instances {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.TrySend(instance.CheckHealth{})
	}
}

// InstanceCount implements reporter.InstanceCounter.
func (s *NodeSupervisor) InstanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}
