package instance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/nodeagent/actor"
	"ghostplane.io/platform/internal/nodeplan"
	"ghostplane.io/platform/internal/pkg/logger"
)

// Phase is a position in the instance lifecycle state machine (spec
// §4.8).
type Phase string

const (
	PhaseAllocated Phase = "allocated"
	PhasePreparing Phase = "preparing"
	PhaseBooting   Phase = "booting"
	PhaseReady     Phase = "ready"
	PhaseDraining  Phase = "draining"
	PhaseStopped   Phase = "stopped"
	PhaseFailed    Phase = "failed"
)

// DrainTimeout bounds the context passed to Runtime.StopVM when an
// instance drains; no separate force-stop follows if it expires.
const DrainTimeout = 30 * time.Second

// HealthCheckInterval is how often a ready instance's health is probed.
const HealthCheckInterval = 10 * time.Second

// Boot is a request to (re)apply a plan to this instance, transitioning
// it from allocated/failed toward ready.
type Boot struct {
	Plan         nodeplan.InstancePlan
	RootdiskPath string
}

// Drain requests a graceful stop.
type Drain struct{}

// CheckHealth probes the running VM and reports failure if it's gone.
type CheckHealth struct{}

// StatusReporter is how the actor publishes status changes; the reporter
// package implements this against the control plane's status endpoint
// (spec §4.11, dedup-by-change).
type StatusReporter interface {
	ReportStatus(ctx context.Context, instanceID string, status Phase, bootID *string, reasonCode *string)
}

// Actor owns one microVM's entire lifecycle. It processes messages
// sequentially, so its phase transitions never race with themselves.
type Actor struct {
	instanceID string
	runtime    Runtime
	reporter   StatusReporter

	phase  Phase
	handle *VMHandle
}

// NewActor builds an Actor factory for instanceID, suitable for
// actor.Spawn. Each restart begins at PhaseAllocated, same as a freshly
// scheduled instance — the supervisor sends Boot to an existing actor
// only when it applies a newer plan version; a restart alone does not
// trigger one.
func NewActor(instanceID string, runtime Runtime, reporter StatusReporter) actor.Factory {
	return func() actor.Actor {
		return &Actor{instanceID: instanceID, runtime: runtime, reporter: reporter, phase: PhaseAllocated}
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case Boot:
		return a.boot(ctx, m)
	case Drain:
		return a.drain(ctx)
	case CheckHealth:
		return a.checkHealth(ctx)
	default:
		return fmt.Errorf("instance actor %s: unrecognized message %T", a.instanceID, msg)
	}
}

func (a *Actor) boot(ctx context.Context, m Boot) error {
	if a.phase != PhaseAllocated && a.phase != PhaseFailed {
		logger.Debug("boot requested for instance already past allocated", zap.String("instance_id", a.instanceID), zap.String("phase", string(a.phase)))
		return nil
	}

	a.setPhase(ctx, PhasePreparing, nil, nil)

	a.setPhase(ctx, PhaseBooting, nil, nil)
	handle, err := a.runtime.StartVM(ctx, m.Plan, m.RootdiskPath)
	if err != nil {
		reason := err.Error()
		a.setPhase(ctx, PhaseFailed, nil, &reason)
		return fmt.Errorf("start vm for %s: %w", a.instanceID, err)
	}

	a.handle = &handle
	a.setPhase(ctx, PhaseReady, &handle.BootID, nil)
	return nil
}

func (a *Actor) drain(ctx context.Context) error {
	if a.phase != PhaseReady {
		return nil
	}
	a.setPhase(ctx, PhaseDraining, nil, nil)

	if a.handle == nil {
		a.setPhase(ctx, PhaseStopped, nil, nil)
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, DrainTimeout)
	defer cancel()

	err := a.runtime.StopVM(drainCtx, *a.handle)
	a.setPhase(ctx, PhaseStopped, nil, nil)
	if err != nil {
		return fmt.Errorf("stop vm for %s: %w", a.instanceID, err)
	}
	return nil
}

func (a *Actor) checkHealth(ctx context.Context) error {
	if a.phase != PhaseReady || a.handle == nil {
		return nil
	}

	healthy, err := a.runtime.CheckVMHealth(ctx, *a.handle)
	if err != nil || !healthy {
		reason := "health check failed"
		if err != nil {
			reason = err.Error()
		}
		a.setPhase(ctx, PhaseFailed, nil, &reason)
		return fmt.Errorf("instance %s unhealthy: %s", a.instanceID, reason)
	}
	return nil
}

func (a *Actor) setPhase(ctx context.Context, phase Phase, bootID, reasonCode *string) {
	a.phase = phase
	logger.Info("instance phase transition", zap.String("instance_id", a.instanceID), zap.String("phase", string(phase)))
	if a.reporter != nil {
		a.reporter.ReportStatus(ctx, a.instanceID, phase, bootID, reasonCode)
	}
}
