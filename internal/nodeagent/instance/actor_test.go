package instance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostplane.io/platform/internal/nodeplan"
	"ghostplane.io/platform/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type fakeRuntime struct {
	startErr   error
	healthy    bool
	healthErr  error
	startCalls int
	stopCalls  int
}

func (f *fakeRuntime) StartVM(ctx context.Context, plan nodeplan.InstancePlan, rootdiskPath string) (VMHandle, error) {
	f.startCalls++
	if f.startErr != nil {
		return VMHandle{}, f.startErr
	}
	return VMHandle{BootID: "boot_1", InstanceID: plan.InstanceID}, nil
}

func (f *fakeRuntime) StopVM(ctx context.Context, handle VMHandle) error {
	f.stopCalls++
	return nil
}

func (f *fakeRuntime) CheckVMHealth(ctx context.Context, handle VMHandle) (bool, error) {
	return f.healthy, f.healthErr
}

type recordingReporter struct {
	mu        sync.Mutex
	phases    []Phase
}

func (r *recordingReporter) ReportStatus(ctx context.Context, instanceID string, status Phase, bootID, reasonCode *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, status)
}

func TestActor_Boot_TransitionsToReady(t *testing.T) {
	runtime := &fakeRuntime{healthy: true}
	reporter := &recordingReporter{}
	a := NewActor("inst_1", runtime, reporter)().(*Actor)

	err := a.Receive(context.Background(), Boot{Plan: nodeplan.InstancePlan{InstanceID: "inst_1"}, RootdiskPath: "/tmp/root.ext4"})
	require.NoError(t, err)

	assert.Equal(t, PhaseReady, a.phase)
	assert.Equal(t, 1, runtime.startCalls)
	assert.Equal(t, []Phase{PhasePreparing, PhaseBooting, PhaseReady}, reporter.phases)
}

func TestActor_Boot_TransitionsToFailedOnStartError(t *testing.T) {
	runtime := &fakeRuntime{startErr: errors.New("boom")}
	reporter := &recordingReporter{}
	a := NewActor("inst_1", runtime, reporter)().(*Actor)

	err := a.Receive(context.Background(), Boot{Plan: nodeplan.InstancePlan{InstanceID: "inst_1"}})
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, a.phase)
}

func TestActor_Drain_OnlyActsWhenReady(t *testing.T) {
	runtime := &fakeRuntime{healthy: true}
	reporter := &recordingReporter{}
	a := NewActor("inst_1", runtime, reporter)().(*Actor)

	// draining before ready is a no-op
	require.NoError(t, a.Receive(context.Background(), Drain{}))
	assert.Equal(t, PhaseAllocated, a.phase)

	require.NoError(t, a.Receive(context.Background(), Boot{Plan: nodeplan.InstancePlan{InstanceID: "inst_1"}}))
	require.NoError(t, a.Receive(context.Background(), Drain{}))
	assert.Equal(t, PhaseStopped, a.phase)
	assert.Equal(t, 1, runtime.stopCalls)
}

func TestActor_CheckHealth_TransitionsToFailedWhenUnhealthy(t *testing.T) {
	runtime := &fakeRuntime{healthy: false}
	reporter := &recordingReporter{}
	a := NewActor("inst_1", runtime, reporter)().(*Actor)

	require.NoError(t, a.Receive(context.Background(), Boot{Plan: nodeplan.InstancePlan{InstanceID: "inst_1"}}))
	err := a.Receive(context.Background(), CheckHealth{})
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, a.phase)
}

func TestActor_CheckHealth_NoOpWhenNotReady(t *testing.T) {
	runtime := &fakeRuntime{}
	a := NewActor("inst_1", runtime, nil)().(*Actor)
	require.NoError(t, a.Receive(context.Background(), CheckHealth{}))
	assert.Equal(t, PhaseAllocated, a.phase)
}
