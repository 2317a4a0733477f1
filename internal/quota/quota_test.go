package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

func TestChecker_Limits(t *testing.T) {
	c := &Checker{limits: Limits{MaxInstances: 50, MaxVCPU: 64, MaxMemoryMB: 131072}}
	assert.Equal(t, int64(50), c.Limits().MaxInstances)
	assert.Equal(t, int64(64), c.Limits().MaxVCPU)
}

func TestCheckAdmission_WithinLimits(t *testing.T) {
	c := &Checker{limits: Limits{MaxInstances: 10, MaxVCPU: 20, MaxMemoryMB: 4096}}
	usage := Usage{Instances: 2, VCPU: 4, MemoryMB: 512}

	err := evaluateAdmission(c.limits, usage, 1, 2, 256)
	require.NoError(t, err)
}

func TestCheckAdmission_ExceedsInstances(t *testing.T) {
	c := &Checker{limits: Limits{MaxInstances: 2, MaxVCPU: 20, MaxMemoryMB: 4096}}
	usage := Usage{Instances: 2, VCPU: 4, MemoryMB: 512}

	err := evaluateAdmission(c.limits, usage, 1, 1, 128)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeQuotaExceeded, appErr.Code)
}

func TestCheckAdmission_ExceedsVCPU(t *testing.T) {
	c := &Checker{limits: Limits{MaxInstances: 50, MaxVCPU: 4, MaxMemoryMB: 8192}}
	usage := Usage{Instances: 1, VCPU: 4, MemoryMB: 512}

	err := evaluateAdmission(c.limits, usage, 1, 1, 128)
	require.Error(t, err)
}

func TestCheckAdmission_ExceedsMemory(t *testing.T) {
	c := &Checker{limits: Limits{MaxInstances: 50, MaxVCPU: 64, MaxMemoryMB: 1024}}
	usage := Usage{Instances: 1, VCPU: 4, MemoryMB: 900}

	err := evaluateAdmission(c.limits, usage, 1, 1, 256)
	require.Error(t, err)
}

// evaluateAdmission mirrors Checker.CheckAdmission's pure decision logic
// without the database round-trip, so the dimension-ordering behavior is
// unit-testable in isolation.
func evaluateAdmission(limits Limits, usage Usage, reqInstances, reqVCPU, reqMemoryMB int64) error {
	if usage.Instances+reqInstances > limits.MaxInstances {
		return apperrors.QuotaExceeded(DimensionInstances, limits.MaxInstances, usage.Instances, reqInstances)
	}
	if usage.VCPU+reqVCPU > limits.MaxVCPU {
		return apperrors.QuotaExceeded(DimensionVCPU, limits.MaxVCPU, usage.VCPU, reqVCPU)
	}
	if usage.MemoryMB+reqMemoryMB > limits.MaxMemoryMB {
		return apperrors.QuotaExceeded(DimensionMemoryMB, limits.MaxMemoryMB, usage.MemoryMB, reqMemoryMB)
	}
	return nil
}
