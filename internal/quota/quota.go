// Package quota implements the per-org admission checks referenced by
// the command API (C5) and the scheduler's pre-allocation re-check (C6).
package quota

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ghostplane.io/platform/internal/config"
	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

// Dimension names used in quota checks and error details.
const (
	DimensionInstances = "instances"
	DimensionVCPU      = "vcpu"
	DimensionMemoryMB  = "memory_mb"
)

// Limits is the resolved set of quota ceilings for one org. All orgs
// currently share the configured defaults; per-org overrides are an
// Open Question left for a future billing-tier integration.
type Limits struct {
	MaxInstances int64
	MaxVCPU      int64
	MaxMemoryMB  int64
}

// Usage is the org's current consumption, read from instances_desired_view.
type Usage struct {
	Instances int64
	VCPU      int64
	MemoryMB  int64
}

// Checker evaluates admission requests against usage derived from the
// read models.
type Checker struct {
	pool   *pgxpool.Pool
	limits Limits
}

// New builds a Checker from the control plane's configured defaults.
func New(pool *pgxpool.Pool, cfg config.QuotaConfig) *Checker {
	return &Checker{
		pool: pool,
		limits: Limits{
			MaxInstances: int64(cfg.DefaultMaxInstances),
			MaxVCPU:      int64(cfg.DefaultMaxVCPU),
			MaxMemoryMB:  int64(cfg.DefaultMaxMemoryMB),
		},
	}
}

// CurrentUsage queries instances_desired_view for an org's current
// instance count, vCPU and memory consumption.
func (c *Checker) CurrentUsage(ctx context.Context, orgID string) (Usage, error) {
	var u Usage
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(vcpu), 0), COALESCE(SUM(memory_mb), 0)
		 FROM instances_desired_view WHERE org_id = $1 AND desired_state != 'stopped'`,
		orgID,
	).Scan(&u.Instances, &u.VCPU, &u.MemoryMB)
	if err != nil {
		return Usage{}, fmt.Errorf("quota: query current usage: %w", err)
	}
	return u, nil
}

// CheckAdmission verifies that adding requestedInstances/vcpu/memoryMB
// would not push the org over any configured limit. It returns a
// QuotaExceeded AppError naming the first dimension that would be
// exceeded (spec §4.6 "quotas and admission").
func (c *Checker) CheckAdmission(ctx context.Context, orgID string, requestedInstances, requestedVCPU, requestedMemoryMB int64) error {
	usage, err := c.CurrentUsage(ctx, orgID)
	if err != nil {
		return err
	}

	if usage.Instances+requestedInstances > c.limits.MaxInstances {
		return apperrors.QuotaExceeded(DimensionInstances, c.limits.MaxInstances, usage.Instances, requestedInstances)
	}
	if usage.VCPU+requestedVCPU > c.limits.MaxVCPU {
		return apperrors.QuotaExceeded(DimensionVCPU, c.limits.MaxVCPU, usage.VCPU, requestedVCPU)
	}
	if usage.MemoryMB+requestedMemoryMB > c.limits.MaxMemoryMB {
		return apperrors.QuotaExceeded(DimensionMemoryMB, c.limits.MaxMemoryMB, usage.MemoryMB, requestedMemoryMB)
	}
	return nil
}

// Limits returns the checker's configured ceilings.
func (c *Checker) Limits() Limits {
	return c.limits
}
