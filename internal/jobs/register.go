// Package jobs holds the control plane's River-based maintenance
// workers: periodic sweeps that don't belong in the read path of any
// command or projection handler.
package jobs

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"ghostplane.io/platform/internal/eventstore"
	"ghostplane.io/platform/internal/idempotency"
)

// Deps bundles what the maintenance workers need.
type Deps struct {
	Pool        *pgxpool.Pool
	Events      *eventstore.Store
	Idempotency *idempotency.Store
}

// Register adds every maintenance worker to workers. Call before
// infra.InitRiverClient, since river.NewClient takes the assembled
// river.Workers by value.
func Register(workers *river.Workers, deps Deps) {
	river.AddWorker(workers, NewIdempotencyCleanupWorker(deps.Idempotency, DefaultIdempotencyRetention))
	river.AddWorker(workers, NewExecSessionExpiryWorker(deps.Pool, deps.Events))
	river.AddWorker(workers, NewCheckpointResetWorker(deps.Pool))
}

// SchedulePeriodic registers the recurring jobs against an already-built
// River client. Call after infra.InitRiverClient.
func SchedulePeriodic(client *river.Client[pgx.Tx]) {
	client.PeriodicJobs().Add(
		river.NewPeriodicJob(
			river.PeriodicInterval(time.Hour),
			func() (river.JobArgs, *river.InsertOpts) { return IdempotencyCleanupArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	)
	client.PeriodicJobs().Add(
		river.NewPeriodicJob(
			river.PeriodicInterval(time.Minute),
			func() (river.JobArgs, *river.InsertOpts) { return ExecSessionExpiryArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	)
}
