// Package reporter sends node heartbeats and dedup-by-change instance
// status reports to the control plane (spec §4.11). Heartbeats run on a
// cron cadence whose first tick is delayed by a random jitter, so many
// node agents restarting together don't all poll in lockstep. Status
// reports are sent when an instance actor calls ReportStatus and skipped
// when the status is unchanged; the last reported status is kept in
// Redis when one is configured (surviving restarts) and in process
// memory otherwise.
package reporter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/nodeagent/client"
	"ghostplane.io/platform/internal/nodeagent/instance"
	"ghostplane.io/platform/internal/pkg/logger"
)

// Config tunes the heartbeat schedule.
type Config struct {
	Interval     time.Duration
	JitterFactor float64 // fraction of Interval to randomly add, [0,1)
}

// InstanceCounter reports how many instances this node currently runs,
// for the heartbeat payload.
type InstanceCounter interface {
	InstanceCount() int
}

// Reporter drives the node's heartbeat cron job and implements
// instance.StatusReporter for dedup-by-change status pushes.
type Reporter struct {
	cfg    Config
	client *client.Client
	redis  *redis.Client
	nodeID string
	cron   *cron.Cron

	mu           sync.Mutex
	lastReported map[string]string // instance_id -> status, in-process fallback if redis is unavailable
}

// New constructs a Reporter. redisClient may be nil, in which case dedup
// falls back to an in-memory map that doesn't survive a restart.
func New(cfg Config, c *client.Client, redisClient *redis.Client, nodeID string) *Reporter {
	return &Reporter{
		cfg: cfg, client: c, redis: redisClient, nodeID: nodeID,
		cron:         cron.New(),
		lastReported: make(map[string]string),
	}
}

// Start schedules the jittered heartbeat job and blocks until ctx is
// cancelled.
func (r *Reporter) Start(ctx context.Context, counter InstanceCounter) error {
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.cfg.Interval), func() {
		r.heartbeatOnce(ctx, counter)
	})
	if err != nil {
		return fmt.Errorf("schedule heartbeat job: %w", err)
	}

	time.Sleep(r.jitter())
	r.cron.Start()
	defer r.cron.Stop()

	<-ctx.Done()
	return nil
}

// jitter returns a random delay up to JitterFactor*Interval, spreading
// many node agents' first heartbeat instead of having them all fire on
// the same tick after a coordinated restart.
func (r *Reporter) jitter() time.Duration {
	if r.cfg.JitterFactor <= 0 {
		return 0
	}
	max := float64(r.cfg.Interval) * r.cfg.JitterFactor
	return time.Duration(rand.Float64() * max)
}

func (r *Reporter) heartbeatOnce(ctx context.Context, counter InstanceCounter) {
	err := r.client.Heartbeat(ctx, client.HeartbeatRequest{InstanceCount: counter.InstanceCount()})
	if err != nil {
		logger.Warn("heartbeat failed", zap.String("node_id", r.nodeID), zap.Error(err))
		return
	}
	logger.Debug("heartbeat sent", zap.String("node_id", r.nodeID))
}

// ReportStatus implements instance.StatusReporter. It only calls through
// to the control plane when the instance's status differs from the last
// one reported, so a healthy instance sitting in PhaseReady doesn't
// generate traffic on every health-check tick.
func (r *Reporter) ReportStatus(ctx context.Context, instanceID string, status instance.Phase, bootID, reasonCode *string) {
	changed, err := r.changedSinceLastReport(ctx, instanceID, string(status))
	if err != nil {
		logger.Warn("status dedup check failed, reporting anyway", zap.String("instance_id", instanceID), zap.Error(err))
		changed = true
	}
	if !changed {
		return
	}

	if err := r.client.ReportInstanceStatus(ctx, client.StatusReport{
		InstanceID: instanceID, Status: string(status), BootID: bootID, ReasonCode: reasonCode,
	}); err != nil {
		logger.Warn("status report failed", zap.String("instance_id", instanceID), zap.Error(err))
	}
}

func (r *Reporter) changedSinceLastReport(ctx context.Context, instanceID, status string) (bool, error) {
	key := "ghostplane:reporter:status:" + instanceID

	if r.redis != nil {
		prev, err := r.redis.GetSet(ctx, key, status).Result()
		if err != nil && err != redis.Nil {
			return true, fmt.Errorf("redis getset: %w", err)
		}
		return prev != status, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.lastReported[instanceID]
	r.lastReported[instanceID] = status
	return !ok || prev != status, nil
}
