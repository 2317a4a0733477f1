package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailThreshold is how many consecutive failures open the breaker.
	FailThreshold int
	// Cooldown is how long a backend stays open before being retried.
	Cooldown time.Duration
}

// Breaker is a fixed-cooldown circuit breaker (no half-open probing: an
// open backend is simply unreachable until Cooldown elapses, then
// eligible again on the next Select call — spec §4.11 "a failing
// backend is marked unhealthy for a cooldown"). State is shared across
// ingress replicas via Redis when configured, so a failure recorded by
// one replica is honored by all of them; it falls back to an in-process
// map when no Redis address is configured.
type Breaker struct {
	cfg   BreakerConfig
	redis *redis.Client

	mu    sync.Mutex
	state map[string]*breakerState // instance_id -> state, in-process fallback
}

type breakerState struct {
	consecutiveFails int
	openUntil        time.Time
}

// NewBreaker constructs a Breaker. redisClient may be nil.
func NewBreaker(cfg BreakerConfig, redisClient *redis.Client) *Breaker {
	return &Breaker{cfg: cfg, redis: redisClient, state: make(map[string]*breakerState)}
}

// Allow reports whether instanceID is currently eligible for traffic. A
// backend with no recorded state (never failed, or newly registered
// after a prior failure cleared) is always allowed.
func (b *Breaker) Allow(ctx context.Context, instanceID string) bool {
	if b.redis != nil {
		return b.allowRedis(ctx, instanceID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[instanceID]
	if !ok {
		return true
	}
	return time.Now().After(st.openUntil)
}

// RecordFailure counts a connection failure against instanceID, opening
// the breaker once FailThreshold consecutive failures accumulate.
func (b *Breaker) RecordFailure(ctx context.Context, instanceID string) {
	if b.redis != nil {
		b.recordFailureRedis(ctx, instanceID)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[instanceID]
	if !ok {
		st = &breakerState{}
		b.state[instanceID] = st
	}
	st.consecutiveFails++
	if st.consecutiveFails >= b.cfg.FailThreshold {
		st.openUntil = time.Now().Add(b.cfg.Cooldown)
	}
}

// RecordSuccess clears any recorded failure streak for instanceID.
func (b *Breaker) RecordSuccess(ctx context.Context, instanceID string) {
	if b.redis != nil {
		b.redis.Del(ctx, breakerRedisKey(instanceID))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, instanceID)
}

func breakerRedisKey(instanceID string) string {
	return "ghostplane:ingress:breaker:" + instanceID
}

// allowRedis treats any open_until timestamp still in the future as
// closed for traffic; a missing key, a read error or a parse failure
// allows traffic, since a degraded Redis should never itself take the
// edge down.
func (b *Breaker) allowRedis(ctx context.Context, instanceID string) bool {
	openUntilUnix, err := b.redis.Get(ctx, breakerRedisKey(instanceID)).Int64()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("breaker redis read failed, allowing traffic", zap.String("instance_id", instanceID), zap.Error(err))
		}
		return true
	}
	return time.Now().After(time.Unix(openUntilUnix, 0))
}

func (b *Breaker) recordFailureRedis(ctx context.Context, instanceID string) {
	key := breakerRedisKey(instanceID)
	failKey := key + ":fails"

	fails, err := b.redis.Incr(ctx, failKey).Result()
	if err != nil {
		logger.Warn("breaker redis incr failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	b.redis.Expire(ctx, failKey, b.cfg.Cooldown*2)

	if int(fails) < b.cfg.FailThreshold {
		return
	}

	openUntil := time.Now().Add(b.cfg.Cooldown)
	if err := b.redis.Set(ctx, key, openUntil.Unix(), b.cfg.Cooldown).Err(); err != nil {
		logger.Warn("breaker redis set failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	b.redis.Del(ctx, failKey)
}

// String renders the breaker's tuning for log lines.
func (c BreakerConfig) String() string {
	return fmt.Sprintf("fail_threshold=%d cooldown=%s", c.FailThreshold, c.Cooldown)
}
