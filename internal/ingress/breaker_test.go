package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_AllowsUntilFailThresholdReached(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailThreshold: 2, Cooldown: time.Hour}, nil)
	ctx := context.Background()

	assert.True(t, b.Allow(ctx, "inst-a"))

	b.RecordFailure(ctx, "inst-a")
	assert.True(t, b.Allow(ctx, "inst-a"), "single failure below threshold should still allow")

	b.RecordFailure(ctx, "inst-a")
	assert.False(t, b.Allow(ctx, "inst-a"), "second failure reaches threshold and opens the breaker")
}

func TestBreaker_RetriedAfterCooldownElapses(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	b.RecordFailure(ctx, "inst-a")
	assert.False(t, b.Allow(ctx, "inst-a"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow(ctx, "inst-a"), "cooldown elapsed, backend eligible again")
}

func TestBreaker_RecordSuccessClearsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailThreshold: 2, Cooldown: time.Hour}, nil)
	ctx := context.Background()

	b.RecordFailure(ctx, "inst-a")
	b.RecordSuccess(ctx, "inst-a")
	b.RecordFailure(ctx, "inst-a")
	assert.True(t, b.Allow(ctx, "inst-a"), "success reset the streak, one more failure is still below threshold")
}

func TestBreaker_NewBackendNeverFailedIsAllowedImmediately(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailThreshold: 1, Cooldown: time.Hour}, nil)
	ctx := context.Background()

	b.RecordFailure(ctx, "inst-old")
	assert.False(t, b.Allow(ctx, "inst-old"))
	assert.True(t, b.Allow(ctx, "inst-new"), "a backend with no recorded failures is eligible immediately")
}
