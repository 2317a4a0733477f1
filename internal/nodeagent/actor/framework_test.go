package actor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostplane.io/platform/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type recordingActor struct {
	received chan Message
}

func (a *recordingActor) Receive(ctx context.Context, msg Message) error {
	a.received <- msg
	return nil
}

func TestSpawn_DeliversMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 4)
	h := Spawn(ctx, "test", func() Actor { return &recordingActor{received: received} }, DefaultRestartPolicy(), 4)

	require.NoError(t, h.Send(ctx, "hello"))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

type panicOnceActor struct {
	panicked *atomic.Bool
	after    chan struct{}
}

func (a *panicOnceActor) Receive(ctx context.Context, msg Message) error {
	if !a.panicked.Swap(true) {
		panic("boom")
	}
	close(a.after)
	return nil
}

func TestSpawn_RestartsAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var panicked atomic.Bool
	after := make(chan struct{})
	policy := RestartPolicy{MaxRestarts: 3, Window: time.Minute, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	h := Spawn(ctx, "crasher", func() Actor { return &panicOnceActor{panicked: &panicked, after: after} }, policy, 4)

	require.NoError(t, h.Send(ctx, "first"))
	// first message panics; the actor restarts and a second generation
	// begins, so sending again lets it observe the recovery.
	require.Eventually(t, func() bool {
		return h.TrySend("second")
	}, time.Second, time.Millisecond)

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("actor did not recover after restart")
	}
}

func TestSpawn_GivesUpAfterBudgetExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := RestartPolicy{MaxRestarts: 1, Window: time.Minute, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	h := Spawn(ctx, "doomed", func() Actor { return panicAlwaysActor{} }, policy, 4)

	require.NoError(t, h.Send(ctx, "msg1"))
	require.NoError(t, h.Send(ctx, "msg2"))
	require.NoError(t, h.Send(ctx, "msg3"))

	select {
	case <-h.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("actor should have given up and stopped")
	}
}

type panicAlwaysActor struct{}

func (panicAlwaysActor) Receive(ctx context.Context, msg Message) error {
	panic("always boom")
}

func TestHandle_TrySend_NonBlockingWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	blocker := func() Actor {
		return blockingActor{block: block}
	}
	h := Spawn(ctx, "blocker", blocker, DefaultRestartPolicy(), 1)

	require.True(t, h.TrySend("occupies the one worker"))
	time.Sleep(10 * time.Millisecond) // let it land in Receive and block

	// mailbox has capacity 1 and the only slot was drained into Receive;
	// fill it, then a second TrySend must not block.
	h.TrySend("fills mailbox")
	ok := h.TrySend("overflow")
	assert.False(t, ok)

	close(block)
}

type blockingActor struct {
	block chan struct{}
}

func (a blockingActor) Receive(ctx context.Context, msg Message) error {
	<-a.block
	return nil
}
