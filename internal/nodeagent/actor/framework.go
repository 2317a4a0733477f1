// Package actor is the node agent's actor framework: one goroutine per
// resource, processing its mailbox sequentially, crash-isolated from its
// siblings and restarted with backoff by its supervisor.
package actor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// Message is anything an actor's mailbox can carry.
type Message any

// Actor owns the mutable state and side effects for a single resource.
// Receive is called sequentially for every message in the mailbox; an
// actor never needs its own locking.
type Actor interface {
	Receive(ctx context.Context, msg Message) error
}

// RestartPolicy bounds how a supervisor restarts a crashed actor.
type RestartPolicy struct {
	MaxRestarts int           // restarts allowed within Window before giving up
	Window      time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRestartPolicy restarts up to 5 times per minute, backing off
// exponentially from 100ms to 10s between attempts.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts: 5,
		Window:      time.Minute,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

// Handle is a reference to a running actor's mailbox.
type Handle struct {
	name    string
	mailbox chan Message
	done    chan struct{}
}

// Name returns the actor's name, used for logging and supervision-tree
// lookups.
func (h *Handle) Name() string { return h.name }

// Send enqueues msg, blocking until the mailbox has room or ctx is done.
func (h *Handle) Send(ctx context.Context, msg Message) error {
	select {
	case h.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return fmt.Errorf("actor %s is stopped", h.name)
	}
}

// TrySend enqueues msg without blocking, dropping it if the mailbox is
// full. Used for coalescing messages (spec §4.8) where the latest state
// matters more than processing every intermediate one.
func (h *Handle) TrySend(msg Message) bool {
	select {
	case h.mailbox <- msg:
		return true
	default:
		return false
	}
}

// Stopped reports whether the actor has exited for good (restarts
// exhausted or ctx cancelled).
func (h *Handle) Stopped() <-chan struct{} { return h.done }

// Factory builds a fresh Actor instance, invoked once per (re)start so a
// crashed actor begins from clean internal state.
type Factory func() Actor

// Spawn starts an actor under supervision. The returned Handle's done
// channel is closed when ctx is cancelled or the restart budget in
// policy is exhausted; the mailbox channel itself is never closed.
func Spawn(ctx context.Context, name string, factory Factory, policy RestartPolicy, mailboxSize int) *Handle {
	h := &Handle{
		name:    name,
		mailbox: make(chan Message, mailboxSize),
		done:    make(chan struct{}),
	}
	go supervise(ctx, h, factory, policy)
	return h
}

func supervise(ctx context.Context, h *Handle, factory Factory, policy RestartPolicy) {
	defer close(h.done)

	var restarts int
	windowStart := time.Now()

	for {
		crashed := runOneGeneration(ctx, h, factory())
		if ctx.Err() != nil {
			return
		}
		if !crashed {
			// Actor returned cleanly (mailbox drained deliberately).
			return
		}

		if time.Since(windowStart) > policy.Window {
			windowStart = time.Now()
			restarts = 0
		}
		restarts++
		if restarts > policy.MaxRestarts {
			logger.Error("actor exceeded restart budget, giving up",
				zap.String("actor", h.name), zap.Int("restarts", restarts))
			return
		}

		backoff := policy.BaseBackoff * time.Duration(1<<uint(restarts-1))
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
		logger.Warn("restarting crashed actor",
			zap.String("actor", h.name), zap.Int("attempt", restarts), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// runOneGeneration runs one instance of the actor until it panics, its
// mailbox channel is never closed externally (only ctx cancellation ends
// a generation cleanly), or ctx is cancelled. Returns true if the
// generation ended in a panic (the caller should restart).
func runOneGeneration(ctx context.Context, h *Handle, a Actor) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("actor panicked",
				zap.String("actor", h.name), zap.Any("panic", r))
			crashed = true
		}
	}()

	for {
		select {
		case msg := <-h.mailbox:
			if err := a.Receive(ctx, msg); err != nil {
				logger.Error("actor message handling failed",
					zap.String("actor", h.name), zap.Error(err))
			}
		case <-ctx.Done():
			return false
		}
	}
}
