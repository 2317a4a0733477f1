package imagepull

import (
	"context"
	"fmt"

	"ghostplane.io/platform/internal/nodeagent/actor"
)

// EnsurePulled asks the actor to pull repo@digest, replying on Reply with
// the rootdisk path or an error. Sent by the supervisor before spawning
// an InstanceActor (spec §4.8 image-pull-then-boot ordering).
type EnsurePulled struct {
	Repo   string
	Digest string
	Reply  chan<- EnsurePulledResult
}

// EnsurePulledResult is the reply to an EnsurePulled message.
type EnsurePulledResult struct {
	RootdiskPath string
	Err          error
}

// Release tells the actor an instance is done with a digest's rootdisk,
// allowing it to become eviction-eligible.
type Release struct {
	Digest string
}

// Actor serializes pulls so at most one pull per digest runs at a time
// (spec §4.9); concurrent EnsurePulled requests for the same digest
// queue behind the mailbox rather than racing each other.
type Actor struct {
	puller *Puller
}

// NewActor builds an Actor factory bound to puller, suitable for
// actor.Spawn.
func NewActor(puller *Puller) actor.Factory {
	return func() actor.Actor {
		return &Actor{puller: puller}
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case EnsurePulled:
		path, err := a.puller.EnsurePulled(ctx, m.Repo, m.Digest)
		if m.Reply != nil {
			m.Reply <- EnsurePulledResult{RootdiskPath: path, Err: err}
		}
		return err
	case Release:
		a.puller.Release(m.Digest)
		return nil
	default:
		return fmt.Errorf("image pull actor: unrecognized message %T", msg)
	}
}
