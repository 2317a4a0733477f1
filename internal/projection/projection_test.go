package projection

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"ghostplane.io/platform/internal/event"
)

type fakeHandler struct {
	name       string
	eventTypes []string
}

func (f fakeHandler) Name() string          { return f.name }
func (f fakeHandler) EventTypes() []string  { return f.eventTypes }
func (f fakeHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error { return nil }

func TestMinCheckpoint(t *testing.T) {
	assert.Equal(t, int64(0), minCheckpoint(map[string]int64{}))
	assert.Equal(t, int64(3), minCheckpoint(map[string]int64{"a": 5, "b": 3, "c": 10}))
}

func TestSubscribesTo(t *testing.T) {
	h := fakeHandler{name: "apps", eventTypes: []string{event.TypeAppCreated, event.TypeAppUpdated}}
	assert.True(t, subscribesTo(h, event.TypeAppCreated))
	assert.False(t, subscribesTo(h, event.TypeEnvCreated))
}
