package eventstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ghostplane.io/platform/internal/event"
)

func TestSequenceConflictError_Message(t *testing.T) {
	err := &SequenceConflictError{AggregateType: "Env", AggregateID: "env_1", Expected: 2, Actual: 3}
	assert.Contains(t, err.Error(), "Env/env_1")
}

func TestUniqueConflictError_Message(t *testing.T) {
	err := &UniqueConflictError{Kind: "route_hostname"}
	assert.Contains(t, err.Error(), "route_hostname")
}

func TestPlaceholderList(t *testing.T) {
	assert.Equal(t, "hostname, route_id", placeholderList([]string{"hostname", "route_id"}))
}

func TestPlaceholderMarks(t *testing.T) {
	assert.Equal(t, "$1, $2, $3", placeholderMarks(3))
}

func TestGuard_ShapeRoundTrips(t *testing.T) {
	g := event.Guard{
		Kind:    "route_hostname",
		Table:   "route_hostnames",
		Columns: []string{"hostname", "route_id"},
		Values:  []any{"foo.example", "rt_01"},
	}
	assert.Equal(t, 2, len(g.Columns))
	assert.Equal(t, 2, len(g.Values))
}
