package ingress

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector() *BackendSelector {
	breaker := NewBreaker(BreakerConfig{FailThreshold: 1, Cooldown: time.Hour}, nil)
	return NewBackendSelector(nil, breaker)
}

func TestBackendSelector_SelectRoundRobinsAcrossHealthyBackends(t *testing.T) {
	s := newTestSelector()
	route := Route{EnvID: "env_1", BackendProcessType: "web", BackendPort: 8080}
	s.UpdateBackends("env_1", "web", 8080, []Backend{
		{InstanceID: "inst-a", Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8080}},
		{InstanceID: "inst-b", Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 8080}},
	})

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		b, err := s.Select(context.Background(), route)
		require.NoError(t, err)
		seen[b.InstanceID]++
	}
	assert.Equal(t, 2, seen["inst-a"])
	assert.Equal(t, 2, seen["inst-b"])
}

func TestBackendSelector_SkipsOpenCircuitBackend(t *testing.T) {
	s := newTestSelector()
	route := Route{EnvID: "env_1", BackendProcessType: "web", BackendPort: 8080}
	s.UpdateBackends("env_1", "web", 8080, []Backend{
		{InstanceID: "inst-a", Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8080}},
		{InstanceID: "inst-b", Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 8080}},
	})

	ctx := context.Background()
	s.breaker.RecordFailure(ctx, "inst-a")

	for i := 0; i < 3; i++ {
		b, err := s.Select(ctx, route)
		require.NoError(t, err)
		assert.Equal(t, "inst-b", b.InstanceID, "only the healthy backend should ever be selected")
	}
}

func TestBackendSelector_NoHealthyBackendReturnsError(t *testing.T) {
	s := newTestSelector()
	route := Route{EnvID: "env_1", BackendProcessType: "web", BackendPort: 8080}
	s.UpdateBackends("env_1", "web", 8080, []Backend{
		{InstanceID: "inst-a", Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8080}},
	})

	ctx := context.Background()
	s.breaker.RecordFailure(ctx, "inst-a")

	_, err := s.Select(ctx, route)
	assert.ErrorIs(t, err, ErrNoHealthyBackend)
}

func TestBackendSelector_UnknownRouteReturnsError(t *testing.T) {
	s := newTestSelector()
	_, err := s.Select(context.Background(), Route{EnvID: "env_missing", BackendProcessType: "web", BackendPort: 8080})
	assert.ErrorIs(t, err, ErrNoHealthyBackend)
}
