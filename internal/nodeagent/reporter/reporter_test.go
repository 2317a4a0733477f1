package reporter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostplane.io/platform/internal/nodeagent/client"
	"ghostplane.io/platform/internal/nodeagent/instance"
	"ghostplane.io/platform/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestReporter_ReportStatus_DedupsUnchangedStatusWithoutRedis(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := client.New(srv.URL, "node_1", "", time.Second)
	r := New(Config{Interval: time.Second}, c, nil, "node_1")

	r.ReportStatus(t.Context(), "inst_1", instance.PhaseReady, nil, nil)
	r.ReportStatus(t.Context(), "inst_1", instance.PhaseReady, nil, nil)
	assert.Equal(t, 1, calls, "unchanged status must not be reported twice")

	r.ReportStatus(t.Context(), "inst_1", instance.PhaseFailed, nil, nil)
	assert.Equal(t, 2, calls, "changed status must be reported")
}

func TestReporter_ReportStatus_DifferentInstancesReportIndependently(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := client.New(srv.URL, "node_1", "", time.Second)
	r := New(Config{Interval: time.Second}, c, nil, "node_1")

	r.ReportStatus(t.Context(), "inst_1", instance.PhaseReady, nil, nil)
	r.ReportStatus(t.Context(), "inst_2", instance.PhaseReady, nil, nil)
	assert.Equal(t, 2, calls)
}

func TestReporter_Jitter_BoundedByFactor(t *testing.T) {
	r := New(Config{Interval: 100 * time.Millisecond, JitterFactor: 0.5}, nil, nil, "node_1")
	for i := 0; i < 20; i++ {
		d := r.jitter()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestReporter_Jitter_ZeroFactorIsZero(t *testing.T) {
	r := New(Config{Interval: 100 * time.Millisecond, JitterFactor: 0}, nil, nil, "node_1")
	assert.Equal(t, time.Duration(0), r.jitter())
}
