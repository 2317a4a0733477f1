package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostplane.io/platform/internal/nodeplan"
)

func TestClient_Enroll_SendsBearerTokenAndBody(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody EnrollRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "node_1", "tok123", time.Second)
	err := c.Enroll(t.Context(), EnrollRequest{VCPUCapacity: 4, MemoryMBCapacity: 8192})
	require.NoError(t, err)

	assert.Equal(t, "/v1/nodes/node_1/enroll", gotPath)
	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, 4, gotBody.VCPUCapacity)
}

func TestClient_FetchPlan_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/nodes/node_1/plan", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(nodeplan.Plan{
			PlanVersion: 7,
			Instances:   []nodeplan.InstancePlan{{InstanceID: "inst_1"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "node_1", "", time.Second)
	plan, err := c.FetchPlan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(7), plan.PlanVersion)
	require.Len(t, plan.Instances, 1)
	assert.Equal(t, "inst_1", plan.Instances[0].InstanceID)
}

func TestClient_ReportInstanceStatus_PathIncludesInstanceID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "node_1", "", time.Second)
	err := c.ReportInstanceStatus(t.Context(), StatusReport{InstanceID: "inst_9", Status: "ready"})
	require.NoError(t, err)
	assert.Equal(t, "/v1/nodes/node_1/instances/inst_9/status", gotPath)
}

func TestClient_Do_ReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	c := New(srv.URL, "node_1", "", time.Second)
	err := c.Heartbeat(t.Context(), HeartbeatRequest{InstanceCount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
