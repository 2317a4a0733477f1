package firecracker

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUnixSocketServer(t *testing.T, handler http.Handler) (socketPath string, close func()) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "firecracker.socket")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	srv := &httptest.Server{Listener: listener, Config: &http.Server{Handler: handler}}
	srv.Start()
	return socketPath, srv.Close
}

func TestClient_SocketExists(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(filepath.Join(dir, "missing.socket"))
	assert.False(t, c.SocketExists())

	socketPath, closeFn := newUnixSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer closeFn()
	c = NewClient(socketPath)
	assert.True(t, c.SocketExists())
}

func TestClient_PutMachineConfig_SendsJSONOverUnixSocket(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody MachineConfig

	socketPath, closeFn := newUnixSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer closeFn()

	c := NewClient(socketPath)
	err := c.PutMachineConfig(t.Context(), NewMachineConfig(2, 512))
	require.NoError(t, err)
	assert.Equal(t, "/machine-config", gotPath)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, 2, gotBody.VCPUCount)
}

func TestClient_GetInstanceInfo_DecodesResponse(t *testing.T) {
	socketPath, closeFn := newUnixSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(InstanceInfo{ID: "inst_1", State: "Running"})
	}))
	defer closeFn()

	c := NewClient(socketPath)
	info, err := c.GetInstanceInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Running", info.State)
}

func TestClient_Do_ReturnsAPIErrorOnNon2xx(t *testing.T) {
	socketPath, closeFn := newUnixSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"fault_message":"bad config"}`))
	}))
	defer closeFn()

	c := NewClient(socketPath)
	err := c.StartInstance(t.Context())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
