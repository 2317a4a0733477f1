package ingress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStore_LoadMissingFileReturnsFreshState(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "state.json"))
	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Cursor)
	assert.Empty(t, state.Routes)
}

func TestSnapshotStore_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewSnapshotStore(path)

	table := NewRouteTable()
	table.Replace([]Route{{
		RouteID: "rt_1", EnvID: "env_1", Hostname: "test.example.com", ListenPort: 443,
		ProtocolHint: ProtocolTLSPassthrough, BackendProcessType: "web", BackendPort: 8080,
		ProxyProtocol: ProxyProtocolV2,
	}}, 999)

	require.NoError(t, store.SaveFromTable(table))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(999), loaded.Cursor)
	require.Contains(t, loaded.Routes, "rt_1")
	assert.Equal(t, "test.example.com", loaded.Routes["rt_1"].Hostname)
	assert.Equal(t, "v2", loaded.Routes["rt_1"].ProxyProtocol)
}

func TestSnapshotStore_VersionMismatchStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":999,"cursor":42,"routes":{}}`), 0o644))

	store := NewSnapshotStore(path)
	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Cursor, "a version mismatch resets to a fresh state rather than trusting stale data")
}

func TestSnapshotStore_RestoreIntoSeedsRouteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewSnapshotStore(path)

	table := NewRouteTable()
	table.Replace([]Route{{
		RouteID: "rt_1", EnvID: "env_1", Hostname: "restore.example.com", ListenPort: 443,
		ProtocolHint: ProtocolTLSPassthrough, BackendProcessType: "web", BackendPort: 8080,
	}}, 7)
	require.NoError(t, store.SaveFromTable(table))

	restored := NewRouteTable()
	require.NoError(t, store.RestoreInto(restored))

	route, ok := restored.Lookup(443, "restore.example.com")
	require.True(t, ok)
	assert.Equal(t, "rt_1", route.RouteID)
	assert.Equal(t, int64(7), restored.Cursor())
}
