package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// snapshotVersion is the persisted state file format. Bump and handle
// migration here if PersistedRoute's shape changes incompatibly.
const snapshotVersion = 1

// PersistedRoute is one route entry inside a snapshot file.
type PersistedRoute struct {
	RouteID            string `json:"route_id"`
	EnvID              string `json:"env_id"`
	Hostname           string `json:"hostname"`
	ListenPort         int    `json:"listen_port"`
	ProtocolHint       string `json:"protocol_hint"`
	BackendProcessType string `json:"backend_process_type"`
	BackendPort        int    `json:"backend_port"`
	ProxyProtocol      string `json:"proxy_protocol"`
	IPv4Required       bool   `json:"ipv4_required"`
}

// PersistedState is the on-disk snapshot format: a versioned cursor plus
// every currently-known route, keyed by route_id (spec §4.11, §6
// "Persisted state").
type PersistedState struct {
	Version int                       `json:"version"`
	Cursor  int64                     `json:"cursor"`
	Routes  map[string]PersistedRoute `json:"routes"`
}

// SnapshotStore loads and atomically persists route-table state.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore constructs a SnapshotStore rooted at path.
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Load reads the snapshot file. A missing file is not an error: it
// returns a zero-value PersistedState so a cold start with no prior
// snapshot just starts from an empty table and waits for the first
// refresh. A version mismatch is logged and also treated as a fresh
// start, matching the original's "starting fresh" recovery behavior
// rather than refusing to boot on a stale format.
func (s *SnapshotStore) Load() (PersistedState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		logger.Debug("no ingress snapshot found, starting fresh", zap.String("path", s.path))
		return PersistedState{Version: snapshotVersion, Routes: map[string]PersistedRoute{}}, nil
	}
	if err != nil {
		return PersistedState{}, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, fmt.Errorf("parse snapshot %s: %w", s.path, err)
	}

	if state.Version != snapshotVersion {
		logger.Warn("ingress snapshot version mismatch, starting fresh",
			zap.Int("file_version", state.Version), zap.Int("current_version", snapshotVersion))
		return PersistedState{Version: snapshotVersion, Routes: map[string]PersistedRoute{}}, nil
	}

	logger.Info("loaded ingress snapshot", zap.String("path", s.path), zap.Int64("cursor", state.Cursor), zap.Int("route_count", len(state.Routes)))
	return state, nil
}

// Save writes state to disk via write-to-temp + atomic rename, so a
// crash mid-write never leaves a half-written snapshot readable on the
// next Load (spec §4.11 "checkpoints its view state atomically").
func (s *SnapshotStore) Save(state PersistedState) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, s.path, err)
	}

	logger.Debug("saved ingress snapshot", zap.String("path", s.path), zap.Int64("cursor", state.Cursor), zap.Int("route_count", len(state.Routes)))
	return nil
}

// SaveFromTable builds a PersistedState from the route table's current
// contents and saves it.
func (s *SnapshotStore) SaveFromTable(table *RouteTable) error {
	routes, cursor := table.Snapshot()
	persisted := make(map[string]PersistedRoute, len(routes))
	for _, r := range routes {
		persisted[r.RouteID] = PersistedRoute{
			RouteID:            r.RouteID,
			EnvID:              r.EnvID,
			Hostname:           r.Hostname,
			ListenPort:         r.ListenPort,
			ProtocolHint:       string(r.ProtocolHint),
			BackendProcessType: r.BackendProcessType,
			BackendPort:        r.BackendPort,
			ProxyProtocol:      string(r.ProxyProtocol),
			IPv4Required:       r.IPv4Required,
		}
	}
	return s.Save(PersistedState{Version: snapshotVersion, Cursor: cursor, Routes: persisted})
}

// RestoreInto loads a snapshot and seeds table with its routes, so a
// listener that starts accepting before the first live refresh completes
// still has the last known-good configuration to route against.
func (s *SnapshotStore) RestoreInto(table *RouteTable) error {
	state, err := s.Load()
	if err != nil {
		return err
	}
	routes := make([]Route, 0, len(state.Routes))
	for _, pr := range state.Routes {
		routes = append(routes, Route{
			RouteID:            pr.RouteID,
			EnvID:              pr.EnvID,
			Hostname:           pr.Hostname,
			ListenPort:         pr.ListenPort,
			ProtocolHint:       ProtocolHint(pr.ProtocolHint),
			BackendProcessType: pr.BackendProcessType,
			BackendPort:        pr.BackendPort,
			ProxyProtocol:      ProxyProtocolMode(pr.ProxyProtocol),
			IPv4Required:       pr.IPv4Required,
		})
	}
	table.Replace(routes, state.Cursor)
	return nil
}

// Run snapshots the route table on a fixed interval until shutdown is
// closed or ctx is done. A failed snapshot is logged and retried on the
// next tick.
func (s *SnapshotStore) Run(ctx context.Context, table *RouteTable, interval time.Duration, shutdown <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			logger.Info("ingress snapshot loop stopping on shutdown signal, saving final state")
			if err := s.SaveFromTable(table); err != nil {
				logger.Error("final snapshot save failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := s.SaveFromTable(table); err != nil {
				logger.Error("periodic snapshot save failed", zap.Error(err))
			}
		}
	}
}
