package ingress

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend is one dial target behind a route: a specific instance's
// address on the route's backend_port.
type Backend struct {
	InstanceID string
	Addr       *net.TCPAddr
}

// backendPool holds one route's candidate backends plus round-robin
// cursor state.
type backendPool struct {
	mu      sync.Mutex
	next    int
	backend []Backend
}

// BackendSelector resolves a route's healthy backend pool and hands out
// the next candidate in round-robin order, skipping any the circuit
// breaker currently has open. Backend membership is refreshed from
// instances_desired_view/instance_status_view alongside every route
// table reload.
type BackendSelector struct {
	pool    *pgxpool.Pool
	breaker *Breaker

	mu    sync.RWMutex
	byEnv map[string]*backendPool // keyed by "env_id/process_type/backend_port"
}

// NewBackendSelector constructs a BackendSelector.
func NewBackendSelector(pool *pgxpool.Pool, breaker *Breaker) *BackendSelector {
	return &BackendSelector{pool: pool, breaker: breaker, byEnv: make(map[string]*backendPool)}
}

func poolKey(envID, processType string, backendPort int) string {
	return fmt.Sprintf("%s/%s/%d", envID, processType, backendPort)
}

// Refresh reloads the candidate backend set for every route's
// (env_id, backend_process_type, backend_port) from the ready-instance
// views. A pool not touched by this refresh (its route disappeared) is
// dropped.
func (s *BackendSelector) Refresh(ctx context.Context, routes []Route) error {
	wanted := make(map[string]struct{}, len(routes))
	fresh := make(map[string]*backendPool, len(routes))

	for _, r := range routes {
		key := poolKey(r.EnvID, r.BackendProcessType, r.BackendPort)
		if _, done := wanted[key]; done {
			continue
		}
		wanted[key] = struct{}{}

		backends, err := s.loadBackends(ctx, r.EnvID, r.BackendProcessType, r.BackendPort)
		if err != nil {
			return fmt.Errorf("load backends for %s: %w", key, err)
		}
		fresh[key] = &backendPool{backend: backends}
	}

	s.mu.Lock()
	s.byEnv = fresh
	s.mu.Unlock()
	return nil
}

func (s *BackendSelector) loadBackends(ctx context.Context, envID, processType string, backendPort int) ([]Backend, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.instance_id, n.ipv4
		FROM instances_desired_view i
		JOIN instance_status_view st ON st.instance_id = i.instance_id
		JOIN nodes_view n ON n.node_id = i.node_id
		WHERE i.env_id = $1 AND i.process_type = $2
		  AND i.desired_state != 'stopped' AND st.status = 'ready' AND n.state = 'active'`,
		envID, processType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Backend
	for rows.Next() {
		var instanceID string
		var nodeIP *string
		if err := rows.Scan(&instanceID, &nodeIP); err != nil {
			return nil, err
		}
		if nodeIP == nil || *nodeIP == "" {
			continue
		}
		ip := net.ParseIP(*nodeIP)
		if ip == nil {
			continue
		}
		out = append(out, Backend{InstanceID: instanceID, Addr: &net.TCPAddr{IP: ip, Port: backendPort}})
	}
	return out, rows.Err()
}

// UpdateBackends replaces a single route's candidate pool directly,
// bypassing the database — used by tests and by any future push-based
// update path that doesn't want to wait for the next poll interval.
func (s *BackendSelector) UpdateBackends(envID, processType string, backendPort int, backends []Backend) {
	key := poolKey(envID, processType, backendPort)
	s.mu.Lock()
	s.byEnv[key] = &backendPool{backend: backends}
	s.mu.Unlock()
}

// ErrNoHealthyBackend is returned when every candidate backend for a
// route is currently open in the circuit breaker.
var ErrNoHealthyBackend = fmt.Errorf("ingress: no healthy backend available")

// Select returns the next backend for route in round-robin order,
// skipping over any instance the circuit breaker has open. A backend
// with no recorded failures is eligible immediately, including one that
// just replaced a failed instance in the same pool (spec §4.11: "newly
// registered backends are eligible immediately").
func (s *BackendSelector) Select(ctx context.Context, r Route) (Backend, error) {
	key := poolKey(r.EnvID, r.BackendProcessType, r.BackendPort)
	s.mu.RLock()
	bp, ok := s.byEnv[key]
	s.mu.RUnlock()
	if !ok || len(bp.backend) == 0 {
		return Backend{}, ErrNoHealthyBackend
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	n := len(bp.backend)
	for i := 0; i < n; i++ {
		idx := (bp.next + i) % n
		candidate := bp.backend[idx]
		if s.breaker.Allow(ctx, candidate.InstanceID) {
			bp.next = (idx + 1) % n
			return candidate, nil
		}
	}
	return Backend{}, ErrNoHealthyBackend
}
