package ingress

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// Config tunes the ingress server end to end.
type Config struct {
	ListenAddr           string
	BindHost             string
	RouteRefreshInterval time.Duration
	SnapshotPath         string
	SnapshotInterval     time.Duration
	CircuitCooldown      time.Duration
	CircuitFailThreshold int
}

// Server wires the route table, backend selector, circuit breaker,
// snapshot persistence, and listener manager into the running L4 proxy
// (C12). Its own HTTP health/metrics surface is run separately by
// cmd/ingress, mirroring how cmd/controlplane owns its http.Server
// directly rather than the package hiding it.
type Server struct {
	cfg       Config
	Table     *RouteTable
	Snapshots *SnapshotStore
	refresher *Refresher
	listeners *ListenerManager
}

// New constructs a Server. redisClient may be nil, in which case the
// circuit breaker falls back to in-process state.
func New(cfg Config, pool *pgxpool.Pool, redisClient *redis.Client) *Server {
	table := NewRouteTable()
	breaker := NewBreaker(BreakerConfig{FailThreshold: cfg.CircuitFailThreshold, Cooldown: cfg.CircuitCooldown}, redisClient)
	backends := NewBackendSelector(pool, breaker)
	snapshots := NewSnapshotStore(cfg.SnapshotPath)
	refresher := NewRefresher(pool, table, backends, cfg.RouteRefreshInterval)
	lmCfg := DefaultListenerManagerConfig()
	lmCfg.BindHost = cfg.BindHost
	listeners := NewListenerManager(lmCfg, table, backends, breaker)

	return &Server{cfg: cfg, Table: table, Snapshots: snapshots, refresher: refresher, listeners: listeners}
}

// RestoreSnapshot seeds the route table from the last snapshot on disk,
// so the listener manager has something to route against even before
// the first live refresh completes. A restore failure is logged and
// non-fatal: the server just starts from an empty table.
func (s *Server) RestoreSnapshot() {
	if err := s.Snapshots.RestoreInto(s.Table); err != nil {
		logger.Warn("ingress snapshot restore failed, starting from an empty table", zap.Error(err))
	}
}

// RunRefresher drives the periodic route-table/backend-pool reload
// until shutdown is closed or ctx is done.
func (s *Server) RunRefresher(ctx context.Context, shutdown <-chan struct{}) error {
	return s.refresher.Run(ctx, shutdown)
}

// RunListeners drives the accept-loop listener manager until shutdown
// is closed or ctx is done.
func (s *Server) RunListeners(ctx context.Context, shutdown <-chan struct{}) error {
	return s.listeners.Run(ctx, shutdown, s.cfg.RouteRefreshInterval)
}

// RunSnapshotter drives the periodic snapshot writer until shutdown is
// closed or ctx is done.
func (s *Server) RunSnapshotter(ctx context.Context, shutdown <-chan struct{}) error {
	return s.Snapshots.Run(ctx, s.Table, s.cfg.SnapshotInterval, shutdown)
}
