// Package ingress implements the L4 route table and SNI-dispatching TCP
// proxy core (C12): it reads routes_view (env_networking_view is not
// consulted, so no dedicated IPv4 is resolved), maintains
// an in-memory routing table keyed by (listen_port, hostname), and
// proxies accepted connections to a round-robin, circuit-breaker-gated
// backend pool resolved from instances_desired_view/instance_status_view
// (spec §4.11).
package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// ProtocolHint mirrors routes_view.protocol_hint.
type ProtocolHint string

const (
	ProtocolTLSPassthrough ProtocolHint = "tls_passthrough"
	ProtocolTCPRaw         ProtocolHint = "tcp_raw"
)

// ProxyProtocolMode mirrors routes_view.proxy_protocol.
type ProxyProtocolMode string

const (
	ProxyProtocolOff ProxyProtocolMode = "off"
	ProxyProtocolV2  ProxyProtocolMode = "v2"
)

// Route is one entry of the in-memory route table, built from one
// routes_view row. IPv4Required is carried as stored; it does not change
// how the route is bound or looked up.
type Route struct {
	RouteID             string
	EnvID               string
	Hostname            string
	ListenPort          int
	ProtocolHint        ProtocolHint
	BackendProcessType  string
	BackendPort         int
	ProxyProtocol       ProxyProtocolMode
	IPv4Required        bool
}

// RouteTable is the routing table: routes keyed by listen_port, and
// within a port further keyed by hostname for tls_passthrough. tcp_raw
// routes are hostname-less and selected by listen_port alone.
type RouteTable struct {
	mu    sync.RWMutex
	cur   int64 // cursor: last applied event_id, for snapshot persistence
	ports map[int]*portRoutes
}

type portRoutes struct {
	byHostname map[string]*Route // tls_passthrough
	rawRoute   *Route            // tcp_raw, at most one per port
}

// NewRouteTable constructs an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{ports: make(map[int]*portRoutes)}
}

// Ports returns every listen_port currently routed, for the listener
// manager to reconcile its set of bound sockets against.
func (t *RouteTable) Ports() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.ports))
	for p := range t.ports {
		out = append(out, p)
	}
	return out
}

// Lookup resolves a route for an accepted connection on listenPort. For
// tls_passthrough ports, sni is matched against each route's hostname;
// an empty sni or no hostname match falls through to the port's
// tcp_raw route, if one is registered on the same port.
func (t *RouteTable) Lookup(listenPort int, sni string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pr, ok := t.ports[listenPort]
	if !ok {
		return Route{}, false
	}
	if sni != "" {
		if r, ok := pr.byHostname[sni]; ok {
			return *r, true
		}
	}
	if pr.rawRoute != nil {
		return *pr.rawRoute, true
	}
	return Route{}, false
}

// Replace atomically swaps the table's contents, used both by the
// periodic refresher and by snapshot restore on cold start.
func (t *RouteTable) Replace(routes []Route, cursor int64) {
	ports := make(map[int]*portRoutes)
	for _, r := range routes {
		r := r
		pr, ok := ports[r.ListenPort]
		if !ok {
			pr = &portRoutes{byHostname: make(map[string]*Route)}
			ports[r.ListenPort] = pr
		}
		if r.ProtocolHint == ProtocolTCPRaw {
			pr.rawRoute = &r
		} else {
			pr.byHostname[r.Hostname] = &r
		}
	}

	t.mu.Lock()
	t.ports = ports
	t.cur = cursor
	t.mu.Unlock()
}

// Snapshot returns every route currently in the table plus the applied
// cursor, for persistence.
func (t *RouteTable) Snapshot() ([]Route, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Route
	for _, pr := range t.ports {
		for _, r := range pr.byHostname {
			out = append(out, *r)
		}
		if pr.rawRoute != nil {
			out = append(out, *pr.rawRoute)
		}
	}
	return out, t.cur
}

// Cursor returns the last applied event_id.
func (t *RouteTable) Cursor() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

type routeRow struct {
	RouteID            string
	EnvID              string
	Hostname           string
	ListenPort         int
	ProtocolHint       string
	BackendProcessType string
	BackendPort        int
	ProxyProtocol      string
	IPv4Required       bool
}

// Refresher periodically reloads routes_view into a RouteTable and
// drives the backend pool's own refresh, so a control-plane outage
// leaves ingress serving the last successfully loaded configuration
// (spec §4.11 persistence note) instead of erroring out.
type Refresher struct {
	pool     *pgxpool.Pool
	table    *RouteTable
	backends *BackendSelector
	interval time.Duration
}

// NewRefresher constructs a Refresher.
func NewRefresher(pool *pgxpool.Pool, table *RouteTable, backends *BackendSelector, interval time.Duration) *Refresher {
	return &Refresher{pool: pool, table: table, backends: backends, interval: interval}
}

// Run reloads the route table and backend pools on a fixed interval
// until shutdown is closed or ctx is done.
func (r *Refresher) Run(ctx context.Context, shutdown <-chan struct{}) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.refreshOnce(ctx); err != nil {
		logger.Warn("initial route refresh failed, serving last snapshot if any", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			logger.Info("ingress route refresher stopping on shutdown signal")
			return nil
		case <-ticker.C:
			if err := r.refreshOnce(ctx); err != nil {
				logger.Error("route refresh failed, keeping last known table", zap.Error(err))
			}
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, `
		SELECT r.route_id, r.env_id, r.hostname, r.listen_port, r.protocol_hint,
		       r.backend_process_type, r.backend_port, r.proxy_protocol, r.ipv4_required
		FROM routes_view r WHERE r.is_deleted = false`)
	if err != nil {
		return fmt.Errorf("query routes_view: %w", err)
	}

	var raws []routeRow
	for rows.Next() {
		var row routeRow
		if err := rows.Scan(&row.RouteID, &row.EnvID, &row.Hostname, &row.ListenPort,
			&row.ProtocolHint, &row.BackendProcessType, &row.BackendPort, &row.ProxyProtocol, &row.IPv4Required); err != nil {
			rows.Close()
			return fmt.Errorf("scan route row: %w", err)
		}
		raws = append(raws, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate routes_view: %w", err)
	}

	var maxEventID int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM events`).Scan(&maxEventID); err != nil {
		return fmt.Errorf("query cursor: %w", err)
	}

	routes := make([]Route, 0, len(raws))
	for _, row := range raws {
		routes = append(routes, Route{
			RouteID:            row.RouteID,
			EnvID:              row.EnvID,
			Hostname:           row.Hostname,
			ListenPort:         row.ListenPort,
			ProtocolHint:       ProtocolHint(row.ProtocolHint),
			BackendProcessType: row.BackendProcessType,
			BackendPort:        row.BackendPort,
			ProxyProtocol:      ProxyProtocolMode(row.ProxyProtocol),
			IPv4Required:       row.IPv4Required,
		})
	}

	r.table.Replace(routes, maxEventID)
	if err := r.backends.Refresh(ctx, routes); err != nil {
		return fmt.Errorf("refresh backend pools: %w", err)
	}
	return nil
}
