package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/observability/metrics"
	"ghostplane.io/platform/internal/pkg/logger"
)

// ListenerManagerConfig tunes accept-loop and connection behavior.
type ListenerManagerConfig struct {
	BindHost       string
	SNIPeekTimeout time.Duration
	DialTimeout    time.Duration
}

// DefaultListenerManagerConfig returns sane defaults.
func DefaultListenerManagerConfig() ListenerManagerConfig {
	return ListenerManagerConfig{BindHost: "::", SNIPeekTimeout: 3 * time.Second, DialTimeout: 3 * time.Second}
}

// ListenerManager keeps one net.Listener bound per listen_port the
// route table currently references, adding and removing bound ports as
// the table changes shape on refresh.
type ListenerManager struct {
	cfg      ListenerManagerConfig
	table    *RouteTable
	backends *BackendSelector
	breaker  *Breaker

	mu        sync.Mutex
	listeners map[int]net.Listener
}

// NewListenerManager constructs a ListenerManager.
func NewListenerManager(cfg ListenerManagerConfig, table *RouteTable, backends *BackendSelector, breaker *Breaker) *ListenerManager {
	return &ListenerManager{cfg: cfg, table: table, backends: backends, breaker: breaker, listeners: make(map[int]net.Listener)}
}

// Run reconciles bound listeners against the route table's port set on
// a fixed interval until shutdown is closed or ctx is done, then closes
// every listener it opened.
func (m *ListenerManager) Run(ctx context.Context, shutdown <-chan struct{}, reconcileInterval time.Duration) error {
	defer m.closeAll()

	if err := m.reconcile(ctx); err != nil {
		logger.Error("initial listener reconcile failed", zap.Error(err))
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			logger.Info("ingress listener manager stopping on shutdown signal")
			return nil
		case <-ticker.C:
			if err := m.reconcile(ctx); err != nil {
				logger.Error("listener reconcile failed", zap.Error(err))
			}
		}
	}
}

func (m *ListenerManager) reconcile(ctx context.Context) error {
	wantPorts := m.table.Ports()
	want := make(map[int]struct{}, len(wantPorts))
	for _, p := range wantPorts {
		want[p] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for port := range want {
		if _, ok := m.listeners[port]; ok {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("[%s]:%d", m.cfg.BindHost, port))
		if err != nil {
			logger.Error("bind listener failed", zap.Int("port", port), zap.Error(err))
			continue
		}
		m.listeners[port] = ln
		logger.Info("ingress listening", zap.Int("port", port))
		go m.acceptLoop(ctx, port, ln)
	}

	for port, ln := range m.listeners {
		if _, ok := want[port]; !ok {
			ln.Close()
			delete(m.listeners, port)
			logger.Info("ingress stopped listening, no route references this port", zap.Int("port", port))
		}
	}
	return nil
}

func (m *ListenerManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, ln := range m.listeners {
		ln.Close()
		delete(m.listeners, port)
	}
}

func (m *ListenerManager) acceptLoop(ctx context.Context, port int, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			logger.Warn("accept failed", zap.Int("port", port), zap.Error(err))
			continue
		}
		go m.handleConn(ctx, port, conn)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func (m *ListenerManager) handleConn(ctx context.Context, port int, conn net.Conn) {
	defer conn.Close()
	metrics.IngressConnectionsTotal.Inc()

	br := bufio.NewReader(conn)
	sni, err := PeekSNI(br, m.cfg.SNIPeekTimeout, conn)
	if err != nil && err != ErrNotTLS {
		logger.Debug("sni peek failed", zap.Int("port", port), zap.Error(err))
	}

	route, ok := m.table.Lookup(port, sni)
	if !ok {
		logger.Debug("no route for connection", zap.Int("port", port), zap.String("sni", sni))
		return
	}

	backend, err := m.backends.Select(ctx, route)
	if err != nil {
		logger.Warn("no healthy backend", zap.String("route_id", route.RouteID), zap.Error(err))
		metrics.IngressNoBackendTotal.Inc()
		return
	}

	backendConn, err := net.DialTimeout("tcp", backend.Addr.String(), m.cfg.DialTimeout)
	if err != nil {
		m.breaker.RecordFailure(ctx, backend.InstanceID)
		logger.Warn("backend dial failed", zap.String("instance_id", backend.InstanceID), zap.Error(err))
		metrics.IngressBackendErrorsTotal.Inc()
		return
	}
	defer backendConn.Close()

	if route.ProxyProtocol == ProxyProtocolV2 {
		if err := writeProxyHeader(backendConn, conn, backend.Addr); err != nil {
			m.breaker.RecordFailure(ctx, backend.InstanceID)
			logger.Warn("proxy protocol header write failed", zap.String("instance_id", backend.InstanceID), zap.Error(err))
			return
		}
	}

	m.breaker.RecordSuccess(ctx, backend.InstanceID)
	splice(br, conn, backendConn)
}

func writeProxyHeader(backendConn net.Conn, clientConn net.Conn, dst *net.TCPAddr) error {
	src, ok := clientConn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("client remote addr is not TCP: %v", clientConn.RemoteAddr())
	}
	header, err := EncodeProxyProtocolV2(src, dst)
	if err != nil {
		return err
	}
	_, err = backendConn.Write(header)
	return err
}

// splice forwards bytes bidirectionally between the client (via br,
// which already holds any peeked-but-unconsumed bytes) and the backend
// until either side closes (spec §4.11 "splice bytes bidirectionally
// until either end closes").
func splice(clientReader *bufio.Reader, clientConn, backendConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(backendConn, clientReader)
		if tc, ok := backendConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(clientConn, backendConn)
		if tc, ok := clientConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	wg.Wait()
}
