// Package main is the entry point for the ghostplane ingress: the L4
// route table and SNI-dispatching TCP proxy core that sits in front of
// every app's routed instances (spec §4.11, C12).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/config"
	"ghostplane.io/platform/internal/infrastructure"
	"ghostplane.io/platform/internal/ingress"
	"ghostplane.io/platform/internal/observability/metrics"
	"ghostplane.io/platform/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadIngress()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting ghostplane ingress",
		zap.String("bind_host", cfg.Ingress.BindHost),
		zap.String("listen_addr", cfg.Ingress.ListenAddr),
	)

	prometheus.MustRegister(metrics.All()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer redisClient.Close()
	}

	srv := ingress.New(ingress.Config{
		ListenAddr:           cfg.Ingress.ListenAddr,
		BindHost:             cfg.Ingress.BindHost,
		RouteRefreshInterval: cfg.Ingress.RouteRefreshInterval,
		SnapshotPath:         cfg.Ingress.SnapshotPath,
		SnapshotInterval:     cfg.Ingress.SnapshotInterval,
		CircuitCooldown:      cfg.Ingress.CircuitCooldown,
		CircuitFailThreshold: cfg.Ingress.CircuitFailThreshold,
	}, db.Pool, redisClient)

	srv.RestoreSnapshot()

	shutdown := make(chan struct{})
	bgErrs := make(chan error, 3)
	go func() {
		if err := srv.RunRefresher(ctx, shutdown); err != nil {
			bgErrs <- fmt.Errorf("route refresher: %w", err)
			return
		}
		bgErrs <- nil
	}()
	go func() {
		if err := srv.RunListeners(ctx, shutdown); err != nil {
			bgErrs <- fmt.Errorf("listener manager: %w", err)
			return
		}
		bgErrs <- nil
	}()
	go func() {
		if err := srv.RunSnapshotter(ctx, shutdown); err != nil {
			bgErrs <- fmt.Errorf("snapshot writer: %w", err)
			return
		}
		bgErrs <- nil
	}()

	healthErrs := make(chan error, 1)
	go func() { healthErrs <- runHealthServer(ctx, shutdown, cfg.Ingress.ListenAddr) }()

	logger.Info("ingress started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-bgErrs:
		if err != nil {
			close(shutdown)
			return fmt.Errorf("ingress background task: %w", err)
		}
	case err := <-healthErrs:
		if err != nil {
			close(shutdown)
			return fmt.Errorf("ingress health server: %w", err)
		}
	}

	close(shutdown)
	logger.Info("ingress stopped gracefully")
	return nil
}

// runHealthServer serves /healthz and /metrics on addr until shutdown is
// closed or ctx is done, then shuts down gracefully.
func runHealthServer(ctx context.Context, shutdown <-chan struct{}, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case <-shutdown:
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
