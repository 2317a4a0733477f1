// Package main is the entry point for the ghostplane control plane: the
// HTTP command API, the projection worker, the scheduler, and the River
// maintenance jobs all run in this one process.
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
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/api"
	"ghostplane.io/platform/internal/api/middleware"
	"ghostplane.io/platform/internal/config"
	"ghostplane.io/platform/internal/eventstore"
	"ghostplane.io/platform/internal/governance/audit"
	"ghostplane.io/platform/internal/idempotency"
	"ghostplane.io/platform/internal/infrastructure"
	"ghostplane.io/platform/internal/jobs"
	"ghostplane.io/platform/internal/nodeplan"
	"ghostplane.io/platform/internal/observability/metrics"
	"ghostplane.io/platform/internal/pkg/logger"
	"ghostplane.io/platform/internal/pkg/worker"
	"ghostplane.io/platform/internal/projection"
	"ghostplane.io/platform/internal/projection/handlers"
	"ghostplane.io/platform/internal/quota"
	"ghostplane.io/platform/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadControlPlane()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting ghostplane control plane", zap.Int("port", cfg.Server.Port))

	prometheus.MustRegister(metrics.All()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	events := eventstore.New(db.Pool)
	idempotencyStore := idempotency.New(db.Pool)
	quotaChecker := quota.New(db.Pool, cfg.Quota)
	auditLogger := audit.NewLogger(db.Pool)
	roleResolver := middleware.NewOrgRoleResolver(db.Pool)
	nodePlans := nodeplan.New(db.Pool)

	workerPools, err := worker.NewPools(ctx, worker.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("start worker pools: %w", err)
	}
	defer workerPools.Shutdown()

	riverWorkers := river.NewWorkers()
	jobs.Register(riverWorkers, jobs.Deps{Pool: db.Pool, Events: events, Idempotency: idempotencyStore})
	if err := db.InitRiverClient(riverWorkers, cfg.River); err != nil {
		return fmt.Errorf("init river client: %w", err)
	}
	jobs.SchedulePeriodic(db.RiverClient)
	if err := db.RiverClient.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}

	deps := &api.Deps{
		Pool:              db.Pool,
		Events:            events,
		Idempotency:       idempotencyStore,
		Quota:             quotaChecker,
		Audit:             auditLogger,
		RoleResolver:      roleResolver,
		NodePlans:         nodePlans,
		ProjectionTimeout: 2 * time.Second,
	}

	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.SessionSecret),
		Issuer:     "ghostplane",
		ExpiresIn:  24 * time.Hour,
	}

	router := api.NewRouter(cfg, deps, jwtCfg)

	projectionWorker := projection.New(db.Pool, events, handlers.All(), projection.DefaultConfig())
	reconciler := scheduler.New(db.Pool, events, quotaChecker, scheduler.Config{ReconcileInterval: cfg.Scheduler.ReconcileInterval}).
		WithPlanWarming(nodePlans, workerPools.General)

	shutdown := make(chan struct{})
	bgErrs := make(chan error, 2)
	go func() {
		if err := projectionWorker.Run(ctx, shutdown); err != nil {
			bgErrs <- fmt.Errorf("projection worker: %w", err)
			return
		}
		bgErrs <- nil
	}()
	go func() {
		if err := reconciler.Run(ctx, shutdown); err != nil {
			bgErrs <- fmt.Errorf("scheduler: %w", err)
			return
		}
		bgErrs <- nil
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	httpErrs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrs <- err
			return
		}
		httpErrs <- nil
	}()

	logger.Info("control plane started", zap.String("addr", srv.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-httpErrs:
		if err != nil {
			close(shutdown)
			return fmt.Errorf("http server error: %w", err)
		}
	case err := <-bgErrs:
		if err != nil {
			close(shutdown)
			return fmt.Errorf("background worker error: %w", err)
		}
	}

	close(shutdown)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := db.RiverClient.Stop(shutdownCtx); err != nil {
		logger.Info("river client stop error", zap.Error(err))
	}
	cancel()

	logger.Info("control plane stopped gracefully")
	return nil
}
