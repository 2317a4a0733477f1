// Package main is the entry point for the ghostplane node agent: the
// Firecracker-based actor supervision tree that boots and drains
// microVMs on one physical node (spec §4.8-4.11).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/config"
	"ghostplane.io/platform/internal/nodeagent/client"
	"ghostplane.io/platform/internal/nodeagent/imagepull"
	"ghostplane.io/platform/internal/nodeagent/instance"
	"ghostplane.io/platform/internal/nodeagent/reporter"
	"ghostplane.io/platform/internal/nodeagent/supervisor"
	"ghostplane.io/platform/internal/pkg/logger"
	"ghostplane.io/platform/internal/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadNodeAgent()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting ghostplane node agent",
		zap.String("node_id", cfg.Node.NodeID),
		zap.Int("vcpu_capacity", cfg.Node.VCPUCap),
		zap.Int("memory_mb_capacity", cfg.Node.MemMBCap),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cpClient := client.New(cfg.ControlPlane.BaseURL, cfg.Node.NodeID, cfg.ControlPlane.RequestToken, cfg.ControlPlane.Timeout)

	if err := enroll(ctx, cpClient, cfg); err != nil {
		return fmt.Errorf("enroll with control plane: %w", err)
	}

	rootdiskDir := filepath.Join(cfg.ImageCache.Dir, "rootdisks")
	blobDir := filepath.Join(cfg.ImageCache.Dir, "blobs")

	cacheCfg := imagepull.DefaultCacheConfig(rootdiskDir)
	cacheCfg.MaxSizeBytes = cfg.ImageCache.HighWaterMarkMB * 1024 * 1024
	cacheCfg.HighWaterMark = 1.0
	cacheCfg.LowWaterMark = float64(cfg.ImageCache.LowWaterMarkMB) / float64(cfg.ImageCache.HighWaterMarkMB)
	cache := imagepull.NewCache(cacheCfg)
	if err := cache.Init(); err != nil {
		return fmt.Errorf("init image cache: %w", err)
	}

	ociCfg := imagepull.DefaultOCIConfig(blobDir)
	if cfg.ImageCache.RegistryMirror != "" {
		ociCfg.RegistryURL = cfg.ImageCache.RegistryMirror
	}

	workerPools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		IOPoolSize:      cfg.Worker.IOPoolSize,
	})
	if err != nil {
		return fmt.Errorf("start worker pools: %w", err)
	}
	defer workerPools.Shutdown()

	puller := imagepull.NewPuller(imagepull.PullerConfig{OCI: ociCfg, RootdiskDir: rootdiskDir}, cache, workerPools)

	runtime := &instance.FirecrackerRuntime{
		JailerPath:      cfg.Firecracker.JailerPath,
		FirecrackerPath: cfg.Firecracker.BinaryPath,
		ChrootBase:      cfg.Firecracker.ChrootBase,
		KernelImagePath: filepath.Join(cfg.Node.BaseDir, "vmlinux"),
		VsockCIDBase:    cfg.Firecracker.VsockCIDBase,
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer redisClient.Close()
	}
	rep := reporter.New(reporter.Config{Interval: cfg.Reporter.Interval, JitterFactor: cfg.Reporter.JitterFactor}, cpClient, redisClient, cfg.Node.NodeID)

	sup := supervisor.New(supervisor.DefaultConfig(), cpClient, runtime, rep, puller)

	bgErrs := make(chan error, 2)
	go func() {
		bgErrs <- sup.Run(ctx)
	}()
	go func() {
		bgErrs <- rep.Start(ctx, sup)
	}()

	logger.Info("node agent started", zap.String("node_id", cfg.Node.NodeID))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-bgErrs:
		if err != nil {
			cancel()
			return fmt.Errorf("node agent background task: %w", err)
		}
	}

	cancel()
	logger.Info("node agent stopped gracefully")
	return nil
}

func enroll(ctx context.Context, c *client.Client, cfg *config.NodeAgentConfig) error {
	req := client.EnrollRequest{
		VCPUCapacity:     cfg.Node.VCPUCap,
		MemoryMBCapacity: cfg.Node.MemMBCap,
	}
	if err := c.Enroll(ctx, req); err != nil {
		return err
	}
	logger.Info("enrolled with control plane", zap.String("node_id", cfg.Node.NodeID), zap.String("base_url", cfg.ControlPlane.BaseURL))
	return nil
}
