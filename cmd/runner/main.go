package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/wasm-worker/internal/artifact"
	"github.com/woxQAQ/wasm-worker/internal/config"
	"github.com/woxQAQ/wasm-worker/internal/pool"
	"github.com/woxQAQ/wasm-worker/internal/wasm"
	"github.com/woxQAQ/wasm-worker/pkg/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	artifactPath := flag.String("artifact", "", "Artifact directory (overrides config)")
	workers := flag.Int("workers", 0, "Number of workers to spawn (overrides config)")
	jobs := flag.Int("jobs", 16, "Number of demo jobs to dispatch")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error; overrides config)")
	flag.Parse()

	// Load configuration before the logger so log_level from the file takes
	// effect; the flag overrides it.
	cfg, err := config.LoadPoolConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *artifactPath != "" {
		cfg.ArtifactPath = *artifactPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting wasm-worker runner",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, *jobs, logger); err != nil {
		logger.Fatal("Runner failed", zap.Error(err))
	}

	logger.Info("Runner shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, cfg *config.PoolConfig, jobs int, logger *zap.Logger) error {
	// The runtime with the threads feature enabled; without it the shared
	// memory region cannot exist, which fails below before any worker.
	runtime, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		SharedMemory: true,
		Debug:        cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
	})
	if err != nil {
		return fmt.Errorf("creating runtime: %w", err)
	}
	defer runtime.Close(context.Background())

	// Load the artifact once; every worker borrows the same compiled module.
	art, err := artifact.NewLoader(runtime, logger).LoadArtifact(ctx, cfg.ArtifactPath)
	if err != nil {
		return fmt.Errorf("loading artifact: %w", err)
	}

	minPages, maxPages := art.MemoryLimits()
	memory, err := wasm.NewSharedMemory(ctx, runtime, logger, minPages, maxPages, wasm.DefaultImportModule)
	if err != nil {
		return fmt.Errorf("creating shared memory: %w", err)
	}

	manager := wasm.NewInstanceManager(runtime, memory, art.Alloc(), logger)

	p, err := pool.New(protocol.ModuleRef{
		Module:      art.Compiled,
		Memory:      memory,
		ArtifactRef: cfg.ArtifactPath,
		Entrypoint:  art.EntryPoint(),
	}, manager, logger, pool.WithInboxSize(cfg.InboxSize))
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	defer p.Close(context.Background())

	// Surface async worker errors in the log.
	go func() {
		for err := range p.Errors() {
			logger.Error("Worker error", zap.Error(err))
		}
	}()

	// Spawn workers and dispatch immediately; jobs sent before a worker is
	// ready are buffered by the worker and drained in order.
	for i := 0; i < cfg.Workers; i++ {
		if _, err := p.Spawn(protocol.WorkerID(i)); err != nil {
			return fmt.Errorf("spawning worker %d: %w", i, err)
		}
	}

	for i := 0; i < jobs; i++ {
		id := protocol.WorkerID(i % cfg.Workers)
		payload := fmt.Appendf(nil, "job-%d", i)
		if err := p.Dispatch(id, payload); err != nil {
			logger.Error("Dispatch failed",
				zap.Uint32("worker_id", uint32(id)),
				zap.Error(err),
			)
		}
	}

	logger.Info("Jobs dispatched",
		zap.Int("jobs", jobs),
		zap.Int("workers", cfg.Workers),
	)

	// The protocol is fire-and-forget, but completion notifications tell us
	// when the demo jobs have actually run.
	completed := 0
	timeout := time.After(10 * time.Second)
	for completed < jobs {
		select {
		case id, ok := <-p.Completions():
			if !ok {
				return nil
			}
			completed++
			logger.Debug("Job completed", zap.Uint32("worker_id", uint32(id)))
		case <-ctx.Done():
			return nil
		case <-timeout:
			logger.Warn("Timed out waiting for job completions",
				zap.Int("completed", completed),
				zap.Int("jobs", jobs),
			)
			return nil
		}
	}

	logger.Info("All jobs completed", zap.Int("jobs", jobs))
	return nil
}
