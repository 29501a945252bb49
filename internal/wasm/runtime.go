package wasm

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"
)

// Runtime manages the wazero runtime lifecycle.
// It's a singleton that creates a single wazero.Runtime for the entire pool;
// all worker instances are created inside it so they can share one compiled
// module and one memory region.
type Runtime struct {
	// wazero runtime (singleton)
	runtime wazero.Runtime

	// Compiled module cache (key: module name/path -> value: compiled module)
	// This avoids recompiling the same Wasm binary multiple times
	modules sync.Map // map[string]*CompiledModule

	// Active module instances (for cleanup on shutdown)
	// key: instance name -> value: api.Module
	instances sync.Map

	// Compilation cache backing CacheDir, closed with the runtime.
	compilationCache wazero.CompilationCache

	// Configuration
	config *RuntimeConfig

	// Logger
	logger *zap.Logger

	// Shutdown management
	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limit for Wasm modules (in pages, 64KB each).
	// Must be at least the shared region's max pages.
	// Default: 1024 pages = 64MB.
	MemoryPages uint32

	// SharedMemory enables the threads feature (shared memories and atomic
	// operations). The pool requires it; creating a shared region on a
	// runtime without it fails immediately, before any worker is spawned.
	SharedMemory bool

	// Enable debug logging for Wasm execution
	Debug bool

	// Compilation cache directory (for persistent caching)
	// If empty, uses in-memory caching only
	CacheDir string
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	// wazero compiled module
	Module wazero.CompiledModule

	// Module metadata
	Name      string
	Source    string // File path, URL or identifier
	SizeBytes int64

	// Compilation timestamp
	CompiledAt int64
}

// ModuleName returns the module name. It satisfies the pool's module
// reference interface.
func (m *CompiledModule) ModuleName() string {
	return m.Name
}

// NewRuntime creates and initializes a new wazero runtime.
// This should be called once during pool startup.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	// Validate config
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	runtimeConfig := wazero.NewRuntimeConfig()
	if config.MemoryPages > 0 {
		runtimeConfig = runtimeConfig.WithMemoryLimitPages(config.MemoryPages)
	}
	if config.SharedMemory {
		// Shared memories are part of the threads proposal, gated behind an
		// experimental core feature flag.
		runtimeConfig = runtimeConfig.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, err
		}
		runtimeConfig = runtimeConfig.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	runtime := &Runtime{
		runtime:          r,
		compilationCache: cache,
		config:           config,
		logger:           logger.With(zap.String("component", "wasm-runtime")),
		closed:           make(chan struct{}),
	}

	logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("shared_memory", config.SharedMemory),
		zap.Bool("debug", config.Debug),
		zap.String("cache_dir", config.CacheDir),
	)

	return runtime, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:  1024, // 64MB
		SharedMemory: true,
		Debug:        false,
		CacheDir:     "",
	}
}

// SharedMemoryEnabled reports whether the runtime was configured with the
// threads feature required for a shared memory region.
func (r *Runtime) SharedMemoryEnabled() bool {
	return r.config.SharedMemory
}

// Close gracefully shuts down the runtime.
// Safe to call multiple times (idempotent).
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		// Close all active instances first
		r.instances.Range(func(key, value interface{}) bool {
			if inst, ok := value.(interface{ Close(context.Context) error }); ok {
				if closeErr := inst.Close(ctx); closeErr != nil {
					r.logger.Warn("Failed to close instance",
						zap.String("instance", key.(string)),
						zap.Error(closeErr),
					)
				}
			}
			return true
		})

		// Close the runtime (closes compiled modules)
		err = r.runtime.Close(ctx)

		if r.compilationCache != nil {
			if cacheErr := r.compilationCache.Close(ctx); cacheErr != nil && err == nil {
				err = cacheErr
			}
		}

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

// GetInstance retrieves an active instance.
func (r *Runtime) GetInstance(name string) (interface{}, bool) {
	return r.instances.Load(name)
}

// StoreInstance stores an active instance.
func (r *Runtime) StoreInstance(name string, instance interface{}) {
	r.instances.Store(name, instance)
}

// DeleteInstance removes an instance from tracking.
func (r *Runtime) DeleteInstance(name string) {
	r.instances.Delete(name)
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
