package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// PoolConfig holds the worker pool configuration.
type PoolConfig struct {
	// Workers is the number of worker contexts to spawn.
	Workers int `mapstructure:"workers"`
	// InboxSize is the per-worker inbox capacity.
	InboxSize int `mapstructure:"inbox_size"`
	// LogLevel is the zap log level.
	LogLevel string `mapstructure:"log_level"`
	// ArtifactPath is the directory containing manifest.yaml and the
	// module binary.
	ArtifactPath string     `mapstructure:"artifact_path"`
	Wasm         WasmConfig `mapstructure:"wasm"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module instance (in pages, 64KB each). Must cover
	// the shared region's max pages.
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
}

// LoadPoolConfig loads the pool configuration, falling back to defaults when
// configPath is empty.
func LoadPoolConfig(configPath string) (*PoolConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("workers", 4)
	v.SetDefault("inbox_size", 1024)
	v.SetDefault("log_level", "info")
	v.SetDefault("artifact_path", "./artifact")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 1024) // 64MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg PoolConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.InboxSize < 1 {
		return nil, fmt.Errorf("inbox_size must be at least 1, got %d", cfg.InboxSize)
	}

	return &cfg, nil
}
