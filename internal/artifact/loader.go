package artifact

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-worker/internal/wasm"
)

// Loader handles loading worker artifacts from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new artifact loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "artifact-loader")),
	}
}

// LoadArtifact loads a worker artifact from a directory containing
// manifest.yaml and the module binary it names.
func (l *Loader) LoadArtifact(ctx context.Context, dir string) (*Artifact, error) {
	l.logger.Debug("Loading artifact", zap.String("dir", dir))

	// Parse manifest
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading artifact",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("entry_point", manifest.Wasm.EntryPoint),
	)

	// Compile Wasm module (uses internal caching)
	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &ArtifactLoadError{
			ArtifactName: manifest.Name,
			Err:          err,
		}
	}

	artifact := &Artifact{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Artifact loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return artifact, nil
}
