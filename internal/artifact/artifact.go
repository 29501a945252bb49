package artifact

import (
	"time"

	"github.com/woxQAQ/wasm-worker/internal/wasm"
)

// Artifact is a loaded worker module: its manifest plus the compiled Wasm
// module every worker instance is created from. The compiled representation
// is immutable and created once per pool generation; workers borrow it, they
// never recompile.
type Artifact struct {
	// Manifest is the parsed artifact metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the artifact was loaded
	LoadedAt time.Time
}

// Name returns the artifact name.
func (a *Artifact) Name() string {
	return a.Manifest.Name
}

// Version returns the artifact version.
func (a *Artifact) Version() string {
	return a.Manifest.Version
}

// EntryPoint returns the export invoked per job.
func (a *Artifact) EntryPoint() string {
	return a.Manifest.Wasm.EntryPoint
}

// Alloc returns the guest allocator export.
func (a *Artifact) Alloc() string {
	return a.Manifest.Wasm.Alloc
}

// MemoryLimits returns the shared memory limits in pages.
func (a *Artifact) MemoryLimits() (min, max uint32) {
	return a.Manifest.Wasm.Memory.MinPages, a.Manifest.Wasm.Memory.MaxPages
}
