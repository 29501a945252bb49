package artifact

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default guest exports, matching what wasm-bindgen style worker builds
// export.
const (
	DefaultEntryPoint = "run_worker"
	DefaultAlloc      = "alloc"
)

// Default shared memory limits (64KB pages).
const (
	DefaultMinPages uint32 = 16  // 1MB
	DefaultMaxPages uint32 = 256 // 16MB
)

// Manifest represents the artifact manifest.yaml structure.
type Manifest struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Wasm    WasmSpec `yaml:"wasm"`
	Author  string   `yaml:"author"`
	License string   `yaml:"license"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmSpec holds the Wasm module configuration.
type WasmSpec struct {
	// File is the module binary, relative to the manifest directory.
	File string `yaml:"file"`

	// EntryPoint is the export invoked per job as entry(ptr, len, id).
	EntryPoint string `yaml:"entry_point"`

	// Alloc is the export used to reserve payload space in the shared
	// region.
	Alloc string `yaml:"alloc"`

	// Memory sets the shared region limits.
	Memory MemorySpec `yaml:"memory"`
}

// MemorySpec holds shared memory limits in 64KB pages.
type MemorySpec struct {
	MinPages uint32 `yaml:"min_pages"`
	MaxPages uint32 `yaml:"max_pages"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, "manifest.yaml")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir
	m.applyDefaults()

	// Validate manifest
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Wasm.EntryPoint == "" {
		m.Wasm.EntryPoint = DefaultEntryPoint
	}
	if m.Wasm.Alloc == "" {
		m.Wasm.Alloc = DefaultAlloc
	}
	if m.Wasm.Memory.MinPages == 0 {
		m.Wasm.Memory.MinPages = DefaultMinPages
	}
	if m.Wasm.Memory.MaxPages == 0 {
		m.Wasm.Memory.MaxPages = DefaultMaxPages
	}
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "name",
			Message: "name is required",
		}
	}

	if m.Version == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "version",
			Message: "version is required",
		}
	}

	if m.Wasm.File == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "wasm.file",
			Message: "wasm file is required",
		}
	}

	if m.Wasm.Memory.MinPages > m.Wasm.Memory.MaxPages {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "wasm.memory",
			Message: "min_pages exceeds max_pages",
		}
	}

	// The module binary must exist next to the manifest.
	if _, err := os.Stat(m.WasmPath()); err != nil {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, "manifest.yaml")
}

// WasmPath returns the absolute-ish path of the module binary.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}
