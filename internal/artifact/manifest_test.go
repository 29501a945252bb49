package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeArtifactDir(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	// The smallest valid wasm binary: magic and version only.
	wasmBytes := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if err := os.WriteFile(filepath.Join(dir, "worker.wasm"), wasmBytes, 0o644); err != nil {
		t.Fatalf("Failed to write wasm file: %v", err)
	}
	return dir
}

func TestParseManifest(t *testing.T) {
	dir := writeArtifactDir(t, `
name: echo-worker
version: 1.0.0
author: test
license: MIT
wasm:
  file: worker.wasm
  entry_point: handle_job
  alloc: reserve
  memory:
    min_pages: 32
    max_pages: 128
`)

	m, err := ParseManifest(dir)
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if m.Name != "echo-worker" || m.Version != "1.0.0" {
		t.Errorf("Identity = %s/%s, want echo-worker/1.0.0", m.Name, m.Version)
	}
	if m.Wasm.EntryPoint != "handle_job" || m.Wasm.Alloc != "reserve" {
		t.Errorf("Exports = %s/%s, want handle_job/reserve", m.Wasm.EntryPoint, m.Wasm.Alloc)
	}
	if m.Wasm.Memory.MinPages != 32 || m.Wasm.Memory.MaxPages != 128 {
		t.Errorf("Memory = %d/%d, want 32/128", m.Wasm.Memory.MinPages, m.Wasm.Memory.MaxPages)
	}
	if got := m.WasmPath(); got != filepath.Join(dir, "worker.wasm") {
		t.Errorf("WasmPath = %q", got)
	}
}

func TestParseManifestDefaults(t *testing.T) {
	dir := writeArtifactDir(t, `
name: echo-worker
version: 1.0.0
wasm:
  file: worker.wasm
`)

	m, err := ParseManifest(dir)
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if m.Wasm.EntryPoint != DefaultEntryPoint {
		t.Errorf("EntryPoint = %q, want %q", m.Wasm.EntryPoint, DefaultEntryPoint)
	}
	if m.Wasm.Alloc != DefaultAlloc {
		t.Errorf("Alloc = %q, want %q", m.Wasm.Alloc, DefaultAlloc)
	}
	if m.Wasm.Memory.MinPages != DefaultMinPages || m.Wasm.Memory.MaxPages != DefaultMaxPages {
		t.Errorf("Memory = %d/%d, want defaults %d/%d",
			m.Wasm.Memory.MinPages, m.Wasm.Memory.MaxPages, DefaultMinPages, DefaultMaxPages)
	}
}

func TestParseManifestMissing(t *testing.T) {
	_, err := ParseManifest(t.TempDir())
	var notFound *ManifestNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Error = %v, want ManifestNotFoundError", err)
	}
}

func TestParseManifestInvalidYAML(t *testing.T) {
	dir := writeArtifactDir(t, "name: [unbalanced")

	_, err := ParseManifest(dir)
	var parse *ManifestParseError
	if !errors.As(err, &parse) {
		t.Fatalf("Error = %v, want ManifestParseError", err)
	}
}

func TestParseManifestValidation(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		field    string
	}{
		{
			"missing name",
			"version: 1.0.0\nwasm:\n  file: worker.wasm\n",
			"name",
		},
		{
			"missing version",
			"name: w\nwasm:\n  file: worker.wasm\n",
			"version",
		},
		{
			"missing wasm file",
			"name: w\nversion: 1.0.0\n",
			"wasm.file",
		},
		{
			"inverted memory limits",
			"name: w\nversion: 1.0.0\nwasm:\n  file: worker.wasm\n  memory:\n    min_pages: 64\n    max_pages: 2\n",
			"wasm.memory",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeArtifactDir(t, tc.manifest)
			_, err := ParseManifest(dir)
			var validation *ManifestValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("Error = %v, want ManifestValidationError", err)
			}
			if validation.Field != tc.field {
				t.Errorf("Field = %q, want %q", validation.Field, tc.field)
			}
		})
	}
}

func TestParseManifestWasmFileMissing(t *testing.T) {
	dir := t.TempDir()
	manifest := "name: w\nversion: 1.0.0\nwasm:\n  file: absent.wasm\n"
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	_, err := ParseManifest(dir)
	var notFound *WasmNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Error = %v, want WasmNotFoundError", err)
	}
	if notFound.WasmFile != "absent.wasm" {
		t.Errorf("WasmFile = %q, want absent.wasm", notFound.WasmFile)
	}
}
