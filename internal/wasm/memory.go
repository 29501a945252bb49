package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// DefaultImportModule is the namespace worker modules import the shared
// memory from, i.e. (import "env" "memory" (memory ...)).
const DefaultImportModule = "env"

const memoryExportName = "memory"

// SharedMemory is the single mutable memory region every worker instance in
// a pool is bound to. It is materialized as a tiny provider module that
// exports one shared memory; the provider is instantiated exactly once and
// registered under the import namespace, so every later instantiation of the
// worker module resolves its memory import to the same backing storage.
//
// There is exactly one SharedMemory per pool generation. The type offers no
// way to rebind or duplicate the backing memory: replacing the region under
// live workers would desynchronize them silently.
//
// The region is mutably shared by design. The runtime performs no locking
// over it; callers either partition addresses per job or use wasm atomic
// operations (the threads feature the runtime enables provides them).
type SharedMemory struct {
	provider     api.Module
	mem          api.Memory
	importModule string
	minPages     uint32
	maxPages     uint32
	logger       *zap.Logger
}

// NewSharedMemory creates the pool's shared memory region with min/max size
// in 64KB pages, registered under importModule ("" means DefaultImportModule).
//
// This fails with SharedMemoryUnsupportedError when the runtime was built
// without the threads feature; that is the environment precondition for the
// whole pool and is surfaced here, before any worker exists.
func NewSharedMemory(ctx context.Context, runtime *Runtime, logger *zap.Logger, minPages, maxPages uint32, importModule string) (*SharedMemory, error) {
	if !runtime.SharedMemoryEnabled() {
		return nil, &SharedMemoryUnsupportedError{}
	}
	if importModule == "" {
		importModule = DefaultImportModule
	}
	if maxPages == 0 || minPages > maxPages {
		return nil, fmt.Errorf("invalid shared memory limits: min=%d max=%d", minPages, maxPages)
	}

	providerBytes := encodeMemoryModule(minPages, maxPages)

	compiled, err := runtime.runtime.CompileModule(ctx, providerBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: importModule,
			Err:        err,
		}
	}

	mod, err := runtime.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(importModule))
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: importModule,
			InstanceID: importModule,
			Err:        err,
		}
	}

	mem := mod.ExportedMemory(memoryExportName)
	if mem == nil {
		_ = mod.Close(ctx)
		return nil, &FunctionNotFoundError{
			ModuleName:   importModule,
			FunctionName: memoryExportName,
		}
	}

	runtime.StoreInstance(importModule, mod)

	logger.Info("Shared memory region created",
		zap.Uint32("min_pages", minPages),
		zap.Uint32("max_pages", maxPages),
		zap.String("import_module", importModule),
	)

	return &SharedMemory{
		provider:     mod,
		mem:          mem,
		importModule: importModule,
		minPages:     minPages,
		maxPages:     maxPages,
		logger:       logger.With(zap.String("component", "shared-memory")),
	}, nil
}

// Size returns the current size of the region in bytes.
func (m *SharedMemory) Size() uint32 {
	return m.mem.Size()
}

// Pages returns the min/max limits the region was created with.
func (m *SharedMemory) Pages() (min, max uint32) {
	return m.minPages, m.maxPages
}

// ImportModule returns the namespace worker modules import the memory from.
func (m *SharedMemory) ImportModule() string {
	return m.importModule
}

// Memory exposes the underlying wazero memory.
func (m *SharedMemory) Memory() api.Memory {
	return m.mem
}

// Read copies length bytes at ptr out of the region. The copy is deliberate:
// workers mutate the region concurrently, so returned bytes are a snapshot.
func (m *SharedMemory) Read(ptr, length uint32) ([]byte, error) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, &MemoryAccessError{Operation: "read", Address: ptr, Length: length}
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// Write copies data into the region at ptr.
func (m *SharedMemory) Write(ptr uint32, data []byte) error {
	if !m.mem.Write(ptr, data) {
		return &MemoryAccessError{Operation: "write", Address: ptr, Length: uint32(len(data))}
	}
	return nil
}

// ReadUint32 reads a little-endian uint32 at ptr.
func (m *SharedMemory) ReadUint32(ptr uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(ptr)
	if !ok {
		return 0, &MemoryAccessError{Operation: "read_u32", Address: ptr, Length: 4}
	}
	return v, nil
}

// WriteUint32 writes a little-endian uint32 at ptr.
func (m *SharedMemory) WriteUint32(ptr, v uint32) error {
	if !m.mem.WriteUint32Le(ptr, v) {
		return &MemoryAccessError{Operation: "write_u32", Address: ptr, Length: 4}
	}
	return nil
}

// ReadString reads a null-terminated string at ptr, scanning at most maxLen
// bytes.
func (m *SharedMemory) ReadString(ptr, maxLen uint32) (string, error) {
	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", &MemoryAccessError{Operation: "read_string", Address: ptr, Length: maxLen}
	}

	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	return string(buf[:end]), nil
}

// Close releases the provider instance. Call only after all workers bound to
// the region are gone.
func (m *SharedMemory) Close(ctx context.Context, runtime *Runtime) error {
	runtime.DeleteInstance(m.importModule)
	return m.provider.Close(ctx)
}

// encodeMemoryModule builds the wasm binary for the memory provider:
//
//	(module (memory (export "memory") min max shared))
//
// Limits flag 0x03 marks the memory shared-with-max, which the threads
// feature requires.
func encodeMemoryModule(minPages, maxPages uint32) []byte {
	mod := []byte{
		0x00, 0x61, 0x73, 0x6d, // Magic number: \0asm
		0x01, 0x00, 0x00, 0x00, // Version: 1
	}

	// Memory section: one memory, shared limits.
	memSection := []byte{0x01, 0x03}
	memSection = append(memSection, uleb128(minPages)...)
	memSection = append(memSection, uleb128(maxPages)...)
	mod = appendSection(mod, 0x05, memSection)

	// Export section: "memory" as memory index 0.
	exportSection := []byte{0x01, 0x06}
	exportSection = append(exportSection, []byte(memoryExportName)...)
	exportSection = append(exportSection, 0x02, 0x00)
	mod = appendSection(mod, 0x07, exportSection)

	return mod
}

func appendSection(mod []byte, id byte, payload []byte) []byte {
	mod = append(mod, id)
	mod = append(mod, uleb128(uint32(len(payload)))...)
	return append(mod, payload...)
}

// uleb128 encodes v as an unsigned LEB128 integer.
func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}
