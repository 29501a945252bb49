package wasm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-worker/pkg/protocol"
)

// Job ABI signatures: entry(ptr, len, worker_id) and alloc(len) -> ptr.
var (
	entrySigParams = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
	allocSigParams = []api.ValueType{api.ValueTypeI32}
	allocSigResult = []api.ValueType{api.ValueTypeI32}
)

// DefaultAllocExport is the guest export used to reserve payload space.
const DefaultAllocExport = "alloc"

// InstanceManager creates one module instance per worker context, each bound
// to the pool's shared memory. It implements the pool's Instantiator.
type InstanceManager struct {
	runtime   *Runtime
	memory    *SharedMemory
	allocName string
	logger    *zap.Logger
}

// NewInstanceManager creates a new instance manager. allocName is the guest
// allocator export; "" means DefaultAllocExport.
func NewInstanceManager(runtime *Runtime, memory *SharedMemory, allocName string, logger *zap.Logger) *InstanceManager {
	if allocName == "" {
		allocName = DefaultAllocExport
	}
	return &InstanceManager{
		runtime:   runtime,
		memory:    memory,
		allocName: allocName,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// Instantiate creates a fresh instance of the pool's compiled module for the
// given worker. Import resolution binds the instance's memory to the shared
// region registered by NewSharedMemory; the module must therefore be built
// with an imported shared memory (env.memory by default).
//
// A missing entry point or allocator export is the unrecoverable
// initialization failure for this worker: the instance is closed and a
// FunctionNotFoundError returned. Other workers are unaffected.
func (m *InstanceManager) Instantiate(ctx context.Context, ref protocol.ModuleRef, id protocol.WorkerID) (protocol.Executor, error) {
	compiled, ok := ref.Module.(*CompiledModule)
	if !ok {
		return nil, &InstantiationError{
			ModuleName: ref.ArtifactRef,
			Err:        errors.New("module reference is not a compiled wazero module"),
		}
	}

	// A worker may only ever bind to the pool's own region. Rejecting
	// foreign handles keeps "one shared memory per pool" a type-level fact.
	if mem, ok := ref.Memory.(*SharedMemory); !ok || mem != m.memory {
		return nil, &InstantiationError{
			ModuleName: compiled.Name,
			Err:        errors.New("worker bound to a foreign memory region"),
		}
	}

	name := fmt.Sprintf("worker-%d", id)

	m.logger.Info("Instantiating worker module",
		zap.String("module", compiled.Name),
		zap.String("instance", name),
		zap.Uint32("worker_id", uint32(id)),
	)

	// No WASI _start here; the artifact is a reactor-style module.
	moduleConfig := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()

	mod, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: compiled.Name,
			InstanceID: name,
			Err:        err,
		}
	}

	entry := mod.ExportedFunction(ref.Entrypoint)
	if entry == nil {
		_ = mod.Close(ctx)
		return nil, &FunctionNotFoundError{
			ModuleName:   compiled.Name,
			FunctionName: ref.Entrypoint,
		}
	}
	if err := checkSignature(compiled.Name, ref.Entrypoint, entry, entrySigParams, nil); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	alloc := mod.ExportedFunction(m.allocName)
	if alloc == nil {
		_ = mod.Close(ctx)
		return nil, &FunctionNotFoundError{
			ModuleName:   compiled.Name,
			FunctionName: m.allocName,
		}
	}
	if err := checkSignature(compiled.Name, m.allocName, alloc, allocSigParams, allocSigResult); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	m.runtime.StoreInstance(name, mod)

	m.logger.Info("Worker module instantiated",
		zap.String("instance", name),
		zap.String("entrypoint", ref.Entrypoint),
	)

	return &moduleExecutor{
		runtime: m.runtime,
		module:  mod,
		name:    name,
		entry:   entry,
		alloc:   alloc,
		logger:  m.logger.With(zap.String("instance", name)),
	}, nil
}

// moduleExecutor runs jobs on one worker instance. Used by a single worker
// goroutine; not safe for concurrent use.
type moduleExecutor struct {
	runtime *Runtime
	module  api.Module
	name    string
	entry   api.Function
	alloc   api.Function
	logger  *zap.Logger
}

// Execute writes the job payload into the shared region via the guest
// allocator and invokes the entry point as entry(ptr, len, worker_id).
// An empty payload skips allocation and passes (0, 0, worker_id), matching
// the original positional framing.
func (e *moduleExecutor) Execute(ctx context.Context, job protocol.Job) error {
	var ptr, length uint64

	if len(job.Payload) > 0 {
		results, err := e.alloc.Call(ctx, uint64(len(job.Payload)))
		if err != nil {
			return fmt.Errorf("allocating %d bytes for job payload: %w", len(job.Payload), err)
		}
		ptr = results[0]

		if !e.module.Memory().Write(uint32(ptr), job.Payload) {
			return &MemoryAccessError{
				Operation: "write",
				Address:   uint32(ptr),
				Length:    uint32(len(job.Payload)),
			}
		}
		length = uint64(len(job.Payload))
	}

	if _, err := e.entry.Call(ctx, ptr, length, uint64(job.ID)); err != nil {
		return fmt.Errorf("executing job on worker %d: %w", job.ID, err)
	}
	return nil
}

// Close releases the module instance.
func (e *moduleExecutor) Close(ctx context.Context) error {
	e.runtime.DeleteInstance(e.name)
	return e.module.Close(ctx)
}

// checkSignature verifies a resolved export against the job ABI. A mismatch
// is an initialization resolution failure for this worker, surfaced here so
// it can never trap mid-job.
func checkSignature(moduleName, funcName string, fn api.Function, params, results []api.ValueType) error {
	def := fn.Definition()
	if typesEqual(def.ParamTypes(), params) && typesEqual(def.ResultTypes(), results) {
		return nil
	}
	return &FunctionSignatureError{
		ModuleName:   moduleName,
		FunctionName: funcName,
		Want:         signatureString(params, results),
		Got:          signatureString(def.ParamTypes(), def.ResultTypes()),
	}
}

func typesEqual(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signatureString(params, results []api.ValueType) string {
	names := func(types []api.ValueType) string {
		out := make([]string, len(types))
		for i, t := range types {
			out[i] = api.ValueTypeName(t)
		}
		return strings.Join(out, ", ")
	}
	return fmt.Sprintf("(%s) -> (%s)", names(params), names(results))
}
