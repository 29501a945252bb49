package wasm

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-worker/pkg/protocol"
)

// buildGuestModule assembles a minimal worker artifact by hand:
//
//	(module
//	  (import "env" "memory" (memory min max shared))
//	  (func (export "alloc") (param i32) (result i32) i32.const 1024)
//	  (func (export "run_worker") (param i32 i32 i32)
//	    i32.const 0 local.get 2 i32.store))
//
// alloc hands out a fixed payload offset and run_worker records the worker
// id at address 0, so tests can observe both halves of the job ABI through
// the shared region.
func buildGuestModule(minPages, maxPages uint32) []byte {
	mod := append([]byte{}, emptyModule...)

	typeSec := []byte{0x02,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x00,
	}
	mod = appendSection(mod, 0x01, typeSec)

	importSec := []byte{0x01, 0x03}
	importSec = append(importSec, "env"...)
	importSec = append(importSec, 0x06)
	importSec = append(importSec, "memory"...)
	importSec = append(importSec, 0x02, 0x03)
	importSec = append(importSec, uleb128(minPages)...)
	importSec = append(importSec, uleb128(maxPages)...)
	mod = appendSection(mod, 0x02, importSec)

	mod = appendSection(mod, 0x03, []byte{0x02, 0x00, 0x01})

	exportSec := []byte{0x02, 0x05}
	exportSec = append(exportSec, "alloc"...)
	exportSec = append(exportSec, 0x00, 0x00, 0x0a)
	exportSec = append(exportSec, "run_worker"...)
	exportSec = append(exportSec, 0x00, 0x01)
	mod = appendSection(mod, 0x07, exportSec)

	codeSec := []byte{0x02,
		0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
		0x09, 0x00, 0x41, 0x00, 0x20, 0x02, 0x36, 0x02, 0x00, 0x0b,
	}
	mod = appendSection(mod, 0x0a, codeSec)

	return mod
}

func newTestManager(t *testing.T) (*Runtime, *SharedMemory, *InstanceManager, *CompiledModule) {
	t.Helper()
	r, mem := newTestMemory(t, 2, 4)
	loader := NewModuleLoader(r, zaptest.NewLogger(t))
	compiled, err := loader.LoadModuleFromMemory(context.Background(), "guest", buildGuestModule(2, 4))
	if err != nil {
		t.Fatalf("Failed to compile guest module: %v", err)
	}
	manager := NewInstanceManager(r, mem, "", zaptest.NewLogger(t))
	return r, mem, manager, compiled
}

func guestRef(compiled *CompiledModule, mem *SharedMemory) protocol.ModuleRef {
	return protocol.ModuleRef{
		Module:      compiled,
		Memory:      mem,
		ArtifactRef: "mem://guest",
		Entrypoint:  "run_worker",
	}
}

func TestInstantiateAndExecute(t *testing.T) {
	r, mem, manager, compiled := newTestManager(t)
	ctx := context.Background()

	exec, err := manager.Instantiate(ctx, guestRef(compiled, mem), 7)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}

	if err := exec.Execute(ctx, protocol.Job{ID: 7, Payload: []byte("hi")}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The guest stored its worker id at address 0.
	id, err := mem.ReadUint32(0)
	if err != nil {
		t.Fatalf("ReadUint32 failed: %v", err)
	}
	if id != 7 {
		t.Errorf("Guest observed worker id %d, want 7", id)
	}

	// The host wrote the payload at the offset the guest allocator returned.
	payload, err := mem.Read(1024, 2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(payload, []byte("hi")) {
		t.Errorf("Payload in shared region = %q, want hi", payload)
	}

	if err := exec.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, ok := r.GetInstance("worker-7"); ok {
		t.Error("Instance still tracked after close")
	}
}

func TestExecuteEmptyPayload(t *testing.T) {
	_, mem, manager, compiled := newTestManager(t)
	ctx := context.Background()

	exec, err := manager.Instantiate(ctx, guestRef(compiled, mem), 9)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer exec.Close(ctx)

	// Empty payload skips allocation entirely; the entry still runs with the
	// worker id.
	if err := exec.Execute(ctx, protocol.Job{ID: 9}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	id, err := mem.ReadUint32(0)
	if err != nil {
		t.Fatalf("ReadUint32 failed: %v", err)
	}
	if id != 9 {
		t.Errorf("Guest observed worker id %d, want 9", id)
	}
}

func TestInstancesShareOneRegion(t *testing.T) {
	_, mem, manager, compiled := newTestManager(t)
	ctx := context.Background()

	first, err := manager.Instantiate(ctx, guestRef(compiled, mem), 1)
	if err != nil {
		t.Fatalf("Instantiate worker 1 failed: %v", err)
	}
	defer first.Close(ctx)

	second, err := manager.Instantiate(ctx, guestRef(compiled, mem), 2)
	if err != nil {
		t.Fatalf("Instantiate worker 2 failed: %v", err)
	}
	defer second.Close(ctx)

	// Both instances write to the same address; the region reflects whoever
	// ran last.
	if err := first.Execute(ctx, protocol.Job{ID: 1}); err != nil {
		t.Fatalf("Execute on worker 1 failed: %v", err)
	}
	if err := second.Execute(ctx, protocol.Job{ID: 2}); err != nil {
		t.Fatalf("Execute on worker 2 failed: %v", err)
	}

	id, err := mem.ReadUint32(0)
	if err != nil {
		t.Fatalf("ReadUint32 failed: %v", err)
	}
	if id != 2 {
		t.Errorf("Region holds worker id %d, want 2", id)
	}
}

func TestInstantiateMissingEntrypoint(t *testing.T) {
	_, mem, manager, compiled := newTestManager(t)

	ref := guestRef(compiled, mem)
	ref.Entrypoint = "does_not_exist"

	_, err := manager.Instantiate(context.Background(), ref, 1)
	var notFound *FunctionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Error = %v, want FunctionNotFoundError", err)
	}
	if notFound.FunctionName != "does_not_exist" {
		t.Errorf("FunctionNotFoundError.FunctionName = %q", notFound.FunctionName)
	}
}

// buildVoidAllocGuest is buildGuestModule with an allocator typed
// (param i32) and no result, a shape a broken artifact build can produce.
func buildVoidAllocGuest(minPages, maxPages uint32) []byte {
	mod := append([]byte{}, emptyModule...)

	typeSec := []byte{0x02,
		0x60, 0x01, 0x7f, 0x00,
		0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x00,
	}
	mod = appendSection(mod, 0x01, typeSec)

	importSec := []byte{0x01, 0x03}
	importSec = append(importSec, "env"...)
	importSec = append(importSec, 0x06)
	importSec = append(importSec, "memory"...)
	importSec = append(importSec, 0x02, 0x03)
	importSec = append(importSec, uleb128(minPages)...)
	importSec = append(importSec, uleb128(maxPages)...)
	mod = appendSection(mod, 0x02, importSec)

	mod = appendSection(mod, 0x03, []byte{0x02, 0x00, 0x01})

	exportSec := []byte{0x02, 0x05}
	exportSec = append(exportSec, "alloc"...)
	exportSec = append(exportSec, 0x00, 0x00, 0x0a)
	exportSec = append(exportSec, "run_worker"...)
	exportSec = append(exportSec, 0x00, 0x01)
	mod = appendSection(mod, 0x07, exportSec)

	codeSec := []byte{0x02,
		0x02, 0x00, 0x0b,
		0x09, 0x00, 0x41, 0x00, 0x20, 0x02, 0x36, 0x02, 0x00, 0x0b,
	}
	mod = appendSection(mod, 0x0a, codeSec)

	return mod
}

// buildBadEntryGuest exports a run_worker typed (i32) -> (i32) instead of
// the three-argument entry shape.
func buildBadEntryGuest(minPages, maxPages uint32) []byte {
	mod := append([]byte{}, emptyModule...)

	mod = appendSection(mod, 0x01, []byte{0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f})

	importSec := []byte{0x01, 0x03}
	importSec = append(importSec, "env"...)
	importSec = append(importSec, 0x06)
	importSec = append(importSec, "memory"...)
	importSec = append(importSec, 0x02, 0x03)
	importSec = append(importSec, uleb128(minPages)...)
	importSec = append(importSec, uleb128(maxPages)...)
	mod = appendSection(mod, 0x02, importSec)

	mod = appendSection(mod, 0x03, []byte{0x02, 0x00, 0x00})

	exportSec := []byte{0x02, 0x05}
	exportSec = append(exportSec, "alloc"...)
	exportSec = append(exportSec, 0x00, 0x00, 0x0a)
	exportSec = append(exportSec, "run_worker"...)
	exportSec = append(exportSec, 0x00, 0x01)
	mod = appendSection(mod, 0x07, exportSec)

	codeSec := []byte{0x02,
		0x04, 0x00, 0x41, 0x00, 0x0b,
		0x04, 0x00, 0x41, 0x00, 0x0b,
	}
	mod = appendSection(mod, 0x0a, codeSec)

	return mod
}

func TestInstantiateRejectsVoidAlloc(t *testing.T) {
	r, mem := newTestMemory(t, 2, 4)
	loader := NewModuleLoader(r, zaptest.NewLogger(t))
	compiled, err := loader.LoadModuleFromMemory(context.Background(), "void-alloc", buildVoidAllocGuest(2, 4))
	if err != nil {
		t.Fatalf("Failed to compile guest module: %v", err)
	}

	manager := NewInstanceManager(r, mem, "", zaptest.NewLogger(t))
	_, err = manager.Instantiate(context.Background(), guestRef(compiled, mem), 1)
	var sig *FunctionSignatureError
	if !errors.As(err, &sig) {
		t.Fatalf("Error = %v, want FunctionSignatureError", err)
	}
	if sig.FunctionName != "alloc" {
		t.Errorf("FunctionSignatureError.FunctionName = %q, want alloc", sig.FunctionName)
	}
}

func TestInstantiateRejectsBadEntrySignature(t *testing.T) {
	r, mem := newTestMemory(t, 2, 4)
	loader := NewModuleLoader(r, zaptest.NewLogger(t))
	compiled, err := loader.LoadModuleFromMemory(context.Background(), "bad-entry", buildBadEntryGuest(2, 4))
	if err != nil {
		t.Fatalf("Failed to compile guest module: %v", err)
	}

	manager := NewInstanceManager(r, mem, "", zaptest.NewLogger(t))
	_, err = manager.Instantiate(context.Background(), guestRef(compiled, mem), 1)
	var sig *FunctionSignatureError
	if !errors.As(err, &sig) {
		t.Fatalf("Error = %v, want FunctionSignatureError", err)
	}
	if sig.FunctionName != "run_worker" {
		t.Errorf("FunctionSignatureError.FunctionName = %q, want run_worker", sig.FunctionName)
	}
}

type foreignModule struct{}

func (foreignModule) ModuleName() string { return "foreign" }

func TestInstantiateRejectsForeignModule(t *testing.T) {
	_, mem, manager, _ := newTestManager(t)

	ref := protocol.ModuleRef{
		Module:      foreignModule{},
		Memory:      mem,
		ArtifactRef: "mem://foreign",
		Entrypoint:  "run_worker",
	}
	_, err := manager.Instantiate(context.Background(), ref, 1)
	var inst *InstantiationError
	if !errors.As(err, &inst) {
		t.Fatalf("Error = %v, want InstantiationError", err)
	}
}

func TestInstantiateRejectsForeignMemory(t *testing.T) {
	r, _, manager, compiled := newTestManager(t)

	// A second region under another namespace must never be accepted: each
	// pool binds its workers to exactly one shared memory.
	other, err := NewSharedMemory(context.Background(), r, zaptest.NewLogger(t), 2, 4, "scratch")
	if err != nil {
		t.Fatalf("Failed to create second region: %v", err)
	}

	ref := guestRef(compiled, other)
	_, err = manager.Instantiate(context.Background(), ref, 1)
	var inst *InstantiationError
	if !errors.As(err, &inst) {
		t.Fatalf("Error = %v, want InstantiationError", err)
	}
}
