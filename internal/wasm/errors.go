package wasm

import (
	"fmt"
)

// SharedMemoryUnsupportedError occurs when a shared memory region is
// requested from a runtime built without the threads feature. This is a
// fatal environment precondition, surfaced before any worker is spawned.
type SharedMemoryUnsupportedError struct{}

func (e *SharedMemoryUnsupportedError) Error() string {
	return "runtime does not support shared memory: enable the threads feature (RuntimeConfig.SharedMemory)"
}

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// FunctionNotFoundError occurs when an exported function (or the memory
// export of the shared region provider) is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("export '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// FunctionSignatureError occurs when a resolved export does not match the
// signature the job ABI requires
type FunctionSignatureError struct {
	ModuleName   string
	FunctionName string
	Want         string
	Got          string
}

func (e *FunctionSignatureError) Error() string {
	return fmt.Sprintf("export '%s' in module '%s' has signature %s, want %s",
		e.FunctionName, e.ModuleName, e.Got, e.Want)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d)",
		e.Operation, e.Address, e.Length)
}
