package protocol

// Shared types for the wasm worker pool protocol.
// This package defines the boundary types used across internal packages.

import "context"

// WorkerID identifies one worker context within a pool.
// It is assigned by the pool owner, must be unique among live workers, and
// crosses the wasm ABI boundary as an i32 argument so guest code can tell
// "which worker am I".
type WorkerID uint32

// Job is a routed unit of work: an opaque payload plus the identifier of the
// worker context it must execute on. A job dispatched to worker N executes
// only on worker N, never migrated. Jobs are immutable once constructed and
// consumed exactly once.
type Job struct {
	ID      WorkerID
	Payload []byte
}

// State represents a worker context's lifecycle state.
type State uint32

const (
	// StateSpawned is the initial state: the context exists but has not yet
	// received its initialization message.
	StateSpawned State = iota

	// StateInitializing means the initialization message arrived and the
	// module is being instantiated against the shared memory. Jobs received
	// in this state (or earlier) are buffered in arrival order.
	StateInitializing

	// StateReady means instantiation completed and the buffered jobs were
	// drained; every subsequent job executes immediately.
	StateReady

	// StateFailed is terminal: instantiation failed or the protocol was
	// violated. The worker never pretends to be ready; the owner may respawn
	// a replacement under the same identifier.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a worker context may move from one state to
// another. Forward transitions happen exactly once and never regress:
// Spawned -> Initializing -> Ready, with Failed reachable from any non-failed
// state and terminal.
func CanTransition(from, to State) bool {
	switch {
	case to == StateFailed:
		return from != StateFailed
	case from == StateSpawned:
		return to == StateInitializing
	case from == StateInitializing:
		return to == StateReady
	default:
		return false
	}
}

// CompiledModule is the pool's view of the compiled module artifact. The
// concrete representation belongs to the wasm runtime; the pool only carries
// the reference through the initialization handshake.
type CompiledModule interface {
	ModuleName() string
}

// SharedMemory is the pool's view of the one shared memory region. Every
// worker instance is bound to this exact region, never a copy; the protocol
// performs no synchronization over its contents.
type SharedMemory interface {
	// Size returns the current size of the region in bytes.
	Size() uint32
}

// ModuleRef bundles everything a worker context needs to instantiate its own
// module instance: the compiled module, the shared memory region, the
// artifact reference it was loaded from, and the exported entry point that
// executes jobs. One ModuleRef is created per pool and borrowed, not
// duplicated, by every worker.
type ModuleRef struct {
	Module      CompiledModule
	Memory      SharedMemory
	ArtifactRef string
	Entrypoint  string
}

// Executor runs jobs on one instantiated worker module. Implementations are
// used by a single worker goroutine and need not be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, job Job) error
	Close(ctx context.Context) error
}
