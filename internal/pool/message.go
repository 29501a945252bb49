// Package pool implements the worker pool: it owns the shared memory region
// and compiled module reference, spawns worker contexts, performs the
// initialization handshake with each, and routes jobs to specific contexts
// by identifier.
//
// The pool guarantees message-level ordering (FIFO per worker, including
// across the buffered/ready boundary) and at-most-once execution per job.
// It does not and cannot guarantee absence of data races on the shared
// region: callers either partition addresses per job, or use wasm atomic
// operations on any address more than one worker may touch concurrently.
package pool

import "github.com/woxQAQ/wasm-worker/pkg/protocol"

// messageKind discriminates inbox messages. The initialization message is
// recognized by this explicit tag, never by sniffing field presence.
type messageKind uint8

const (
	msgInit messageKind = iota + 1
	msgJob
)

// message is the tagged union crossing a worker's inbox channel.
type message struct {
	kind messageKind
	init *initMessage
	job  protocol.Job
}

// initMessage is the one distinguished message that triggers a worker's
// readiness transition. It carries the five required fields: compiled module
// handle, shared memory handle, artifact reference, entry-point name and the
// assigned worker identifier.
type initMessage struct {
	module      protocol.CompiledModule
	memory      protocol.SharedMemory
	artifactRef string
	entrypoint  string
	id          protocol.WorkerID
}
