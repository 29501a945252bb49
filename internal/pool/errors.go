package pool

import (
	"errors"
	"fmt"

	"github.com/woxQAQ/wasm-worker/pkg/protocol"
)

// ErrPoolClosed is returned by Spawn and Dispatch after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// UnknownWorkerError occurs when a job is dispatched to an identifier with
// no live worker. Recoverable: the pool is unaffected.
type UnknownWorkerError struct {
	ID protocol.WorkerID
}

func (e *UnknownWorkerError) Error() string {
	return fmt.Sprintf("no worker with id %d", e.ID)
}

// DuplicateWorkerError occurs when Spawn is called with an identifier that
// is already live. Identifiers may be reused only after teardown.
type DuplicateWorkerError struct {
	ID protocol.WorkerID
}

func (e *DuplicateWorkerError) Error() string {
	return fmt.Sprintf("worker %d already exists", e.ID)
}

// InboxFullError occurs when a worker's inbox channel is at capacity.
// Dispatch never blocks; callers may retry or grow the inbox via options.
type InboxFullError struct {
	ID       protocol.WorkerID
	Capacity int
}

func (e *InboxFullError) Error() string {
	return fmt.Sprintf("worker %d inbox full (capacity %d)", e.ID, e.Capacity)
}

// WorkerFailedError occurs when a message is posted to a worker whose loop
// has already exited (failed initialization or protocol violation). Jobs for
// it go nowhere; the owner should tear the worker down and respawn under the
// same identifier.
type WorkerFailedError struct {
	ID    protocol.WorkerID
	State protocol.State
}

func (e *WorkerFailedError) Error() string {
	return fmt.Sprintf("worker %d is not running (state %s)", e.ID, e.State)
}

// InitFailedError is surfaced on the pool error channel when a worker's
// module instantiation fails. Fatal for that worker only; the owner may
// respawn a replacement under the same identifier.
type InitFailedError struct {
	ID  protocol.WorkerID
	Err error
}

func (e *InitFailedError) Error() string {
	return fmt.Sprintf("worker %d initialization failed: %v", e.ID, e.Err)
}

func (e *InitFailedError) Unwrap() error {
	return e.Err
}

// ProtocolViolationError is surfaced when a worker receives a second
// initialization message. The protocol defines no re-initialization
// semantics, so the worker fails fast instead of merging or ignoring it.
type ProtocolViolationError struct {
	ID    protocol.WorkerID
	State protocol.State
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("worker %d received a second initialization message in state %s", e.ID, e.State)
}

// ExecutionError is surfaced when a job fails inside the worker module.
// Application-level: the worker stays ready and keeps executing.
type ExecutionError struct {
	ID  protocol.WorkerID
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("worker %d job execution failed: %v", e.ID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
