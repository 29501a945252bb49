package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-worker/pkg/protocol"
)

const (
	// DefaultInboxSize is the per-worker inbox capacity.
	DefaultInboxSize = 1024

	// defaultErrBuffer bounds the async error channel.
	defaultErrBuffer = 64

	// defaultCompletionBuffer bounds the per-pool completion channel.
	defaultCompletionBuffer = 256
)

// Option configures a Pool.
type Option func(*Pool)

// WithInboxSize sets the per-worker inbox capacity.
func WithInboxSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.inboxSize = n
		}
	}
}

// Pool owns the shared memory region and compiled module reference, spawns
// worker contexts and routes jobs to them by identifier.
//
// The pool keeps no readiness state of its own: Dispatch posts to the target
// worker's inbox regardless of its state, and the worker buffers until
// ready. All ordering complexity lives in the worker state machine.
type Pool struct {
	ref       protocol.ModuleRef
	inst      Instantiator
	inboxSize int
	logger    *zap.Logger

	mu      sync.RWMutex
	workers map[protocol.WorkerID]*Worker
	closed  bool

	errMu       sync.RWMutex
	errsClosed  bool
	errs        chan error
	completions chan protocol.WorkerID
}

// New creates a pool around one module reference and one instantiator.
// The reference is validated up front: a missing module, memory region or
// entry point is a configuration error surfaced here, before any worker
// exists.
func New(ref protocol.ModuleRef, inst Instantiator, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if ref.Module == nil {
		return nil, errors.New("pool: module reference has no compiled module")
	}
	if ref.Memory == nil {
		return nil, errors.New("pool: module reference has no shared memory region")
	}
	if ref.Entrypoint == "" {
		return nil, errors.New("pool: module reference has no entry point")
	}
	if inst == nil {
		return nil, errors.New("pool: instantiator is required")
	}

	p := &Pool{
		ref:         ref,
		inst:        inst,
		inboxSize:   DefaultInboxSize,
		logger:      logger.With(zap.String("component", "worker-pool")),
		workers:     make(map[protocol.WorkerID]*Worker),
		errs:        make(chan error, defaultErrBuffer),
		completions: make(chan protocol.WorkerID, defaultCompletionBuffer),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.logger.Info("Worker pool created",
		zap.String("module", ref.Module.ModuleName()),
		zap.String("artifact", ref.ArtifactRef),
		zap.String("entrypoint", ref.Entrypoint),
		zap.Int("inbox_size", p.inboxSize),
	)

	return p, nil
}

// Errors returns the channel carrying asynchronous worker errors:
// initialization failures, protocol violations and job execution failures.
// Closed by Close. When nobody drains it, overflowing errors are logged and
// dropped rather than blocking a worker.
func (p *Pool) Errors() <-chan error {
	return p.errs
}

// Completions returns the channel notified with a worker's identifier each
// time that worker finishes a job successfully. It lets an owner learn when
// its fire-and-forget jobs have completed without polling the shared region.
// Closed by Close. When nobody drains it, notifications are dropped rather
// than blocking a worker.
func (p *Pool) Completions() <-chan protocol.WorkerID {
	return p.completions
}

// Spawn creates a new worker context under the given identifier and
// immediately sends it the initialization message carrying the pool's module
// reference, shared memory handle, artifact reference, entry-point name and
// the identifier. It returns as soon as the message is posted; readiness
// happens asynchronously and jobs may be dispatched right away.
//
// The identifier must be unique among live workers; reuse after teardown is
// allowed.
func (p *Pool) Spawn(id protocol.WorkerID) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if _, exists := p.workers[id]; exists {
		return nil, &DuplicateWorkerError{ID: id}
	}

	w := newWorker(id, p.inst, p.inboxSize, p.reportError, p.reportCompletion, p.logger)
	w.start()

	// A fresh inbox cannot be full, so this post never fails.
	_ = w.post(message{
		kind: msgInit,
		init: &initMessage{
			module:      p.ref.Module,
			memory:      p.ref.Memory,
			artifactRef: p.ref.ArtifactRef,
			entrypoint:  p.ref.Entrypoint,
			id:          id,
		},
	})

	p.workers[id] = w

	p.logger.Info("Worker spawned", zap.Uint32("worker_id", uint32(id)))
	return w, nil
}

// Dispatch posts a job to the worker with the given identifier. It never
// blocks on the target's readiness: jobs arriving before initialization
// completes are buffered by the worker and drained in arrival order once it
// is ready. Dispatching to an unknown identifier fails with
// UnknownWorkerError and has no side effect on any live worker; dispatching
// to a worker that already failed terminally fails with WorkerFailedError.
func (p *Pool) Dispatch(id protocol.WorkerID, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	w, ok := p.workers[id]
	if !ok {
		return &UnknownWorkerError{ID: id}
	}

	return w.post(message{kind: msgJob, job: protocol.Job{ID: id, Payload: payload}})
}

// Teardown terminates the worker with the given identifier and removes its
// handle. Jobs still buffered for that worker are lost; this is the
// documented recovery path for a permanently stuck initialization. The
// identifier becomes available for reuse.
func (p *Pool) Teardown(ctx context.Context, id protocol.WorkerID) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if ok {
		delete(p.workers, id)
	}
	p.mu.Unlock()

	if !ok {
		return &UnknownWorkerError{ID: id}
	}

	if err := w.stop(ctx); err != nil {
		return err
	}

	p.logger.Info("Worker torn down", zap.Uint32("worker_id", uint32(id)))
	return nil
}

// Close tears down every worker and closes the error channel. Safe to call
// once; Spawn and Dispatch fail with ErrPoolClosed afterwards.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[protocol.WorkerID]*Worker)
	p.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.errMu.Lock()
	p.errsClosed = true
	close(p.errs)
	close(p.completions)
	p.errMu.Unlock()
	p.logger.Info("Worker pool closed", zap.Int("workers", len(workers)))
	return firstErr
}

// Count returns the number of live workers.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Workers returns the identifiers of all live workers.
func (p *Pool) Workers() []protocol.WorkerID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]protocol.WorkerID, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) reportError(err error) {
	p.errMu.RLock()
	defer p.errMu.RUnlock()

	if p.errsClosed {
		p.logger.Warn("Pool closed, dropping worker error", zap.Error(err))
		return
	}
	select {
	case p.errs <- err:
	default:
		p.logger.Warn("Error channel full, dropping error", zap.Error(err))
	}
}

func (p *Pool) reportCompletion(id protocol.WorkerID) {
	p.errMu.RLock()
	defer p.errMu.RUnlock()

	if p.errsClosed {
		return
	}
	select {
	case p.completions <- id:
	default:
		p.logger.Debug("Completion channel full, dropping notification",
			zap.Uint32("worker_id", uint32(id)))
	}
}
