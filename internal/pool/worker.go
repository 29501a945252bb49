package pool

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-worker/pkg/protocol"
)

// Instantiator turns the pool's module reference into a live job executor
// for one worker context. Instantiation is the single suspending operation
// in a worker's lifecycle; the wasm instance manager is the production
// implementation, tests substitute their own.
type Instantiator interface {
	Instantiate(ctx context.Context, ref protocol.ModuleRef, id protocol.WorkerID) (protocol.Executor, error)
}

type instResult struct {
	exec protocol.Executor
	err  error
}

// Worker is one worker context: a goroutine running its own instance of the
// compiled module against the shared memory region.
//
// The worker is an explicit state machine. In StateSpawned and
// StateInitializing every job message is appended to an in-order buffer; the
// Initializing->Ready transition drains the buffer FIFO and switches to
// direct execution permanently. This tolerates the race where jobs are
// dispatched immediately after spawn, before the asynchronous instantiation
// completes: no job is dropped and arrival order is preserved.
type Worker struct {
	id    protocol.WorkerID
	inst  Instantiator
	inbox chan message

	state   atomic.Uint32
	queue   []protocol.Job
	drained atomic.Uint32
	exec    protocol.Executor

	report func(error)
	notify func(protocol.WorkerID)
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(id protocol.WorkerID, inst Instantiator, inboxSize int, report func(error), notify func(protocol.WorkerID), logger *zap.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:     id,
		inst:   inst,
		inbox:  make(chan message, inboxSize),
		report: report,
		notify: notify,
		logger: logger.With(zap.String("component", "worker"), zap.Uint32("worker_id", uint32(id))),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the owner-assigned worker identifier.
func (w *Worker) ID() protocol.WorkerID {
	return w.id
}

// State returns the worker's current lifecycle state. Safe to call from any
// goroutine.
func (w *Worker) State() protocol.State {
	return protocol.State(w.state.Load())
}

// Drained returns how many jobs were executed from the pre-ready buffer at
// the readiness transition.
func (w *Worker) Drained() uint32 {
	return w.drained.Load()
}

func (w *Worker) start() {
	go w.run()
}

// post delivers a message to the worker's inbox without blocking. Once the
// worker's loop has exited nothing will ever drain the inbox, so posting
// fails with WorkerFailedError instead of accepting a message that goes
// nowhere.
func (w *Worker) post(msg message) error {
	select {
	case <-w.done:
		return &WorkerFailedError{ID: w.id, State: w.State()}
	default:
	}
	select {
	case w.inbox <- msg:
		return nil
	default:
		return &InboxFullError{ID: w.id, Capacity: cap(w.inbox)}
	}
}

// stop terminates the worker and waits for its loop to exit. Jobs still
// buffered or in the inbox are lost; terminating a worker mid-initialization
// has no well-defined drain semantics.
func (w *Worker) stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer close(w.done)

	// Unbuffered: the instantiate goroutine either hands its result to this
	// loop or, if the loop is gone, closes the executor itself.
	instDone := make(chan instResult)

	for {
		select {
		case <-w.ctx.Done():
			w.closeExecutor()
			return
		case msg := <-w.inbox:
			if !w.handle(msg, instDone) {
				return
			}
		case res := <-instDone:
			if !w.finishInit(res) {
				return
			}
		}
	}
}

// handle processes one inbox message. Returns false when the worker must
// stop (protocol violation).
func (w *Worker) handle(msg message, instDone chan instResult) bool {
	switch msg.kind {
	case msgInit:
		if w.State() != protocol.StateSpawned {
			// A second initialization message has no merge semantics.
			// Fail fast rather than silently re-initializing.
			err := &ProtocolViolationError{ID: w.id, State: w.State()}
			w.logger.Error("Protocol violation, stopping worker", zap.Error(err))
			w.report(err)
			w.setState(protocol.StateFailed)
			w.closeExecutor()
			return false
		}
		w.setState(protocol.StateInitializing)
		w.instantiate(msg.init, instDone)
		return true

	case msgJob:
		if w.State() == protocol.StateReady {
			w.execute(msg.job)
		} else {
			w.queue = append(w.queue, msg.job)
		}
		return true

	default:
		w.logger.Error("Unknown message kind", zap.Uint8("kind", uint8(msg.kind)))
		return true
	}
}

// instantiate runs the module instantiation asynchronously so the inbox
// keeps draining (and buffering) while the module is fetched and bound to
// the shared memory.
func (w *Worker) instantiate(init *initMessage, instDone chan instResult) {
	ref := protocol.ModuleRef{
		Module:      init.module,
		Memory:      init.memory,
		ArtifactRef: init.artifactRef,
		Entrypoint:  init.entrypoint,
	}
	go func() {
		exec, err := w.inst.Instantiate(w.ctx, ref, init.id)
		select {
		case instDone <- instResult{exec: exec, err: err}:
		case <-w.done:
			// The worker was torn down mid-initialization.
			if exec != nil {
				_ = exec.Close(context.Background())
			}
		}
	}()
}

// finishInit completes the Initializing->Ready transition, draining the
// buffered jobs in arrival order before anything else runs. Returns false
// when initialization failed and the worker must stop.
func (w *Worker) finishInit(res instResult) bool {
	if res.err != nil {
		w.logger.Error("Worker initialization failed",
			zap.Int("buffered_jobs_lost", len(w.queue)),
			zap.Error(res.err),
		)
		w.report(&InitFailedError{ID: w.id, Err: res.err})
		w.setState(protocol.StateFailed)
		return false
	}

	w.exec = res.exec
	w.setState(protocol.StateReady)

	if len(w.queue) > 0 {
		w.logger.Debug("Draining buffered jobs", zap.Int("count", len(w.queue)))
		for _, job := range w.queue {
			w.execute(job)
			w.drained.Add(1)
		}
		w.queue = nil
	}
	return true
}

func (w *Worker) execute(job protocol.Job) {
	if err := w.exec.Execute(w.ctx, job); err != nil {
		w.logger.Error("Job execution failed", zap.Error(err))
		w.report(&ExecutionError{ID: w.id, Err: err})
		return
	}
	w.notify(w.id)
}

func (w *Worker) setState(to protocol.State) {
	from := w.State()
	if !protocol.CanTransition(from, to) {
		w.logger.Error("Illegal state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		return
	}
	w.state.Store(uint32(to))
	w.logger.Debug("Worker state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

func (w *Worker) closeExecutor() {
	if w.exec == nil {
		return
	}
	if err := w.exec.Close(context.Background()); err != nil {
		w.logger.Warn("Failed to close worker executor", zap.Error(err))
	}
	w.exec = nil
}
