// ============================================================================
// Distributed Task Queue — Worker
// ============================================================================
//
// Package: internal/worker
// Purpose: A single-threaded processing loop bound to a broker instance and
// a processor function. Polls Broker.GetNextJob, invokes the processor,
// reports completion or failure, and sleeps briefly when idle.
//
// Each Worker is independently instantiable and polls *broker.Broker
// directly, since the only shared mutable state between workers is the
// backing store, not an in-process channel. Each job attempt runs under
// context.WithTimeout when a job timeout is set, and its outcome is
// reported straight back to the broker via CompleteJob or FailJob.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Michyjones/distributed-task-queue/internal/broker"
	"github.com/Michyjones/distributed-task-queue/internal/events"
	"github.com/Michyjones/distributed-task-queue/pkg/queue"
)

// Processor executes one job's payload and returns its result, or an error
// that becomes a FailJob call.
type Processor func(ctx context.Context, data json.RawMessage) (result json.RawMessage, err error)

const defaultIdleInterval = time.Second

// Worker polls a single *broker.Broker in a loop. Multiple Workers may
// share one Broker, or run in separate processes against the same
// namespace; no coordination beyond the broker's atomic dequeue is
// required.
type Worker struct {
	id        string
	broker    *broker.Broker
	processor Processor
	bus       *events.Bus
	log       *slog.Logger

	idleInterval time.Duration
	jobTimeout   time.Duration

	stopped atomic.Bool
}

// Option configures optional Worker behavior.
type Option func(*Worker)

// WithBus attaches an event bus; EventWorkerStarted/Stopped and
// EventJobStarted are emitted through it if set.
func WithBus(bus *events.Bus) Option {
	return func(w *Worker) { w.bus = bus }
}

// WithLogger overrides the worker's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithIdleInterval overrides the sleep duration used when GetNextJob
// returns no job. Defaults to 1s per the external interface contract.
func WithIdleInterval(d time.Duration) Option {
	return func(w *Worker) { w.idleInterval = d }
}

// WithJobTimeout bounds how long a single processor invocation may run
// before its context is cancelled. Zero means no per-job timeout is
// imposed by the worker; the broker's stalled-job sweep is the ultimate
// backstop either way.
func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) { w.jobTimeout = d }
}

// New constructs a Worker identified by id, polling b and invoking p for
// each dequeued job.
func New(id string, b *broker.Broker, p Processor, opts ...Option) *Worker {
	w := &Worker{
		id:           id,
		broker:       b,
		processor:    p,
		log:          slog.Default(),
		idleInterval: defaultIdleInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) emit(ev events.Event) {
	if w.bus == nil {
		return
	}
	ev.Worker = w.id
	w.bus.Emit(ev)
}

// Run blocks, polling the broker until ctx is cancelled or Stop is called.
// Broker errors are caught, emitted as EventError, and never kill the
// loop — a worker only exits on its own Stop or ctx cancellation.
func (w *Worker) Run(ctx context.Context) {
	w.emit(events.Event{Type: events.EventWorkerStarted})
	defer w.emit(events.Event{Type: events.EventWorkerStopped})

	for {
		if ctx.Err() != nil || w.stopped.Load() {
			return
		}

		job, err := w.broker.GetNextJob(ctx)
		if err != nil {
			w.log.Error("getNextJob failed", "worker", w.id, "error", err)
			w.emit(events.Event{Type: events.EventError, Err: err})
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.emit(events.Event{Type: events.EventJobStarted, JobID: string(job.ID)})
		w.runJob(ctx, job)
	}
}

// runJob invokes the processor for job and reports the outcome. Neither
// CompleteJob nor FailJob errors kill the loop; they're logged and the
// worker moves on to the next poll.
func (w *Worker) runJob(ctx context.Context, job *queue.Job) {
	jobCtx := ctx
	var cancel context.CancelFunc
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	result, procErr := w.processor(jobCtx, job.Data)

	if procErr == nil {
		if _, err := w.broker.CompleteJob(ctx, job.ID, result); err != nil {
			w.log.Error("completeJob failed", "worker", w.id, "job", job.ID, "error", err)
			w.emit(events.Event{Type: events.EventError, Err: err})
		}
		return
	}

	if _, err := w.broker.FailJob(ctx, job.ID, procErr); err != nil {
		w.log.Error("failJob failed", "worker", w.id, "job", job.ID, "error", err)
		w.emit(events.Event{Type: events.EventError, Err: err})
	}
}

// Stop requests the loop exit at its next check. The current job (if any)
// is allowed to finish; there is no forced cancellation of an in-flight
// processor call.
func (w *Worker) Stop() {
	w.stopped.Store(true)
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.idleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
