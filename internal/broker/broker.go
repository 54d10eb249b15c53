// ============================================================================
// Distributed Task Queue — Queue Broker
// ============================================================================
//
// Package: internal/broker
// Purpose: Owns the set of named queues (pending list, priority set, delayed
// set, processing map, terminal lists, job table, stats counters) backed by
// a store.Store, and implements the job lifecycle state machine.
//
// State-machine operations (AddJob/GetNextJob/CompleteJob/FailJob/retryJob/
// ProcessDelayed/CheckStalled/GetStats) are expressed entirely as
// store.Store calls; Run/Close hold the maintenance-loop ticker and
// shutdown discipline.
//
// ============================================================================

package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/Michyjones/distributed-task-queue/internal/codec"
	"github.com/Michyjones/distributed-task-queue/internal/events"
	"github.com/Michyjones/distributed-task-queue/internal/store"
	"github.com/Michyjones/distributed-task-queue/pkg/queue"
)

const (
	keyJobs       = "jobs"
	keyPending    = "pending"
	keyPriority   = "priority"
	keyDelayed    = "delayed"
	keyProcessing = "processing"
	keyCompleted  = "completed"
	keyFailed     = "failed"
	keyStats      = "stats"

	statTotal      = "total"
	statPending    = "pending"
	statProcessing = "processing"
	statCompleted  = "completed"
	statFailed     = "failed"
)

// Broker is the heart of the system: the brokerage protocol over a
// store.Store. Safe for concurrent use; the only shared mutable state is
// the backing store itself, so Broker holds no lock across a store call.
type Broker struct {
	store store.Store
	bus   *events.Bus
	cfg   Config
	now   func() int64

	closeOnce sync.Once
	stopCh    chan struct{}
}

// Option configures optional Broker behavior.
type Option func(*Broker)

// WithBus attaches an event bus. Without one, lifecycle events are dropped.
func WithBus(bus *events.Bus) Option {
	return func(b *Broker) { b.bus = bus }
}

// WithClock overrides the broker's notion of "now" (unix ms). Intended for
// tests that need deterministic delay/timeout arithmetic.
func WithClock(now func() int64) Option {
	return func(b *Broker) { b.now = now }
}

// New constructs a Broker over st. cfg's zero fields are replaced by
// DefaultConfig's values.
func New(st store.Store, cfg Config, opts ...Option) *Broker {
	b := &Broker{
		store:  st,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the broker's effective configuration.
func (b *Broker) Config() Config { return b.cfg }

func (b *Broker) key(collection string) string {
	return "queue:" + b.cfg.Name + ":" + collection
}

func (b *Broker) emit(ev events.Event) {
	if b.bus == nil {
		return
	}
	b.bus.Emit(ev)
}

func (b *Broker) incrStat(ctx context.Context, field string, delta int64) error {
	_, err := b.store.HIncrBy(ctx, b.key(keyStats), field, delta)
	return err
}

func newJobID(now int64) queue.JobID {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return queue.JobID(fmt.Sprintf("%d-%s", now, hex.EncodeToString(buf)))
}

func parseInt64(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// AddJob persists data as a new job and places its id in exactly one of
// delayed, priority, or pending, per opts. Returns ErrInvalidArgument
// without touching the store if an option is out of range.
func (b *Broker) AddJob(ctx context.Context, data []byte, opts queue.AddOptions) (queue.JobID, error) {
	if opts.Priority < 0 {
		return "", fmt.Errorf("%w: priority must be >= 0", ErrInvalidArgument)
	}
	if opts.Delay < 0 {
		return "", fmt.Errorf("%w: delay must be >= 0", ErrInvalidArgument)
	}
	if opts.MaxRetries < 0 {
		return "", fmt.Errorf("%w: maxRetries must be > 0", ErrInvalidArgument)
	}

	now := b.now()

	id := queue.JobID(opts.JobID)
	if id == "" {
		id = newJobID(now)
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = b.cfg.MaxRetries
	}

	job := &queue.Job{
		ID:         id,
		Data:       json.RawMessage(data),
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
		Status:     queue.StatusPending,
		CreatedAt:  now,
	}

	encoded, err := codec.Encode(job)
	if err != nil {
		return "", err
	}
	if err := b.store.HSet(ctx, b.key(keyJobs), string(id), encoded); err != nil {
		return "", err
	}

	switch {
	case opts.Delay > 0:
		if err := b.store.ZAdd(ctx, b.key(keyDelayed), float64(now+opts.Delay), string(id)); err != nil {
			return "", err
		}
	case opts.Priority > 0:
		if err := b.store.ZAdd(ctx, b.key(keyPriority), float64(-opts.Priority), string(id)); err != nil {
			return "", err
		}
	default:
		if err := b.store.RPush(ctx, b.key(keyPending), []byte(id)); err != nil {
			return "", err
		}
	}

	if err := b.incrStat(ctx, statTotal, 1); err != nil {
		return "", err
	}
	if err := b.incrStat(ctx, statPending, 1); err != nil {
		return "", err
	}

	b.emit(events.Event{Type: events.EventJobAdded, JobID: string(id)})
	return id, nil
}

// GetNextJob atomically pops one id, preferring priority over pending, and
// moves it into processing. Returns (nil, nil) when both sources are
// empty. Never blocks.
func (b *Broker) GetNextJob(ctx context.Context) (*queue.Job, error) {
	now := b.now()

	id, ok, err := b.store.PopMinAndLease(ctx, b.key(keyPriority), b.key(keyProcessing), now)
	if err != nil {
		return nil, err
	}
	if !ok {
		id, ok, err = b.store.PopFrontAndLease(ctx, b.key(keyPending), b.key(keyProcessing), now)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, nil
	}

	data, found, err := b.store.HGet(ctx, b.key(keyJobs), id)
	if err != nil {
		return nil, err
	}
	if !found {
		// Record missing: drop the stray lease and report empty rather than
		// synthesize a phantom job.
		if err := b.store.HDel(ctx, b.key(keyProcessing), id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	job, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	job.Status = queue.StatusProcessing

	encoded, err := codec.Encode(job)
	if err != nil {
		return nil, err
	}
	if err := b.store.HSet(ctx, b.key(keyJobs), id, encoded); err != nil {
		return nil, err
	}

	if err := b.incrStat(ctx, statPending, -1); err != nil {
		return nil, err
	}
	if err := b.incrStat(ctx, statProcessing, 1); err != nil {
		return nil, err
	}

	return job, nil
}

// CompleteJob marks id completed with result. Returns false without error
// if id has no record, or if it is already in a terminal state (a benign
// no-op, e.g. when CheckStalled has already failed the job and the
// original worker reports late).
func (b *Broker) CompleteJob(ctx context.Context, id queue.JobID, result []byte) (bool, error) {
	job, found, err := b.loadJob(ctx, id)
	if err != nil || !found {
		return false, err
	}
	if isTerminal(job.Status) {
		return false, nil
	}

	now := b.now()
	job.Status = queue.StatusCompleted
	job.CompletedAt = &now
	job.Result = json.RawMessage(result)

	if err := b.saveJob(ctx, job); err != nil {
		return false, err
	}
	if err := b.store.HDel(ctx, b.key(keyProcessing), string(id)); err != nil {
		return false, err
	}
	if err := b.store.RPush(ctx, b.key(keyCompleted), []byte(id)); err != nil {
		return false, err
	}
	if err := b.incrStat(ctx, statProcessing, -1); err != nil {
		return false, err
	}
	if err := b.incrStat(ctx, statCompleted, 1); err != nil {
		return false, err
	}

	b.emit(events.Event{Type: events.EventJobCompleted, JobID: string(id)})
	return true, nil
}

// FailJob records a failed attempt for id. If attempts remain it delegates
// to retryJob and returns true; otherwise it marks the job permanently
// failed and returns false. Returns (false, nil) if id has no record or is
// already terminal.
func (b *Broker) FailJob(ctx context.Context, id queue.JobID, cause error) (bool, error) {
	job, found, err := b.loadJob(ctx, id)
	if err != nil || !found {
		return false, err
	}
	if isTerminal(job.Status) {
		return false, nil
	}

	now := b.now()
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	job.FailedAt = &now

	if job.Attempts < job.MaxRetries {
		if err := b.retryJob(ctx, job); err != nil {
			return false, err
		}
		return true, nil
	}

	job.Status = queue.StatusFailed
	if err := b.saveJob(ctx, job); err != nil {
		return false, err
	}
	if err := b.store.HDel(ctx, b.key(keyProcessing), string(id)); err != nil {
		return false, err
	}
	if err := b.store.RPush(ctx, b.key(keyFailed), []byte(id)); err != nil {
		return false, err
	}
	if err := b.incrStat(ctx, statProcessing, -1); err != nil {
		return false, err
	}
	if err := b.incrStat(ctx, statFailed, 1); err != nil {
		return false, err
	}

	b.emit(events.Event{Type: events.EventJobFailed, JobID: string(id)})
	return false, nil
}

// retryJob schedules job for a delayed retry. delay = RetryDelay *
// RetryBackoff^attempts, using the post-increment Attempts set by the
// caller. The status field is set to retrying but is advisory only: once
// ProcessDelayed promotes the job back to a runnable queue, collection
// membership is authoritative.
func (b *Broker) retryJob(ctx context.Context, job *queue.Job) error {
	delay := time.Duration(float64(b.cfg.RetryDelay) * math.Pow(b.cfg.RetryBackoff, float64(job.Attempts)))

	job.Status = queue.StatusRetrying
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.store.HDel(ctx, b.key(keyProcessing), string(job.ID)); err != nil {
		return err
	}

	executeAt := b.now() + delay.Milliseconds()
	if err := b.store.ZAdd(ctx, b.key(keyDelayed), float64(executeAt), string(job.ID)); err != nil {
		return err
	}
	if err := b.incrStat(ctx, statProcessing, -1); err != nil {
		return err
	}

	b.emit(events.Event{Type: events.EventJobRetry, JobID: string(job.ID)})
	return nil
}

// ProcessDelayed promotes every delayed job whose executeAt has passed into
// priority or pending, in score-ascending order. Robust to missing job
// records (skipped). Returns the count promoted.
func (b *Broker) ProcessDelayed(ctx context.Context) (int, error) {
	now := b.now()
	due, err := b.store.ZRangeByScore(ctx, b.key(keyDelayed), math.Inf(-1), float64(now))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sv := range due {
		id := sv.Member
		if err := b.store.ZRem(ctx, b.key(keyDelayed), id); err != nil {
			return count, err
		}

		data, found, err := b.store.HGet(ctx, b.key(keyJobs), id)
		if err != nil {
			return count, err
		}
		if !found {
			continue
		}
		job, err := codec.Decode(data)
		if err != nil {
			return count, err
		}

		if job.Priority > 0 {
			if err := b.store.ZAdd(ctx, b.key(keyPriority), float64(-job.Priority), id); err != nil {
				return count, err
			}
		} else {
			if err := b.store.RPush(ctx, b.key(keyPending), []byte(id)); err != nil {
				return count, err
			}
		}
		if err := b.incrStat(ctx, statPending, 1); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// CheckStalled fails every job in processing whose lease has exceeded
// JobTimeout, reclaiming it for retry or permanent failure. Emits
// EventJobsRecovered if any were reclaimed. This is the crash-recovery
// mechanism for workers that died holding a lease.
func (b *Broker) CheckStalled(ctx context.Context) (int, error) {
	leases, err := b.store.HGetAll(ctx, b.key(keyProcessing))
	if err != nil {
		return 0, err
	}

	now := b.now()
	threshold := b.cfg.JobTimeout.Milliseconds()
	count := 0
	for id, raw := range leases {
		startedAt := parseInt64(raw)
		if now-startedAt <= threshold {
			continue
		}
		if _, err := b.FailJob(ctx, queue.JobID(id), &TimeoutError{JobID: id}); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		b.emit(events.Event{Type: events.EventJobsRecovered, Count: count})
	}
	return count, nil
}

// GetStats returns a point-in-time snapshot. Pending sums the pending
// sequence and priority set; processing and delayed come from their own
// collection sizes; total/completed/failed come from the stats counters,
// which are advisory and may drift from the underlying collections.
func (b *Broker) GetStats(ctx context.Context) (queue.StatsSnapshot, error) {
	pendingLen, err := b.store.LLen(ctx, b.key(keyPending))
	if err != nil {
		return queue.StatsSnapshot{}, err
	}
	priorityLen, err := b.store.ZCard(ctx, b.key(keyPriority))
	if err != nil {
		return queue.StatsSnapshot{}, err
	}
	delayedLen, err := b.store.ZCard(ctx, b.key(keyDelayed))
	if err != nil {
		return queue.StatsSnapshot{}, err
	}
	processingLen, err := b.store.HLen(ctx, b.key(keyProcessing))
	if err != nil {
		return queue.StatsSnapshot{}, err
	}

	totalRaw, _, err := b.store.HGet(ctx, b.key(keyStats), statTotal)
	if err != nil {
		return queue.StatsSnapshot{}, err
	}
	completedRaw, _, err := b.store.HGet(ctx, b.key(keyStats), statCompleted)
	if err != nil {
		return queue.StatsSnapshot{}, err
	}
	failedRaw, _, err := b.store.HGet(ctx, b.key(keyStats), statFailed)
	if err != nil {
		return queue.StatsSnapshot{}, err
	}

	return queue.StatsSnapshot{
		Total:      parseInt64(totalRaw),
		Pending:    pendingLen + priorityLen,
		Processing: processingLen,
		Delayed:    delayedLen,
		Completed:  parseInt64(completedRaw),
		Failed:     parseInt64(failedRaw),
	}, nil
}

// Run starts the maintenance loop: every CleanupInterval it calls
// ProcessDelayed then CheckStalled. Blocks until ctx is cancelled or Close
// is called.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			if _, err := b.ProcessDelayed(ctx); err != nil {
				b.emit(events.Event{Type: events.EventError, Err: err})
			}
			if _, err := b.CheckStalled(ctx); err != nil {
				b.emit(events.Event{Type: events.EventError, Err: err})
			}
		}
	}
}

// Close cancels the maintenance loop and closes the store connection. Does
// not interrupt in-flight workers; those stop independently via their own
// Stop.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	return b.store.Close()
}

func (b *Broker) loadJob(ctx context.Context, id queue.JobID) (*queue.Job, bool, error) {
	data, found, err := b.store.HGet(ctx, b.key(keyJobs), string(id))
	if err != nil || !found {
		return nil, found, err
	}
	job, err := codec.Decode(data)
	if err != nil {
		return nil, true, err
	}
	return job, true, nil
}

func (b *Broker) saveJob(ctx context.Context, job *queue.Job) error {
	encoded, err := codec.Encode(job)
	if err != nil {
		return err
	}
	return b.store.HSet(ctx, b.key(keyJobs), string(job.ID), encoded)
}

func isTerminal(s queue.JobStatus) bool {
	return s == queue.StatusCompleted || s == queue.StatusFailed
}
