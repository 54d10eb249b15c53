package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Michyjones/distributed-task-queue/internal/events"
	"github.com/Michyjones/distributed-task-queue/internal/store"
	"github.com/Michyjones/distributed-task-queue/pkg/queue"
)

func newTestBroker(t *testing.T, now *int64) *Broker {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := Config{
		Name:            "test",
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		RetryBackoff:    2,
		JobTimeout:      500 * time.Millisecond,
		CleanupInterval: time.Second,
		MaxConcurrency:  10,
	}
	return New(st, cfg, WithClock(func() int64 { return *now }))
}

func TestAddJobRejectsInvalidOptions(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	_, err := b.AddJob(ctx, nil, queue.AddOptions{Priority: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = b.AddJob(ctx, nil, queue.AddOptions{Delay: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = b.AddJob(ctx, nil, queue.AddOptions{MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// Basic enqueue and successful completion.
func TestBasicEnqueueAndComplete(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	id, err := b.AddJob(ctx, []byte(`{"task":"x"}`), queue.AddOptions{})
	require.NoError(t, err)

	job, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, queue.StatusProcessing, job.Status)

	ok, err := b.CompleteJob(ctx, id, []byte(`{"ok":1}`))
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Processing)
}

// Scenario 2 / priority-dominance law: priority jobs dispatch before
// pending ones regardless of enqueue order, highest priority first.
func TestPriorityDominance(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	j1, err := b.AddJob(ctx, []byte("1"), queue.AddOptions{}) // pending, priority 0
	require.NoError(t, err)
	j2, err := b.AddJob(ctx, []byte("2"), queue.AddOptions{Priority: 10})
	require.NoError(t, err)
	j3, err := b.AddJob(ctx, []byte("3"), queue.AddOptions{Priority: 5})
	require.NoError(t, err)

	first, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	second, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	third, err := b.GetNextJob(ctx)
	require.NoError(t, err)

	assert.Equal(t, j2, first.ID)
	assert.Equal(t, j3, second.ID)
	assert.Equal(t, j1, third.ID)
}

// Scenario 3 / retry monotonicity: the id returned after k failures has
// attempts == k, and the retry is only runnable once promoted by
// ProcessDelayed.
func TestRetryWithBackoff(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	id, err := b.AddJob(ctx, []byte("payload"), queue.AddOptions{MaxRetries: 3})
	require.NoError(t, err)

	job, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	retryable, err := b.FailJob(ctx, id, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, retryable)

	// Not runnable yet: immediately after failure, delayed has the only
	// copy and pending/priority are still empty.
	again, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	// base delay 100ms * backoff^1 = 200ms
	now += 200
	promoted, err := b.ProcessDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = b.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)

	retryable, err = b.FailJob(ctx, id, errors.New("boom again"))
	require.NoError(t, err)
	assert.True(t, retryable)

	now += 400 // 100 * 2^2
	promoted, err = b.ProcessDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = b.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	ok, err := b.CompleteJob(ctx, id, []byte(`{"done":true}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

// Scenario 4: permanent failure after exhausting retries.
func TestPermanentFailureAfterExhaustedRetries(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	id, err := b.AddJob(ctx, []byte("payload"), queue.AddOptions{MaxRetries: 2})
	require.NoError(t, err)

	job, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	retryable, err := b.FailJob(ctx, id, errors.New("first"))
	require.NoError(t, err)
	assert.True(t, retryable)

	now += 1000
	_, err = b.ProcessDelayed(ctx)
	require.NoError(t, err)

	job, err = b.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	retryable, err = b.FailJob(ctx, job.ID, errors.New("second"))
	require.NoError(t, err)
	assert.False(t, retryable)

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

// Scenario 5: stalled-job recovery. A job leased past JobTimeout is
// reclaimed by CheckStalled and redelivered with attempts incremented.
func TestStalledJobRecovery(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	id, err := b.AddJob(ctx, []byte("payload"), queue.AddOptions{})
	require.NoError(t, err)

	_, err = b.GetNextJob(ctx)
	require.NoError(t, err)

	now += 600 // past the 500ms JobTimeout
	recovered, err := b.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	now += 1000
	_, err = b.ProcessDelayed(ctx)
	require.NoError(t, err)

	job, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
}

// Scenario 6: delayed dispatch is a lower bound on delivery time.
func TestDelayedDispatch(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	id, err := b.AddJob(ctx, []byte("payload"), queue.AddOptions{Delay: 2000})
	require.NoError(t, err)

	now = 1000
	job, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	now = 2500
	promoted, err := b.ProcessDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = b.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

// Idempotent-terminal law: a second terminal transition on the same id is
// a benign no-op returning false.
func TestIdempotentTerminalTransitions(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	id, err := b.AddJob(ctx, []byte("payload"), queue.AddOptions{})
	require.NoError(t, err)

	_, err = b.GetNextJob(ctx)
	require.NoError(t, err)

	ok, err := b.CompleteJob(ctx, id, []byte("result"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.CompleteJob(ctx, id, []byte("result"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.FailJob(ctx, id, errors.New("too late"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetNextJobReturnsNilWhenEmpty(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)

	job, err := b.GetNextJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCompleteAndFailJobReturnFalseForUnknownID(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	ok, err := b.CompleteJob(ctx, "missing", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.FailJob(ctx, "missing", errors.New("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventsAreEmittedThroughTheBus(t *testing.T) {
	now := int64(0)
	st := store.NewMemoryStore()
	bus := events.New()

	var seen []events.EventType
	for _, et := range []events.EventType{
		events.EventJobAdded, events.EventJobCompleted, events.EventJobFailed,
		events.EventJobRetry, events.EventJobsRecovered,
	} {
		et := et
		bus.On(et, func(events.Event) { seen = append(seen, et) })
	}

	b := New(st, Config{
		Name: "ev", MaxRetries: 2, RetryDelay: time.Millisecond, RetryBackoff: 1,
		JobTimeout: 10 * time.Millisecond, CleanupInterval: time.Second,
	}, WithBus(bus), WithClock(func() int64 { return now }))
	ctx := context.Background()

	id, err := b.AddJob(ctx, nil, queue.AddOptions{})
	require.NoError(t, err)

	_, err = b.GetNextJob(ctx)
	require.NoError(t, err)

	_, err = b.FailJob(ctx, id, errors.New("x"))
	require.NoError(t, err)

	now += 100
	_, err = b.CheckStalled(ctx)
	require.NoError(t, err)

	assert.Contains(t, seen, events.EventJobAdded)
	assert.Contains(t, seen, events.EventJobRetry)
}

// Invariant: every membership of pending/priority/delayed/processing is
// mutually exclusive for a given id.
func TestMembershipIsMutuallyExclusive(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)
	ctx := context.Background()

	id, err := b.AddJob(ctx, nil, queue.AddOptions{Priority: 1})
	require.NoError(t, err)

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Zero(t, stats.Processing)

	job, err := b.GetNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	stats, err = b.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)
}

func TestCloseStopsMaintenanceLoop(t *testing.T) {
	now := int64(0)
	b := newTestBroker(t, &now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	require.NoError(t, b.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Close")
	}
}
