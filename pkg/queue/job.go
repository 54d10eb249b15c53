// ============================================================================
// Distributed Task Queue — Core Type Definitions
// ============================================================================
//
// Package: pkg/queue
// Purpose: Domain models shared by the store, broker, and worker packages
//
// Core Types:
//   - Job: unit of work with full lifecycle tracking
//   - JobStatus: state enum (pending/retrying/processing/completed/failed)
//   - AddOptions: recognized fields accepted by Broker.AddJob
//   - StatsSnapshot: point-in-time queue counters
//
// Timestamps are Unix milliseconds, for cross-process portability and
// simple JSON round-tripping through the backing store.
//
// ============================================================================

package queue

import "encoding/json"

// JobID uniquely identifies a job within a queue namespace.
type JobID string

// JobStatus represents a job's position in the lifecycle state machine.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusRetrying   JobStatus = "retrying"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is the canonical entity persisted under the queue's "jobs" collection.
type Job struct {
	ID         JobID           `json:"id"`
	Data       json.RawMessage `json:"data"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	Status     JobStatus       `json:"status"`

	CreatedAt   int64  `json:"created_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	FailedAt    *int64 `json:"failed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
}

// AddOptions are the recognized fields for Broker.AddJob. Zero values mean
// "unset": a JobID is generated, Priority defaults to 0, Delay to none, and
// MaxRetries to the broker's configured default.
type AddOptions struct {
	JobID      string
	Priority   int
	Delay      int64 // milliseconds
	MaxRetries int
}

// StatsSnapshot is the result of Broker.GetStats. Pending sums the pending
// sequence and priority set; the remaining counts come from their own
// collections. Total/Completed/Failed are the best-effort stats counters,
// the stats collection itself is treated as advisory.
type StatsSnapshot struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
