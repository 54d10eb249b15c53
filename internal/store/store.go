// ============================================================================
// Distributed Task Queue — Backing-Store Adapter
// ============================================================================
//
// Package: internal/store
// Purpose: Narrow adapter over the external key/value service, exposing only
// the atomic primitives the broker needs. Every other component
// talks to the backing store exclusively through this interface.
//
// Collections:
//   jobs       - hash: job id -> serialized job record
//   pending    - list: FIFO job ids, priority 0, no delay
//   priority   - zset: job ids scored by -priority (lowest score first)
//   delayed    - zset: job ids scored by executeAt (ms epoch)
//   processing - hash: job id -> lease timestamp (ms)
//   completed/failed - lists: append-only audit logs
//   stats      - hash: counter name -> integer
//
// PopMinAndLease and PopFrontAndLease are the two primitives that must be
// atomic: the pop and the processing-lease write happen as one indivisible
// step, or a crash between them would leak a job.
//
// ============================================================================

package store

import (
	"context"
	"errors"
)

// ErrUnavailable wraps any failure of a backing-store primitive. The broker
// never retries store operations internally; it propagates this
// error to the caller.
var ErrUnavailable = errors.New("store: backing store unavailable")

// ScoredValue is a member of an ordered set together with its score.
type ScoredValue struct {
	Score  float64
	Member string
}

// Store is the set of atomic primitives the broker requires of the backing
// store. Implementations must fuse PopMinAndLease and
// PopFrontAndLease into one indivisible operation.
type Store interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key, field string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)

	RPush(ctx context.Context, key string, value []byte) error
	LPop(ctx context.Context, key string) ([]byte, bool, error)
	LLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, value string) error
	ZPopMin(ctx context.Context, key string, n int64) ([]ScoredValue, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredValue, error)
	ZRem(ctx context.Context, key string, value string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// PopMinAndLease atomically pops the lowest-scoring member of zkey (if
	// any) and records now as its lease timestamp under leaseKey. Returns
	// ok=false when zkey is empty.
	PopMinAndLease(ctx context.Context, zkey, leaseKey string, now int64) (member string, ok bool, err error)

	// PopFrontAndLease atomically pops the head of lkey (if any) and
	// records now as its lease timestamp under leaseKey.
	PopFrontAndLease(ctx context.Context, lkey, leaseKey string, now int64) (member string, ok bool, err error)

	Close() error
}
