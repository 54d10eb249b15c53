// ============================================================================
// Distributed Task Queue — Redis Backing Store
// ============================================================================
//
// Package: internal/store
// File: redis_store.go
// Purpose: Store implementation over github.com/redis/go-redis/v9.
//
// Maps each Store primitive to one Redis command (no pipelining, no TTLs
// on any collection) behind a narrow backend interface rather than a
// leaked raw client.
//
// The conditional dequeue primitives are implemented as Lua
// scripts run via EVAL, the concrete form of the "atomic script/transaction
// primitive" the store interface names abstractly.
//
// ============================================================================

package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// popMinAndLeaseScript pops the lowest-scoring member of a ZSET and records
// its lease timestamp in one round trip.
var popMinAndLeaseScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
local member = popped[1]
redis.call('HSET', KEYS[2], member, ARGV[1])
return member
`)

// popFrontAndLeaseScript pops the head of a list and records its lease
// timestamp in one round trip.
var popFrontAndLeaseScript = redis.NewScript(`
local member = redis.call('LPOP', KEYS[1])
if not member then
  return false
end
redis.call('HSET', KEYS[2], member, ARGV[1])
return member
`)

// RedisStore implements Store over a *redis.Client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials redisURL (a redis:// connection string) and verifies
// connectivity before returning. Pool size and timeouts are go-redis's
// defaults, or whatever the URL's query parameters set.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-configured client, useful for
// tests that point go-redis at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func wrap(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	return wrap(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make(map[string][]byte, len(res))
	for k, v := range res {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) HDel(ctx context.Context, key, field string) error {
	return wrap(s.client.HDel(ctx, key, field).Err())
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	return v, wrap(err)
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	v, err := s.client.HLen(ctx, key).Result()
	return v, wrap(err)
}

func (s *RedisStore) RPush(ctx context.Context, key string, value []byte) error {
	return wrap(s.client.RPush(ctx, key, value).Err())
}

func (s *RedisStore) LPop(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err)
	}
	return v, true, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	v, err := s.client.LLen(ctx, key).Result()
	return v, wrap(err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, value string) error {
	return wrap(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: value}).Err())
}

func (s *RedisStore) ZPopMin(ctx context.Context, key string, n int64) ([]ScoredValue, error) {
	res, err := s.client.ZPopMin(ctx, key, n).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return toScoredValues(res), nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredValue, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return toScoredValues(res), nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, value string) error {
	return wrap(s.client.ZRem(ctx, key, value).Err())
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	v, err := s.client.ZCard(ctx, key).Result()
	return v, wrap(err)
}

func (s *RedisStore) PopMinAndLease(ctx context.Context, zkey, leaseKey string, now int64) (string, bool, error) {
	res, err := popMinAndLeaseScript.Run(ctx, s.client, []string{zkey, leaseKey}, now).Result()
	if err != nil {
		return "", false, wrap(err)
	}
	member, ok := res.(string)
	if !ok {
		return "", false, nil
	}
	return member, true, nil
}

func (s *RedisStore) PopFrontAndLease(ctx context.Context, lkey, leaseKey string, now int64) (string, bool, error) {
	res, err := popFrontAndLeaseScript.Run(ctx, s.client, []string{lkey, leaseKey}, now).Result()
	if err != nil {
		return "", false, wrap(err)
	}
	member, ok := res.(string)
	if !ok {
		return "", false, nil
	}
	return member, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toScoredValues(zs []redis.Z) []ScoredValue {
	out := make([]ScoredValue, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredValue{Score: z.Score, Member: member})
	}
	return out
}
