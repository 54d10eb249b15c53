// ============================================================================
// Distributed Task Queue — In-Memory Backing Store
// ============================================================================
//
// Package: internal/store
// File: memory_store.go
// Purpose: Store implementation backed by a mutex-guarded map, for fast
// broker unit tests that do not need a real Redis round trip.
//
// Guards every primitive, reads and writes alike, with a single sync.Mutex
// over the hash/list/zset collections Store requires.
//
// ============================================================================

package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

type zmember struct {
	score  float64
	member string
}

// MemoryStore implements Store without any network dependency. Safe for
// concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	hashes map[string]map[string][]byte
	lists  map[string][][]byte
	zsets  map[string][]zmember
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string][]byte),
		lists:  make(map[string][][]byte),
		zsets:  make(map[string][]zmember),
	}
}

func (s *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	h[field] = cp
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range s.hashes[key] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (s *MemoryStore) HDel(_ context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes[key], field)
	return nil
}

func (s *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	cur := decodeInt(h[field])
	cur += delta
	h[field] = encodeInt(cur)
	return cur, nil
}

func (s *MemoryStore) HLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.hashes[key])), nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.lists[key] = append(s.lists[key], cp)
	return nil
}

func (s *MemoryStore) LPop(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if len(l) == 0 {
		return nil, false, nil
	}
	v := l[0]
	s.lists[key] = l[1:]
	return v, true, nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zaddLocked(key, score, value)
	return nil
}

func (s *MemoryStore) zaddLocked(key string, score float64, value string) {
	z := s.zsets[key]
	for i, m := range z {
		if m.member == value {
			z[i].score = score
			sortZ(z)
			return
		}
	}
	s.zsets[key] = append(z, zmember{score: score, member: value})
	sortZ(s.zsets[key])
}

func (s *MemoryStore) ZPopMin(_ context.Context, key string, n int64) ([]ScoredValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	if int64(len(z)) < n {
		n = int64(len(z))
	}
	out := make([]ScoredValue, 0, n)
	for i := int64(0); i < n; i++ {
		out = append(out, ScoredValue{Score: z[i].score, Member: z[i].member})
	}
	s.zsets[key] = z[n:]
	return out, nil
}

func (s *MemoryStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]ScoredValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredValue
	for _, m := range s.zsets[key] {
		if m.score >= min && m.score <= max {
			out = append(out, ScoredValue{Score: m.score, Member: m.member})
		}
	}
	return out, nil
}

func (s *MemoryStore) ZRem(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	for i, m := range z {
		if m.member == value {
			s.zsets[key] = append(z[:i], z[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) PopMinAndLease(_ context.Context, zkey, leaseKey string, now int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[zkey]
	if len(z) == 0 {
		return "", false, nil
	}
	member := z[0].member
	s.zsets[zkey] = z[1:]

	h, ok := s.hashes[leaseKey]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[leaseKey] = h
	}
	h[member] = encodeInt(now)
	return member, true, nil
}

func (s *MemoryStore) PopFrontAndLease(_ context.Context, lkey, leaseKey string, now int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[lkey]
	if len(l) == 0 {
		return "", false, nil
	}
	member := string(l[0])
	s.lists[lkey] = l[1:]

	h, ok := s.hashes[leaseKey]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[leaseKey] = h
	}
	h[member] = encodeInt(now)
	return member, true, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortZ(z []zmember) {
	sort.SliceStable(z, func(i, j int) bool { return z[i].score < z[j].score })
}

func encodeInt(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
