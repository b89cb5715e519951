package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pruneInterval bounds how often a memory gate scans for idle keys.
const pruneInterval = time.Minute

type bucketState struct {
	mu     sync.Mutex
	init   bool
	tokens float64
	last   time.Time

	// guarded by MemoryBucket.mu
	expires time.Time
}

// MemoryBucket keeps bucket state in process. The map lock only guards
// lookup; each key is updated under its own mutex. A bucket left idle for
// DefaultBucketTTL is dropped, which reads the same as a full bucket.
type MemoryBucket struct {
	now func() time.Time
	ttl time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucketState
	lastPrune time.Time
}

// NewMemoryBucket creates an empty in-process bucket set.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{
		now:     time.Now,
		ttl:     DefaultBucketTTL,
		buckets: make(map[string]*bucketState),
	}
}

// SetClock overrides the time source.
func (b *MemoryBucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBucket) TryTake(_ context.Context, key string, capacity, refillPerSec, cost float64) (bool, error) {
	if err := checkArgs(capacity, refillPerSec, cost); err != nil {
		return false, err
	}
	st, now := b.state(key, true)

	st.mu.Lock()
	defer st.mu.Unlock()

	tokens := capacity
	if st.init {
		tokens = refill(st.tokens, capacity, refillPerSec, st.last, now)
	}
	allowed := tokens >= cost
	if allowed {
		tokens -= cost
	}
	st.init = true
	st.tokens = tokens
	st.last = now
	return allowed, nil
}

func (b *MemoryBucket) Peek(_ context.Context, key string, capacity, refillPerSec float64) (float64, error) {
	if err := checkArgs(capacity, refillPerSec, 0); err != nil {
		return 0, err
	}
	st, now := b.state(key, false)

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.init {
		return capacity, nil
	}
	return refill(st.tokens, capacity, refillPerSec, st.last, now), nil
}

// Reset drops every bucket.
func (b *MemoryBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets = make(map[string]*bucketState)
}

// Len reports how many buckets are currently held.
func (b *MemoryBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// state returns the live bucket for key. touch stores a missing bucket and
// extends its expiry; Peek passes false and gets a detached zero state.
func (b *MemoryBucket) state(key string, touch bool) (*bucketState, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastPrune) >= pruneInterval {
		b.lastPrune = now
		for k, st := range b.buckets {
			if !now.Before(st.expires) {
				delete(b.buckets, k)
			}
		}
	}

	st, ok := b.buckets[key]
	if ok && !now.Before(st.expires) {
		delete(b.buckets, key)
		ok = false
	}
	if !ok {
		st = &bucketState{}
		if touch {
			b.buckets[key] = st
		}
	}
	if touch {
		st.expires = now.Add(b.ttl)
	}
	return st, now
}

// MemorySpacing records the last admitted event per key in process. A mark
// is kept for twice its interval, matching the Redis mark TTL.
type MemorySpacing struct {
	now func() time.Time

	mu        sync.Mutex
	marks     map[string]spacingMark
	lastPrune time.Time
}

type spacingMark struct {
	last    time.Time
	expires time.Time
}

// NewMemorySpacing creates an empty in-process spacing gate.
func NewMemorySpacing() *MemorySpacing {
	return &MemorySpacing{
		now:   time.Now,
		marks: make(map[string]spacingMark),
	}
}

// SetClock overrides the time source.
func (s *MemorySpacing) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemorySpacing) Allow(_ context.Context, key string, minInterval time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) >= pruneInterval {
		s.lastPrune = now
		for k, m := range s.marks {
			if !now.Before(m.expires) {
				delete(s.marks, k)
			}
		}
	}

	if m, ok := s.marks[key]; ok && now.Before(m.expires) && now.Sub(m.last) < minInterval {
		return false, nil
	}
	ttl := 2 * minInterval
	if ttl < time.Second {
		ttl = time.Second
	}
	s.marks[key] = spacingMark{last: now, expires: now.Add(ttl)}
	return true, nil
}

// Len reports how many keys the gate currently holds.
func (s *MemorySpacing) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marks)
}

var (
	_ Bucket  = (*MemoryBucket)(nil)
	_ Spacing = (*MemorySpacing)(nil)
)
