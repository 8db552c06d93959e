package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TTL values reported for keys without a live expiry, mirroring Redis PTTL.
const (
	TTLNoExpiry time.Duration = -1
	TTLMissing  time.Duration = -2
)

// Storage is the counter store the window algorithms run on.
// Every method must be atomic with respect to concurrent callers.
type Storage interface {
	Incr(ctx context.Context, key string, expiry time.Duration, amount int64) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Clear(ctx context.Context, key string) error
	// Reset removes every rate limit key and returns how many were removed.
	Reset(ctx context.Context) (int64, error)

	// AcquireEntry records amount units in the moving window log if they fit.
	AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error)
	// MovingWindow returns the oldest entry and the units logged inside the window.
	MovingWindow(ctx context.Context, key string, expiry time.Duration) (time.Time, int64, error)

	AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error)
	SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error)
}

// SlidingWindowState holds both counters of a sliding window and their TTLs.
type SlidingWindowState struct {
	PreviousCount int64
	PreviousTTL   time.Duration
	CurrentCount  int64
	CurrentTTL    time.Duration
}

// Weighted is the previous count scaled by the part of it still inside the
// trailing window, plus the current count.
func (s SlidingWindowState) Weighted(expiry time.Duration) int64 {
	prevTTL := max(s.PreviousTTL, 0)
	return int64(float64(s.PreviousCount)*float64(prevTTL)/float64(expiry)) + s.CurrentCount
}

func previousKey(key string) string {
	return key + "/-1"
}

type memEntry struct {
	value     int64
	expiresAt time.Time
	log       []logEntry
}

type logEntry struct {
	at     time.Time
	amount int64
}

// InMemoryStorage implements Storage in process memory.
// Suitable for single-instance deployments and tests.
type InMemoryStorage struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type InMemoryOption func(*InMemoryStorage)

// WithClock overrides the time source.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStorage) { s.now = now }
}

func NewInMemoryStorage(opts ...InMemoryOption) *InMemoryStorage {
	s := &InMemoryStorage{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns a live entry, dropping it if it has expired. Callers hold mu.
func (s *InMemoryStorage) lookup(key string) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *InMemoryStorage) pttl(key string) time.Duration {
	e := s.lookup(key)
	if e == nil {
		return TTLMissing
	}
	if e.expiresAt.IsZero() {
		return TTLNoExpiry
	}
	return e.expiresAt.Sub(s.now())
}

func (s *InMemoryStorage) Incr(ctx context.Context, key string, expiry time.Duration, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		e = &memEntry{expiresAt: s.now().Add(expiry)}
		s.entries[key] = e
	}
	e.value += amount
	return e.value, nil
}

func (s *InMemoryStorage) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.lookup(key); e != nil {
		return e.value, nil
	}
	return 0, nil
}

func (s *InMemoryStorage) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pttl(key), nil
}

func (s *InMemoryStorage) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.entries, previousKey(key))
	return nil
}

func (s *InMemoryStorage) Reset(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.entries))
	s.entries = make(map[string]*memEntry)
	return n, nil
}

// prune drops log entries outside the window and returns the units left. Callers hold mu.
func (s *InMemoryStorage) prune(e *memEntry, expiry time.Duration) int64 {
	cutoff := s.now().Add(-expiry)
	kept := e.log[:0]
	var count int64
	for _, le := range e.log {
		if le.at.After(cutoff) {
			kept = append(kept, le)
			count += le.amount
		}
	}
	e.log = kept
	return count
}

func (s *InMemoryStorage) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount > limit {
		return false, nil
	}

	e := s.lookup(key)
	if e == nil {
		e = &memEntry{}
		s.entries[key] = e
	}

	if s.prune(e, expiry)+amount > limit {
		return false, nil
	}

	now := s.now()
	e.log = append(e.log, logEntry{at: now, amount: amount})
	e.expiresAt = now.Add(expiry)
	return true, nil
}

func (s *InMemoryStorage) MovingWindow(ctx context.Context, key string, expiry time.Duration) (time.Time, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return time.Time{}, 0, nil
	}

	count := s.prune(e, expiry)
	if len(e.log) == 0 {
		return time.Time{}, 0, nil
	}
	return e.log[0].at, count, nil
}

// shift moves an elapsed current window into the previous slot. Callers hold mu.
func (s *InMemoryStorage) shift(key string, expiry time.Duration) {
	ttl := s.pttl(key)
	if ttl > 0 && ttl < expiry {
		s.entries[previousKey(key)] = s.entries[key]
		s.entries[key] = &memEntry{expiresAt: s.now().Add(ttl + expiry)}
	}
}

func (s *InMemoryStorage) slidingState(key string) SlidingWindowState {
	var state SlidingWindowState
	if e := s.lookup(previousKey(key)); e != nil {
		state.PreviousCount = e.value
		state.PreviousTTL = max(s.pttl(previousKey(key)), 0)
	}
	if e := s.lookup(key); e != nil {
		state.CurrentCount = e.value
		state.CurrentTTL = max(s.pttl(key), 0)
	}
	return state
}

func (s *InMemoryStorage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount > limit {
		return false, nil
	}

	s.shift(key, expiry)
	state := s.slidingState(key)
	if state.Weighted(expiry)+amount > limit {
		return false, nil
	}

	if e := s.lookup(key); e != nil {
		e.value += amount
	} else {
		s.entries[key] = &memEntry{value: amount, expiresAt: s.now().Add(2 * expiry)}
	}
	return true, nil
}

func (s *InMemoryStorage) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shift(key, expiry)
	return s.slidingState(key), nil
}
