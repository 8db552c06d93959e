// Package ratelimit enforces per-identity quotas against a shared counter store.
//
// Three window algorithms are available behind one Strategy interface:
//   - FixedWindow: a counter that expires at the end of each window
//   - SlidingWindow: current and previous counters, the previous one weighted
//     by the share of it still inside the trailing window
//   - MovingWindow: a log of hits inside the trailing window
//
// All of them run on a Storage, either in-memory (single instance) or Redis
// (distributed, atomic Lua scripts).
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Granularity is the window length of a rate limit item.
type Granularity int

const (
	GranularityMinute Granularity = iota
	GranularityDay
)

func (g Granularity) Duration() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Minute
}

func (g Granularity) String() string {
	if g == GranularityDay {
		return "day"
	}
	return "minute"
}

// Item is a quota of Amount units per window.
type Item struct {
	Amount      int64
	Multiples   int64
	Granularity Granularity
}

func PerMinute(amount int64) Item {
	return Item{Amount: amount, Multiples: 1, Granularity: GranularityMinute}
}

func PerDay(amount int64) Item {
	return Item{Amount: amount, Multiples: 1, Granularity: GranularityDay}
}

func (i Item) Expiry() time.Duration {
	m := i.Multiples
	if m <= 0 {
		m = 1
	}
	return time.Duration(m) * i.Granularity.Duration()
}

// StorageKey derives the counter key for a base key. It only depends on the
// item, so it is stable across restarts.
func (i Item) StorageKey(base string) string {
	m := i.Multiples
	if m <= 0 {
		m = 1
	}
	return fmt.Sprintf("LIMITER/%s/%d/%d/%s", base, i.Amount, m, i.Granularity)
}

type WindowStats struct {
	ResetAt   time.Time
	Remaining int64
}

// Strategy is a window algorithm.
type Strategy interface {
	// Hit consumes cost units for key and reports whether the quota allowed it.
	Hit(ctx context.Context, item Item, key string, cost int64) (bool, error)
	// WindowStats reports the remaining budget without consuming any.
	WindowStats(ctx context.Context, item Item, key string) (WindowStats, error)
	Name() string
}

type StrategyKind string

const (
	StrategyFixedWindow   StrategyKind = "fixed_window"
	StrategySlidingWindow StrategyKind = "sliding_window"
	StrategyMovingWindow  StrategyKind = "moving_window"
)

// NewStrategy returns the window algorithm for kind running on storage.
func NewStrategy(kind StrategyKind, storage Storage) (Strategy, error) {
	switch kind {
	case StrategyFixedWindow:
		return &FixedWindow{storage: storage}, nil
	case StrategySlidingWindow:
		return &SlidingWindow{storage: storage}, nil
	case StrategyMovingWindow:
		return &MovingWindow{storage: storage}, nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", kind)
	}
}

// FixedWindow counts every hit, including rejected ones, until the window expires.
type FixedWindow struct {
	storage Storage
}

func (s *FixedWindow) Hit(ctx context.Context, item Item, key string, cost int64) (bool, error) {
	count, err := s.storage.Incr(ctx, item.StorageKey(key), item.Expiry(), cost)
	if err != nil {
		return false, err
	}
	return count <= item.Amount, nil
}

func (s *FixedWindow) WindowStats(ctx context.Context, item Item, key string) (WindowStats, error) {
	k := item.StorageKey(key)
	count, err := s.storage.Get(ctx, k)
	if err != nil {
		return WindowStats{}, err
	}
	ttl, err := s.storage.TTL(ctx, k)
	if err != nil {
		return WindowStats{}, err
	}

	resetAt := time.Now().Add(item.Expiry())
	if ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}
	return WindowStats{ResetAt: resetAt, Remaining: max(0, item.Amount-count)}, nil
}

func (s *FixedWindow) Name() string { return string(StrategyFixedWindow) }

// SlidingWindow approximates a trailing window with two fixed counters.
type SlidingWindow struct {
	storage Storage
}

func (s *SlidingWindow) Hit(ctx context.Context, item Item, key string, cost int64) (bool, error) {
	return s.storage.AcquireSlidingWindowEntry(ctx, item.StorageKey(key), item.Amount, item.Expiry(), cost)
}

func (s *SlidingWindow) WindowStats(ctx context.Context, item Item, key string) (WindowStats, error) {
	expiry := item.Expiry()
	state, err := s.storage.SlidingWindow(ctx, item.StorageKey(key), expiry)
	if err != nil {
		return WindowStats{}, err
	}

	weighted := state.Weighted(expiry)
	resetAt := time.Now().Add(expiry)
	if state.CurrentTTL > expiry {
		resetAt = time.Now().Add(state.CurrentTTL - expiry)
	}
	return WindowStats{ResetAt: resetAt, Remaining: max(0, item.Amount-weighted)}, nil
}

func (s *SlidingWindow) Name() string { return string(StrategySlidingWindow) }

// MovingWindow keeps every hit inside the trailing window.
type MovingWindow struct {
	storage Storage
}

func (s *MovingWindow) Hit(ctx context.Context, item Item, key string, cost int64) (bool, error) {
	return s.storage.AcquireEntry(ctx, item.StorageKey(key), item.Amount, item.Expiry(), cost)
}

func (s *MovingWindow) WindowStats(ctx context.Context, item Item, key string) (WindowStats, error) {
	expiry := item.Expiry()
	oldest, count, err := s.storage.MovingWindow(ctx, item.StorageKey(key), expiry)
	if err != nil {
		return WindowStats{}, err
	}

	resetAt := time.Now().Add(expiry)
	if !oldest.IsZero() {
		resetAt = oldest.Add(expiry)
	}
	return WindowStats{ResetAt: resetAt, Remaining: max(0, item.Amount-count)}, nil
}

func (s *MovingWindow) Name() string { return string(StrategyMovingWindow) }
