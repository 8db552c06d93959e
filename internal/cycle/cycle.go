// Package cycle provides a restartable round-robin sequence.
//
// The offset of a TrackedCycle is the number of prior advances, normalised
// modulo the number of items. Next returns the item at the current offset and
// then moves the offset forward by one, so a cycle rebuilt from a previously
// read offset continues exactly where the old one stopped.
package cycle

import (
	"sync"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
)

// TrackedCycle is a round-robin sequencer over a fixed item list.
// It is safe for concurrent use.
type TrackedCycle[T any] struct {
	mu     sync.Mutex
	items  []T
	offset int64
}

// NewTrackedCycle never fails; an empty list only fails on the first Next.
func NewTrackedCycle[T any](items []T, offset int64) *TrackedCycle[T] {
	return &TrackedCycle[T]{
		items:  items,
		offset: normalize(offset, len(items)),
	}
}

// Next returns the item at the current offset and advances the offset.
func (c *TrackedCycle[T]) Next() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if len(c.items) == 0 {
		return zero, domain.ErrNoCandidates
	}

	item := c.items[c.offset]
	c.offset = (c.offset + 1) % int64(len(c.items))
	return item, nil
}

// Offset returns the current offset without advancing.
func (c *TrackedCycle[T]) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

func normalize(offset int64, n int) int64 {
	if n == 0 {
		return offset
	}
	m := offset % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return m
}
