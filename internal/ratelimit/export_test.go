package ratelimit

import (
	"strings"
	"time"
)

// Persist removes the expiry of a key, leaving a counter without TTL.
func (s *InMemoryStorage) Persist(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(key); e != nil {
		e.expiresAt = time.Time{}
	}
}

// Keys lists live keys with the given prefix.
func (s *InMemoryStorage) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.entries {
		if s.lookup(k) != nil && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}
