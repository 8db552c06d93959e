package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// OffsetStore persists the rotation offset of round-robin routers.
type OffsetStore interface {
	// NextOffset advances the router's offset by one and returns the value
	// it had before. Concurrent callers each get a distinct value.
	NextOffset(ctx context.Context, routerID int64) (int64, error)
}

// InMemoryOffsetStore keeps offsets for a single instance.
type InMemoryOffsetStore struct {
	mu      sync.Mutex
	offsets map[int64]int64
}

func NewInMemoryOffsetStore() *InMemoryOffsetStore {
	return &InMemoryOffsetStore{offsets: make(map[int64]int64)}
}

func (s *InMemoryOffsetStore) NextOffset(ctx context.Context, routerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.offsets[routerID]
	s.offsets[routerID] = current + 1
	return current, nil
}

// RedisOffsetStore shares offsets between gateway instances with INCR.
type RedisOffsetStore struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisOffsetStore(client redis.Cmdable) *RedisOffsetStore {
	return &RedisOffsetStore{client: client, keyPrefix: "router:offset:"}
}

func (s *RedisOffsetStore) key(routerID int64) string {
	return s.keyPrefix + strconv.FormatInt(routerID, 10)
}

func (s *RedisOffsetStore) NextOffset(ctx context.Context, routerID int64) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(routerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("advance offset of router %d: %w", routerID, err)
	}
	return n - 1, nil
}
