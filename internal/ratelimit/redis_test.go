package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getRedisURL(t testing.TB) string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis rate limit tests")
	}
	return url
}

func newTestRedisStorage(t testing.TB) *RedisStorage {
	t.Helper()
	s, err := NewRedisStorage(getRedisURL(t))
	if err != nil {
		t.Fatalf("failed to create redis storage: %v", err)
	}
	t.Cleanup(func() {
		s.Reset(context.Background())
		s.Close()
	})
	return s
}

func TestRedisStorage_StrategiesAllowUpToLimit(t *testing.T) {
	s := newTestRedisStorage(t)
	ctx := context.Background()

	for _, kind := range allKinds {
		strategy, err := NewStrategy(kind, s)
		if err != nil {
			t.Fatalf("NewStrategy() error = %v", err)
		}
		key := fmt.Sprintf("test:%s:%d", kind, time.Now().UnixNano())
		item := PerMinute(5)

		for i := 0; i < 5; i++ {
			ok, err := strategy.Hit(ctx, item, key, 1)
			if err != nil {
				t.Fatalf("%s: Hit() error = %v", kind, err)
			}
			if !ok {
				t.Errorf("%s: hit %d denied", kind, i+1)
			}
		}

		ok, err := strategy.Hit(ctx, item, key, 1)
		if err != nil {
			t.Fatalf("%s: Hit() error = %v", kind, err)
		}
		if ok {
			t.Errorf("%s: sixth hit allowed against 5", kind)
		}

		stats, err := strategy.WindowStats(ctx, item, key)
		if err != nil {
			t.Fatalf("%s: WindowStats() error = %v", kind, err)
		}
		if stats.Remaining != 0 {
			t.Errorf("%s: Remaining = %d, want 0", kind, stats.Remaining)
		}
	}
}

func TestRedisStorage_IncrSetsExpiry(t *testing.T) {
	s := newTestRedisStorage(t)
	ctx := context.Background()

	if _, err := s.Incr(ctx, "test:incr", time.Minute, 1); err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	ttl, err := s.TTL(ctx, "test:incr")
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v, want within (0, 1m]", ttl)
	}

	if ttl, _ := s.TTL(ctx, "test:missing"); ttl != TTLMissing {
		t.Errorf("TTL(missing) = %v, want TTLMissing", ttl)
	}
}

func TestRedisLimiter_ClearsCounterWithoutExpiry(t *testing.T) {
	s := newTestRedisStorage(t)
	ctx := context.Background()

	l, err := NewLimiter(s, StrategyFixedWindow, WithPrefix("rltest"))
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	l.Hit(ctx, 1, 1, "rpm", int64Ptr(10), 1)
	storageKey := PerMinute(10).StorageKey(l.Key(1, 1, "rpm"))
	s.client.Persist(ctx, KeyPrefix+storageKey)

	if !l.Hit(ctx, 1, 1, "rpm", int64Ptr(10), 1) {
		t.Fatal("Hit() = false, want true")
	}
	if n, _ := s.client.Exists(ctx, KeyPrefix+storageKey).Result(); n != 0 {
		t.Error("counter without expiry still present after hit")
	}
}

func TestRedisStorage_Reset(t *testing.T) {
	s := newTestRedisStorage(t)
	ctx := context.Background()

	s.Incr(ctx, "test:reset:a", time.Minute, 1)
	s.Incr(ctx, "test:reset:b", time.Minute, 1)

	n, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if n < 2 {
		t.Errorf("Reset() removed %d keys, want at least 2", n)
	}
	if v, _ := s.Get(ctx, "test:reset:a"); v != 0 {
		t.Errorf("Get() after reset = %d, want 0", v)
	}
}

func TestRedisLimiter_FailsOpenWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	l, _ := NewLimiter(NewRedisStorageWithClient(client), StrategySlidingWindow, WithLogger(discardLogger()))

	if !l.Hit(context.Background(), 1, 1, "rpm", int64Ptr(1), 1) {
		t.Error("Hit() = false with Redis unreachable, want true")
	}
}

func BenchmarkRedisLimiter_Hit(b *testing.B) {
	s := newTestRedisStorage(b)
	ctx := context.Background()

	for _, kind := range allKinds {
		l, _ := NewLimiter(s, kind, WithPrefix("rlbench"))
		b.Run(string(kind), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				l.Hit(ctx, int64(i%100), 1, "rpm", int64Ptr(1_000_000), 1)
			}
		})
	}
}

func BenchmarkInMemoryLimiter_Hit(b *testing.B) {
	ctx := context.Background()

	for _, kind := range allKinds {
		l, _ := NewLimiter(NewInMemoryStorage(), kind)
		b.Run(string(kind), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				l.Hit(ctx, int64(i%100), 1, "rpm", int64Ptr(1000), 1)
			}
		})
	}
}
