package signals

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedisTracker(t *testing.T, cfg Config) (*RedisTracker, string) {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis signal tracker tests")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	tr := NewRedis(client, cfg)
	providerID := fmt.Sprintf("test-provider-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		client.Del(context.Background(), tr.parallelKey(providerID), tr.performanceKey(providerID))
		client.Close()
	})
	return tr, providerID
}

func TestRedisTracker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	tr, id := newTestRedisTracker(t, Config{Alpha: 0.5, FailurePenalty: 10 * time.Second, TTL: time.Minute})

	tr.Acquire(ctx, id)
	tr.Acquire(ctx, id)
	if err := tr.Release(ctx, id, 2*time.Second, false); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	snap, err := tr.Snapshot(ctx, []string{id})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got := snap[id].ParallelRequests; got == nil || *got != 1 {
		t.Errorf("parallel = %v, want 1", got)
	}
	if got := snap[id].PerformanceIndicator; got == nil || !approx(*got, 2) {
		t.Errorf("indicator = %v, want 2", got)
	}

	tr.Release(ctx, id, 0, true)
	tr.Release(ctx, id, 0, true)

	snap, _ = tr.Snapshot(ctx, []string{id})
	if got := snap[id].ParallelRequests; got == nil || *got != 0 {
		t.Errorf("parallel after extra release = %v, want 0", got)
	}
	// 0.5*10 + 0.5*(0.5*10 + 0.5*2) = 8
	if got := snap[id].PerformanceIndicator; got == nil || !approx(*got, 8) {
		t.Errorf("indicator after failures = %v, want 8", got)
	}
}

func TestRedisTracker_UnknownProvider(t *testing.T) {
	tr, _ := newTestRedisTracker(t, DefaultConfig())

	snap, err := tr.Snapshot(context.Background(), []string{"never-seen"})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if s := snap["never-seen"]; s.ParallelRequests != nil || s.PerformanceIndicator != nil {
		t.Errorf("signals = %+v, want empty", s)
	}
}

func TestRedisTracker_Cancel(t *testing.T) {
	ctx := context.Background()
	tr, id := newTestRedisTracker(t, DefaultConfig())

	tr.Acquire(ctx, id)
	if err := tr.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	tr.Cancel(ctx, id)

	snap, _ := tr.Snapshot(ctx, []string{id})
	if got := snap[id].ParallelRequests; got == nil || *got != 0 {
		t.Errorf("parallel = %v, want 0", got)
	}
	if got := snap[id].PerformanceIndicator; got != nil {
		t.Errorf("indicator = %v, want none after Cancel", *got)
	}
}
