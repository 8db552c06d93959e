package signals

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestInMemoryTracker_ParallelRequests(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(DefaultConfig())

	tr.Acquire(ctx, "p1")
	tr.Acquire(ctx, "p1")
	tr.Acquire(ctx, "p2")

	snap, err := tr.Snapshot(ctx, []string{"p1", "p2", "p3"})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if got := snap["p1"].ParallelRequests; got == nil || *got != 2 {
		t.Errorf("p1 parallel = %v, want 2", got)
	}
	if got := snap["p2"].ParallelRequests; got == nil || *got != 1 {
		t.Errorf("p2 parallel = %v, want 1", got)
	}
	if snap["p3"].ParallelRequests != nil || snap["p3"].PerformanceIndicator != nil {
		t.Errorf("p3 signals = %+v, want empty", snap["p3"])
	}
}

func TestInMemoryTracker_ReleaseFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(DefaultConfig())

	tr.Release(ctx, "p1", time.Second, false)
	tr.Release(ctx, "p1", time.Second, false)

	snap, _ := tr.Snapshot(ctx, []string{"p1"})
	if got := snap["p1"].ParallelRequests; got == nil || *got != 0 {
		t.Errorf("parallel = %v, want 0", got)
	}
}

func TestInMemoryTracker_PerformanceIndicator(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Alpha: 0.5, FailurePenalty: 10 * time.Second, TTL: time.Hour}
	tr := NewInMemory(cfg)

	tr.Acquire(ctx, "p1")
	tr.Release(ctx, "p1", 2*time.Second, false)

	snap, _ := tr.Snapshot(ctx, []string{"p1"})
	if got := snap["p1"].PerformanceIndicator; got == nil || !approx(*got, 2) {
		t.Fatalf("indicator after first sample = %v, want 2", got)
	}

	tr.Acquire(ctx, "p1")
	tr.Release(ctx, "p1", 4*time.Second, false)

	snap, _ = tr.Snapshot(ctx, []string{"p1"})
	if got := snap["p1"].PerformanceIndicator; got == nil || !approx(*got, 3) {
		t.Fatalf("indicator after second sample = %v, want 3", got)
	}

	tr.Acquire(ctx, "p1")
	tr.Release(ctx, "p1", 0, true)

	snap, _ = tr.Snapshot(ctx, []string{"p1"})
	if got := snap["p1"].PerformanceIndicator; got == nil || !approx(*got, 6.5) {
		t.Errorf("indicator after failure = %v, want 6.5", got)
	}
}

func TestInMemoryTracker_SnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(DefaultConfig())

	tr.Acquire(ctx, "p1")
	snap, _ := tr.Snapshot(ctx, []string{"p1"})
	tr.Acquire(ctx, "p1")

	if got := *snap["p1"].ParallelRequests; got != 1 {
		t.Errorf("snapshot changed after Acquire: parallel = %d, want 1", got)
	}
}

func TestInMemoryTracker_CancelKeepsIndicator(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(DefaultConfig())

	tr.Acquire(ctx, "p1")
	tr.Release(ctx, "p1", 2*time.Second, false)
	tr.Acquire(ctx, "p1")
	tr.Cancel(ctx, "p1")
	tr.Cancel(ctx, "p1")

	snap, _ := tr.Snapshot(ctx, []string{"p1"})
	if got := *snap["p1"].ParallelRequests; got != 0 {
		t.Errorf("parallel = %d, want 0", got)
	}
	if got := *snap["p1"].PerformanceIndicator; got != 2 {
		t.Errorf("performance = %v, want 2 (unchanged by Cancel)", got)
	}
}

func TestInMemoryTracker_Concurrent(t *testing.T) {
	ctx := context.Background()
	tr := NewInMemory(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Acquire(ctx, "p1")
		}()
	}
	wg.Wait()

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Release(ctx, "p1", time.Millisecond, false)
		}()
	}
	wg.Wait()

	snap, _ := tr.Snapshot(ctx, []string{"p1"})
	if got := *snap["p1"].ParallelRequests; got != 60 {
		t.Errorf("parallel = %d, want 60", got)
	}
}
