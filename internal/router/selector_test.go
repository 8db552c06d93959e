package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/signals"
	"github.com/redis/go-redis/v9"
)

type mockDirectory struct {
	GetRouterFunc  func(routerID int64) (*domain.Router, error)
	NextOffsetFunc func(routerID int64) (int64, error)
	offsetCalls    int
}

func (m *mockDirectory) GetRouter(ctx context.Context, routerID int64) (*domain.Router, error) {
	return m.GetRouterFunc(routerID)
}

func (m *mockDirectory) NextOffset(ctx context.Context, routerID int64) (int64, error) {
	m.offsetCalls++
	return m.NextOffsetFunc(routerID)
}

func staticDirectory(routers ...*domain.Router) *mockDirectory {
	offsets := NewInMemoryOffsetStore()
	return &mockDirectory{
		GetRouterFunc: func(id int64) (*domain.Router, error) {
			for _, r := range routers {
				if r.ID == id {
					return r, nil
				}
			}
			return nil, domain.ErrRouterNotFound
		},
		NextOffsetFunc: func(id int64) (int64, error) {
			return offsets.NextOffset(context.Background(), id)
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelector_RoundRobinRotates(t *testing.T) {
	dir := staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingRoundRobin, Providers: providers("a", "b", "c")})
	s := NewSelector(dir, nil)

	want := []string{"a", "b", "c", "a", "b", "c", "a"}
	for i, id := range want {
		sel, err := s.Select(context.Background(), 1)
		if err != nil {
			t.Fatalf("select %d: error = %v", i, err)
		}
		if sel.Provider.ID != id {
			t.Errorf("select %d: provider = %s, want %s", i, sel.Provider.ID, id)
		}
		if sel.Strategy != "round_robin" {
			t.Errorf("strategy = %s, want round_robin", sel.Strategy)
		}
	}
}

func TestSelector_RoundRobinResumesFromPersistedOffset(t *testing.T) {
	offsets := NewInMemoryOffsetStore()
	rt := &domain.Router{ID: 1, Strategy: domain.RoutingRoundRobin, Providers: providers("a", "b", "c")}

	first := NewSelector(staticDirectory(rt), nil, WithOffsetStore(offsets))
	for i := 0; i < 4; i++ {
		first.Select(context.Background(), 1)
	}

	// A new selector sharing the store continues the rotation.
	second := NewSelector(staticDirectory(rt), nil, WithOffsetStore(offsets))
	sel, err := second.Select(context.Background(), 1)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if sel.Provider.ID != "b" {
		t.Errorf("provider = %s, want b", sel.Provider.ID)
	}
}

func TestSelector_RouterNotFound(t *testing.T) {
	s := NewSelector(staticDirectory(), nil)

	_, err := s.Select(context.Background(), 42)
	if !errors.Is(err, domain.ErrRouterNotFound) {
		t.Errorf("error = %v, want ErrRouterNotFound", err)
	}
}

func TestSelector_EmptyPool(t *testing.T) {
	dir := staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingRoundRobin})
	s := NewSelector(dir, nil)

	_, err := s.Select(context.Background(), 1)
	if !errors.Is(err, domain.ErrNoCandidates) {
		t.Errorf("error = %v, want ErrNoCandidates", err)
	}
	if dir.offsetCalls != 0 {
		t.Errorf("offset advanced %d times for an empty pool, want 0", dir.offsetCalls)
	}
}

func TestSelector_QoSFiltersBusyProviders(t *testing.T) {
	ctx := context.Background()
	pool := providers("a", "b")
	pool[0].QoS.MaxParallelRequests = int64Ptr(1)

	tracker := signals.NewInMemory(signals.DefaultConfig())
	tracker.Acquire(ctx, "a")
	tracker.Acquire(ctx, "a")

	dir := staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingRoundRobin, Providers: pool})
	s := NewSelector(dir, tracker)

	for i := 0; i < 3; i++ {
		sel, err := s.Select(ctx, 1)
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		if sel.Provider.ID != "b" {
			t.Errorf("provider = %s, want b", sel.Provider.ID)
		}
	}

	if pool[0].Signals.ParallelRequests != nil {
		t.Error("Select() mutated the directory's providers")
	}
}

func TestSelector_AllFilteredThenWithoutQoS(t *testing.T) {
	ctx := context.Background()
	pool := providers("a")
	pool[0].QoS.MaxParallelRequests = int64Ptr(0)

	tracker := signals.NewInMemory(signals.DefaultConfig())
	tracker.Acquire(ctx, "a")

	s := NewSelector(staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingShuffle, Providers: pool}), tracker)

	if _, err := s.Select(ctx, 1); !errors.Is(err, domain.ErrNoCandidates) {
		t.Fatalf("error = %v, want ErrNoCandidates", err)
	}

	sel, err := s.Select(ctx, 1, WithoutQoS())
	if err != nil {
		t.Fatalf("WithoutQoS error = %v", err)
	}
	if sel.Provider.ID != "a" {
		t.Errorf("provider = %s, want a", sel.Provider.ID)
	}
}

func TestSelector_WarnOnlyKeepsProvider(t *testing.T) {
	ctx := context.Background()
	pool := providers("a")
	pool[0].QoS = domain.QoSConfig{MaxParallelRequests: int64Ptr(0), WarnOnly: true}

	tracker := signals.NewInMemory(signals.DefaultConfig())
	tracker.Acquire(ctx, "a")

	s := NewSelector(staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingShuffle, Providers: pool}), tracker)
	if _, err := s.Select(ctx, 1); err != nil {
		t.Errorf("error = %v, want nil", err)
	}
}

func TestSelector_LeastBusyUsesSignals(t *testing.T) {
	ctx := context.Background()
	tracker := signals.NewInMemory(signals.DefaultConfig())
	tracker.Acquire(ctx, "a")
	tracker.Acquire(ctx, "a")
	tracker.Acquire(ctx, "b")

	s := NewSelector(staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingLeastBusy, Providers: providers("a", "b", "c")}), tracker)

	sel, err := s.Select(ctx, 1)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if sel.Provider.ID != "c" || sel.LoadScore == nil || *sel.LoadScore != 0 {
		t.Errorf("selection = %s score %v, want c with 0", sel.Provider.ID, sel.LoadScore)
	}
}

func TestSelector_OffsetErrorStillSelects(t *testing.T) {
	dir := staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingRoundRobin, Providers: providers("a", "b")})
	dir.NextOffsetFunc = func(int64) (int64, error) { return 0, errors.New("db down") }

	sel, err := NewSelector(dir, nil).Select(context.Background(), 1)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if sel.Provider.ID != "a" {
		t.Errorf("provider = %s, want a", sel.Provider.ID)
	}
}

// stalledDirectory serves routers normally but its offset store hangs until
// the caller gives up.
type stalledDirectory struct {
	*mockDirectory
}

func (d stalledDirectory) NextOffset(ctx context.Context, routerID int64) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// stalledTracker hangs on every snapshot until the caller gives up.
type stalledTracker struct {
	signals.Tracker
}

func (stalledTracker) Snapshot(ctx context.Context, providerIDs []string) (map[string]domain.Signals, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func selectWithin(t *testing.T, s *Selector, routerID int64, limit time.Duration) *Selection {
	t.Helper()
	type result struct {
		sel *Selection
		err error
	}
	done := make(chan result, 1)
	go func() {
		sel, err := s.Select(context.Background(), routerID)
		done <- result{sel, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Select() error = %v", r.err)
		}
		return r.sel
	case <-time.After(limit):
		t.Fatalf("Select() still blocked after %v", limit)
		return nil
	}
}

func TestSelector_StalledOffsetStoreTimesOut(t *testing.T) {
	dir := stalledDirectory{staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingRoundRobin, Providers: providers("a", "b")})}
	s := NewSelector(dir, nil, WithStoreTimeout(20*time.Millisecond), WithLogger(discardLogger()))

	sel := selectWithin(t, s, 1, 2*time.Second)
	if sel.Provider.ID != "a" {
		t.Errorf("provider = %s, want a (offset falls back to 0)", sel.Provider.ID)
	}
}

func TestSelector_StalledSignalsTimeOut(t *testing.T) {
	dir := staticDirectory(&domain.Router{ID: 1, Strategy: domain.RoutingLeastBusy, Providers: providers("a", "b")})
	s := NewSelector(dir, stalledTracker{}, WithStoreTimeout(20*time.Millisecond), WithLogger(discardLogger()))

	sel := selectWithin(t, s, 1, 2*time.Second)
	if sel.Provider.ID != "a" {
		t.Errorf("provider = %s, want a (no signals, list order)", sel.Provider.ID)
	}
}

func TestInMemoryOffsetStore_Concurrent(t *testing.T) {
	store := NewInMemoryOffsetStore()

	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := store.NextOffset(context.Background(), 9)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("distinct offsets = %d, want 50", len(seen))
	}
}

func TestRedisOffsetStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis offset store tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	store := NewRedisOffsetStore(client)
	ctx := context.Background()
	client.Del(ctx, store.key(424242))
	defer client.Del(ctx, store.key(424242))

	for want := int64(0); want < 3; want++ {
		got, err := store.NextOffset(ctx, 424242)
		if err != nil {
			t.Fatalf("NextOffset() error = %v", err)
		}
		if got != want {
			t.Errorf("NextOffset() = %d, want %d", got, want)
		}
	}
}
