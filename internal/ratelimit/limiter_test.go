package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// brokenStorage fails every call. With block set it waits for the context instead.
type brokenStorage struct {
	err   error
	block bool
	calls atomic.Int64
}

func (s *brokenStorage) fail(ctx context.Context) error {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func (s *brokenStorage) Incr(ctx context.Context, key string, expiry time.Duration, amount int64) (int64, error) {
	return 0, s.fail(ctx)
}

func (s *brokenStorage) Get(ctx context.Context, key string) (int64, error) {
	return 0, s.fail(ctx)
}

func (s *brokenStorage) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, s.fail(ctx)
}

func (s *brokenStorage) Clear(ctx context.Context, key string) error {
	return s.fail(ctx)
}

func (s *brokenStorage) Reset(ctx context.Context) (int64, error) {
	return 0, s.fail(ctx)
}

func (s *brokenStorage) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	return false, s.fail(ctx)
}

func (s *brokenStorage) MovingWindow(ctx context.Context, key string, expiry time.Duration) (time.Time, int64, error) {
	return time.Time{}, 0, s.fail(ctx)
}

func (s *brokenStorage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	return false, s.fail(ctx)
}

func (s *brokenStorage) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	return SlidingWindowState{}, s.fail(ctx)
}

func int64Ptr(v int64) *int64 { return &v }

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestLimiter_NilValueSkipsStore(t *testing.T) {
	storage := &brokenStorage{err: errors.New("unreachable")}
	l, err := NewLimiter(storage, StrategySlidingWindow)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	for i := 0; i < 100; i++ {
		if !l.Hit(context.Background(), 1, 1, domain.LimitTypeRPM, nil, 1) {
			t.Fatal("Hit() with nil value = false, want true")
		}
	}
	if got := l.Remaining(context.Background(), 1, 1, domain.LimitTypeRPM, nil); got != nil {
		t.Errorf("Remaining() with nil value = %d, want nil", *got)
	}
	if n := storage.calls.Load(); n != 0 {
		t.Errorf("storage calls = %d, want 0", n)
	}
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	metrics.RateLimitStoreErrors.Reset()

	for _, kind := range allKinds {
		logger, buf := newBufferLogger()
		storage := &brokenStorage{err: errors.New("connection refused")}
		l, _ := NewLimiter(storage, kind, WithLogger(logger))

		if !l.Hit(context.Background(), 1, 1, domain.LimitTypeRPM, int64Ptr(1), 1) {
			t.Errorf("%s: Hit() = false on store error, want true", kind)
		}
		if !strings.Contains(buf.String(), "error during rate limit hit") {
			t.Errorf("%s: log = %q, want the store error logged", kind, buf.String())
		}
		if !strings.Contains(buf.String(), `"level":"ERROR"`) {
			t.Errorf("%s: store error not logged at error level", kind)
		}

		got := testutil.ToFloat64(metrics.RateLimitStoreErrors.WithLabelValues(string(kind), "hit"))
		if got != 1 {
			t.Errorf("%s: store error metric = %v, want 1", kind, got)
		}
	}
}

func TestLimiter_FailsOpenOnTimeout(t *testing.T) {
	storage := &brokenStorage{block: true}
	logger, _ := newBufferLogger()
	l, _ := NewLimiter(storage, StrategyFixedWindow, WithTimeout(20*time.Millisecond), WithLogger(logger))

	start := time.Now()
	if !l.Hit(context.Background(), 1, 1, domain.LimitTypeRPM, int64Ptr(1), 1) {
		t.Error("Hit() = false on timeout, want true")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Hit() took %v, want it bounded by the store timeout", elapsed)
	}
}

func TestLimiter_RemainingNilOnError(t *testing.T) {
	logger, buf := newBufferLogger()
	l, _ := NewLimiter(&brokenStorage{err: errors.New("boom")}, StrategyMovingWindow, WithLogger(logger))

	if got := l.Remaining(context.Background(), 1, 1, domain.LimitTypeRPD, int64Ptr(5)); got != nil {
		t.Errorf("Remaining() = %d, want nil", *got)
	}
	if !strings.Contains(buf.String(), `"level":"DEBUG"`) {
		t.Errorf("log = %q, want a debug entry", buf.String())
	}
}

func TestLimiter_HitAndRemaining(t *testing.T) {
	ctx := context.Background()

	for _, kind := range allKinds {
		l, err := NewLimiter(NewInMemoryStorage(), kind)
		if err != nil {
			t.Fatalf("NewLimiter() error = %v", err)
		}

		for i := 0; i < 3; i++ {
			if !l.Hit(ctx, 42, 7, domain.LimitTypeRPM, int64Ptr(3), 1) {
				t.Fatalf("%s: hit %d denied", kind, i+1)
			}
		}
		if l.Hit(ctx, 42, 7, domain.LimitTypeRPM, int64Ptr(3), 1) {
			t.Errorf("%s: fourth hit allowed against 3 rpm", kind)
		}

		remaining := l.Remaining(ctx, 42, 7, domain.LimitTypeRPM, int64Ptr(3))
		if remaining == nil || *remaining != 0 {
			t.Errorf("%s: Remaining() = %v, want 0", kind, remaining)
		}

		// rpd is a separate counter
		remaining = l.Remaining(ctx, 42, 7, domain.LimitTypeRPD, int64Ptr(100))
		if remaining == nil || *remaining != 100 {
			t.Errorf("%s: rpd Remaining() = %v, want 100", kind, remaining)
		}
	}
}

func TestLimiter_ClearsCounterWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryStorage()
	l, _ := NewLimiter(storage, StrategyFixedWindow)

	l.Hit(ctx, 1, 2, domain.LimitTypeRPM, int64Ptr(10), 1)

	storageKey := PerMinute(10).StorageKey(l.Key(1, 2, domain.LimitTypeRPM))
	storage.Persist(storageKey)

	if ttl, _ := storage.TTL(ctx, storageKey); ttl != TTLNoExpiry {
		t.Fatalf("TTL() = %v, want TTLNoExpiry", ttl)
	}

	if !l.Hit(ctx, 1, 2, domain.LimitTypeRPM, int64Ptr(10), 1) {
		t.Fatal("Hit() = false, want true")
	}
	if keys := storage.Keys("LIMITER/"); len(keys) != 0 {
		t.Errorf("keys after cleanup = %v, want none", keys)
	}
}

func TestLimiter_Key(t *testing.T) {
	l, _ := NewLimiter(NewInMemoryStorage(), StrategyFixedWindow, WithPrefix("quota"))

	if got := l.Key(5, 9, domain.LimitTypeTPD); got != "quota:tpd:5:9" {
		t.Errorf("Key() = %q, want quota:tpd:5:9", got)
	}
}

func TestLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	l, _ := NewLimiter(NewInMemoryStorage(), StrategySlidingWindow)

	l.Hit(ctx, 1, 1, domain.LimitTypeRPM, int64Ptr(1), 1)
	if l.Hit(ctx, 1, 1, domain.LimitTypeRPM, int64Ptr(1), 1) {
		t.Fatal("second hit allowed against 1 rpm")
	}

	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !l.Hit(ctx, 1, 1, domain.LimitTypeRPM, int64Ptr(1), 1) {
		t.Error("hit denied after Reset()")
	}

	broken, _ := NewLimiter(&brokenStorage{err: errors.New("down")}, StrategySlidingWindow, WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	if err := broken.Reset(ctx); err == nil {
		t.Error("Reset() on broken storage error = nil, want error")
	}
}

func TestNewLimiter_UnknownStrategy(t *testing.T) {
	if _, err := NewLimiter(NewInMemoryStorage(), "leaky_bucket"); err == nil {
		t.Error("NewLimiter(leaky_bucket) error = nil, want error")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}
