// Package signals tracks the live telemetry QoS policies read for each provider.
//
// Two values are kept per provider:
//   - parallel requests: invocations admitted and not yet reported complete
//   - performance indicator: exponentially weighted moving average of the
//     invocation latency in seconds, failures counted as a penalty latency
//
// Implementations:
//   - InMemoryTracker: single instance, guarded by a mutex
//   - RedisTracker: shared by every gateway instance, updated with Lua scripts
package signals

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
)

// Tracker records the start and end of provider invocations.
type Tracker interface {
	// Acquire counts one more in-flight request on the provider.
	Acquire(ctx context.Context, providerID string) error

	// Release ends an in-flight request and feeds its latency into the indicator.
	Release(ctx context.Context, providerID string, latency time.Duration, failed bool) error

	// Cancel ends an in-flight request that never reached the provider.
	// The performance indicator is left untouched.
	Cancel(ctx context.Context, providerID string) error

	// Snapshot returns the current signals of each provider. Providers never
	// seen have empty signals.
	Snapshot(ctx context.Context, providerIDs []string) (map[string]domain.Signals, error)
}

type Config struct {
	Alpha          float64       // Weight of the newest sample
	FailurePenalty time.Duration // Latency recorded for a failed invocation
	TTL            time.Duration // Idle time after which Redis forgets a provider
}

func DefaultConfig() Config {
	return Config{
		Alpha:          0.2,
		FailurePenalty: 30 * time.Second,
		TTL:            time.Hour,
	}
}

func (c Config) sample(latency time.Duration, failed bool) float64 {
	if failed {
		return c.FailurePenalty.Seconds()
	}
	return latency.Seconds()
}

func ewma(alpha float64, prev *float64, sample float64) float64 {
	if prev == nil {
		return sample
	}
	return alpha*sample + (1-alpha)*(*prev)
}

type providerState struct {
	parallel    int64
	performance *float64
}

// InMemoryTracker implements Tracker for a single gateway instance.
type InMemoryTracker struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerState
}

func NewInMemory(cfg Config) *InMemoryTracker {
	return &InMemoryTracker{
		cfg:       cfg,
		providers: make(map[string]*providerState),
	}
}

func (t *InMemoryTracker) state(providerID string) *providerState {
	s, ok := t.providers[providerID]
	if !ok {
		s = &providerState{}
		t.providers[providerID] = s
	}
	return s
}

func (t *InMemoryTracker) Acquire(ctx context.Context, providerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state(providerID).parallel++
	return nil
}

func (t *InMemoryTracker) Release(ctx context.Context, providerID string, latency time.Duration, failed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(providerID)
	if s.parallel > 0 {
		s.parallel--
	}
	v := ewma(t.cfg.Alpha, s.performance, t.cfg.sample(latency, failed))
	s.performance = &v
	return nil
}

func (t *InMemoryTracker) Cancel(ctx context.Context, providerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := t.state(providerID); s.parallel > 0 {
		s.parallel--
	}
	return nil
}

func (t *InMemoryTracker) Snapshot(ctx context.Context, providerIDs []string) (map[string]domain.Signals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]domain.Signals, len(providerIDs))
	for _, id := range providerIDs {
		s, ok := t.providers[id]
		if !ok {
			out[id] = domain.Signals{}
			continue
		}
		parallel := s.parallel
		sig := domain.Signals{ParallelRequests: &parallel}
		if s.performance != nil {
			perf := *s.performance
			sig.PerformanceIndicator = &perf
		}
		out[id] = sig
	}
	return out, nil
}
