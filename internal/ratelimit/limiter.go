package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
)

const (
	DefaultPrefix  = "rl"
	DefaultTimeout = 250 * time.Millisecond
)

// Limiter applies a window algorithm to per-identity, per-router quotas.
// It fails open: store errors and timeouts let the request through.
type Limiter struct {
	storage  Storage
	strategy Strategy
	prefix   string
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Limiter)

// WithPrefix sets the namespace of the base keys.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithTimeout bounds every store round trip. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func NewLimiter(storage Storage, kind StrategyKind, opts ...Option) (*Limiter, error) {
	strategy, err := NewStrategy(kind, storage)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		storage:  storage,
		strategy: strategy,
		prefix:   DefaultPrefix,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Strategy returns the name of the window algorithm in use.
func (l *Limiter) Strategy() string {
	return l.strategy.Name()
}

// Key returns the base key of a quota.
func (l *Limiter) Key(userID, routerID int64, t domain.LimitType) string {
	return fmt.Sprintf("%s:%s:%d:%d", l.prefix, t, userID, routerID)
}

func itemFor(t domain.LimitType, value int64) Item {
	switch t {
	case domain.LimitTypeRPD, domain.LimitTypeTPD:
		return PerDay(value)
	default:
		return PerMinute(value)
	}
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

// Hit consumes cost units of the quota and reports whether the request is allowed.
// A nil value means no limit and never reaches the store.
func (l *Limiter) Hit(ctx context.Context, userID, routerID int64, t domain.LimitType, value *int64, cost int64) bool {
	if value == nil {
		return true
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	item := itemFor(t, *value)
	key := l.Key(userID, routerID, t)

	allowed, err := l.strategy.Hit(ctx, item, key, cost)
	if err != nil {
		l.storeError(err, "hit", userID, routerID, t)
		return true
	}
	if !allowed {
		return false
	}

	// A counter without expiry would never reset, so it is dropped.
	storageKey := item.StorageKey(key)
	ttl, err := l.storage.TTL(ctx, storageKey)
	if err != nil {
		l.storeError(err, "ttl", userID, routerID, t)
		return true
	}
	if ttl == TTLNoExpiry {
		l.logger.Warn("rate limit counter without expiry, clearing",
			"key", storageKey,
		)
		if err := l.storage.Clear(ctx, storageKey); err != nil {
			l.storeError(err, "clear", userID, routerID, t)
		}
	}
	return true
}

func (l *Limiter) storeError(err error, op string, userID, routerID int64, t domain.LimitType) {
	metrics.RecordRateLimitStoreError(l.strategy.Name(), op)
	l.logger.Error("error during rate limit hit",
		"error", err,
		"operation", op,
		"user_id", userID,
		"router_id", routerID,
		"limit_type", string(t),
	)
}

// Remaining returns the units left in the current window, or nil when the
// quota is unlimited or the store could not answer.
func (l *Limiter) Remaining(ctx context.Context, userID, routerID int64, t domain.LimitType, value *int64) *int64 {
	if value == nil {
		return nil
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	stats, err := l.strategy.WindowStats(ctx, itemFor(t, *value), l.Key(userID, routerID, t))
	if err != nil {
		l.logger.Debug("error during rate limit remaining",
			"error", err,
			"user_id", userID,
			"router_id", routerID,
			"limit_type", string(t),
		)
		return nil
	}
	return &stats.Remaining
}

// Reset clears every quota counter.
func (l *Limiter) Reset(ctx context.Context) error {
	n, err := l.storage.Reset(ctx)
	if err != nil {
		l.logger.Error("error during rate limit reset", "error", err)
		return fmt.Errorf("reset rate limits: %w", err)
	}
	l.logger.Info("rate limits reset", "keys_removed", n)
	return nil
}
