package signals

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// acquireScript raises the in-flight counter and refreshes its TTL.
// Keys: [parallel_key]
// Args: [ttl_ms]
var acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return n
`)

// releaseScript lowers the in-flight counter, never below zero, and folds the
// sample into the moving average.
// Keys: [parallel_key, performance_key]
// Args: [ttl_ms, sample_seconds, alpha]
var releaseScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n < 0 then
    redis.call('SET', KEYS[1], 0)
    n = 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])

local sample = tonumber(ARGV[2])
local alpha = tonumber(ARGV[3])
local prev = redis.call('GET', KEYS[2])
local value = sample
if prev then
    value = alpha * sample + (1 - alpha) * tonumber(prev)
end
redis.call('SET', KEYS[2], string.format('%.6f', value), 'PX', ARGV[1])
return n
`)

// cancelScript lowers the in-flight counter, never below zero.
// Keys: [parallel_key]
// Args: [ttl_ms]
var cancelScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n < 0 then
    redis.call('SET', KEYS[1], 0)
    n = 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return n
`)

// RedisTracker implements Tracker on Redis so every gateway instance sees the
// same in-flight counts.
type RedisTracker struct {
	client    redis.Cmdable
	cfg       Config
	keyPrefix string
}

func NewRedis(client redis.Cmdable, cfg Config) *RedisTracker {
	return &RedisTracker{
		client:    client,
		cfg:       cfg,
		keyPrefix: "signals:",
	}
}

func (t *RedisTracker) parallelKey(providerID string) string {
	return t.keyPrefix + providerID + ":parallel"
}

func (t *RedisTracker) performanceKey(providerID string) string {
	return t.keyPrefix + providerID + ":performance"
}

func (t *RedisTracker) Acquire(ctx context.Context, providerID string) error {
	err := acquireScript.Run(ctx, t.client, []string{t.parallelKey(providerID)}, t.cfg.TTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", providerID, err)
	}
	return nil
}

func (t *RedisTracker) Release(ctx context.Context, providerID string, latency time.Duration, failed bool) error {
	keys := []string{t.parallelKey(providerID), t.performanceKey(providerID)}
	args := []interface{}{
		t.cfg.TTL.Milliseconds(),
		strconv.FormatFloat(t.cfg.sample(latency, failed), 'f', 6, 64),
		strconv.FormatFloat(t.cfg.Alpha, 'f', 6, 64),
	}

	if err := releaseScript.Run(ctx, t.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("release %s: %w", providerID, err)
	}
	return nil
}

func (t *RedisTracker) Cancel(ctx context.Context, providerID string) error {
	err := cancelScript.Run(ctx, t.client, []string{t.parallelKey(providerID)}, t.cfg.TTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", providerID, err)
	}
	return nil
}

func (t *RedisTracker) Snapshot(ctx context.Context, providerIDs []string) (map[string]domain.Signals, error) {
	out := make(map[string]domain.Signals, len(providerIDs))
	if len(providerIDs) == 0 {
		return out, nil
	}

	keys := make([]string, 0, 2*len(providerIDs))
	for _, id := range providerIDs {
		keys = append(keys, t.parallelKey(id), t.performanceKey(id))
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot signals: %w", err)
	}

	for i, id := range providerIDs {
		var sig domain.Signals
		if s, ok := values[2*i].(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				sig.ParallelRequests = &n
			}
		}
		if s, ok := values[2*i+1].(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				sig.PerformanceIndicator = &f
			}
		}
		out[id] = sig
	}
	return out, nil
}
