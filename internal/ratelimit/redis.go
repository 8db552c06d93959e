package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every counter written by RedisStorage.
const KeyPrefix = "LIMITS:"

// incrScript increments a counter and sets its expiry on the first hit.
// Keys: [counter]
// Args: [expiry_ms, amount]
var incrScript = redis.NewScript(`
local amount = tonumber(ARGV[2])
local value = redis.call('INCRBY', KEYS[1], amount)
if value == amount then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return value
`)

// acquireMovingWindowScript appends an entry to the window log if it fits.
// Members are "<id>:<amount>" scored by the hit time in milliseconds.
// Keys: [log]
// Args: [limit, expiry_ms, amount, id]
// Returns: 1 when acquired, 0 otherwise
var acquireMovingWindowScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local expiry = tonumber(ARGV[2])
local amount = tonumber(ARGV[3])

if amount > limit then
    return 0
end

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - expiry)

local count = 0
for _, member in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
    count = count + tonumber(string.match(member, ':(%d+)$'))
end

if count + amount > limit then
    return 0
end

redis.call('ZADD', KEYS[1], now, ARGV[4] .. ':' .. amount)
redis.call('PEXPIRE', KEYS[1], expiry)
return 1
`)

// movingWindowScript reports the units inside the window and the oldest hit.
// Keys: [log]
// Args: [expiry_ms]
// Returns: {count, oldest_ms}
var movingWindowScript = redis.NewScript(`
local expiry = tonumber(ARGV[1])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local entries = redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. (now - expiry), '+inf', 'WITHSCORES')
local count = 0
local oldest = 0
for i = 1, #entries, 2 do
    count = count + tonumber(string.match(entries[i], ':(%d+)$'))
    if oldest == 0 then
        oldest = tonumber(entries[i + 1])
    end
end
return {count, oldest}
`)

// shiftSlidingWindow rolls an elapsed current window into the previous slot.
// A current counter lives for two windows, so a TTL below one window means
// its window is over.
const shiftSlidingWindow = `
local expiry = tonumber(ARGV[1])
local current_ttl = tonumber(redis.call('PTTL', KEYS[1]))
if current_ttl > 0 and current_ttl < expiry then
    redis.call('RENAME', KEYS[1], KEYS[2])
    redis.call('SET', KEYS[1], 0, 'PX', current_ttl + expiry)
end

local previous_count = tonumber(redis.call('GET', KEYS[2]) or '0')
local previous_ttl = math.max(tonumber(redis.call('PTTL', KEYS[2])), 0)
local current_count = tonumber(redis.call('GET', KEYS[1]) or '0')
current_ttl = math.max(tonumber(redis.call('PTTL', KEYS[1])), 0)
`

// acquireSlidingWindowScript consumes amount units if the weighted count allows it.
// Keys: [current, previous]
// Args: [expiry_ms, limit, amount]
// Returns: 1 when acquired, 0 otherwise
var acquireSlidingWindowScript = redis.NewScript(shiftSlidingWindow + `
local limit = tonumber(ARGV[2])
local amount = tonumber(ARGV[3])
if amount > limit then
    return 0
end

local weighted = math.floor(previous_count * previous_ttl / expiry) + current_count
if weighted + amount > limit then
    return 0
end

if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('INCRBY', KEYS[1], amount)
else
    redis.call('SET', KEYS[1], amount, 'PX', expiry * 2)
end
return 1
`)

// slidingWindowScript returns both counters after shifting.
// Keys: [current, previous]
// Args: [expiry_ms]
// Returns: {previous_count, previous_ttl_ms, current_count, current_ttl_ms}
var slidingWindowScript = redis.NewScript(shiftSlidingWindow + `
return {previous_count, previous_ttl, current_count, current_ttl}
`)

// RedisStorage implements Storage on Redis so quotas are shared by every
// gateway instance. Multi-key operations run as Lua scripts.
type RedisStorage struct {
	client redis.Cmdable
	closer func() error
}

// NewRedisStorage connects to redisURL and verifies the connection.
func NewRedisStorage(redisURL string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStorage{client: client, closer: client.Close}, nil
}

// NewRedisStorageWithClient shares an existing connection pool.
func NewRedisStorageWithClient(client redis.Cmdable) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) key(k string) string {
	return KeyPrefix + k
}

func (s *RedisStorage) Incr(ctx context.Context, key string, expiry time.Duration, amount int64) (int64, error) {
	v, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, expiry.Milliseconds(), amount).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStorage) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// TTL returns TTLNoExpiry or TTLMissing for keys without a live expiry.
func (s *RedisStorage) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	// go-redis reports the -1/-2 sentinels as raw nanosecond durations.
	switch ttl {
	case -1:
		return TTLNoExpiry, nil
	case -2:
		return TTLMissing, nil
	}
	return ttl, nil
}

func (s *RedisStorage) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key), s.key(previousKey(key))).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}

// Reset deletes every key under KeyPrefix.
func (s *RedisStorage) Reset(ctx context.Context) (int64, error) {
	var removed int64
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("reset limits: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan limits: %w", err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("reset limits: %w", err)
	}
	return removed, nil
}

func (s *RedisStorage) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	args := []interface{}{limit, expiry.Milliseconds(), amount, uuid.NewString()}
	ok, err := acquireMovingWindowScript.Run(ctx, s.client, []string{s.key(key)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("acquire entry %s: %w", key, err)
	}
	return ok == 1, nil
}

func (s *RedisStorage) MovingWindow(ctx context.Context, key string, expiry time.Duration) (time.Time, int64, error) {
	res, err := movingWindowScript.Run(ctx, s.client, []string{s.key(key)}, expiry.Milliseconds()).Int64Slice()
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("moving window %s: %w", key, err)
	}
	if len(res) != 2 || res[1] == 0 {
		return time.Time{}, 0, nil
	}
	return time.UnixMilli(res[1]), res[0], nil
}

func (s *RedisStorage) slidingKeys(key string) []string {
	return []string{s.key(key), s.key(previousKey(key))}
}

func (s *RedisStorage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	ok, err := acquireSlidingWindowScript.Run(ctx, s.client, s.slidingKeys(key), expiry.Milliseconds(), limit, amount).Int()
	if err != nil {
		return false, fmt.Errorf("acquire sliding window %s: %w", key, err)
	}
	return ok == 1, nil
}

func (s *RedisStorage) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	res, err := slidingWindowScript.Run(ctx, s.client, s.slidingKeys(key), expiry.Milliseconds()).Int64Slice()
	if err != nil {
		return SlidingWindowState{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 4 {
		return SlidingWindowState{}, fmt.Errorf("sliding window %s: unexpected reply length %d", key, len(res))
	}
	return SlidingWindowState{
		PreviousCount: res[0],
		PreviousTTL:   time.Duration(res[1]) * time.Millisecond,
		CurrentCount:  res[2],
		CurrentTTL:    time.Duration(res[3]) * time.Millisecond,
	}, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool when this storage created it.
func (s *RedisStorage) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
