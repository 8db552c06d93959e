package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator ensures that the same notification is not sent repeatedly,
// across gateway instances when backed by Redis.
type Deduplicator interface {
	// ShouldNotify returns true if no notification with this key was sent
	// within the dedup window.
	ShouldNotify(ctx context.Context, key string) bool
}

// Key identifies a notification for deduplication.
func Key(n Notification) string {
	return fmt.Sprintf("notify:%s:%d:%d", n.Type, n.UserID, n.RouterID)
}

// InMemoryDeduplicator implements Deduplicator for a single instance.
type InMemoryDeduplicator struct {
	mu     sync.Mutex
	ttl    time.Duration
	sentAt map[string]time.Time
	now    func() time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		ttl:    ttl,
		sentAt: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *InMemoryDeduplicator) ShouldNotify(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.sentAt[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.sentAt[key] = now
	return true
}

// RedisDeduplicator implements Deduplicator using Redis for distributed state.
type RedisDeduplicator struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisDeduplicator(client redis.Cmdable, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

// ShouldNotify uses Redis SETNX for atomic check-and-set.
// Only one instance will successfully set the key and return true.
func (d *RedisDeduplicator) ShouldNotify(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// On Redis error, allow the notification (fail open)
		return true
	}
	return acquired
}

// DedupNotifier drops notifications already sent within the dedup window.
type DedupNotifier struct {
	next  Notifier
	dedup Deduplicator
}

func NewDedupNotifier(next Notifier, dedup Deduplicator) *DedupNotifier {
	return &DedupNotifier{next: next, dedup: dedup}
}

func (n *DedupNotifier) Send(ctx context.Context, notification Notification) error {
	if !n.dedup.ShouldNotify(ctx, Key(notification)) {
		return nil
	}
	return n.next.Send(ctx, notification)
}
