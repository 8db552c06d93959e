package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/admission-gateway/internal/cache"
	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
)

// CachedRoleRepository serves role lookups from a cache, falling back to the
// wrapped repository on a miss. Cache failures are logged and ignored.
type CachedRoleRepository struct {
	next   RoleRepository
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedRoleRepository(next RoleRepository, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedRoleRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedRoleRepository{next: next, cache: c, ttl: ttl, logger: logger}
}

func (r *CachedRoleRepository) load(ctx context.Context, roleID int64) (*cache.Entry, error) {
	key := cache.RoleKey(roleID)
	if entry, ok := r.cache.Get(ctx, key); ok {
		metrics.RecordRoleCacheHit()
		return entry, nil
	}
	metrics.RecordRoleCacheMiss()

	limits, err := r.next.ResolveLimits(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms, err := r.next.ResolvePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}

	entry := &cache.Entry{Limits: limits, Permissions: perms}
	if err := r.cache.Set(ctx, key, entry, r.ttl); err != nil {
		r.logger.Warn("failed to cache role", "role_id", roleID, "error", err)
	}
	return entry, nil
}

func (r *CachedRoleRepository) ResolveLimits(ctx context.Context, roleID int64) ([]domain.Limit, error) {
	entry, err := r.load(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return entry.Limits, nil
}

func (r *CachedRoleRepository) ResolvePermissions(ctx context.Context, roleID int64) ([]domain.Permission, error) {
	entry, err := r.load(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return entry.Permissions, nil
}

// Invalidate drops the cached copy of a role.
func (r *CachedRoleRepository) Invalidate(ctx context.Context, roleID int64) error {
	return r.cache.Delete(ctx, cache.RoleKey(roleID))
}
