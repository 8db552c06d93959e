package repository

import (
	"context"
	"sync"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
)

// InMemoryRepository serves roles, users and routers from memory.
// It implements RoleRepository, UserRepository and RouterDirectory.
type InMemoryRepository struct {
	mu      sync.RWMutex
	roles   map[int64]domain.Role
	users   map[int64]domain.Identity
	routers map[int64]domain.Router
	offsets map[int64]int64
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		roles:   make(map[int64]domain.Role),
		users:   make(map[int64]domain.Identity),
		routers: make(map[int64]domain.Router),
		offsets: make(map[int64]int64),
	}
}

// NewInMemoryRepositoryFromSeed loads a validated seed.
func NewInMemoryRepositoryFromSeed(seed Seed) *InMemoryRepository {
	r := NewInMemoryRepository()
	for _, role := range seed.Roles {
		r.PutRole(role)
	}
	for _, u := range seed.Users {
		r.PutUser(domain.Identity{ID: u.ID, RoleID: u.Role, Priority: u.Priority})
	}
	for _, rt := range seed.Routers {
		r.PutRouter(rt)
	}
	return r
}

func (r *InMemoryRepository) PutRole(role domain.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = role
}

func (r *InMemoryRepository) PutUser(identity domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[identity.ID] = identity
}

func (r *InMemoryRepository) PutRouter(rt domain.Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routers[rt.ID] = rt
}

func (r *InMemoryRepository) ResolveLimits(ctx context.Context, roleID int64) ([]domain.Limit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[roleID]
	if !ok {
		return nil, domain.ErrRoleNotFound
	}
	limits := make([]domain.Limit, len(role.Limits))
	copy(limits, role.Limits)
	return limits, nil
}

func (r *InMemoryRepository) ResolvePermissions(ctx context.Context, roleID int64) ([]domain.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[roleID]
	if !ok {
		return nil, domain.ErrRoleNotFound
	}
	perms := make([]domain.Permission, len(role.Permissions))
	copy(perms, role.Permissions)
	return perms, nil
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id int64) (*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

func (r *InMemoryRepository) GetRouter(ctx context.Context, routerID int64) (*domain.Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.routers[routerID]
	if !ok {
		return nil, domain.ErrRouterNotFound
	}
	rt.Providers = append([]domain.Provider(nil), rt.Providers...)
	return &rt, nil
}

func (r *InMemoryRepository) NextOffset(ctx context.Context, routerID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routers[routerID]; !ok {
		return 0, domain.ErrRouterNotFound
	}
	current := r.offsets[routerID]
	r.offsets[routerID] = current + 1
	return current, nil
}
