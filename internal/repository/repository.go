package repository

import (
	"context"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
)

// RoleRepository resolves what a role may do.
type RoleRepository interface {
	ResolveLimits(ctx context.Context, roleID int64) ([]domain.Limit, error)
	ResolvePermissions(ctx context.Context, roleID int64) ([]domain.Permission, error)
}

// UserRepository looks up identities by id.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Identity, error)
}

// RouterDirectory resolves routers and owns their rotation offset.
type RouterDirectory interface {
	GetRouter(ctx context.Context, routerID int64) (*domain.Router, error)
	// NextOffset advances the router's rotation offset by one and returns
	// the value it had before.
	NextOffset(ctx context.Context, routerID int64) (int64, error)
}

// HasPermission reports whether perms contains p.
func HasPermission(perms []domain.Permission, p domain.Permission) bool {
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}
