package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/repository"
)

type LimitResetter interface {
	Reset(ctx context.Context) error
}

// RoleInvalidator drops cached role data so limit changes apply at once.
type RoleInvalidator interface {
	Invalidate(ctx context.Context, roleID int64) error
}

// AdminHandler serves operations reserved to roles holding the admin permission.
type AdminHandler struct {
	users        repository.UserRepository
	roles        repository.RoleRepository
	limiter      LimitResetter
	roleCache    RoleInvalidator
	masterUserID int64
	mux          *http.ServeMux
}

type AdminOption func(*AdminHandler)

// WithRoleCache enables POST /admin/roles/{id}/invalidate.
func WithRoleCache(c RoleInvalidator) AdminOption {
	return func(h *AdminHandler) { h.roleCache = c }
}

func NewAdminHandler(users repository.UserRepository, roles repository.RoleRepository, limiter LimitResetter, masterUserID int64, opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{
		users:        users,
		roles:        roles,
		limiter:      limiter,
		masterUserID: masterUserID,
		mux:          http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST /admin/limits/reset", h.requireAdmin(h.resetLimits))
	if h.roleCache != nil {
		h.mux.HandleFunc("POST /admin/roles/{id}/invalidate", h.requireAdmin(h.invalidateRole))
	}

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := resolveIdentity(w, r, h.users, h.masterUserID)
		if !ok {
			return
		}

		if identity.ID != h.masterUserID {
			perms, err := h.roles.ResolvePermissions(r.Context(), identity.RoleID)
			if err != nil {
				slog.Error("failed to resolve permissions", "user_id", identity.ID, "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if !repository.HasPermission(perms, domain.PermissionAdmin) {
				writeError(w, http.StatusForbidden, domain.ErrInsufficientPermission.Error())
				return
			}
		}

		next(w, r)
	}
}

func (h *AdminHandler) resetLimits(w http.ResponseWriter, r *http.Request) {
	if err := h.limiter.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset limits")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

func (h *AdminHandler) invalidateRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid role id")
		return
	}

	if err := h.roleCache.Invalidate(r.Context(), roleID); err != nil {
		slog.Error("failed to invalidate role", "role_id", roleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to invalidate role")
		return
	}

	slog.Info("role cache invalidated", "role_id", roleID)
	w.WriteHeader(http.StatusNoContent)
}
