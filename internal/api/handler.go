package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/admission-gateway/internal/admission"
	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
	"github.com/felipepmaragno/admission-gateway/internal/repository"
)

// UserHeader carries the id of the caller, set by the upstream auth layer.
const UserHeader = "X-User-ID"

type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Decision, error)
	Complete(ctx context.Context, providerID string, latency time.Duration, failed bool) error
}

type HandlerConfig struct {
	Admission     Admitter
	Users         repository.UserRepository
	MasterUserID  int64
	Admin         http.Handler
	Checkers      []HealthChecker
	HealthTimeout time.Duration
	Version       string
}

type Handler struct {
	admission    Admitter
	users        repository.UserRepository
	masterUserID int64
	version      string
	mux          *http.ServeMux
}

type AdmissionRequest struct {
	RouterID     *int64 `json:"router_id"`
	PromptTokens *int64 `json:"prompt_tokens,omitempty"`
}

type CompletionRequest struct {
	LatencyMs int64 `json:"latency_ms"`
	Failed    bool  `json:"failed"`
}

func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.HealthTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	h := &Handler{
		admission:    cfg.Admission,
		users:        cfg.Users,
		masterUserID: cfg.MasterUserID,
		version:      cfg.Version,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/admissions", h.handleAdmission)
	h.mux.HandleFunc("POST /v1/providers/{id}/completions", h.handleCompletion)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, timeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncrementActiveConnections()
	defer metrics.DecrementActiveConnections()
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleAdmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := resolveIdentity(w, r, h.users, h.masterUserID)
	if !ok {
		return
	}

	var req AdmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RouterID == nil {
		writeError(w, http.StatusBadRequest, "router_id is required")
		return
	}

	decision, err := h.admission.Admit(ctx, admission.Request{
		Identity:     *identity,
		RouterID:     *req.RouterID,
		PromptTokens: req.PromptTokens,
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	w.Header().Set("X-Request-ID", decision.RequestID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("id")

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LatencyMs < 0 {
		writeError(w, http.StatusBadRequest, "latency_ms must not be negative")
		return
	}

	latency := time.Duration(req.LatencyMs) * time.Millisecond
	if err := h.admission.Complete(r.Context(), providerID, latency, req.Failed); err != nil {
		slog.Error("failed to record completion", "provider", providerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// resolveIdentity writes the error response itself when it returns false.
func resolveIdentity(w http.ResponseWriter, r *http.Request, users repository.UserRepository, masterUserID int64) (*domain.Identity, bool) {
	raw := r.Header.Get(UserHeader)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return nil, false
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return nil, false
	}

	identity, err := users.GetByID(r.Context(), id)
	switch {
	case err == nil:
		return identity, true
	case errors.Is(err, domain.ErrUserNotFound) && id == masterUserID:
		return &domain.Identity{ID: id}, true
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("failed to load user", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return nil, false
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	var rle *domain.RateLimitError
	switch {
	case errors.As(err, &rle):
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rle.Limit, 10))
		if rle.Remaining != nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(*rle.Remaining, 10))
		}
		writeError(w, http.StatusTooManyRequests, rle.Error())
	case errors.Is(err, domain.ErrModelNotFound),
		errors.Is(err, domain.ErrRouterNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientPermission):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNoCandidates):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
