// Package admission decides whether a request may reach a model and which
// provider serves it.
//
// Admit runs, in order:
//   - the access check of the caller's quotas for the router
//   - provider selection, retried once without QoS when fallback is enabled
//   - the raise of the chosen provider's parallel request counter
//   - the hand-off of the job to the dispatch queue, undoing the raise on failure
//
// Denials are reported through an optional Notifier.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
	"github.com/felipepmaragno/admission-gateway/internal/notifications"
	"github.com/felipepmaragno/admission-gateway/internal/queue"
	"github.com/felipepmaragno/admission-gateway/internal/router"
	"github.com/felipepmaragno/admission-gateway/internal/signals"
	"github.com/felipepmaragno/admission-gateway/internal/telemetry"
)

type Checker interface {
	CheckUserLimits(ctx context.Context, identity domain.Identity, routerID int64, promptTokens *int64) error
}

type Selector interface {
	Select(ctx context.Context, routerID int64, opts ...router.SelectOption) (*router.Selection, error)
}

type Request struct {
	Identity     domain.Identity
	RouterID     int64
	PromptTokens *int64
}

type Decision struct {
	RequestID string   `json:"request_id"`
	RouterID  int64    `json:"router_id"`
	Model     string   `json:"model"`
	Provider  string   `json:"provider"`
	Strategy  string   `json:"strategy"`
	LoadScore *float64 `json:"load_score,omitempty"`
}

type Service struct {
	checker     Checker
	selector    Selector
	tracker     signals.Tracker
	dispatcher  queue.Dispatcher
	notifier    notifications.Notifier
	qosFallback bool
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Service)

func WithTracker(t signals.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

func WithDispatcher(d queue.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

func WithNotifier(n notifications.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithQoSFallback retries a selection that found no candidate with QoS disabled.
func WithQoSFallback(enabled bool) Option {
	return func(s *Service) { s.qosFallback = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(checker Checker, selector Selector, opts ...Option) *Service {
	s := &Service{
		checker:  checker,
		selector: selector,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Admit(ctx context.Context, req Request) (*Decision, error) {
	start := s.now()
	requestID := uuid.NewString()
	routerLabel := strconv.FormatInt(req.RouterID, 10)

	ctx, span := telemetry.StartSpan(ctx, "admission.admit")
	defer span.End()
	telemetry.AddAdmissionAttributes(span, requestID, req.Identity.ID, req.RouterID)
	telemetry.AddTokenAttributes(span, req.PromptTokens)

	decision, err := s.admit(ctx, requestID, req)
	outcome := outcomeOf(err)
	metrics.RecordAdmission(routerLabel, outcome, time.Since(start).Seconds())

	if err != nil {
		if outcome == "error" {
			telemetry.AddErrorAttribute(span, err)
			s.logger.Error("admission failed",
				"request_id", requestID,
				"user_id", req.Identity.ID,
				"router_id", req.RouterID,
				"error", err,
			)
		}
		return nil, err
	}

	s.logger.Info("request admitted",
		"request_id", requestID,
		"user_id", req.Identity.ID,
		"router_id", req.RouterID,
		"provider", decision.Provider,
		"strategy", decision.Strategy,
	)
	return decision, nil
}

func (s *Service) admit(ctx context.Context, requestID string, req Request) (*Decision, error) {
	if err := s.checker.CheckUserLimits(ctx, req.Identity, req.RouterID, req.PromptTokens); err != nil {
		var rle *domain.RateLimitError
		if errors.As(err, &rle) {
			s.notify(ctx, notifications.Notification{
				Type:     notifications.NotificationQuotaExceeded,
				UserID:   req.Identity.ID,
				RouterID: req.RouterID,
				Message:  rle.Error(),
				Data:     map[string]interface{}{"limit_type": string(rle.Type), "limit": rle.Limit},
			})
		}
		return nil, err
	}

	sel, err := s.selector.Select(ctx, req.RouterID)
	if errors.Is(err, domain.ErrNoCandidates) && s.qosFallback {
		s.logger.Warn("no provider passed qos, retrying without it", "router_id", req.RouterID)
		sel, err = s.selector.Select(ctx, req.RouterID, router.WithoutQoS())
	}
	if err != nil {
		if errors.Is(err, domain.ErrNoCandidates) {
			s.notify(ctx, notifications.Notification{
				Type:     notifications.NotificationNoCandidates,
				RouterID: req.RouterID,
				Message:  fmt.Sprintf("router %d has no available provider", req.RouterID),
			})
		}
		return nil, err
	}

	// The counter is raised before the hand-off so a completion reported by a
	// fast worker always finds it.
	acquired := false
	if s.tracker != nil {
		if err := s.tracker.Acquire(ctx, sel.Provider.ID); err != nil {
			s.logger.Warn("failed to record provider acquisition",
				"provider", sel.Provider.ID,
				"error", err,
			)
		} else {
			acquired = true
		}
	}

	if s.dispatcher != nil {
		err := s.dispatcher.Enqueue(ctx, queue.Job{
			ID:           requestID,
			UserID:       req.Identity.ID,
			Priority:     req.Identity.Priority,
			RouterID:     req.RouterID,
			ProviderID:   sel.Provider.ID,
			Model:        sel.Provider.Model,
			PromptTokens: req.PromptTokens,
			CreatedAt:    s.now(),
		})
		if err != nil {
			metrics.RecordDispatch("error")
			if acquired {
				if cerr := s.tracker.Cancel(ctx, sel.Provider.ID); cerr != nil {
					s.logger.Warn("failed to cancel provider acquisition",
						"provider", sel.Provider.ID,
						"error", cerr,
					)
				}
			}
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		metrics.RecordDispatch("success")
	}

	return &Decision{
		RequestID: requestID,
		RouterID:  req.RouterID,
		Model:     sel.Provider.Model,
		Provider:  sel.Provider.ID,
		Strategy:  sel.Strategy,
		LoadScore: sel.LoadScore,
	}, nil
}

// Complete reports the end of an invocation on providerID.
func (s *Service) Complete(ctx context.Context, providerID string, latency time.Duration, failed bool) error {
	if s.tracker == nil {
		return nil
	}
	if err := s.tracker.Release(ctx, providerID, latency, failed); err != nil {
		return fmt.Errorf("release provider %s: %w", providerID, err)
	}
	return nil
}

// notify never fails the admission.
func (s *Service) notify(ctx context.Context, n notifications.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		metrics.RecordNotification(string(n.Type), "error")
		s.logger.Warn("failed to send notification", "type", n.Type, "error", err)
		return
	}
	metrics.RecordNotification(string(n.Type), "success")
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, domain.ErrInsufficientPermission):
		return "forbidden"
	case errors.Is(err, domain.ErrModelNotFound), errors.Is(err, domain.ErrRouterNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNoCandidates):
		return "no_candidates"
	default:
		return "error"
	}
}
