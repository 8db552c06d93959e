// Package access enforces the quotas an identity holds on a router.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
	"github.com/felipepmaragno/admission-gateway/internal/telemetry"
)

// MasterUserID is the identity that bypasses every quota.
const MasterUserID int64 = 0

// QuotaLimiter consumes and inspects quota counters.
type QuotaLimiter interface {
	Hit(ctx context.Context, userID, routerID int64, t domain.LimitType, value *int64, cost int64) bool
	Remaining(ctx context.Context, userID, routerID int64, t domain.LimitType, value *int64) *int64
}

// LimitResolver returns the limits attached to a role.
type LimitResolver interface {
	ResolveLimits(ctx context.Context, roleID int64) ([]domain.Limit, error)
}

// Quotas are the four limits an identity holds on one router.
// A nil value is unlimited.
type Quotas struct {
	RPM *int64
	RPD *int64
	TPM *int64
	TPD *int64
}

func (q Quotas) Value(t domain.LimitType) *int64 {
	switch t {
	case domain.LimitTypeRPM:
		return q.RPM
	case domain.LimitTypeRPD:
		return q.RPD
	case domain.LimitTypeTPM:
		return q.TPM
	case domain.LimitTypeTPD:
		return q.TPD
	}
	return nil
}

// Denied reports whether any of the four quotas is zero.
func (q Quotas) Denied() bool {
	for _, t := range domain.LimitTypes {
		if v := q.Value(t); v != nil && *v == 0 {
			return true
		}
	}
	return false
}

// Aggregate collects the quotas held on routerID. found is false when no limit
// references the router. A kind with no record on a referenced router is zero.
func Aggregate(limits []domain.Limit, routerID int64) (q Quotas, found bool) {
	zero := func() *int64 { v := int64(0); return &v }
	q = Quotas{RPM: zero(), RPD: zero(), TPM: zero(), TPD: zero()}

	for _, l := range limits {
		if l.RouterID != routerID {
			continue
		}
		found = true
		switch l.Type {
		case domain.LimitTypeRPM:
			q.RPM = l.Value
		case domain.LimitTypeRPD:
			q.RPD = l.Value
		case domain.LimitTypeTPM:
			q.TPM = l.Value
		case domain.LimitTypeTPD:
			q.TPD = l.Value
		}
	}
	return q, found
}

type Checker struct {
	limiter      QuotaLimiter
	roles        LimitResolver
	masterUserID int64
	logger       *slog.Logger
}

type Option func(*Checker)

func WithMasterUserID(id int64) Option {
	return func(c *Checker) { c.masterUserID = id }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// NewChecker builds a Checker. roles may be nil when identities always carry
// their limits.
func NewChecker(limiter QuotaLimiter, roles LimitResolver, opts ...Option) *Checker {
	c := &Checker{
		limiter:      limiter,
		roles:        roles,
		masterUserID: MasterUserID,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) limitsOf(ctx context.Context, identity domain.Identity) ([]domain.Limit, error) {
	if identity.Limits != nil || c.roles == nil {
		return identity.Limits, nil
	}
	limits, err := c.roles.ResolveLimits(ctx, identity.RoleID)
	if errors.Is(err, domain.ErrRoleNotFound) {
		// A role without a record holds no limit on any router.
		c.logger.Debug("role not found, no limits", "user_id", identity.ID, "role_id", identity.RoleID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve limits for role %d: %w", identity.RoleID, err)
	}
	return limits, nil
}

// CheckUserLimits admits or denies one request of identity on routerID.
//
// Requests are counted per minute then per day. Tokens are only counted when
// promptTokens is set and positive, per minute then per day. The first
// exhausted quota stops the check with a *domain.RateLimitError.
func (c *Checker) CheckUserLimits(ctx context.Context, identity domain.Identity, routerID int64, promptTokens *int64) error {
	if identity.ID == c.masterUserID {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "access.check_user_limits")
	defer span.End()

	limits, err := c.limitsOf(ctx, identity)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return err
	}

	quotas, found := Aggregate(limits, routerID)
	if !found {
		return domain.ErrModelNotFound
	}
	if quotas.Denied() {
		return domain.ErrInsufficientPermission
	}

	type check struct {
		t    domain.LimitType
		cost int64
	}
	checks := []check{{domain.LimitTypeRPM, 1}, {domain.LimitTypeRPD, 1}}
	if promptTokens != nil && *promptTokens > 0 {
		checks = append(checks, check{domain.LimitTypeTPM, *promptTokens}, check{domain.LimitTypeTPD, *promptTokens})
	}

	for _, ch := range checks {
		if err := c.consume(ctx, identity.ID, routerID, ch.t, quotas.Value(ch.t), ch.cost); err != nil {
			telemetry.AddLimitAttribute(span, string(ch.t))
			return err
		}
	}
	return nil
}

func (c *Checker) consume(ctx context.Context, userID, routerID int64, t domain.LimitType, value *int64, cost int64) error {
	if c.limiter.Hit(ctx, userID, routerID, t, value, cost) {
		return nil
	}

	var limit int64
	if value != nil {
		limit = *value
	}
	remaining := c.limiter.Remaining(ctx, userID, routerID, t, value)

	metrics.RecordQuotaDenial(fmt.Sprint(routerID), string(t))
	c.logger.Info("quota exceeded",
		"user_id", userID,
		"router_id", routerID,
		"limit_type", string(t),
		"limit", limit,
	)
	return &domain.RateLimitError{Type: t, Limit: limit, Remaining: remaining}
}
