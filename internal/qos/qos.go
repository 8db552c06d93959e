// Package qos decides whether a provider is currently fit to receive traffic.
//
// Policies are pure predicates over a point-in-time snapshot of a provider's
// signals. A missing signal always passes: telemetry gaps never take a
// provider out of rotation.
package qos

import (
	"log/slog"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
)

// Policy reports whether a provider with the given signals may receive traffic.
type Policy interface {
	ApplyPolicy(performanceIndicator *float64, currentParallelRequests *int64) bool
	Name() string
}

// PerformanceThresholdPolicy rejects providers whose performance indicator is
// above the threshold. The threshold itself is accepted.
type PerformanceThresholdPolicy struct {
	Threshold float64
}

func NewPerformanceThresholdPolicy(threshold float64) PerformanceThresholdPolicy {
	return PerformanceThresholdPolicy{Threshold: threshold}
}

func (p PerformanceThresholdPolicy) ApplyPolicy(performanceIndicator *float64, _ *int64) bool {
	if performanceIndicator != nil && *performanceIndicator > p.Threshold {
		return false
	}
	return true
}

func (p PerformanceThresholdPolicy) Name() string {
	return "performance_threshold"
}

// ParallelRequestsThresholdPolicy rejects providers serving more than
// MaxParallel requests at once.
type ParallelRequestsThresholdPolicy struct {
	MaxParallel int64
}

func NewParallelRequestsThresholdPolicy(maxParallel int64) ParallelRequestsThresholdPolicy {
	return ParallelRequestsThresholdPolicy{MaxParallel: maxParallel}
}

func (p ParallelRequestsThresholdPolicy) ApplyPolicy(_ *float64, currentParallelRequests *int64) bool {
	if currentParallelRequests != nil && *currentParallelRequests > p.MaxParallel {
		return false
	}
	return true
}

func (p ParallelRequestsThresholdPolicy) Name() string {
	return "parallel_requests_threshold"
}

// WarningLogPolicy never rejects. It logs when the wrapped thresholds are crossed,
// which lets operators observe a policy before enforcing it.
type WarningLogPolicy struct {
	ProviderID string
	Policies   []Policy
	Logger     *slog.Logger
}

func (p WarningLogPolicy) ApplyPolicy(performanceIndicator *float64, currentParallelRequests *int64) bool {
	for _, inner := range p.Policies {
		if inner.ApplyPolicy(performanceIndicator, currentParallelRequests) {
			continue
		}
		logger := p.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("qos threshold crossed",
			"provider", p.ProviderID,
			"policy", inner.Name(),
			"performance_indicator", derefFloat(performanceIndicator),
			"parallel_requests", derefInt(currentParallelRequests),
		)
	}
	return true
}

func (p WarningLogPolicy) Name() string {
	return "warning_log"
}

// PoliciesFor builds the policy set configured for a provider.
func PoliciesFor(providerID string, cfg domain.QoSConfig, logger *slog.Logger) []Policy {
	var policies []Policy
	if cfg.PerformanceThreshold != nil {
		policies = append(policies, NewPerformanceThresholdPolicy(*cfg.PerformanceThreshold))
	}
	if cfg.MaxParallelRequests != nil {
		policies = append(policies, NewParallelRequestsThresholdPolicy(*cfg.MaxParallelRequests))
	}

	if cfg.WarnOnly && len(policies) > 0 {
		return []Policy{WarningLogPolicy{ProviderID: providerID, Policies: policies, Logger: logger}}
	}
	return policies
}

// Allow is the logical AND of every policy. An empty set passes.
// The returned policy is the first one that rejected, if any.
func Allow(policies []Policy, signals domain.Signals) (bool, Policy) {
	for _, p := range policies {
		if !p.ApplyPolicy(signals.PerformanceIndicator, signals.ParallelRequests) {
			return false, p
		}
	}
	return true, nil
}

// Rejection describes a provider removed by Filter.
type Rejection struct {
	ProviderID string
	Policy     string
}

// Filter returns the providers whose configured policies accept their current
// signals, keeping the input order. The input slice is not modified.
func Filter(providers []domain.Provider, logger *slog.Logger) ([]domain.Provider, []Rejection) {
	eligible := make([]domain.Provider, 0, len(providers))
	var rejected []Rejection

	for _, p := range providers {
		ok, policy := Allow(PoliciesFor(p.ID, p.QoS, logger), p.Signals)
		if !ok {
			rejected = append(rejected, Rejection{ProviderID: p.ID, Policy: policy.Name()})
			continue
		}
		eligible = append(eligible, p)
	}

	return eligible, rejected
}

func derefFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
