package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
	"github.com/felipepmaragno/admission-gateway/internal/qos"
	"github.com/felipepmaragno/admission-gateway/internal/signals"
	"github.com/felipepmaragno/admission-gateway/internal/telemetry"
)

// Directory resolves routers and advances their persisted rotation offset.
type Directory interface {
	GetRouter(ctx context.Context, routerID int64) (*domain.Router, error)
	OffsetStore
}

// Selection is the outcome of a provider choice.
// DefaultStoreTimeout bounds each offset and signal round trip of Select.
const DefaultStoreTimeout = 250 * time.Millisecond

type Selection struct {
	Router    *domain.Router
	Provider  domain.Provider
	Strategy  string
	LoadScore *float64
}

type Selector struct {
	directory Directory
	offsets   OffsetStore
	tracker   signals.Tracker
	timeout   time.Duration
	logger    *slog.Logger
}

type SelectorOption func(*Selector)

// WithOffsetStore keeps rotation offsets outside the directory.
func WithOffsetStore(store OffsetStore) SelectorOption {
	return func(s *Selector) { s.offsets = store }
}

// WithStoreTimeout bounds the rotation offset and signal snapshot calls.
// A call that runs out of time falls back like a failed one.
func WithStoreTimeout(d time.Duration) SelectorOption {
	return func(s *Selector) { s.timeout = d }
}

func WithLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) { s.logger = logger }
}

// NewSelector builds a Selector. tracker may be nil, in which case providers
// carry no signals and every QoS policy accepts.
func NewSelector(directory Directory, tracker signals.Tracker, opts ...SelectorOption) *Selector {
	s := &Selector{
		directory: directory,
		offsets:   directory,
		tracker:   tracker,
		timeout:   DefaultStoreTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type selectOptions struct {
	skipQoS bool
}

type SelectOption func(*selectOptions)

// WithoutQoS chooses among every provider of the router, ignoring QoS policies.
func WithoutQoS() SelectOption {
	return func(o *selectOptions) { o.skipQoS = true }
}

// Select picks a provider of routerID.
// It fails with domain.ErrRouterNotFound or domain.ErrNoCandidates.
func (s *Selector) Select(ctx context.Context, routerID int64, opts ...SelectOption) (*Selection, error) {
	var o selectOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := telemetry.StartSpan(ctx, "router.select")
	defer span.End()

	rt, err := s.directory.GetRouter(ctx, routerID)
	if err != nil {
		if !errors.Is(err, domain.ErrRouterNotFound) {
			telemetry.AddErrorAttribute(span, err)
		}
		return nil, err
	}

	candidates := s.withSignals(ctx, rt.Providers)
	if !o.skipQoS {
		var rejected []qos.Rejection
		candidates, rejected = qos.Filter(candidates, s.logger)
		for _, r := range rejected {
			metrics.RecordQoSRejection(r.ProviderID, r.Policy)
			s.logger.Debug("provider rejected by qos policy",
				"router_id", routerID,
				"provider", r.ProviderID,
				"policy", r.Policy,
			)
		}
	}

	if len(candidates) == 0 {
		s.logger.Warn("no candidate provider",
			"router_id", routerID,
			"providers", len(rt.Providers),
			"qos", !o.skipQoS,
		)
		return nil, domain.ErrNoCandidates
	}

	var offset int64
	if rt.Strategy == domain.RoutingRoundRobin {
		offset, err = s.nextOffset(ctx, routerID)
		if err != nil {
			// Rotation is best effort.
			s.logger.Warn("rotation offset unavailable", "router_id", routerID, "error", err)
			offset = 0
		}
	}

	strategy, err := NewStrategy(rt.Strategy, offset)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, fmt.Errorf("router %d: %w", routerID, err)
	}

	provider, score, err := strategy.ChooseProvider(candidates)
	if err != nil {
		return nil, err
	}

	metrics.RecordSelection(strconv.FormatInt(routerID, 10), provider.ID, strategy.Name())
	telemetry.AddSelectionAttributes(span, provider.ID, strategy.Name(), len(candidates))

	return &Selection{
		Router:    rt,
		Provider:  provider,
		Strategy:  strategy.Name(),
		LoadScore: score,
	}, nil
}

func (s *Selector) nextOffset(ctx context.Context, routerID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.offsets.NextOffset(ctx, routerID)
}

// withSignals returns a copy of providers with their current signals attached.
func (s *Selector) withSignals(ctx context.Context, providers []domain.Provider) []domain.Provider {
	out := make([]domain.Provider, len(providers))
	copy(out, providers)
	if s.tracker == nil || len(out) == 0 {
		return out
	}

	ids := make([]string, len(out))
	for i, p := range out {
		ids[i] = p.ID
	}

	snapCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snap, err := s.tracker.Snapshot(snapCtx, ids)
	if err != nil {
		s.logger.Warn("provider signals unavailable", "error", err)
		return out
	}

	for i := range out {
		sig := snap[out[i].ID]
		out[i].Signals = sig
		metrics.SetProviderSignals(out[i].ID, sig.PerformanceIndicator, sig.ParallelRequests)
	}
	return out
}
