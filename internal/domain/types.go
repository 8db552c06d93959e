package domain

import "fmt"

// LimitType identifies one of the four quota dimensions enforced per router.
type LimitType string

const (
	LimitTypeRPM LimitType = "rpm"
	LimitTypeRPD LimitType = "rpd"
	LimitTypeTPM LimitType = "tpm"
	LimitTypeTPD LimitType = "tpd"
)

// LimitTypes lists the quota dimensions in check order.
var LimitTypes = []LimitType{LimitTypeRPM, LimitTypeRPD, LimitTypeTPM, LimitTypeTPD}

func (t LimitType) Valid() bool {
	switch t {
	case LimitTypeRPM, LimitTypeRPD, LimitTypeTPM, LimitTypeTPD:
		return true
	}
	return false
}

// Describe returns the human readable unit used in denial messages.
func (t LimitType) Describe() string {
	switch t {
	case LimitTypeRPM:
		return "requests per minute"
	case LimitTypeRPD:
		return "requests per day"
	case LimitTypeTPM:
		return "input tokens per minute"
	case LimitTypeTPD:
		return "input tokens per day"
	default:
		return string(t)
	}
}

// Limit is a quota owned by a role for one router.
// A nil Value means unlimited, zero means access is denied.
type Limit struct {
	RouterID int64     `json:"router" yaml:"router"`
	Type     LimitType `json:"type" yaml:"type"`
	Value    *int64    `json:"value" yaml:"value"`
}

type Permission string

const (
	PermissionAdmin                  Permission = "admin"
	PermissionCreatePublicCollection Permission = "create_public_collection"
	PermissionReadMetric             Permission = "read_metric"
	PermissionProvideModels          Permission = "provide_models"
)

type Role struct {
	ID          int64        `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	Limits      []Limit      `json:"limits" yaml:"limits"`
}

// Identity is the authenticated caller of a request.
type Identity struct {
	ID       int64   `json:"id"`
	RoleID   int64   `json:"role"`
	Priority int64   `json:"priority"`
	Limits   []Limit `json:"limits,omitempty"`
}

type RoutingStrategy string

const (
	RoutingRoundRobin RoutingStrategy = "round_robin"
	RoutingShuffle    RoutingStrategy = "shuffle"
	RoutingLeastBusy  RoutingStrategy = "least_busy"
)

func ParseRoutingStrategy(s string) (RoutingStrategy, error) {
	switch RoutingStrategy(s) {
	case RoutingRoundRobin, RoutingShuffle, RoutingLeastBusy:
		return RoutingStrategy(s), nil
	case "":
		return RoutingShuffle, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// QoSConfig holds the quality-of-service thresholds configured for a provider.
type QoSConfig struct {
	PerformanceThreshold *float64 `json:"performance_threshold,omitempty" yaml:"performance_threshold"`
	MaxParallelRequests  *int64   `json:"max_parallel_requests,omitempty" yaml:"max_parallel_requests"`
	WarnOnly             bool     `json:"warn_only,omitempty" yaml:"warn_only"`
}

// Signals is a point-in-time snapshot of a provider's live telemetry.
type Signals struct {
	PerformanceIndicator *float64 `json:"performance_indicator,omitempty"`
	ParallelRequests     *int64   `json:"parallel_requests,omitempty"`
}

// Provider is a backend model client behind a router.
type Provider struct {
	ID      string    `json:"id" yaml:"id"`
	Model   string    `json:"model" yaml:"model"`
	QoS     QoSConfig `json:"qos" yaml:"qos"`
	Signals Signals   `json:"signals" yaml:"-"`
}

// Router is a named logical model endpoint owning an ordered provider pool.
type Router struct {
	ID        int64           `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Strategy  RoutingStrategy `json:"strategy" yaml:"strategy"`
	Providers []Provider      `json:"providers" yaml:"providers"`
}
