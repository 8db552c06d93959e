package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Names under which dependencies appear in the readiness report.
const (
	DependencyCounterStore = "counter_store"
	DependencyDirectory    = "directory"
)

// HealthChecker probes one dependency of the admission path.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// ReadinessReport is the body of GET /health/ready.
//
// Admission degrades instead of failing when the counter store is down
// (quotas fail open), so Degraded lists the dependencies running in that
// mode while Status only turns not_ready when the directory is unreachable.
type ReadinessReport struct {
	Status       string                      `json:"status"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
	Degraded     []string                    `json:"degraded,omitempty"`
}

type DependencyStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

type pingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func (c pingChecker) Name() string                    { return c.name }
func (c pingChecker) Check(ctx context.Context) error { return c.ping(ctx) }

// NewRedisHealthChecker reports the quota counter store.
func NewRedisHealthChecker(client redis.Cmdable) HealthChecker {
	return pingChecker{
		name: DependencyCounterStore,
		ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
}

// NewPostgresHealthChecker reports the role, user and router directory.
func NewPostgresHealthChecker(db *sql.DB) HealthChecker {
	return pingChecker{name: DependencyDirectory, ping: db.PingContext}
}

func checkDependencies(ctx context.Context, checkers []HealthChecker) map[string]DependencyStatus {
	statuses := make([]DependencyStatus, len(checkers))

	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			statuses[i] = DependencyStatus{Status: "ok", Latency: time.Since(start).String()}
			if err != nil {
				statuses[i].Status = "error"
				statuses[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	out := make(map[string]DependencyStatus, len(checkers))
	for i, c := range checkers {
		out[c.Name()] = statuses[i]
	}
	return out
}

func readinessReport(deps map[string]DependencyStatus, version string) (ReadinessReport, int) {
	report := ReadinessReport{Status: "ready", Version: version, Dependencies: deps}
	code := http.StatusOK

	for name, st := range deps {
		if st.Status == "ok" {
			continue
		}
		if name == DependencyCounterStore {
			report.Degraded = append(report.Degraded, name)
			continue
		}
		report.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	return report, code
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report, code := readinessReport(checkDependencies(ctx, checkers), version)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	}
}
