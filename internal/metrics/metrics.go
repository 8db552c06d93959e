package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admissions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"router_id", "outcome"},
	)

	AdmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_admission_duration_seconds",
			Help:    "Time spent deciding an admission in seconds",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"router_id"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_denials_total",
			Help: "Total number of requests denied by a quota",
		},
		[]string{"router_id", "limit_type"},
	)

	RateLimitStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_store_errors_total",
			Help: "Total number of rate limit store failures (requests were let through)",
		},
		[]string{"strategy", "operation"},
	)

	ProviderSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_selections_total",
			Help: "Total number of provider selections",
		},
		[]string{"router_id", "provider", "strategy"},
	)

	QoSRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_qos_rejections_total",
			Help: "Total number of providers filtered out by a QoS policy",
		},
		[]string{"provider", "policy"},
	)

	ProviderParallelRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_provider_parallel_requests",
			Help: "In-flight requests per provider as last observed",
		},
		[]string{"provider"},
	)

	ProviderPerformance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_provider_performance_indicator",
			Help: "Smoothed latency indicator per provider in seconds",
		},
		[]string{"provider"},
	)

	RoleCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_role_cache_hits_total",
			Help: "Total number of role cache hits",
		},
	)

	RoleCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_role_cache_misses_total",
			Help: "Total number of role cache misses",
		},
	)

	DispatchedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatched_jobs_total",
			Help: "Total number of admitted jobs handed to the dispatch queue",
		},
		[]string{"status"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_notifications_total",
			Help: "Total number of notifications by event",
		},
		[]string{"event", "status"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "namespace", "version"},
	)
)

func RecordAdmission(routerID, outcome string, durationSec float64) {
	AdmissionsTotal.WithLabelValues(routerID, outcome).Inc()
	AdmissionDuration.WithLabelValues(routerID).Observe(durationSec)
}

func RecordQuotaDenial(routerID, limitType string) {
	QuotaDenials.WithLabelValues(routerID, limitType).Inc()
}

func RecordRateLimitStoreError(strategy, operation string) {
	RateLimitStoreErrors.WithLabelValues(strategy, operation).Inc()
}

func RecordSelection(routerID, provider, strategy string) {
	ProviderSelections.WithLabelValues(routerID, provider, strategy).Inc()
}

func RecordQoSRejection(provider, policy string) {
	QoSRejections.WithLabelValues(provider, policy).Inc()
}

// SetProviderSignals publishes the last observed signals of a provider.
// Unknown values leave the gauges untouched.
func SetProviderSignals(provider string, performance *float64, parallel *int64) {
	if performance != nil {
		ProviderPerformance.WithLabelValues(provider).Set(*performance)
	}
	if parallel != nil {
		ProviderParallelRequests.WithLabelValues(provider).Set(float64(*parallel))
	}
}

func RecordRoleCacheHit() {
	RoleCacheHits.Inc()
}

func RecordRoleCacheMiss() {
	RoleCacheMisses.Inc()
}

func RecordDispatch(status string) {
	DispatchedJobs.WithLabelValues(status).Inc()
}

func RecordNotification(event, status string) {
	NotificationsTotal.WithLabelValues(event, status).Inc()
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, namespace, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, namespace, version).Set(1)
}

// IncrementActiveConnections increments the active connection count for this pod.
func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveConnections decrements the active connection count for this pod.
func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}
