// Package observability provides Prometheus metrics, health/readiness
// endpoints, and structured logging for the notify gateway.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission rejection stage labels.
const (
	StageOrigin        = "origin"
	StageFetchMetadata = "fetch_metadata"
	StageRateLimit     = "rate_limit"
	StageContentType   = "content_type"
	StageBodySize      = "body_size"
	StageFields        = "fields"
)

// Dispatch failure reason labels.
const (
	ReasonTimeout   = "timeout"
	ReasonTransport = "transport"
	ReasonRejected  = "rejected"
)

// Metrics holds Prometheus collectors plus atomic counters for fast-path
// access in the request hot path.
type Metrics struct {
	// Atomic counters for hot-path reads in tests and debug endpoints.
	issued       int64
	dispatched   int64
	unauthorized int64
	replays      int64

	promIssued       prometheus.Counter
	promDispatched   prometheus.Counter
	promUnauthorized prometheus.Counter
	promReplays      prometheus.Counter

	PromAdmissionRejected *prometheus.CounterVec
	PromDispatchFailures  *prometheus.CounterVec
	PromCatalogRefreshes  prometheus.Counter
	PromCatalogErrors     prometheus.Counter

	PromRequestDuration  *prometheus.HistogramVec
	PromProviderDuration prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "tokens_issued_total",
			Help:      "Total number of auth tokens issued.",
		}),
		promDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "orders_dispatched_total",
			Help:      "Total number of orders successfully forwarded to the provider.",
		}),
		promUnauthorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "unauthorized_total",
			Help:      "Total number of submissions rejected by token verification.",
		}),
		promReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "replays_detected_total",
			Help:      "Total number of submissions rejected as token replays.",
		}),
		PromAdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "admission_rejected_total",
			Help:      "Total requests rejected by the admission pipeline, by stage.",
		}, []string{"stage"}),
		PromDispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "dispatch_failures_total",
			Help:      "Total provider dispatch failures, by reason.",
		}, []string{"reason"}),
		PromCatalogRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "catalog_refreshes_total",
			Help:      "Total successful catalog fetches.",
		}),
		PromCatalogErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ezorder",
			Name:      "catalog_refresh_errors_total",
			Help:      "Total failed catalog fetches.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ezorder",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromProviderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ezorder",
			Name:      "provider_duration_seconds",
			Help:      "Outbound provider call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// IncIssued increments the issued-token counter.
func (m *Metrics) IncIssued() {
	atomic.AddInt64(&m.issued, 1)
	m.promIssued.Inc()
}

// IncDispatched increments the dispatched-order counter.
func (m *Metrics) IncDispatched() {
	atomic.AddInt64(&m.dispatched, 1)
	m.promDispatched.Inc()
}

// IncUnauthorized increments the unauthorized-submission counter.
func (m *Metrics) IncUnauthorized() {
	atomic.AddInt64(&m.unauthorized, 1)
	m.promUnauthorized.Inc()
}

// IncReplays increments the replay-detection counter.
func (m *Metrics) IncReplays() {
	atomic.AddInt64(&m.replays, 1)
	m.promReplays.Inc()
}

// Issued returns the atomic issued-token count.
func (m *Metrics) Issued() int64 { return atomic.LoadInt64(&m.issued) }

// Dispatched returns the atomic dispatched-order count.
func (m *Metrics) Dispatched() int64 { return atomic.LoadInt64(&m.dispatched) }

// Unauthorized returns the atomic unauthorized count.
func (m *Metrics) Unauthorized() int64 { return atomic.LoadInt64(&m.unauthorized) }

// Replays returns the atomic replay count.
func (m *Metrics) Replays() int64 { return atomic.LoadInt64(&m.replays) }
