// Package metrics registers the process's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec

	RateLimiterActiveWindows prometheus.Gauge
	RateLimiterDenialsTotal  *prometheus.CounterVec

	TunnelState *prometheus.GaugeVec

	PipelineEventsTotal *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
)

// Init registers all collectors against the default registry. Safe to call
// once at process startup.
func Init() {
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webhookbroker",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed, labeled by method, route, and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "webhookbroker",
		Name:      "http_request_duration_seconds",
		Help:      "Histogram of request durations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	RateLimiterActiveWindows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webhookbroker",
		Name:      "ratelimiter_active_windows",
		Help:      "Number of client IPs with an active rate-limit window.",
	})

	RateLimiterDenialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webhookbroker",
		Name:      "ratelimiter_denials_total",
		Help:      "Total requests denied by the rate limiter, labeled by client IP.",
	}, []string{"client_ip"})

	TunnelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "webhookbroker",
		Name:      "tunnel_state",
		Help:      "Current tunnel supervisor state (1 for the active state label, 0 otherwise).",
	}, []string{"state"})

	PipelineEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webhookbroker",
		Name:      "pipeline_events_total",
		Help:      "Total webhook events processed, labeled by outcome.",
	}, []string{"outcome"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webhookbroker",
		Name:      "queue_depth",
		Help:      "Current number of queued (undelivered) events across all subscriptions.",
	})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPDuration,
		RateLimiterActiveWindows,
		RateLimiterDenialsTotal,
		TunnelState,
		PipelineEventsTotal,
		QueueDepth,
	)
}
