// Package metrics holds the Prometheus collectors for token lifecycle and
// provider traffic. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRefreshes counts refresh attempts by outcome: success,
	// reauth_required, upstream_error, persistence_error, not_applicable,
	// not_configured.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_token_refresh_total",
			Help: "Token refresh attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	TokenRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_token_refresh_duration_seconds",
			Help:    "Latency of provider token endpoint calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// TokenInvalidations counts records deactivated because the provider
	// rejected a credential, by reason.
	TokenInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_token_invalidations_total",
			Help: "Token records deactivated by provider rejection",
		},
		[]string{"provider", "reason"},
	)

	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_upstream_calls_total",
			Help: "Authorized provider API calls by provider and status class",
		},
		[]string{"provider", "status"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_upstream_call_duration_seconds",
			Help:    "Latency of authorized provider API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_token_store_errors_total",
			Help: "Token store backend failures by operation",
		},
		[]string{"op"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_http_requests_total",
			Help: "HTTP requests by method, chi route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_http_request_duration_seconds",
			Help:    "HTTP request latency by method and chi route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)
)
