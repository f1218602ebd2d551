// Package observability wires Prometheus instrumentation into the gateway:
// provider-call metrics via upstream hooks, plus counters for moderation
// verdicts, rate-limit rejections and breaker rejections recorded by the
// server layer.
package observability

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"modgate/internal/upstream"
)

var (
	// RequestsTotal counts provider calls by outcome. provider is
	// "moderation" or "primary".
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modgate_provider_requests_total",
			Help: "Total number of provider requests",
		},
		[]string{"provider", "model", "endpoint", "status_code", "status_type", "stream"},
	)

	// RequestDuration measures provider-call latency. For streaming calls
	// this is time to stream establishment, not total stream duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modgate_provider_request_duration_seconds",
			Help:    "Provider request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model", "endpoint", "stream"},
	)

	// InFlightRequests tracks concurrent provider calls.
	InFlightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modgate_provider_requests_in_flight",
			Help: "Number of provider requests currently in flight",
		},
		[]string{"provider", "endpoint", "stream"},
	)

	// ModerationVerdicts counts review outcomes; partial marks verdicts
	// produced from sampled (incomplete) content.
	ModerationVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modgate_moderation_verdicts_total",
			Help: "Moderation verdicts by outcome",
		},
		[]string{"outcome", "partial"},
	)

	// RateLimited counts requests rejected by the rate limiter, by route
	// and by the tier that bound first.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route", "tier"},
	)

	// BreakerRejections counts requests shed by an open breaker.
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modgate_breaker_rejections_total",
			Help: "Requests rejected while a circuit breaker is open",
		},
		[]string{"breaker"},
	)
)

// NewPrometheusHooks returns hooks that instrument provider calls without
// the transport packages importing prometheus.
func NewPrometheusHooks() upstream.Hooks {
	return upstream.Hooks{
		OnRequestStart: func(ctx context.Context, info upstream.RequestInfo) context.Context {
			InFlightRequests.WithLabelValues(
				info.Provider,
				info.Endpoint,
				strconv.FormatBool(info.Stream),
			).Inc()
			return ctx
		},
		OnRequestEnd: func(ctx context.Context, info upstream.ResponseInfo) {
			streamLabel := strconv.FormatBool(info.Stream)
			InFlightRequests.WithLabelValues(
				info.Provider,
				info.Endpoint,
				streamLabel,
			).Dec()

			statusType := "success"
			statusCode := strconv.Itoa(info.StatusCode)
			if info.Err != nil {
				statusType = "error"
				if info.StatusCode == 0 {
					statusCode = "network_error"
				}
			} else if info.StatusCode >= 400 {
				statusType = "error"
			}

			RequestsTotal.WithLabelValues(
				info.Provider,
				info.Model,
				info.Endpoint,
				statusCode,
				statusType,
				streamLabel,
			).Inc()

			RequestDuration.WithLabelValues(
				info.Provider,
				info.Model,
				info.Endpoint,
				streamLabel,
			).Observe(info.Duration.Seconds())
		},
	}
}

// RecordVerdict counts one moderation outcome.
func RecordVerdict(violation, partial bool) {
	outcome := "pass"
	if violation {
		outcome = "violation"
	}
	ModerationVerdicts.WithLabelValues(outcome, strconv.FormatBool(partial)).Inc()
}

// RecordRateLimited counts one rate-limit rejection.
func RecordRateLimited(route, tier string) {
	RateLimited.WithLabelValues(route, tier).Inc()
}

// RecordBreakerRejection counts one request shed by the named breaker.
func RecordBreakerRejection(name string) {
	BreakerRejections.WithLabelValues(name).Inc()
}

// ResetMetrics zeroes every vector. Test helper.
func ResetMetrics() {
	RequestsTotal.Reset()
	RequestDuration.Reset()
	InFlightRequests.Reset()
	ModerationVerdicts.Reset()
	RateLimited.Reset()
	BreakerRejections.Reset()
}

// HealthCheck verifies the default gatherer is serving metrics.
func HealthCheck() error {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	if len(mfs) == 0 {
		return fmt.Errorf("no metrics registered")
	}
	return nil
}
