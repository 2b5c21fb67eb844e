// Package metrics exposes Prometheus counters/histograms/gauges for the
// relay's request path, per-account bookkeeping, rate limiting, retries, and
// concurrency shedding. Each Metrics instance owns a private registry so
// constructing more than one in a process (as tests do) never collides with
// client_golang's global DefaultRegisterer.
package metrics

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ccrelay/internal/config"
)

// Metrics holds every collector. A nil *Metrics is valid: every Record/Set
// method is a no-op on a nil receiver, so call sites never need to branch
// on whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	ttft             *prometheus.HistogramVec

	accountRequests *prometheus.CounterVec
	accountErrors   *prometheus.CounterVec
	accountHealthy  *prometheus.GaugeVec

	rateLimitHits   *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	accountSwitches *prometheus.CounterVec

	poolClients     prometheus.Gauge
	concurrencyWait *prometheus.HistogramVec
}

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// New builds a Metrics instance, or returns nil when disabled.
func New(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_requests_total",
			Help: "Total relayed requests by platform, model, mode, and status class.",
		}, []string{"platform", "model", "mode", "status_class"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccrelay_request_duration_seconds",
			Help:    "Relayed request latency in seconds by platform and model.",
			Buckets: durationBuckets,
		}, []string{"platform", "model"}),

		requestsInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccrelay_requests_in_flight",
			Help: "Requests currently being relayed, by mode.",
		}, []string{"mode"}),

		ttft: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccrelay_time_to_first_token_seconds",
			Help:    "Time to first streamed token by platform and model.",
			Buckets: durationBuckets,
		}, []string{"platform", "model"}),

		accountRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_account_requests_total",
			Help: "Total requests attempted per account.",
		}, []string{"account_id", "platform"}),

		accountErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_account_errors_total",
			Help: "Total request failures per account, by classified reason.",
		}, []string{"account_id", "platform", "reason"}),

		accountHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccrelay_account_healthy",
			Help: "1 if the account's last health check passed, 0 otherwise.",
		}, []string{"account_id", "platform"}),

		rateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter, by dimension.",
		}, []string{"dimension"}),

		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_retry_attempts_total",
			Help: "Dispatch retry attempts, by outcome.",
		}, []string{"outcome"}),

		accountSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_account_switches_total",
			Help: "Times dispatch excluded an account and retried on another, by reason.",
		}, []string{"reason"}),

		poolClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccrelay_pool_clients",
			Help: "Number of HTTP clients currently cached in the per-account pool.",
		}),

		concurrencyWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccrelay_concurrency_wait_seconds",
			Help:    "Time spent waiting for a concurrency slot, by dimension.",
			Buckets: durationBuckets,
		}, []string{"dimension"}),
	}
}

// Handler serves the registry's metrics in the Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Status(404)
			return
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
	}
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

func (m *Metrics) RecordRequest(platform, model, mode string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(platform, model, mode, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(platform, model).Observe(duration.Seconds())
}

func (m *Metrics) IncInFlight(mode string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(mode).Inc()
}

func (m *Metrics) DecInFlight(mode string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(mode).Dec()
}

func (m *Metrics) RecordTTFT(platform, model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ttft.WithLabelValues(platform, model).Observe(duration.Seconds())
}

func (m *Metrics) RecordAccountRequest(accountID, platform string) {
	if m == nil {
		return
	}
	m.accountRequests.WithLabelValues(accountID, platform).Inc()
}

func (m *Metrics) RecordAccountError(accountID, platform, reason string) {
	if m == nil {
		return
	}
	m.accountErrors.WithLabelValues(accountID, platform, reason).Inc()
}

func (m *Metrics) SetAccountHealthy(accountID, platform string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.accountHealthy.WithLabelValues(accountID, platform).Set(value)
}

func (m *Metrics) RecordRateLimitHit(dimension string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(dimension).Inc()
}

func (m *Metrics) RecordRetryAttempt(outcome string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAccountSwitch(reason string) {
	if m == nil {
		return
	}
	m.accountSwitches.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPoolClients(n int) {
	if m == nil {
		return
	}
	m.poolClients.Set(float64(n))
}

func (m *Metrics) RecordConcurrencyWait(dimension string, duration time.Duration) {
	if m == nil {
		return
	}
	m.concurrencyWait.WithLabelValues(dimension).Observe(duration.Seconds())
}
