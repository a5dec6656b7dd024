// Package metrics owns the prometheus registry and the counters the bot and
// admin API report into.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "companion_bot"

type Metrics struct {
	registry *prometheus.Registry

	botEvents        *prometheus.CounterVec
	referralOutcomes *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	creditsSpent     *prometheus.CounterVec
	rateLimited      prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		botEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_events_total",
				Help:      "Inbound bot events by kind",
			},
			[]string{"kind"},
		),
		referralOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "referral_outcomes_total",
				Help:      "Referral redemption attempts by outcome",
			},
			[]string{"outcome"},
		),
		upstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_failures_total",
				Help:      "Failed calls to completion or image services",
			},
			[]string{"service"},
		),
		creditsSpent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_spent_total",
				Help:      "Message and image credits consumed",
			},
			[]string{"kind"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_events_total",
				Help:      "Bot events dropped by the per-user rate limiter",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.botEvents,
		m.referralOutcomes,
		m.upstreamFailures,
		m.creditsSpent,
		m.rateLimited,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) BotEvent(kind string) {
	m.botEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReferralOutcome(outcome string) {
	m.referralOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UpstreamFailure(service string) {
	m.upstreamFailures.WithLabelValues(service).Inc()
}

func (m *Metrics) CreditSpent(kind string) {
	m.creditsSpent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
