// Package metrics exposes Prometheus instrumentation on a dedicated registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/brandvoice/contentops/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contentops"

// Admission outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	evictions     prometheus.Counter
	tokens        *prometheus.CounterVec
	cost          *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	requests      *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Rate limit admission decisions by policy and outcome.",
		}, []string{"policy", "outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "evictions_total",
			Help:      "Expired rate limit windows removed by the janitor.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model, feature and kind (prompt or completion).",
		}, []string{"model", "feature", "kind"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by model and feature.",
		}, []string{"model", "feature"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "write_failures_total",
			Help:      "Usage records that could not be persisted.",
		}, []string{"feature"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.admissions, m.evictions, m.tokens, m.cost, m.writeFailures, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackWindows exposes the live window count through fn.
func (m *Metrics) TrackWindows(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "windows",
		Help:      "Rate limit windows currently held in memory.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveAdmission counts one admission decision.
func (m *Metrics) ObserveAdmission(policy, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(policy, outcome).Inc()
}

// ObserveEvictions counts windows evicted by one sweep.
func (m *Metrics) ObserveEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

// ObserveRequest counts one HTTP request.
func (m *Metrics) ObserveRequest(route, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, status).Inc()
}

// UsageRecorded adds a record's tokens and cost.
func (m *Metrics) UsageRecorded(rec *models.UsageRecord) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(rec.Model, rec.Feature, "prompt").Add(float64(rec.PromptTokens))
	m.tokens.WithLabelValues(rec.Model, rec.Feature, "completion").Add(float64(rec.CompletionTokens))
	m.cost.WithLabelValues(rec.Model, rec.Feature).Add(rec.CostUSD)
}

// UsageWriteFailed counts a record that could not be persisted.
func (m *Metrics) UsageWriteFailed(rec *models.UsageRecord) {
	if m == nil {
		return
	}
	m.writeFailures.WithLabelValues(rec.Feature).Inc()
}
