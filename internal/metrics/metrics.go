// Package metrics holds the Prometheus collectors of the auth subsystem.
// All record methods are safe on a nil *Metrics so callers can run with
// metrics disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contentdesk"

// Metrics owns a registry and the auth collectors registered on it
type Metrics struct {
	registry *prometheus.Registry

	logins           *prometheus.CounterVec
	verifications    *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	statesPurged     prometheus.Counter
}

// New creates a registry with the Go runtime and process collectors and
// registers the auth metrics on it
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_logins_total",
				Help:      "Sign-in callbacks by result reason.",
			},
			[]string{"result"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_verifications_total",
				Help:      "Session credential verifications by result.",
			},
			[]string{"result"},
		),
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Route gate decisions.",
			},
			[]string{"decision"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Identity provider round-trip latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		statesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_states_purged_total",
			Help:      "OAuth states removed by housekeeping.",
		}),
	}

	reg.MustRegister(m.logins, m.verifications, m.gateDecisions, m.providerDuration, m.statesPurged)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordLogin counts a sign-in attempt. result is "success" or a reason code.
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordGateDecision(decision string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveProviderRequest(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) RecordStatesPurged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.statesPurged.Add(float64(count))
}
