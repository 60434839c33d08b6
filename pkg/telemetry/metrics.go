package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registrations and probes cross the network, so the buckets start at 5ms
// and stop well past the probe timeout.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds the engine collectors in a private registry. A Metrics built
// with metrics disabled has no collectors and every method is a no-op.
type Metrics struct {
	path     string
	registry *prometheus.Registry

	registrations        *prometheus.CounterVec
	registrationDuration *prometheus.HistogramVec
	probes               *prometheus.CounterVec
	probeDuration        prometheus.Histogram
	strategyAttempts     *prometheus.CounterVec
	strategyDuration     *prometheus.HistogramVec
	fileOperations       *prometheus.CounterVec
	requests             *prometheus.CounterVec
	errorsByClass        *prometheus.CounterVec
	errorsByCode         *prometheus.CounterVec
	endpointStates       *prometheus.GaugeVec
}

// NewMetrics registers the engine collectors.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{path: cfg.Path}
	if m.path == "" {
		m.path = "/metrics"
	}
	if !cfg.Enabled {
		return m, nil
	}

	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: latencyBuckets}, labels)
	}

	m.registry = prometheus.NewRegistry()
	m.registrations = counter("registrations_total", "Endpoint registrations by outcome and winning strategy.", "outcome", "strategy")
	m.registrationDuration = histogram("registration_duration_seconds", "Time from registration start to outcome.", "outcome")
	m.probes = counter("probes_total", "Capability probes by the serving modes they detected.", "direct", "routing")
	m.probeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "probe_duration_seconds",
		Help:      "Time spent probing a site.",
		Buckets:   latencyBuckets,
	})
	m.strategyAttempts = counter("strategy_attempts_total", "Strategy executions by outcome.", "strategy", "outcome")
	m.strategyDuration = histogram("strategy_duration_seconds", "Time spent executing one strategy.", "strategy")
	m.fileOperations = counter("file_operations_total", "Document root writes by overwrite policy and resulting action.", "policy", "action")
	m.requests = counter("endpoint_requests_total", "Requests answered from the routing table.", "path", "code")
	m.errorsByClass = counter("errors_by_class_total", "Registration errors by class.", "class")
	m.errorsByCode = counter("errors_by_code_total", "Registration errors by code.", "code")
	m.endpointStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "endpoint_state",
		Help:      "1 for the current lifecycle state of each endpoint, 0 otherwise.",
	}, []string{"endpoint", "state"})

	for _, c := range []prometheus.Collector{
		m.registrations, m.registrationDuration,
		m.probes, m.probeDuration,
		m.strategyAttempts, m.strategyDuration,
		m.fileOperations, m.requests,
		m.errorsByClass, m.errorsByCode,
		m.endpointStates,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// RecordRegistration counts a finished registration. strategy is empty
// unless a strategy won.
func (m *Metrics) RecordRegistration(outcome, strategy string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.registrations.WithLabelValues(outcome, strategy).Inc()
	m.registrationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordProbe(direct, routing bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.probes.WithLabelValues(strconv.FormatBool(direct), strconv.FormatBool(routing)).Inc()
	m.probeDuration.Observe(duration.Seconds())
}

// RecordStrategyAttempt counts one strategy run as success, rolled_back or
// failed. A rollback that itself failed counts as failed.
func (m *Metrics) RecordStrategyAttempt(strategy string, success, rolledBack bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	} else if rolledBack {
		outcome = "rolled_back"
	}
	m.strategyAttempts.WithLabelValues(strategy, outcome).Inc()
	m.strategyDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func (m *Metrics) RecordFileOperation(policy, action string) {
	if !m.enabled() {
		return
	}
	m.fileOperations.WithLabelValues(policy, action).Inc()
}

func (m *Metrics) RecordRequest(path string, code int) {
	if !m.enabled() {
		return
	}
	m.requests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}

// RecordEngineError counts err by its engine class and code. Errors without
// an engine classification count as permanent with no code.
func (m *Metrics) RecordEngineError(err error) {
	if err == nil || !m.enabled() {
		return
	}
	class, code := engine.ErrorClassPermanent, ""
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		class, code = engErr.Class, engErr.Code
	}
	m.errorsByClass.WithLabelValues(string(class)).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// SetEndpointState sets the gauge of state to 1 and every other state of
// endpoint to 0.
func (m *Metrics) SetEndpointState(endpoint string, state engine.EndpointState) {
	if !m.enabled() {
		return
	}
	for _, s := range engine.AllEndpointStates() {
		v := 0.0
		if s == state {
			v = 1
		}
		m.endpointStates.WithLabelValues(endpoint, string(s)).Set(v)
	}
}

// Handler serves the registry in the OpenMetrics format, or 404 when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Path is where the admin server mounts Handler.
func (m *Metrics) Path() string {
	return m.path
}
