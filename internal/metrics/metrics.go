// Package metrics exposes Prometheus metrics for the exam session core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every metric of the service on its own registry.
// A nil *Manager is valid and records nothing.
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	answersSaved     prometheus.Counter
	warnings         *prometheus.CounterVec
	terminations     *prometheus.CounterVec
	hubSubscriptions prometheus.Gauge
	queueRequeued    *prometheus.CounterVec
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace overrides the metric namespace (default "exstem").
func WithNamespace(ns string) Option {
	return func(m *Manager) { m.namespace = ns }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// NewManager creates a Manager and registers all metrics.
func NewManager(opts ...Option) *Manager {
	m := &Manager{namespace: "exstem"}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	auto := promauto.With(m.registry)
	const subsystem = "proctor"

	m.sessionsStarted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      "sessions_started_total",
		Help:      "Total number of exam sessions created",
	})
	m.sessionsClosed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      "sessions_closed_total",
		Help:      "Total number of exam sessions that reached a terminal state",
	}, []string{"state"})
	m.answersSaved = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      "answers_saved_total",
		Help:      "Total number of accepted answer saves",
	})
	m.warnings = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      "warnings_total",
		Help:      "Total number of proctoring warnings issued",
	}, []string{"kind"})
	m.terminations = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      "terminations_total",
		Help:      "Total number of sessions terminated by the violation policy",
	}, []string{"reason"})
	m.hubSubscriptions = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      "hub_subscriptions",
		Help:      "Number of live proctoring hub subscriptions",
	})
	m.queueRequeued = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      "queue_requeued_total",
		Help:      "Items pushed back to a persistence queue after a failed flush",
	}, []string{"queue"})

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Manager) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Manager) SessionClosed(state string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(state).Inc()
}

func (m *Manager) AnswerSaved() {
	if m == nil {
		return
	}
	m.answersSaved.Inc()
}

func (m *Manager) Warning(kind string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(kind).Inc()
}

func (m *Manager) Terminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

// SubscriptionOpened and SubscriptionClosed track the hub gauge.
func (m *Manager) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.hubSubscriptions.Inc()
}

func (m *Manager) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.hubSubscriptions.Dec()
}

func (m *Manager) Requeued(queue string, n int) {
	if m == nil {
		return
	}
	m.queueRequeued.WithLabelValues(queue).Add(float64(n))
}
