package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the engine's observability sink on top of Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed *prometheus.CounterVec
	eventsMalformed *prometheus.CounterVec
	eventsDuplicate *prometheus.CounterVec
	parentConflicts *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// NewMetrics registers all Concord collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Name:      "events_processed_total",
			Help:      "Stream events accepted by the projection engine.",
		}, []string{"type"}),
		eventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Name:      "events_malformed_total",
			Help:      "Stream events dropped for failing validation.",
		}, []string{"type"}),
		eventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Name:      "events_duplicate_total",
			Help:      "Redeliveries ignored by the idempotent timeline upsert.",
		}, []string{"type"}),
		parentConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Name:      "space_parent_conflicts_total",
			Help:      "Rooms claimed as child by more than one space.",
		}, []string{"room"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Name:      "notifications_fired_total",
			Help:      "Desktop notifications emitted by policy.",
		}, []string{"room"}),
	}

	reg.MustRegister(
		m.eventsProcessed,
		m.eventsMalformed,
		m.eventsDuplicate,
		m.parentConflicts,
		m.notifications,
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventProcessed(eventType string) {
	m.eventsProcessed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MalformedEvent(eventType string) {
	m.eventsMalformed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DuplicateEvent(eventType string) {
	m.eventsDuplicate.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ParentConflict(roomID string) { m.parentConflicts.WithLabelValues(roomID).Inc() }

func (m *Metrics) NotificationFired(roomID string) { m.notifications.WithLabelValues(roomID).Inc() }
