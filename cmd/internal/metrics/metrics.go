// Package metrics owns the Prometheus collectors exported on /metrics.
//
// All methods are nil-safe so components can be constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tasting"

// Metrics groups every collector registered by the server.
type Metrics struct {
	reg *prometheus.Registry

	accessDecisions *prometheus.CounterVec
	slotLogins      prometheus.Counter
	slotReleases    *prometheus.CounterVec
	slotsActive     prometheus.Gauge
	subscribers     prometheus.Gauge
	presenceEvents  *prometheus.CounterVec
	feedDrops       prometheus.Counter
}

// New builds a Metrics instance on a private registry (plus Go/process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Device access decisions by outcome.",
		}, []string{"outcome"}),
		slotLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_logins_total",
			Help:      "Successful slot logins.",
		}),
		slotReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_releases_total",
			Help:      "Slot releases by reason (logout, evict, stale).",
		}, []string{"reason"}),
		slotsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_sessions_active",
			Help:      "Occupied slots as last observed by the presence feed.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_subscribers",
			Help:      "Active presence feed subscribers.",
		}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_events_total",
			Help:      "Presence change events published, by operation.",
		}, []string{"op"}),
		feedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_overflows_total",
			Help:      "Subscriber queues that overflowed and were told to resync.",
		}),
	}

	reg.MustRegister(
		m.accessDecisions,
		m.slotLogins,
		m.slotReleases,
		m.slotsActive,
		m.subscribers,
		m.presenceEvents,
		m.feedDrops,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests use it to gather values).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) AccessDecision(outcome string) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SlotLogin() {
	if m == nil {
		return
	}
	m.slotLogins.Inc()
}

func (m *Metrics) SlotRelease(reason string) {
	if m == nil {
		return
	}
	m.slotReleases.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSlotsActive(n int) {
	if m == nil {
		return
	}
	m.slotsActive.Set(float64(n))
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) PresenceEvent(op string) {
	if m == nil {
		return
	}
	m.presenceEvents.WithLabelValues(op).Inc()
}

func (m *Metrics) FeedOverflow() {
	if m == nil {
		return
	}
	m.feedDrops.Inc()
}
