// Package metrics defines the Prometheus collectors exported by the router.
//
// Each Metrics owns its registry so tests and multiple servers in one
// process never collide on the default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the "reason" label of MessagesDropped.
const (
	ReasonMalformed     = "malformed"
	ReasonUnknownMethod = "unknown_method"
	ReasonPanic         = "panic"
	ReasonRateLimited   = "rate_limited"
)

// Metrics groups the router's collectors.
type Metrics struct {
	registry *prometheus.Registry

	MessagesHandled   *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	ConnectedClients  prometheus.Gauge
	PendingOperations prometheus.Gauge
	ChatUsers         prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Name:      "messages_handled_total",
			Help:      "Inbound messages routed to a handler, by method.",
		}, []string{"method"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped without a reply, by reason.",
		}, []string{"reason"}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router",
			Name:      "connected_clients",
			Help:      "Currently registered WebSocket connections.",
		}),
		PendingOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router",
			Name:      "pending_operations",
			Help:      "Scheduled instance operations whose deferred phase has not run yet.",
		}),
		ChatUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router",
			Name:      "chat_users",
			Help:      "Registered chat nicknames.",
		}),
	}

	reg.MustRegister(
		m.MessagesHandled,
		m.MessagesDropped,
		m.ConnectedClients,
		m.PendingOperations,
		m.ChatUsers,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Handled increments the handled counter for method. Safe on a nil receiver.
func (m *Metrics) Handled(method string) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(method).Inc()
}

// Dropped increments the dropped counter for reason. Safe on a nil receiver.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// SetConnected records the current connection count. Safe on a nil receiver.
func (m *Metrics) SetConnected(n int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Set(float64(n))
}

// SetPending records the number of pending operations. Safe on a nil receiver.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingOperations.Set(float64(n))
}

// SetChatUsers records the registered nickname count. Safe on a nil receiver.
func (m *Metrics) SetChatUsers(n int) {
	if m == nil {
		return
	}
	m.ChatUsers.Set(float64(n))
}
