// Package metrics exposes the fleetd Prometheus collectors on a
// dedicated registry, wired to lifecycle and gateway events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/fleetd/pkg/models"
)

// Metrics holds every fleetd collector. Construct with New; the registry
// is private to the instance so tests never collide on default-registry
// registration.
type Metrics struct {
	registry *prometheus.Registry

	StateTransitions   *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	BudgetAlerts       *prometheus.CounterVec
	SessionsSpawned    prometheus.Counter
	SessionsTerminated prometheus.Counter

	AgentsByState *prometheus.GaugeVec
	LiveSessions  prometheus.Gauge

	DeployDuration prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_state_transitions_total",
			Help: "Agent state transitions by source and destination state.",
		}, []string{"from", "to"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_tool_calls_total",
			Help: "Metered tool calls by agent.",
		}, []string{"agent_id"}),
		BudgetAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_budget_alerts_total",
			Help: "Budget alerts fired by kind.",
		}, []string{"alert_kind"}),
		SessionsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_sessions_spawned_total",
			Help: "Runtime sessions spawned.",
		}),
		SessionsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_sessions_terminated_total",
			Help: "Runtime sessions terminated.",
		}),
		AgentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetd_agents",
			Help: "Managed agents by lifecycle state.",
		}, []string{"state"}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_live_sessions",
			Help: "Currently live runtime sessions.",
		}),
		DeployDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetd_deploy_duration_seconds",
			Help:    "Wall-clock duration of deploy operations.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	m.registry.MustRegister(
		m.StateTransitions, m.ToolCalls, m.BudgetAlerts,
		m.SessionsSpawned, m.SessionsTerminated,
		m.AgentsByState, m.LiveSessions, m.DeployDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLifecycleEvent updates counters from a lifecycle event. Intended
// as a manager event-bus subscriber.
func (m *Metrics) ObserveLifecycleEvent(event models.LifecycleEvent) {
	switch event.Kind {
	case models.EventToolCall:
		m.ToolCalls.WithLabelValues(event.AgentID).Inc()
	case models.EventBudgetWarning, models.EventBudgetExceeded:
		kind, _ := event.Data["alert_kind"].(string)
		m.BudgetAlerts.WithLabelValues(kind).Inc()
	}
}

// SetAgentStates replaces the agents-by-state gauge from a full snapshot.
func (m *Metrics) SetAgentStates(agents []*models.ManagedAgent) {
	m.AgentsByState.Reset()
	for _, a := range agents {
		m.AgentsByState.WithLabelValues(string(a.State)).Inc()
	}
}
