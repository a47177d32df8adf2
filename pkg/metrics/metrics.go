// Package metrics provides Prometheus instrumentation for the proxy,
// scheduler and event stream.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for conduit.
type Metrics struct {
	// Session metrics
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	QueueFullBlocks *prometheus.CounterVec

	// Proxy metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Child process metrics
	ChildrenActive prometheus.Gauge
	ChildRestarts  *prometheus.CounterVec
	ChildrenReaped prometheus.Counter

	// Scheduler metrics
	SchedulerRunsTotal   *prometheus.CounterVec
	SchedulerRunDuration prometheus.Histogram
	ToolsSynced          prometheus.Counter

	// Event stream metrics
	EventsPublished  *prometheus.CounterVec
	DashboardClients prometheus.Gauge
}

// New creates and registers all metrics. A nil registry falls back to the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		SessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_sessions_active",
				Help: "Currently open SSE sessions",
			},
			[]string{"project_id"},
		),

		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_sessions_total",
				Help: "SSE sessions opened since start",
			},
			[]string{"project_id", "kind"},
		),

		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_messages_dropped_total",
				Help: "Outbound frames dropped because a session closed mid-send",
			},
			[]string{"project_id"},
		),

		QueueFullBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_session_queue_full_total",
				Help: "Times a response producer blocked on a full session queue",
			},
			[]string{"project_id"},
		),

		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_calls_total",
				Help: "Proxied tools/call requests",
			},
			[]string{"server", "tool", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_tool_call_duration_seconds",
				Help:    "Proxied tools/call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"server", "tool"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_requests_in_flight",
				Help: "JSON-RPC requests currently being proxied",
			},
		),

		ChildrenActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_children_active",
				Help: "Running child server processes",
			},
		),

		ChildRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_child_restarts_total",
				Help: "Child process restarts after crash or exit",
			},
			[]string{"server"},
		),

		ChildrenReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_children_reaped_total",
				Help: "Idle child processes stopped by the reaper",
			},
		),

		SchedulerRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_scheduler_runs_total",
				Help: "Completed check_all_servers runs",
			},
			[]string{"outcome"},
		),

		SchedulerRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_scheduler_run_duration_seconds",
				Help:    "Duration of one check_all_servers run",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		ToolsSynced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_tools_synced_total",
				Help: "Tool catalog rows written by discovery sync",
			},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_events_published_total",
				Help: "Dashboard events published",
			},
			[]string{"type", "persistent"},
		),

		DashboardClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_dashboard_clients",
				Help: "Attached dashboard WebSocket clients",
			},
		),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionOpened records a new SSE session. kind is "single" or "unified".
func (m *Metrics) SessionOpened(projectID, kind string) {
	m.SessionsActive.WithLabelValues(projectID).Inc()
	m.SessionsTotal.WithLabelValues(projectID, kind).Inc()
}

// SessionClosed records a session teardown.
func (m *Metrics) SessionClosed(projectID string) {
	m.SessionsActive.WithLabelValues(projectID).Dec()
}

// RecordToolCall records one proxied tools/call outcome.
func (m *Metrics) RecordToolCall(server, tool, status string, duration time.Duration) {
	m.ToolCallsTotal.WithLabelValues(server, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(server, tool).Observe(duration.Seconds())
}

// RecordSchedulerRun records one completed scheduler pass.
func (m *Metrics) RecordSchedulerRun(duration time.Duration, errored int, toolsSynced int) {
	outcome := "clean"
	if errored > 0 {
		outcome = "errors"
	}
	m.SchedulerRunsTotal.WithLabelValues(outcome).Inc()
	m.SchedulerRunDuration.Observe(duration.Seconds())
	m.ToolsSynced.Add(float64(toolsSynced))
}

// RecordEventPublished records one dashboard event publish.
func (m *Metrics) RecordEventPublished(eventType string, persistent bool) {
	p := "false"
	if persistent {
		p = "true"
	}
	m.EventsPublished.WithLabelValues(eventType, p).Inc()
}
