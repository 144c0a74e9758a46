package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the runtime.
type Metrics struct {
	// IngressUpdates counts platform updates by channel and disposition.
	// Labels: channel (telegram|discord), result (enqueued|duplicate|denied|dropped)
	IngressUpdates *prometheus.CounterVec

	// OutboundSends counts outbound API call attempts.
	// Labels: method (platform method name), status (success|rate_limited|error)
	OutboundSends *prometheus.CounterVec

	// SendGateWait measures time spent waiting on the rate gate in seconds.
	// Labels: method
	SendGateWait *prometheus.HistogramVec

	// TurnDuration measures turn latency in seconds.
	// Labels: status (success|error)
	TurnDuration *prometheus.HistogramVec

	// ToolCalls counts remote tool invocations.
	// Labels: tool, status (success|error|timeout)
	ToolCalls *prometheus.CounterVec

	// JobsInState gauges jobs by state.
	// Labels: state (queued|running)
	JobsInState *prometheus.GaugeVec

	// JobsFinished counts finished jobs.
	// Labels: state (succeeded|failed|timed_out)
	JobsFinished *prometheus.CounterVec

	// RouterCommands counts managed command invocations.
	// Labels: command (dotted path), result (ok|denied|error)
	RouterCommands *prometheus.CounterVec

	// RecallInjected counts recall injections and their selected episode count.
	RecallInjected prometheus.Counter
}

// NewMetrics creates metrics registered on a private registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates metrics on the given registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IngressUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omniagent_ingress_updates_total",
			Help: "Platform updates received, by channel and disposition.",
		}, []string{"channel", "result"}),

		OutboundSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omniagent_outbound_sends_total",
			Help: "Outbound platform API call attempts.",
		}, []string{"method", "status"}),

		SendGateWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omniagent_send_gate_wait_seconds",
			Help:    "Time spent waiting on the outbound rate gate.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"method"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omniagent_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		}, []string{"status"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omniagent_tool_calls_total",
			Help: "Remote tool invocations.",
		}, []string{"tool", "status"}),

		JobsInState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omniagent_jobs_in_state",
			Help: "Background jobs currently queued or running.",
		}, []string{"state"}),

		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omniagent_jobs_finished_total",
			Help: "Background jobs finished, by terminal state.",
		}, []string{"state"}),

		RouterCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omniagent_router_commands_total",
			Help: "Managed slash and control command invocations.",
		}, []string{"command", "result"}),

		RecallInjected: factory.NewCounter(prometheus.CounterOpts{
			Name: "omniagent_recall_injections_total",
			Help: "Turns that received a memory recall injection.",
		}),
	}
}
