package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kurocha_turns_total",
			Help: "Total number of conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kurocha_session_state",
			Help: "Current orchestrator state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// Execution metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kurocha_executions_total",
			Help: "Total number of agent process executions by status",
		},
		[]string{"status"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kurocha_execution_duration_seconds",
			Help:    "Agent process wall-clock duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	ExecutionCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kurocha_execution_cost_usd",
			Help:    "Cost in USD reported by the agent per execution",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
	)

	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kurocha_decode_errors_total",
			Help: "Output lines from the agent that could not be decoded",
		},
	)
)

// Execution status labels.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
	StatusSpawn    = "spawn_error"
)

// Turn outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeApproval  = "awaiting_approval"
	OutcomeAgentErr  = "agent_error"
	OutcomeFailed    = "failed"
	OutcomeBusy      = "busy"
)

// SetState marks state as the active one among all.
func SetState(state string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
