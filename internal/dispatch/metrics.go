package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks pipeline outcomes for monitoring.
type Metrics struct {
	// Received counts every inbound message handed to the dispatcher.
	Received prometheus.Counter

	// Dropped counts messages that left the pipeline before execution.
	// Labels: reason (self|no_content|no_prefix|empty_command|queue_full|
	// unknown_command|disabled|owner_only)
	Dropped *prometheus.CounterVec

	// RateLimited counts intake rejections by the rate limiter.
	RateLimited prometheus.Counter

	// Executed counts command executions by outcome.
	// Labels: command, status (ok|error|timeout)
	Executed *prometheus.CounterVec
}

// NewMetrics creates dispatcher metrics registered with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Received: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_received_total",
			Help: "Inbound messages handed to the dispatcher.",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_dropped_total",
			Help: "Messages dropped before command execution, by reason.",
		}, []string{"reason"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_rate_limited_total",
			Help: "Messages rejected by the per-sender rate limiter.",
		}),
		Executed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_commands_executed_total",
			Help: "Command executions by command name and outcome.",
		}, []string{"command", "status"}),
	}
}
