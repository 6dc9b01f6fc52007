package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting turn engine metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn throughput and terminal outcomes per channel
//   - Queue depth and admission drops behind busy channels
//   - Stale lock recoveries and intercepted stop requests
//   - LLM streaming call performance by provider and model
//   - Tool execution patterns and latencies
//
// All record methods are nil-safe so components can run without a registry
// wired in, which keeps tests free of global collector registration.
type Metrics struct {
	turnsTotal          *prometheus.CounterVec
	turnDuration        *prometheus.HistogramVec
	turnsDropped        *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec
	staleLockRecoveries *prometheus.CounterVec
	stopSignals         *prometheus.CounterVec
	emptyRetries        *prometheus.CounterVec
	providerCalls       *prometheus.CounterVec
	providerDuration    *prometheus.HistogramVec
	toolExecutions      *prometheus.CounterVec
	toolDuration        *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		turnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_turns_total",
			Help: "Total processed turns by terminal outcome",
		}, []string{"channel", "outcome"}),
		turnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "banter_turn_duration_seconds",
			Help:    "Wall time of turn processing from lock acquisition to release",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 35, 60, 120},
		}, []string{"channel"}),
		turnsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_turns_dropped_total",
			Help: "Turns discarded at admission",
		}, []string{"channel", "reason"}),
		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "banter_queue_depth",
			Help: "Messages waiting behind a busy channel",
		}, []string{"channel"}),
		staleLockRecoveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_stale_lock_recoveries_total",
			Help: "Channel locks force-released after exceeding the stale timeout",
		}, []string{"channel"}),
		stopSignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_stop_signals_total",
			Help: "User stop requests intercepted while a turn was in flight",
		}, []string{"channel"}),
		emptyRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_empty_retries_total",
			Help: "Turn retries triggered by empty provider responses",
		}, []string{"channel"}),
		providerCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_provider_calls_total",
			Help: "Provider streaming calls by terminal status",
		}, []string{"provider", "model", "status"}),
		providerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "banter_provider_call_duration_seconds",
			Help:    "Duration of individual provider streaming calls",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 35},
		}, []string{"provider", "model"}),
		toolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_tool_executions_total",
			Help: "Tool executions by status",
		}, []string{"tool", "status"}),
		toolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "banter_tool_duration_seconds",
			Help:    "Duration of tool executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
	}
}

// RecordTurn records a finished turn with its outcome and wall time.
func (m *Metrics) RecordTurn(channel, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(channel, outcome).Inc()
	m.turnDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordDroppedTurn records a turn discarded at admission.
func (m *Metrics) RecordDroppedTurn(channel, reason string) {
	if m == nil {
		return
	}
	m.turnsDropped.WithLabelValues(channel, reason).Inc()
}

// SetQueueDepth reports the backlog length for a channel.
func (m *Metrics) SetQueueDepth(channel string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordStaleLockRecovery records a force-released channel lock.
func (m *Metrics) RecordStaleLockRecovery(channel string) {
	if m == nil {
		return
	}
	m.staleLockRecoveries.WithLabelValues(channel).Inc()
}

// RecordStopSignal records an intercepted stop request.
func (m *Metrics) RecordStopSignal(channel string) {
	if m == nil {
		return
	}
	m.stopSignals.WithLabelValues(channel).Inc()
}

// RecordEmptyRetry records one empty-response retry attempt.
func (m *Metrics) RecordEmptyRetry(channel string) {
	if m == nil {
		return
	}
	m.emptyRetries.WithLabelValues(channel).Inc()
}

// RecordProviderCall records a provider streaming call.
func (m *Metrics) RecordProviderCall(provider, model, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, model, status).Inc()
	m.providerDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordToolExecution records a tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
