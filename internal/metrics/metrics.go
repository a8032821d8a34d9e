// Package metrics provides Prometheus instruments for turns, stages and voice sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "turtletalk"

// Metrics holds every instrument. The zero value is not usable; use New.
type Metrics struct {
	stageDuration  *prometheus.HistogramVec
	stageErrors    *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnsTotal     *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	providerEvents *prometheus.CounterVec
	sessionsActive *prometheus.GaugeVec
}

// New creates the instruments and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Histogram of pipeline stage duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		stageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_errors_total",
				Help:      "Total number of failed pipeline stages",
			},
			[]string{"stage"},
		),
		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Histogram of whole-turn duration in seconds",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of turns by outcome",
			},
			[]string{"outcome"}, // ok, empty, blocked_input, blocked_output, error
		),
		toolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of model tool calls",
			},
			[]string{"tool", "status"}, // status: success, skipped
		),
		providerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_events_total",
				Help:      "Total number of voice provider lifecycle events",
			},
			[]string{"provider", "event"},
		),
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of live voice sessions",
			},
			[]string{"provider"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.stageDuration,
			m.stageErrors,
			m.turnDuration,
			m.turnsTotal,
			m.toolCallsTotal,
			m.providerEvents,
			m.sessionsActive,
		)
	}
	return m
}

// StageCompleted records one pipeline stage.
func (m *Metrics) StageCompleted(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}

// TurnCompleted records a finished turn.
func (m *Metrics) TurnCompleted(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

// ToolCall records an interpreted tool call.
func (m *Metrics) ToolCall(tool string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "skipped"
	}
	m.toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ProviderEvent counts a provider lifecycle event such as start, stop or error.
func (m *Metrics) ProviderEvent(provider, event string) {
	if m == nil {
		return
	}
	m.providerEvents.WithLabelValues(provider, event).Inc()
}

// SessionStarted increments the live session gauge.
func (m *Metrics) SessionStarted(provider string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(provider).Inc()
}

// SessionEnded decrements the live session gauge.
func (m *Metrics) SessionEnded(provider string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(provider).Dec()
}
