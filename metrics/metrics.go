// Package metrics holds the Prometheus metrics flowbridge records.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowbridge"

// Outcomes used as label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeHealed  = "healed"
	OutcomeFailed  = "failed"
)

// CustomMetrics are the metrics recorded by the runner and the control
// server. A nil *CustomMetrics records nothing.
type CustomMetrics struct {
	StrategyRuns     *prometheus.CounterVec
	StrategyDuration *prometheus.HistogramVec
	Steps            *prometheus.CounterVec
	Healing          *prometheus.CounterVec
	BridgeRuns       *prometheus.CounterVec
	ControlClients   prometheus.Gauge
	ControlCommands  *prometheus.CounterVec
}

// RegisterCustomMetrics creates the metrics and registers them with reg.
func RegisterCustomMetrics(reg prometheus.Registerer) *CustomMetrics {
	f := promauto.With(reg)
	return &CustomMetrics{
		StrategyRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_runs_total",
			Help:      "Strategy runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		StrategyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_run_duration_seconds",
			Help:      "Strategy run duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"strategy"}),
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by action and outcome.",
		}, []string{"action", "outcome"}),
		Healing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "healing_attempts_total",
			Help:      "Vision healing attempts by outcome.",
		}, []string{"outcome"}),
		BridgeRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_runs_total",
			Help:      "Bridge flows by outcome.",
		}, []string{"outcome"}),
		ControlClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_clients",
			Help:      "Connected control clients.",
		}),
		ControlCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "Control commands by type and outcome.",
		}, []string{"type", "outcome"}),
	}
}

// Outcome maps an error to OutcomeSuccess or OutcomeError.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// ObserveRun records a finished strategy run.
func (m *CustomMetrics) ObserveRun(strategyID string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.StrategyRuns.WithLabelValues(strategyID, Outcome(err)).Inc()
	m.StrategyDuration.WithLabelValues(strategyID).Observe(took.Seconds())
}

// ObserveStep records a finished step.
func (m *CustomMetrics) ObserveStep(action string, err error) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(action, Outcome(err)).Inc()
}

// ObserveHealing records a healing attempt, healed or not.
func (m *CustomMetrics) ObserveHealing(healed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeFailed
	if healed {
		outcome = OutcomeHealed
	}
	m.Healing.WithLabelValues(outcome).Inc()
}

// ObserveBridge records a finished bridge flow.
func (m *CustomMetrics) ObserveBridge(err error) {
	if m == nil {
		return
	}
	m.BridgeRuns.WithLabelValues(Outcome(err)).Inc()
}

// ObserveCommand records a control command.
func (m *CustomMetrics) ObserveCommand(typ string, err error) {
	if m == nil {
		return
	}
	m.ControlCommands.WithLabelValues(typ, Outcome(err)).Inc()
}

// ClientConnected adjusts the connected control client gauge by delta.
func (m *CustomMetrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.ControlClients.Add(float64(delta))
}
