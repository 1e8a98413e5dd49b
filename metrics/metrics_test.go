package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCustomMetrics(t *testing.T) {
	t.Parallel()

	m := RegisterCustomMetrics(prometheus.NewRegistry())

	m.ObserveRun("extract-cms", time.Second, nil)
	m.ObserveRun("extract-cms", time.Second, errors.New("boom"))
	m.ObserveStep("CLICK", nil)
	m.ObserveHealing(true)
	m.ObserveHealing(false)
	m.ObserveHealing(false)
	m.ObserveBridge(nil)
	m.ObserveCommand("ATTACH_DEBUGGER", nil)
	m.ClientConnected(1)
	m.ClientConnected(1)
	m.ClientConnected(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrategyRuns.WithLabelValues("extract-cms", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrategyRuns.WithLabelValues("extract-cms", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Steps.WithLabelValues("CLICK", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Healing.WithLabelValues(OutcomeHealed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Healing.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeRuns.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlCommands.WithLabelValues("ATTACH_DEBUGGER", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlClients))
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *CustomMetrics
	assert.NotPanics(t, func() {
		m.ObserveRun("x", 0, nil)
		m.ObserveStep("WAIT", nil)
		m.ObserveHealing(true)
		m.ObserveBridge(nil)
		m.ObserveCommand("x", nil)
		m.ClientConnected(1)
	})
}
