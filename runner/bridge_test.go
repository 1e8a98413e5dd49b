package runner

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/flowbridge/log"
	"github.com/clinicflow/flowbridge/strategy"
	"github.com/clinicflow/flowbridge/vision"
)

func verifyPage() map[string]vision.Point {
	return map[string]vision.Point{
		"#nricInput":  {X: 100, Y: 200},
		".btn-submit": {X: 100, Y: 260},
		"#nric-input": {X: 300, Y: 200},
		"#verify-btn": {X: 300, Y: 260},
	}
}

func newTestBridge(t *testing.T, tr *testRunner) *Bridge {
	t.Helper()

	catalog, err := strategy.Builtin()
	require.NoError(t, err)

	opts := DefaultBridgeOptions(strategy.Environment{BaseURL: "http://mock.test/"})
	return NewBridge(tr.Runner, catalog, opts, log.NewNullLogger())
}

func TestBridgeRun(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{
		boxes: verifyPage(),
		values: map[string]string{
			"#extracted-name": "Tan Ah Kow",
			"#extracted-nric": "S1234567A",
		},
	}
	tr := newTestRunner(t, sessions, nil, nil)
	b := newTestBridge(t, tr)

	out, err := b.Run(context.Background(), "cms-tab")
	require.NoError(t, err)
	assert.Equal(t, strategy.Vars{"name": "Tan Ah Kow", "nric": "S1234567A"}, out)

	urls := tr.tabs.URLs()
	sort.Strings(urls)
	assert.Equal(t, []string{
		"http://mock.test/mocks/tpa_da_flow.html",
		"http://mock.test/mocks/tpa_fullerton.html",
	}, urls)

	texts := sessions.Texts()
	require.Len(t, texts, 2)
	for _, ty := range texts {
		assert.Equal(t, "S1234567A", ty.text)
		assert.NotEqual(t, "cms-tab", ty.tab)
	}
	assert.Len(t, sessions.Clicks(), 4)
	assert.Empty(t, tr.locator.Calls())
}

func TestBridgeMissingFields(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{boxes: verifyPage(), values: map[string]string{
		"#extracted-name": "",
		"#extracted-nric": "",
	}}
	tr := newTestRunner(t, sessions, nil, nil)
	b := newTestBridge(t, tr)

	_, err := b.Run(context.Background(), "cms-tab")

	var mfe *MissingExtractedFieldError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, []string{"name", "nric"}, mfe.Fields)
	assert.Empty(t, tr.tabs.URLs(), "verification must not start")

	evs := tr.drain()
	last := evs[len(evs)-1]
	assert.Equal(t, KindError, last.Kind)
	assert.Equal(t, "Bridge Failed: failed to extract name, nric", last.Message)
}

func TestBridgeNoActiveTab(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	_, err := newTestBridge(t, tr).Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoActiveTab)
}

func TestBridgeExtractionFails(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{readErr: assert.AnError}
	tr := newTestRunner(t, sessions, nil, nil)

	_, err := newTestBridge(t, tr).Run(context.Background(), "cms-tab")
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, tr.tabs.URLs())
}

func TestBridgeVerificationFails(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{
		boxes: verifyPage(),
		values: map[string]string{
			"#extracted-name": "Tan Ah Kow",
			"#extracted-nric": "S1234567A",
		},
	}
	tr := newTestRunner(t, sessions, &fakeTabs{failOn: "fullerton"}, nil)

	_, err := newTestBridge(t, tr).Run(context.Background(), "cms-tab")
	require.ErrorContains(t, err, strategy.TPAParallel1ID)

	// the other verification still ran to the end
	assert.Equal(t, []string{"http://mock.test/mocks/tpa_da_flow.html"}, tr.tabs.URLs())
	texts := sessions.Texts()
	require.Len(t, texts, 1)
	assert.Equal(t, "S1234567A", texts[0].text)
	assert.Len(t, sessions.Clicks(), 2)

	var completed int
	for _, ev := range tr.drain() {
		if ev.Kind == KindStrategyComplete && ev.StrategyID == strategy.TPAParallel2ID {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}
