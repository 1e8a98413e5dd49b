package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/clinicflow/flowbridge/metrics"
	"github.com/clinicflow/flowbridge/storage"
	"github.com/clinicflow/flowbridge/strategy"
	"github.com/clinicflow/flowbridge/vision"
)

func oneStep(step strategy.Step) strategy.Strategy {
	return strategy.Strategy{ID: "one", Name: "One", Steps: []strategy.Step{step}}
}

func TestExecuteEventOrder(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	out, err := tr.Execute(context.Background(), oneStep(strategy.Step{
		ID: "pause", Action: strategy.ActionWait, Params: strategy.Params{Timeout: null.IntFrom(10)},
	}), nil, "")
	require.NoError(t, err)
	assert.Empty(t, out)

	evs := tr.drain()
	assert.Equal(t, []Kind{KindStrategyStart, KindStepStart, KindStepComplete, KindStrategyComplete}, kinds(evs))
	for i := 1; i < len(evs); i++ {
		assert.False(t, evs[i].Timestamp.Before(evs[i-1].Timestamp), "timestamps must not decrease")
	}
	assert.Equal(t, "Starting Strategy: One", evs[0].Message)
	assert.Equal(t, StatusPending, evs[0].Status)
	assert.Equal(t, "Executing pause (WAIT)", evs[1].Message)
	assert.Equal(t, "pause", evs[2].StepID)
	assert.Equal(t, "Strategy Execution Finished: One", evs[3].Message)
	assert.Equal(t, StatusSuccess, evs[3].Status)
	for _, ev := range evs {
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "one", ev.StrategyID)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, tr.sleeps.Sleeps(), "no settle delay after the last step")
}

func TestExecuteEndToEnd(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{boxes: map[string]vision.Point{"#login": {X: 120, Y: 48}}}
	tr := newTestRunner(t, sessions, nil, nil)

	s := strategy.Strategy{
		ID:   "login",
		Name: "Login",
		Steps: []strategy.Step{
			{ID: "open", Action: strategy.ActionGoto, Params: strategy.Params{URL: null.StringFrom("http://mock/tpa.html")}},
			{ID: "wait-load", Action: strategy.ActionWait, Params: strategy.Params{Timeout: null.IntFrom(1000)}},
			{ID: "click-login", Action: strategy.ActionClick, Params: strategy.Params{Selector: null.StringFrom("#login")}},
			{ID: "wait-login", Action: strategy.ActionWait, Params: strategy.Params{Timeout: null.IntFrom(500)}},
			{ID: "type-code", Action: strategy.ActionType, Params: strategy.Params{Text: null.StringFrom("CODE-1")}},
		},
	}
	input := strategy.Vars{"nric": "S1234567A"}

	out, err := tr.Execute(context.Background(), s, input, "")
	require.NoError(t, err)
	assert.Equal(t, input, out)

	evs := tr.drain()
	require.Len(t, evs, 12)
	assert.Equal(t, KindStrategyStart, evs[0].Kind)
	assert.Equal(t, KindStrategyComplete, evs[11].Kind)
	for i := 0; i < 5; i++ {
		assert.Equal(t, KindStepStart, evs[1+2*i].Kind)
		assert.Equal(t, KindStepComplete, evs[2+2*i].Kind)
		assert.Equal(t, s.Steps[i].ID, evs[1+2*i].StepID)
	}

	assert.Equal(t, []clicked{{"shadow-1", 120, 48}}, sessions.Clicks())
	assert.Equal(t, []typed{{"shadow-1", "CODE-1"}}, sessions.Texts())
	assert.Equal(t, []string{"http://mock/tpa.html"}, tr.tabs.URLs())
	assert.Empty(t, tr.locator.Calls())

	settle := DefaultSettleDelay
	assert.Equal(t, []time.Duration{
		settle, time.Second, settle, settle, 500 * time.Millisecond, settle,
	}, tr.sleeps.Sleeps())
	assert.Empty(t, tr.tabs.Closed(), "shadow tabs stay open by default")
}

func TestExecuteClickResolution(t *testing.T) {
	t.Parallel()

	visionErr := errors.New("model unavailable")

	tests := []struct {
		name     string
		params   strategy.Params
		sessions *fakeSessions
		locator  *fakeLocator

		wantClick    *clicked
		wantDescs    []string
		wantHealing  bool
		wantErr      bool
		assertErr    func(t *testing.T, err error)
		wantNoLookup bool
	}{
		{
			name:      "selector_resolves",
			params:    strategy.Params{Selector: null.StringFrom("#login"), Description: null.StringFrom("Login Button")},
			sessions:  &fakeSessions{boxes: map[string]vision.Point{"#login": {X: 10, Y: 20}}},
			locator:   &fakeLocator{pt: vision.Point{X: 1, Y: 1}, found: true},
			wantClick: &clicked{"tab-1", 10, 20},
		},
		{
			name:        "selector_missing_vision_heals",
			params:      strategy.Params{Selector: null.StringFrom("#non-existent-id"), Description: null.StringFrom("Login Button")},
			sessions:    &fakeSessions{},
			locator:     &fakeLocator{pt: vision.Point{X: 220, Y: 350}, found: true},
			wantClick:   &clicked{"tab-1", 220, 350},
			wantDescs:   []string{"Login Button"},
			wantHealing: true,
		},
		{
			name:        "healed_point_on_scrolled_page",
			params:      strategy.Params{Selector: null.StringFrom("#gone"), Description: null.StringFrom("Verify Button")},
			sessions:    &fakeSessions{scroll: vision.Point{X: 0, Y: 1200}},
			locator:     &fakeLocator{pt: vision.Point{X: 400, Y: 1500}, found: true},
			wantClick:   &clicked{"tab-1", 400, 300},
			wantDescs:   []string{"Verify Button"},
			wantHealing: true,
		},
		{
			name:        "document_error_heals",
			params:      strategy.Params{Selector: null.StringFrom("#login")},
			sessions:    &fakeSessions{docErr: errors.New("no document")},
			locator:     &fakeLocator{pt: vision.Point{X: 5, Y: 6}, found: true},
			wantClick:   &clicked{"tab-1", 5, 6},
			wantDescs:   []string{DefaultDescription},
			wantHealing: true,
		},
		{
			name:      "selector_missing_vision_finds_nothing",
			params:    strategy.Params{Selector: null.StringFrom("#gone"), Description: null.StringFrom("Search")},
			sessions:  &fakeSessions{},
			locator:   &fakeLocator{},
			wantDescs: []string{"Search"},
			wantErr:   true,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				var hfe *HealingFailedError
				require.ErrorAs(t, err, &hfe)
				assert.Nil(t, hfe.Vision)
				var snf *SelectorNotFoundError
				require.ErrorAs(t, err, &snf)
				assert.Equal(t, "#gone", snf.Selector)
				assert.Contains(t, err.Error(), "CLICK missing coordinates and healing failed")
			},
		},
		{
			name:      "vision_error",
			params:    strategy.Params{Selector: null.StringFrom("#gone")},
			sessions:  &fakeSessions{},
			locator:   &fakeLocator{err: visionErr},
			wantDescs: []string{DefaultDescription},
			wantErr:   true,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				assert.ErrorIs(t, err, visionErr)
			},
		},
		{
			name:     "screenshot_error",
			params:   strategy.Params{Selector: null.StringFrom("#gone")},
			sessions: &fakeSessions{shotErr: errors.New("capture failed")},
			locator:  &fakeLocator{found: true},
			wantErr:  true,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				var hfe *HealingFailedError
				require.ErrorAs(t, err, &hfe)
				assert.ErrorContains(t, hfe.Vision, "capture failed")
			},
		},
		{
			name: "healing_fails_literal_fallback",
			params: strategy.Params{
				Selector: null.StringFrom("#gone"), X: null.FloatFrom(7), Y: null.FloatFrom(8),
			},
			sessions:  &fakeSessions{},
			locator:   &fakeLocator{},
			wantClick: &clicked{"tab-1", 7, 8},
			wantDescs: []string{DefaultDescription},
		},
		{
			name:         "literal_only",
			params:       strategy.Params{X: null.FloatFrom(220), Y: null.FloatFrom(350)},
			sessions:     &fakeSessions{},
			locator:      &fakeLocator{found: true},
			wantClick:    &clicked{"tab-1", 220, 350},
			wantNoLookup: true,
		},
		{
			name:         "literal_zero_is_a_coordinate",
			params:       strategy.Params{X: null.FloatFrom(0), Y: null.FloatFrom(0)},
			sessions:     &fakeSessions{},
			locator:      &fakeLocator{},
			wantClick:    &clicked{"tab-1", 0, 0},
			wantNoLookup: true,
		},
		{
			name:         "nothing_to_click",
			params:       strategy.Params{Description: null.StringFrom("Login")},
			sessions:     &fakeSessions{},
			locator:      &fakeLocator{found: true},
			wantErr:      true,
			wantNoLookup: true,
			assertErr: func(t *testing.T, err error) {
				t.Helper()
				var sve *StepValidationError
				require.ErrorAs(t, err, &sve)
				assert.Equal(t, "CLICK", sve.Action)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newTestRunner(t, tt.sessions, nil, tt.locator)
			_, err := tr.Execute(context.Background(), oneStep(strategy.Step{
				ID: "click", Action: strategy.ActionClick, Params: tt.params,
			}), nil, "tab-1")

			if tt.wantErr {
				require.Error(t, err)
				if tt.assertErr != nil {
					tt.assertErr(t, err)
				}
				assert.Empty(t, tt.sessions.Clicks())
				evs := tr.drain()
				last := evs[len(evs)-1]
				assert.Equal(t, KindError, last.Kind)
				assert.Equal(t, "Strategy Failed: "+err.Error(), last.Message)
			} else {
				require.NoError(t, err)
				assert.Equal(t, []clicked{*tt.wantClick}, tt.sessions.Clicks())
			}

			assert.Equal(t, tt.wantDescs, tt.locator.Calls())
			if tt.wantNoLookup {
				assert.Zero(t, tt.sessions.Docs())
			}

			if tt.wantHealing {
				evs := tr.drain()
				assert.Equal(t, []Kind{
					KindStrategyStart, KindStepStart,
					KindStepStart, KindStepStart, KindStepComplete,
					KindStepComplete, KindStrategyComplete,
				}, kinds(evs))
				assert.Equal(t, StatusError, evs[2].Status)
				assert.Equal(t, "Selector failed. Initiating healing", evs[2].Message)
				assert.Equal(t, fmt.Sprintf("Analyzing visual target: %q", tt.wantDescs[0]), evs[3].Message)
				assert.Equal(t, StatusSuccess, evs[4].Status)
				assert.Equal(t, fmt.Sprintf("Found target at (%v, %v)", tt.wantClick.x, tt.wantClick.y), evs[4].Message)
			}
		})
	}
}

func TestExecuteReadMerge(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{values: map[string]string{
		"#extracted-name": "Tan Ah Kow",
		"#extracted-nric": "S1234567A",
	}}
	tr := newTestRunner(t, sessions, nil, nil)

	s := strategy.Strategy{ID: "extract", Steps: []strategy.Step{
		{ID: "read-name", Action: strategy.ActionRead, Params: strategy.Params{Selector: null.StringFrom("#extracted-name")}},
		{ID: "read-nric", Action: strategy.ActionRead, Params: strategy.Params{Selector: null.StringFrom("#extracted-nric")}},
	}}
	input := strategy.Vars{"clinic": "C1"}

	out, err := tr.Execute(context.Background(), s, input, "cms-tab")
	require.NoError(t, err)
	assert.Equal(t, strategy.Vars{"clinic": "C1", "name": "Tan Ah Kow", "nric": "S1234567A"}, out)
	assert.Equal(t, strategy.Vars{"clinic": "C1"}, input, "input is not modified")

	evs := tr.drain()
	assert.Equal(t, []Kind{
		KindStrategyStart,
		KindStepStart, KindStepComplete, KindStepComplete,
		KindStepStart, KindStepComplete, KindStepComplete,
		KindStrategyComplete,
	}, kinds(evs))
	assert.Equal(t, `Extracted nric: "S1234567A"`, evs[5].Message)
	assert.Equal(t, "Completed read-nric", evs[6].Message)
}

func TestExecuteReadMissingElement(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{values: map[string]string{"#extracted-name": "Tan Ah Kow"}}
	tr := newTestRunner(t, sessions, nil, nil)

	s := strategy.Strategy{ID: "extract", Steps: []strategy.Step{
		{ID: "read-nric", Action: strategy.ActionRead, Params: strategy.Params{Selector: null.StringFrom("#does-not-exist")}},
		{ID: "type-nric", Action: strategy.ActionType, Params: strategy.Params{Text: null.StringFrom("{{nric}}")}},
	}}

	out, err := tr.Execute(context.Background(), s, nil, "cms-tab")
	require.EqualError(t, err, "Element #does-not-exist not found")
	assert.Nil(t, out)
	assert.Empty(t, sessions.Texts(), "nothing is typed after a failed READ")

	evs := tr.drain()
	last := evs[len(evs)-1]
	assert.Equal(t, KindError, last.Kind)
	assert.Equal(t, "read-nric", last.StepID)
	assert.Equal(t, "Strategy Failed: Element #does-not-exist not found", last.Message)
}

func TestExecuteSubstitution(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	_, err := tr.Execute(context.Background(), oneStep(strategy.Step{
		ID: "type", Action: strategy.ActionType, Params: strategy.Params{Text: null.StringFrom("ID:{{nric}}-{{missing}}")},
	}), strategy.Vars{"nric": "S1234567A"}, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, []typed{{"tab-1", "ID:S1234567A-{{missing}}"}}, tr.sessions.Texts())
}

func TestExecuteParallelIsolation(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	s := strategy.Strategy{ID: "verify", Steps: []strategy.Step{
		{ID: "open", Action: strategy.ActionGoto, Params: strategy.Params{URL: null.StringFrom("http://mock/tpa.html")}},
		{ID: "type", Action: strategy.ActionType, Params: strategy.Params{Text: null.StringFrom("ID:{{nric}}")}},
	}}

	const runs = 8
	var wg sync.WaitGroup
	outs := make([]strategy.Vars, runs)
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = tr.Execute(context.Background(), s, strategy.Vars{"nric": fmt.Sprintf("S%d", i)}, "")
		}()
	}
	wg.Wait()

	var want, got []string
	byTab := make(map[target.ID]int)
	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("S%d", i), outs[i]["nric"])
		want = append(want, fmt.Sprintf("ID:S%d", i))
	}
	for _, ty := range tr.sessions.Texts() {
		got = append(got, ty.text)
		byTab[ty.tab]++
	}
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)
	assert.Len(t, byTab, runs, "every run types into its own tab")
	assert.Equal(t, "ID:{{nric}}", s.Steps[1].Params.Text.String, "the strategy is not modified")
}

func TestExecuteValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		step   strategy.Step
		tab    target.ID
		reason string
	}{
		{
			name:   "goto_missing_url",
			step:   strategy.Step{ID: "s", Action: strategy.ActionGoto},
			reason: "GOTO missing URL",
		},
		{
			name:   "read_without_tab",
			step:   strategy.Step{ID: "s", Action: strategy.ActionRead, Params: strategy.Params{Selector: null.StringFrom("#a")}},
			reason: "No active tab for READ",
		},
		{
			name:   "read_missing_selector",
			step:   strategy.Step{ID: "s", Action: strategy.ActionRead},
			tab:    "tab-1",
			reason: "READ missing selector",
		},
		{
			name:   "click_without_tab",
			step:   strategy.Step{ID: "s", Action: strategy.ActionClick, Params: strategy.Params{X: null.FloatFrom(1), Y: null.FloatFrom(1)}},
			reason: "No active tab for CLICK",
		},
		{
			name:   "type_without_tab",
			step:   strategy.Step{ID: "s", Action: strategy.ActionType, Params: strategy.Params{Text: null.StringFrom("x")}},
			reason: "No active tab for TYPE",
		},
		{
			name:   "type_missing_text",
			step:   strategy.Step{ID: "s", Action: strategy.ActionType},
			tab:    "tab-1",
			reason: "TYPE missing text",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newTestRunner(t, nil, nil, nil)
			out, err := tr.Execute(context.Background(), oneStep(tt.step), strategy.Vars{"a": "b"}, tt.tab)

			var sve *StepValidationError
			require.ErrorAs(t, err, &sve)
			assert.Equal(t, tt.reason, sve.Reason)
			assert.Equal(t, string(tt.step.Action), sve.Action)
			assert.Nil(t, out, "no partial output")

			evs := tr.drain()
			assert.Equal(t, []Kind{KindStrategyStart, KindStepStart, KindError}, kinds(evs))
			assert.Equal(t, StatusError, evs[2].Status)
		})
	}
}

func TestExecuteTypeEmptyText(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	_, err := tr.Execute(context.Background(), oneStep(strategy.Step{
		ID: "type", Action: strategy.ActionType, Params: strategy.Params{Text: null.StringFrom("")},
	}), nil, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, []typed{{"tab-1", ""}}, tr.sessions.Texts())
}

func TestExecuteStopsAtFirstError(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{clickErr: errors.New("Input.dispatchMouseEvent: boom")}
	tr := newTestRunner(t, sessions, nil, nil)

	s := strategy.Strategy{ID: "s", Steps: []strategy.Step{
		{ID: "click", Action: strategy.ActionClick, Params: strategy.Params{X: null.FloatFrom(1), Y: null.FloatFrom(2)}},
		{ID: "type", Action: strategy.ActionType, Params: strategy.Params{Text: null.StringFrom("never")}},
	}}
	_, err := tr.Execute(context.Background(), s, nil, "tab-1")
	require.ErrorContains(t, err, "boom")
	assert.Empty(t, sessions.Texts())
}

func TestExecuteUnknownAction(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	_, err := tr.Execute(context.Background(), oneStep(strategy.Step{ID: "hover", Action: "HOVER"}), nil, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindStrategyStart, KindStepStart, KindStepComplete, KindStrategyComplete}, kinds(tr.drain()))
}

func TestExecuteWaitDefault(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	s := strategy.Strategy{ID: "s", Steps: []strategy.Step{
		{ID: "unset", Action: strategy.ActionWait},
		{ID: "zero", Action: strategy.ActionWait, Params: strategy.Params{Timeout: null.IntFrom(0)}},
	}}
	_, err := tr.Execute(context.Background(), s, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, DefaultSettleDelay, time.Second}, tr.sleeps.Sleeps())
}

func TestExecuteCanceled(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, nil, nil)
	tr.sleep = sleep

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Execute(ctx, oneStep(strategy.Step{
		ID: "long", Action: strategy.ActionWait, Params: strategy.Params{Timeout: null.IntFrom(60_000)},
	}), nil, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteClosesShadowTabs(t *testing.T) {
	t.Parallel()

	tr := newTestRunner(t, nil, &fakeTabs{failOn: "second"}, nil, WithCloseShadowTabs(true))
	s := strategy.Strategy{ID: "s", Steps: []strategy.Step{
		{ID: "first", Action: strategy.ActionGoto, Params: strategy.Params{URL: null.StringFrom("http://mock/first")}},
		{ID: "second", Action: strategy.ActionGoto, Params: strategy.Params{URL: null.StringFrom("http://mock/second")}},
	}}
	_, err := tr.Execute(context.Background(), s, nil, "")
	require.Error(t, err)
	assert.Equal(t, []target.ID{"shadow-1"}, tr.tabs.Closed(), "tabs are closed even when the run fails")
}

func TestExecuteKeepsHealingScreenshots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	m := metrics.RegisterCustomMetrics(reg)

	tr := newTestRunner(t, nil, nil, &fakeLocator{pt: vision.Point{X: 1, Y: 2}, found: true},
		WithScreenshotPersister(&storage.LocalFilePersister{BaseDir: dir}),
		WithMetrics(m),
	)
	_, err := tr.Execute(context.Background(), oneStep(strategy.Step{
		ID: "click-login-broken", Action: strategy.ActionClick, Params: strategy.Params{Selector: null.StringFrom("#non-existent-id")},
	}), nil, "tab-1")
	require.NoError(t, err)

	assert.FileExists(t, dir+"/run-1/click-login-broken.png")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Healing.WithLabelValues(metrics.OutcomeHealed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrategyRuns.WithLabelValues("one", metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Steps.WithLabelValues("CLICK", metrics.OutcomeSuccess)))
}
