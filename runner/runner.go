// Package runner executes strategies against browser tabs and composes
// them into the bridge flow.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/clinicflow/flowbridge/log"
	"github.com/clinicflow/flowbridge/metrics"
	"github.com/clinicflow/flowbridge/storage"
	"github.com/clinicflow/flowbridge/strategy"
	"github.com/clinicflow/flowbridge/trace"
	"github.com/clinicflow/flowbridge/vision"
)

const (
	// DefaultSettleDelay is the pause between two steps.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultWait is how long a WAIT step without a timeout waits.
	DefaultWait = time.Second
	// DefaultDescription describes a CLICK target to the vision locator
	// when the step doesn't.
	DefaultDescription = "target element"
)

// Sessions issues commands to attached tabs. *common.SessionManager
// implements it.
type Sessions interface {
	ClickAt(ctx context.Context, tabID target.ID, x, y float64) error
	InsertText(ctx context.Context, tabID target.ID, text string) error
	GetDocument(ctx context.Context, tabID target.ID) (*cdp.Node, error)
	QuerySelector(ctx context.Context, tabID target.ID, root cdp.NodeID, selector string) (cdp.NodeID, bool)
	GetBoxCenter(ctx context.Context, tabID target.ID, nodeID cdp.NodeID) (x, y float64, err error)
	CaptureScreenshot(ctx context.Context, tabID target.ID) ([]byte, error)
	ScrollOffset(ctx context.Context, tabID target.ID) (x, y float64, err error)
	GetInputValue(ctx context.Context, tabID target.ID, selector string) (string, error)
}

// Tabs creates and closes shadow tabs. *common.TabManager implements it.
type Tabs interface {
	CreateShadowTab(ctx context.Context, url string) (target.ID, error)
	CloseShadowTab(ctx context.Context, tabID target.ID) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithSettleDelay sets the pause between two steps.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Runner) { r.settleDelay = d }
}

// WithCloseShadowTabs makes a run close the shadow tabs it opened once it
// ends. By default they stay open.
func WithCloseShadowTabs(enabled bool) Option {
	return func(r *Runner) { r.closeTabs = enabled }
}

// WithScreenshotPersister keeps the screenshots taken for healing.
func WithScreenshotPersister(p storage.FilePersister) Option {
	return func(r *Runner) { r.persister = p }
}

// WithTracer sets the tracer for run and step spans.
func WithTracer(t *trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithMetrics sets where run, step and healing metrics are recorded.
func WithMetrics(m *metrics.CustomMetrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// Runner interprets strategies. A Runner has no per-run state, so one
// Runner can execute any number of strategies at once.
type Runner struct {
	sessions Sessions
	tabs     Tabs
	locator  vision.Locator
	events   *Emitter
	logger   *log.Logger

	settleDelay time.Duration
	closeTabs   bool
	persister   storage.FilePersister
	tracer      *trace.Tracer
	metrics     *metrics.CustomMetrics

	newRunID func() string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New returns a Runner driving tabs through sessions and tabs, healing
// clicks with locator and reporting progress to events.
func New(
	sessions Sessions, tabs Tabs, locator vision.Locator, events *Emitter, logger *log.Logger, opts ...Option,
) *Runner {
	r := &Runner{
		sessions:    sessions,
		tabs:        tabs,
		locator:     locator,
		events:      events,
		logger:      logger,
		settleDelay: DefaultSettleDelay,
		persister:   storage.NopPersister{},
		tracer:      trace.NewNoopTracer(),
		newRunID:    uuid.NewString,
		now:         time.Now,
		sleep:       sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the emitter runs report to.
func (r *Runner) Events() *Emitter { return r.events }

// Execute runs the steps of s in order, starting on tabID, which may be
// empty when the strategy opens its own tab. Vars start as a copy of input
// and collect every READ; they are returned when all steps succeed.
func (r *Runner) Execute(
	ctx context.Context, s strategy.Strategy, input strategy.Vars, tabID target.ID,
) (_ strategy.Vars, err error) {
	rn := &run{
		Runner:   r,
		id:       r.newRunID(),
		strategy: s,
		tab:      tabID,
		vars:     input.Clone(),
	}

	start := r.now()
	ctx, span := r.tracer.TraceRun(ctx, s.ID, rn.id)
	defer func() {
		trace.End(span, err)
		r.metrics.ObserveRun(s.ID, r.now().Sub(start), err)
	}()
	if r.closeTabs {
		defer rn.closeShadowTabs(ctx)
	}

	r.logger.Infof("Runner:Execute", "rid:%s strategy:%q tid:%v starting", rn.id, s.ID, tabID)
	rn.emit(KindStrategyStart, "", "Starting Strategy: "+s.Name, StatusPending)

	for i, step := range s.Steps {
		if i > 0 {
			if err := r.sleep(ctx, r.settleDelay); err != nil {
				return nil, rn.fail(step.ID, err)
			}
		}
		if err := rn.step(ctx, step); err != nil {
			return nil, rn.fail(step.ID, err)
		}
	}

	r.logger.Infof("Runner:Execute", "rid:%s strategy:%q finished", rn.id, s.ID)
	rn.emit(KindStrategyComplete, "", "Strategy Execution Finished: "+s.Name, StatusSuccess)

	return rn.vars, nil
}

// run is the state of one Execute call.
type run struct {
	*Runner

	id       string
	strategy strategy.Strategy
	tab      target.ID
	vars     strategy.Vars
	shadows  []target.ID
}

func (rn *run) emit(kind Kind, stepID, msg string, status Status) {
	rn.events.Emit(Event{
		Kind:       kind,
		RunID:      rn.id,
		StrategyID: rn.strategy.ID,
		StepID:     stepID,
		Message:    msg,
		Status:     status,
		Timestamp:  rn.now(),
	})
}

func (rn *run) fail(stepID string, err error) error {
	rn.logger.Errorf("Runner:Execute", "rid:%s strategy:%q step:%q err:%v", rn.id, rn.strategy.ID, stepID, err)
	rn.emit(KindError, stepID, "Strategy Failed: "+err.Error(), StatusError)
	return err
}

func (rn *run) step(ctx context.Context, step strategy.Step) (err error) {
	ctx, span := rn.tracer.TraceStep(ctx, step.ID, string(step.Action))
	defer func() {
		trace.End(span, err)
		rn.metrics.ObserveStep(string(step.Action), err)
	}()

	p := step.Params
	if p.Text.Valid {
		p.Text.String = strategy.Substitute(p.Text.String, rn.vars)
	}

	rn.emit(KindStepStart, step.ID, fmt.Sprintf("Executing %s (%s)", step.ID, step.Action), StatusPending)

	switch step.Action {
	case strategy.ActionGoto:
		err = rn.goTo(ctx, step, p)
	case strategy.ActionRead:
		err = rn.read(ctx, step, p)
	case strategy.ActionClick:
		err = rn.click(ctx, step, p)
	case strategy.ActionType:
		err = rn.typeText(ctx, step, p)
	case strategy.ActionWait:
		err = rn.wait(ctx, p)
	default:
		rn.logger.Warnf("Runner:step", "rid:%s step:%q unknown action %q, skipping", rn.id, step.ID, step.Action)
	}
	if err != nil {
		return err
	}

	rn.emit(KindStepComplete, step.ID, "Completed "+step.ID, StatusSuccess)

	return nil
}

func (rn *run) goTo(ctx context.Context, step strategy.Step, p strategy.Params) error {
	if p.URL.String == "" {
		return invalid(step, "GOTO missing URL")
	}
	tabID, err := rn.tabs.CreateShadowTab(ctx, p.URL.String)
	if err != nil {
		return err //nolint:wrapcheck
	}
	rn.tab = tabID
	rn.shadows = append(rn.shadows, tabID)

	return nil
}

func (rn *run) read(ctx context.Context, step strategy.Step, p strategy.Params) error {
	if rn.tab == "" {
		return invalid(step, "No active tab for READ")
	}
	if p.Selector.String == "" {
		return invalid(step, "READ missing selector")
	}
	val, err := rn.sessions.GetInputValue(ctx, rn.tab, p.Selector.String)
	if err != nil {
		return err //nolint:wrapcheck
	}
	key := step.ReadKey()
	rn.vars[key] = val
	rn.emit(KindStepComplete, step.ID, fmt.Sprintf("Extracted %s: %q", key, val), StatusSuccess)

	return nil
}

func (rn *run) typeText(ctx context.Context, step strategy.Step, p strategy.Params) error {
	if rn.tab == "" {
		return invalid(step, "No active tab for TYPE")
	}
	if !p.Text.Valid {
		return invalid(step, "TYPE missing text")
	}
	return rn.sessions.InsertText(ctx, rn.tab, p.Text.String) //nolint:wrapcheck
}

func (rn *run) wait(ctx context.Context, p strategy.Params) error {
	d := DefaultWait
	if p.Timeout.Int64 > 0 {
		d = time.Duration(p.Timeout.Int64) * time.Millisecond
	}
	return rn.sleep(ctx, d)
}

func (rn *run) closeShadowTabs(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range rn.shadows {
		if err := rn.tabs.CloseShadowTab(ctx, id); err != nil {
			rn.logger.Warnf("Runner:closeShadowTabs", "rid:%s tid:%v err:%v", rn.id, id, err)
		}
	}
}

func invalid(step strategy.Step, reason string) error {
	return &StepValidationError{StepID: step.ID, Action: string(step.Action), Reason: reason}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
