package runner

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/clinicflow/flowbridge/strategy"
	"github.com/clinicflow/flowbridge/vision"
)

// click resolves the step's target and clicks it. A selector is tried
// first, then the vision locator, then the literal coordinates.
func (rn *run) click(ctx context.Context, step strategy.Step, p strategy.Params) error {
	if rn.tab == "" {
		return invalid(step, "No active tab for CLICK")
	}
	pt, err := rn.clickTarget(ctx, step, p)
	if err != nil {
		return err
	}
	return rn.sessions.ClickAt(ctx, rn.tab, pt.X, pt.Y) //nolint:wrapcheck
}

func (rn *run) clickTarget(ctx context.Context, step strategy.Step, p strategy.Params) (vision.Point, error) {
	literal, hasLiteral := vision.Point{X: p.X.Float64, Y: p.Y.Float64}, p.X.Valid && p.Y.Valid

	if p.Selector.String == "" {
		if !hasLiteral {
			return vision.Point{}, invalid(step, "CLICK missing coordinates")
		}
		return literal, nil
	}

	pt, selErr := rn.locateSelector(ctx, p.Selector.String)
	if selErr == nil {
		rn.logger.Debugf("Runner:click", "rid:%s selector:%q resolved to (%v, %v)", rn.id, p.Selector.String, pt.X, pt.Y)
		return pt, nil
	}
	rn.logger.Warnf("Runner:click", "rid:%s step:%q selector failed: %v", rn.id, step.ID, selErr)

	pt, healErr := rn.heal(ctx, step, p, selErr)
	if healErr == nil {
		return pt, nil
	}
	if hasLiteral {
		rn.logger.Warnf("Runner:click", "rid:%s step:%q healing failed, using (%v, %v): %v",
			rn.id, step.ID, literal.X, literal.Y, healErr)
		return literal, nil
	}

	return vision.Point{}, healErr
}

func (rn *run) locateSelector(ctx context.Context, selector string) (vision.Point, error) {
	doc, err := rn.sessions.GetDocument(ctx, rn.tab)
	if err != nil {
		return vision.Point{}, &SelectorNotFoundError{Selector: selector, Err: err}
	}
	nodeID, ok := rn.sessions.QuerySelector(ctx, rn.tab, doc.NodeID, selector)
	if !ok {
		return vision.Point{}, &SelectorNotFoundError{Selector: selector}
	}
	x, y, err := rn.sessions.GetBoxCenter(ctx, rn.tab, nodeID)
	if err != nil {
		return vision.Point{}, &SelectorNotFoundError{Selector: selector, Err: err}
	}
	return vision.Point{X: x, Y: y}, nil
}

// heal asks the vision locator where the step's target is.
func (rn *run) heal(ctx context.Context, step strategy.Step, p strategy.Params, selErr error) (vision.Point, error) {
	desc := p.Description.String
	if desc == "" {
		desc = DefaultDescription
	}
	failed := func(visionErr error) error {
		return &HealingFailedError{StepID: step.ID, Description: desc, Selector: selErr, Vision: visionErr}
	}

	rn.emit(KindStepStart, step.ID, "Selector failed. Initiating healing", StatusError)

	shot, err := rn.sessions.CaptureScreenshot(ctx, rn.tab)
	if err != nil {
		rn.metrics.ObserveHealing(false)
		return vision.Point{}, failed(fmt.Errorf("capturing screenshot: %w", err))
	}
	rn.keepScreenshot(ctx, step, shot)

	rn.emit(KindStepStart, step.ID, fmt.Sprintf("Analyzing visual target: %q", desc), StatusPending)

	pt, found, err := rn.locator.Locate(ctx, desc, shot)
	rn.metrics.ObserveHealing(err == nil && found)
	switch {
	case err != nil:
		return vision.Point{}, failed(err)
	case !found:
		return vision.Point{}, failed(nil)
	}

	// The screenshot covers the whole document, clicks land in the viewport.
	sx, sy, err := rn.sessions.ScrollOffset(ctx, rn.tab)
	if err != nil {
		return vision.Point{}, failed(fmt.Errorf("reading scroll offset: %w", err))
	}
	pt.X, pt.Y = pt.X-sx, pt.Y-sy

	rn.logger.Infof("Runner:heal", "rid:%s step:%q %q found at (%v, %v)", rn.id, step.ID, desc, pt.X, pt.Y)
	rn.emit(KindStepComplete, step.ID, fmt.Sprintf("Found target at (%v, %v)", pt.X, pt.Y), StatusSuccess)

	return pt, nil
}

func (rn *run) keepScreenshot(ctx context.Context, step strategy.Step, shot []byte) {
	name := path.Join(rn.id, step.ID+".png")
	if err := rn.persister.Persist(ctx, name, bytes.NewReader(shot)); err != nil {
		rn.logger.Warnf("Runner:heal", "rid:%s keeping screenshot %q: %v", rn.id, name, err)
	}
}
