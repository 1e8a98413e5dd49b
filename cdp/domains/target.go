package domains

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions.
type Target interface {
	AttachToTarget(ctx context.Context, id cdpt.ID) (cdpt.SessionID, error)
	CloseTarget(ctx context.Context, id cdpt.ID) error
	CreateTarget(ctx context.Context, url string, background bool) (cdpt.ID, error)
	DetachFromTarget(ctx context.Context, sid cdpt.SessionID) error
	GetTargets(ctx context.Context) ([]*cdpt.Info, error)
	SetDiscoverTargets(ctx context.Context, discover bool) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

// AttachToTarget attaches in flat mode, so the returned session ID routes
// commands over the browser connection.
func (t *target) AttachToTarget(ctx context.Context, id cdpt.ID) (cdpt.SessionID, error) {
	action := cdpt.AttachToTarget(id).WithFlatten(true)
	return action.Do(cdp.WithExecutor(ctx, t.exec))
}

func (t *target) CloseTarget(ctx context.Context, id cdpt.ID) error {
	action := cdpt.CloseTarget(id)
	return action.Do(cdp.WithExecutor(ctx, t.exec))
}

func (t *target) CreateTarget(ctx context.Context, url string, background bool) (cdpt.ID, error) {
	action := cdpt.CreateTarget(url).WithBackground(background)
	return action.Do(cdp.WithExecutor(ctx, t.exec))
}

func (t *target) DetachFromTarget(ctx context.Context, sid cdpt.SessionID) error {
	action := cdpt.DetachFromTarget().WithSessionID(sid)
	return action.Do(cdp.WithExecutor(ctx, t.exec))
}

func (t *target) GetTargets(ctx context.Context) ([]*cdpt.Info, error) {
	action := cdpt.GetTargets()
	return action.Do(cdp.WithExecutor(ctx, t.exec))
}

// SetDiscoverTargets turns on the targetCreated, targetInfoChanged and
// targetDestroyed events.
func (t *target) SetDiscoverTargets(ctx context.Context, discover bool) error {
	action := cdpt.SetDiscoverTargets(discover)
	return action.Do(cdp.WithExecutor(ctx, t.exec))
}
