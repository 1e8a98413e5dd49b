package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpi "github.com/chromedp/cdproto/input"
)

// Input exposes the CDP Input domain actions.
type Input interface {
	Click(ctx context.Context, x, y float64) error
	InsertText(ctx context.Context, text string) error
}

var _ Input = &input{}

type input struct {
	exec cdp.Executor
}

// NewInput returns a new CDP Input domain wrapper.
func NewInput(exec cdp.Executor) Input {
	return &input{exec}
}

// Click dispatches a left button press followed by a release at x,y.
func (i *input) Click(ctx context.Context, x, y float64) error {
	for _, typ := range []cdpi.MouseType{cdpi.MousePressed, cdpi.MouseReleased} {
		action := cdpi.DispatchMouseEvent(typ, x, y).
			WithButton(cdpi.Left).
			WithClickCount(1)
		if err := action.Do(cdp.WithExecutor(ctx, i.exec)); err != nil {
			return fmt.Errorf("dispatching %s at (%v,%v): %w", typ, x, y, err)
		}
	}
	return nil
}

// InsertText inserts a text without dispatching key events.
func (i *input) InsertText(ctx context.Context, text string) error {
	action := cdpi.InsertText(text)
	if err := action.Do(cdp.WithExecutor(ctx, i.exec)); err != nil {
		return fmt.Errorf("inserting text: %w", err)
	}
	return nil
}
