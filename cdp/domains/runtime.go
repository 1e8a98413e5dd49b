package domains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
)

// Runtime exposes the CDP Runtime domain actions.
type Runtime interface {
	// Evaluate evaluates expr in the page and decodes its value into res,
	// which may be nil.
	Evaluate(ctx context.Context, expr string, res interface{}) error
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) Evaluate(ctx context.Context, expr string, res interface{}) error {
	action := cdpr.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(true)
	obj, exception, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return fmt.Errorf("evaluating expression: %w", err)
	}
	if exception != nil {
		return fmt.Errorf("evaluating expression: %w", exception)
	}
	if res == nil || obj == nil || len(obj.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(obj.Value, res); err != nil {
		return fmt.Errorf("decoding evaluation result: %w", err)
	}
	return nil
}
