package domains

import (
	"context"
	"fmt"
	"math"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// Page exposes the CDP Page domain actions.
type Page interface {
	Enable(context.Context) error
	Navigate(ctx context.Context, url string) (loaderID string, err error)
	CaptureScreenshot(ctx context.Context, fullPage bool) ([]byte, error)
	VisualViewport(ctx context.Context) (*cdpp.VisualViewport, error)
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

func (p *page) Navigate(ctx context.Context, url string) (string, error) {
	action := cdpp.Navigate(url)

	_, loaderID, errorText, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return "", fmt.Errorf("navigating to %q: %s", url, errorText)
	}

	return loaderID.String(), nil
}

// CaptureScreenshot captures a PNG of the viewport, or of the whole
// document when fullPage is set.
func (p *page) CaptureScreenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	action := cdpp.CaptureScreenshot().WithFormat(cdpp.CaptureScreenshotFormatPng)

	if fullPage {
		_, _, contentSize, _, _, cssContentSize, err := cdpp.GetLayoutMetrics().Do(cdp.WithExecutor(ctx, p.exec))
		if err != nil {
			return nil, fmt.Errorf("getting layout metrics: %w", err)
		}
		if cssContentSize != nil {
			contentSize = cssContentSize
		}
		if contentSize != nil {
			action = action.
				WithCaptureBeyondViewport(true).
				WithClip(&cdpp.Viewport{
					X:      contentSize.X,
					Y:      contentSize.Y,
					Width:  math.Ceil(contentSize.Width),
					Height: math.Ceil(contentSize.Height),
					Scale:  1,
				})
		}
	}

	buf, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}

	return buf, nil
}

// VisualViewport returns the visible part of the page in CSS pixels,
// including how far the document is scrolled.
func (p *page) VisualViewport(ctx context.Context) (*cdpp.VisualViewport, error) {
	_, _, _, _, cssVisualViewport, _, err := cdpp.GetLayoutMetrics().Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return nil, fmt.Errorf("getting layout metrics: %w", err)
	}
	if cssVisualViewport == nil {
		return &cdpp.VisualViewport{}, nil
	}
	return cssVisualViewport, nil
}
