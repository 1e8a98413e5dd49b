package domains

import (
	"context"
	"fmt"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
)

// Browser exposes the CDP Browser domain actions.
type Browser interface {
	Close(ctx context.Context) error
	GetVersion(ctx context.Context) (Version, error)
}

// Version describes the browser at the other end of the connection.
type Version struct {
	ProtocolVersion string
	Product         string
	Revision        string
	UserAgent       string
	JSVersion       string
}

var _ Browser = &browser{}

type browser struct {
	exec cdp.Executor
}

// NewBrowser returns a new CDP Browser domain wrapper.
func NewBrowser(exec cdp.Executor) Browser {
	return &browser{exec}
}

func (b *browser) Close(ctx context.Context) error {
	action := cdpb.Close()
	return action.Do(cdp.WithExecutor(ctx, b.exec))
}

func (b *browser) GetVersion(ctx context.Context) (Version, error) {
	action := cdpb.GetVersion()
	proto, product, rev, ua, js, err := action.Do(cdp.WithExecutor(ctx, b.exec))
	if err != nil {
		return Version{}, fmt.Errorf("getting browser version: %w", err)
	}
	return Version{
		ProtocolVersion: proto,
		Product:         product,
		Revision:        rev,
		UserAgent:       ua,
		JSVersion:       js,
	}, nil
}
