package domains

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpd "github.com/chromedp/cdproto/dom"
)

// ErrNodeNotFound is returned by QuerySelector when nothing matches.
var ErrNodeNotFound = errors.New("no node matches selector")

// DOM exposes the CDP DOM domain actions.
type DOM interface {
	GetDocument(ctx context.Context) (*cdp.Node, error)
	QuerySelector(ctx context.Context, nodeID cdp.NodeID, selector string) (cdp.NodeID, error)
	GetBoxModel(ctx context.Context, nodeID cdp.NodeID) (*cdpd.BoxModel, error)
}

var _ DOM = &dom{}

type dom struct {
	exec cdp.Executor
}

// NewDOM returns a new CDP DOM domain wrapper.
func NewDOM(exec cdp.Executor) DOM {
	return &dom{exec}
}

// GetDocument returns the root node with the whole tree pierced.
func (d *dom) GetDocument(ctx context.Context) (*cdp.Node, error) {
	action := cdpd.GetDocument().WithDepth(-1)
	root, err := action.Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return root, nil
}

func (d *dom) QuerySelector(ctx context.Context, nodeID cdp.NodeID, selector string) (cdp.NodeID, error) {
	action := cdpd.QuerySelector(nodeID, selector)
	id, err := action.Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return 0, fmt.Errorf("querying selector %q: %w", selector, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("querying selector %q: %w", selector, ErrNodeNotFound)
	}
	return id, nil
}

func (d *dom) GetBoxModel(ctx context.Context, nodeID cdp.NodeID) (*cdpd.BoxModel, error) {
	action := cdpd.GetBoxModel().WithNodeID(nodeID)
	model, err := action.Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return nil, fmt.Errorf("getting box model of node %d: %w", nodeID, err)
	}
	return model, nil
}
