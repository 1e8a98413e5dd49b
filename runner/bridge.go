package runner

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"golang.org/x/sync/errgroup"

	"github.com/clinicflow/flowbridge/log"
	"github.com/clinicflow/flowbridge/metrics"
	"github.com/clinicflow/flowbridge/strategy"
	"github.com/clinicflow/flowbridge/trace"
)

// DefaultRequiredFields are the vars the built-in extraction must produce.
var DefaultRequiredFields = []string{"name", "nric"}

// BridgeOptions picks the strategies a Bridge composes.
type BridgeOptions struct {
	// Extract runs first, on the caller's tab.
	Extract string
	// Verify run concurrently afterwards, seeded with what Extract read.
	Verify []string
	// Required are the vars Extract must produce, non-empty.
	Required []string
	// Env resolves placeholder URLs in the Verify strategies.
	Env strategy.Environment
}

// DefaultBridgeOptions composes the built-in extraction and verification
// strategies.
func DefaultBridgeOptions(env strategy.Environment) BridgeOptions {
	return BridgeOptions{
		Extract:  strategy.ExtractCMSID,
		Verify:   []string{strategy.TPAParallel1ID, strategy.TPAParallel2ID},
		Required: DefaultRequiredFields,
		Env:      env,
	}
}

// Bridge runs an extraction strategy on the tab the user is looking at,
// then the verification strategies in parallel on shadow tabs.
type Bridge struct {
	runner  *Runner
	catalog *strategy.Catalog
	opts    BridgeOptions
	logger  *log.Logger
	metrics *metrics.CustomMetrics
}

// NewBridge returns a Bridge running catalog strategies with r.
func NewBridge(r *Runner, catalog *strategy.Catalog, opts BridgeOptions, logger *log.Logger) *Bridge {
	return &Bridge{
		runner:  r,
		catalog: catalog,
		opts:    opts,
		logger:  logger,
		metrics: r.metrics,
	}
}

// Run extracts from activeTab and verifies the result. It returns the
// extracted vars. The verification runs don't cancel each other: both run
// to completion and the first error, if any, is returned.
func (b *Bridge) Run(ctx context.Context, activeTab target.ID) (_ strategy.Vars, err error) {
	ctx, span := b.runner.tracer.TraceBridge(ctx, string(activeTab))
	defer func() {
		trace.End(span, err)
		b.metrics.ObserveBridge(err)
		if err != nil {
			b.logger.Errorf("Bridge:Run", "tid:%v err:%v", activeTab, err)
			b.runner.events.Emit(Event{
				Kind:      KindError,
				RunID:     b.runner.newRunID(),
				Message:   "Bridge Failed: " + err.Error(),
				Status:    StatusError,
				Timestamp: b.runner.now(),
			})
		}
	}()

	if activeTab == "" {
		return nil, ErrNoActiveTab
	}

	extract, err := b.catalog.Get(b.opts.Extract)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	verify := make([]strategy.Strategy, 0, len(b.opts.Verify))
	for _, id := range b.opts.Verify {
		s, err := b.catalog.Get(id)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		verify = append(verify, strategy.Resolve(s, b.opts.Env))
	}

	b.logger.Infof("Bridge:Run", "tid:%v extracting with %q", activeTab, extract.ID)
	extracted, err := b.runner.Execute(ctx, extract, nil, activeTab)
	if err != nil {
		return nil, fmt.Errorf("extracting: %w", err)
	}
	if missing := missingFields(extracted, b.opts.Required); len(missing) > 0 {
		return nil, &MissingExtractedFieldError{Fields: missing}
	}

	b.logger.Infof("Bridge:Run", "tid:%v verifying with %d strategies", activeTab, len(verify))
	var g errgroup.Group
	for _, s := range verify {
		s := s
		g.Go(func() error {
			if _, err := b.runner.Execute(ctx, s, extracted, ""); err != nil {
				return fmt.Errorf("verifying with %q: %w", s.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	return extracted, nil
}

func missingFields(vars strategy.Vars, required []string) []string {
	var missing []string
	for _, f := range required {
		if vars[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
