package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinicflow/flowbridge/common"
	"github.com/clinicflow/flowbridge/config"
	"github.com/clinicflow/flowbridge/metrics"
	"github.com/clinicflow/flowbridge/otel"
	"github.com/clinicflow/flowbridge/runner"
	"github.com/clinicflow/flowbridge/storage"
	"github.com/clinicflow/flowbridge/strategy"
	"github.com/clinicflow/flowbridge/trace"
	"github.com/clinicflow/flowbridge/vision"
)

// stack is everything a command needs to run strategies.
type stack struct {
	browser  *common.Browser
	catalog  *strategy.Catalog
	events   *runner.Emitter
	runner   *runner.Runner
	bridge   *runner.Bridge
	env      strategy.Environment
	metrics  *metrics.CustomMetrics
	registry *prometheus.Registry
	traces   otel.TraceProvider
}

func (a *app) loadCatalog() (*strategy.Catalog, error) {
	catalog, err := strategy.Builtin()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if dir := a.cfg.Runner.StrategiesDir; dir != "" {
		if err := catalog.LoadDir(dir); err != nil {
			return nil, err //nolint:wrapcheck
		}
	}
	return catalog, nil
}

func (a *app) newLocator(ctx context.Context) (vision.Locator, error) {
	switch a.cfg.Vision.Backend {
	case config.VisionGemini:
		return vision.NewGemini(ctx, vision.GeminiOptions{ //nolint:wrapcheck
			APIKey:    a.cfg.Vision.GeminiKey,
			Model:     a.cfg.Vision.GeminiModel,
			RateLimit: a.cfg.Vision.RateLimit,
		}, a.logger)
	default:
		return vision.NewSimulated(a.logger), nil
	}
}

func (a *app) newTraceProvider(ctx context.Context) (otel.TraceProvider, error) {
	if a.cfg.Traces.Endpoint == "" {
		return otel.NewNoopTraceProvider(), nil
	}
	return otel.NewTraceProvider(ctx, a.cfg.Traces.Proto, a.cfg.Traces.Endpoint, a.cfg.Traces.Insecure) //nolint:wrapcheck
}

// newStack connects to the browser and wires the runner and the bridge.
func (a *app) newStack(ctx context.Context) (_ *stack, err error) {
	s := &stack{
		env:      strategy.Environment{BaseURL: a.cfg.Runner.MockBaseURL},
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			s.close(ctx)
		}
	}()

	if s.catalog, err = a.loadCatalog(); err != nil {
		return nil, err
	}
	locator, err := a.newLocator(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating vision locator: %w", err)
	}
	if s.traces, err = a.newTraceProvider(ctx); err != nil {
		return nil, fmt.Errorf("creating trace provider: %w", err)
	}
	s.metrics = metrics.RegisterCustomMetrics(s.registry)

	s.browser, err = common.NewBrowser(ctx, common.BrowserOptions{
		DebuggerURL:    a.cfg.Browser.DebuggerURL,
		CommandTimeout: a.cfg.Runner.CommandTimeout,
		Launch: common.LaunchOptions{
			ExecutablePath: a.cfg.Browser.ExecutablePath,
			Headless:       a.cfg.Browser.Headless,
		},
	}, a.logger)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	var persister storage.FilePersister = storage.NopPersister{}
	if dir := a.cfg.Runner.ScreenshotDir; dir != "" {
		persister = &storage.LocalFilePersister{BaseDir: dir}
	}

	s.events = runner.NewEmitter(0, a.logger)
	s.runner = runner.New(
		s.browser.Sessions(), s.browser.Tabs(), locator, s.events, a.logger,
		runner.WithSettleDelay(a.cfg.Runner.SettleDelay),
		runner.WithCloseShadowTabs(a.cfg.Runner.CloseShadowTabs),
		runner.WithScreenshotPersister(persister),
		runner.WithTracer(trace.NewTracer(a.logger.Logger, s.traces, nil)),
		runner.WithMetrics(s.metrics),
	)
	s.bridge = runner.NewBridge(s.runner, s.catalog, runner.DefaultBridgeOptions(s.env), a.logger)

	return s, nil
}

func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.traces != nil {
		errs = append(errs, s.traces.Shutdown(context.WithoutCancel(ctx)))
	}
	return errors.Join(errs...)
}
