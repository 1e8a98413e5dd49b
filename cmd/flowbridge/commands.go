package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"

	"github.com/clinicflow/flowbridge/cdp"
	"github.com/clinicflow/flowbridge/common"
	"github.com/clinicflow/flowbridge/control"
	"github.com/clinicflow/flowbridge/strategy"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control WebSocket, metrics and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			s, err := a.newStack(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.close(ctx)) }()

			if addr == "" {
				addr = a.cfg.ListenAddr
			}
			srv := control.NewServer(control.Options{
				Debugger:  s.browser.Sessions(),
				Runner:    s.runner,
				Bridge:    s.bridge,
				Catalog:   s.catalog,
				Env:       s.env,
				Events:    s.events,
				ActiveTab: s.browser.ActiveTab,
				Metrics:   s.metrics,
				Gatherer:  s.registry,
				Logger:    a.logger,
			})
			defer srv.Close()

			// stop serving when the browser goes away
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-s.browser.Done():
					a.logger.Warnf("serve", "browser connection lost")
					cancel()
				case <-ctx.Done():
				}
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "control server on ws://%s/ws\n", addr)
			return srv.ListenAndServe(ctx, addr) //nolint:wrapcheck
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from configuration)")

	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		input map[string]string
		tab   string
	)

	cmd := &cobra.Command{
		Use:   "run <strategy-id>",
		Short: "Execute one strategy and print what it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := a.newStack(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.close(ctx)) }()

			st, err := s.catalog.Get(args[0])
			if err != nil {
				return err //nolint:wrapcheck
			}
			if missing := unresolvedInputs(st, input); len(missing) > 0 {
				a.logger.Warnf("run", "no input for %v, typing placeholders as is", missing)
			}

			stop := printEvents(ctx, cmd.OutOrStdout(), s.events)
			out, runErr := s.runner.Execute(ctx, strategy.Resolve(st, s.env), input, target.ID(tab))
			stop()
			if runErr != nil {
				return runErr //nolint:wrapcheck
			}

			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringToStringVarP(&input, "input", "i", nil, "input variables, e.g. --input nric=S1234567A")
	cmd.Flags().StringVar(&tab, "tab", "", "tab to start on (default: the strategy opens its own)")

	return cmd
}

func newBridgeCmd(a *app) *cobra.Command {
	var tab string

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Extract patient data from a tab and verify it on the TPA portals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			s, err := a.newStack(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.close(ctx)) }()

			tabID := target.ID(tab)
			if tabID == "" {
				if tabID, err = s.browser.ActiveTab(ctx); err != nil {
					return fmt.Errorf("finding the tab to extract from: %w", err)
				}
			}

			stop := printEvents(ctx, cmd.OutOrStdout(), s.events)
			out, runErr := s.bridge.Run(ctx, tabID)
			stop()
			if runErr != nil {
				return runErr //nolint:wrapcheck
			}

			return writeJSON(cmd.OutOrStdout(), map[string]any{"extracted": out})
		},
	}
	cmd.Flags().StringVar(&tab, "tab", "", "tab showing the CMS page (default: the first open page)")

	return cmd
}

func newStrategiesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the known strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := a.loadCatalog()
			if err != nil {
				return err
			}
			printStrategies(cmd.OutOrStdout(), catalog.List())
			return nil
		},
	}
}

func newConsoleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Send raw protocol messages read from stdin and print the replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			wsURL := a.cfg.Browser.DebuggerURL
			if wsURL == "" {
				proc, err := common.LaunchBrowserProcess(ctx, common.LaunchOptions{
					ExecutablePath: a.cfg.Browser.ExecutablePath,
					Headless:       a.cfg.Browser.Headless,
				}, a.logger)
				if err != nil {
					return err //nolint:wrapcheck
				}
				defer proc.Terminate()
				wsURL = proc.WsURL()
			}

			out := cmd.OutOrStdout()
			printf := func(format string, args ...interface{}) {
				fmt.Fprintf(out, format+"\n", args...)
			}
			return cdp.Console(ctx, wsURL, os.Stdin, printf, a.logger) //nolint:wrapcheck
		},
	}
}

func unresolvedInputs(s strategy.Strategy, input map[string]string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, step := range s.Steps {
		if !step.Params.Text.Valid {
			continue
		}
		for _, k := range strategy.Unresolved(step.Params.Text.String, input) {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v) //nolint:wrapcheck
}
