/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/clinicflow/flowbridge/browserprocess"
	"github.com/clinicflow/flowbridge/log"
	"github.com/clinicflow/flowbridge/storage"
)

// LaunchOptions configures a locally launched browser.
type LaunchOptions struct {
	ExecutablePath string
	Headless       bool
	Args           []string
	Env            []string
	Timeout        time.Duration
}

const defaultLaunchTimeout = 30 * time.Second

// BrowserProcess is a browser launched by flowbridge.
type BrowserProcess struct {
	cancel context.CancelFunc

	process     *os.Process
	processDone chan struct{}

	// Browser's WebSocket URL to speak CDP
	wsURL string

	// The directory where user data for the browser is stored.
	userDataDir *storage.Dir

	logger *log.Logger
}

// LaunchBrowserProcess starts a local browser with remote debugging enabled
// and waits until it announces its DevTools URL.
func LaunchBrowserProcess(ctx context.Context, opts LaunchOptions, logger *log.Logger) (*BrowserProcess, error) {
	path := opts.ExecutablePath
	if path == "" {
		var ok bool
		if path, ok = lookExecutable(); !ok {
			return nil, errors.New("no browser executable found; set an executable path or a debugger URL")
		}
	}

	var dataDir storage.Dir
	if err := dataDir.Make("", ""); err != nil {
		return nil, err //nolint:wrapcheck
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd, err := execute(ctx, path, launchArgs(opts, dataDir.Dir), opts.Env, &dataDir, logger)
	if err != nil {
		cancel()
		_ = dataDir.Cleanup()
		return nil, err
	}
	browserprocess.Register(ctx, logger, cmd.Process.Pid)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	parseCtx, parseCancel := context.WithTimeout(ctx, timeout)
	defer parseCancel()

	wsURL, err := parseDevToolsURL(parseCtx, cmd)
	if err != nil {
		cancel()
		<-cmd.done
		browserprocess.Unregister(cmd.Process.Pid)
		return nil, fmt.Errorf("getting DevTools URL: %w", err)
	}
	// Keep draining stderr so the browser never blocks writing to it.
	go func() { _, _ = io.Copy(io.Discard, cmd.stderr) }()
	logger.Infof("BrowserProcess", "launched %s pid:%d wsURL:%q", path, cmd.Process.Pid, wsURL)

	return &BrowserProcess{
		cancel:      cancel,
		process:     cmd.Process,
		processDone: cmd.done,
		wsURL:       wsURL,
		userDataDir: &dataDir,
		logger:      logger,
	}, nil
}

// Terminate kills the browser process and waits for it to exit.
func (p *BrowserProcess) Terminate() {
	p.logger.Debugf("BrowserProcess:Terminate", "pid:%d", p.Pid())
	p.cancel()
	<-p.processDone
	browserprocess.Unregister(p.Pid())
}

// Done is closed once the browser process has exited.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.processDone
}

// WsURL returns the Websocket URL that the browser is listening on for CDP clients.
func (p *BrowserProcess) WsURL() string {
	return p.wsURL
}

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int {
	return p.process.Pid
}

func launchArgs(opts LaunchOptions, dataDir string) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + dataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--hide-scrollbars", "--mute-audio")
	}
	args = append(args, opts.Args...)
	return append(args, "about:blank")
}

func lookExecutable() (string, bool) {
	for _, name := range []string{
		"google-chrome",
		"google-chrome-stable",
		"chromium",
		"chromium-browser",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	} {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}

type command struct {
	*exec.Cmd
	done   chan struct{}
	stderr io.Reader
}

func execute(
	ctx context.Context, path string, args, env []string, dataDir *storage.Dir,
	logger *log.Logger,
) (command, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	// Set up environment variable for process
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return command{}, fmt.Errorf("getting browser process stderr pipe: %w", err)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	if os.IsNotExist(err) {
		return command{}, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return command{}, fmt.Errorf("starting browser process: %w", err)
	}
	if ctx.Err() != nil {
		return command{}, fmt.Errorf("starting browser process: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			if err := dataDir.Cleanup(); err != nil {
				logger.Errorf("browser", "cleaning up the user data directory: %v", err)
			}
			close(done)
		}()

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Errorf("browser",
				"process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
	}()

	return command{Cmd: cmd, done: done, stderr: stderr}, nil
}

// parseDevToolsURL scans the browser's stderr for the DevTools URL. If the
// browser gives up first, the last error it logged is returned.
func parseDevToolsURL(ctx context.Context, cmd command) (string, error) {
	type result struct {
		devToolsURL string
		err         error
	}
	parser := &devToolsURLParser{
		sc: bufio.NewScanner(cmd.stderr),
	}
	done := make(chan result)
	go func() {
		for parser.scan() {
		}
		select {
		case done <- result{parser.url, parser.err()}:
		case <-ctx.Done():
		}
	}()

	select {
	case r := <-done:
		return r.devToolsURL, r.err
	case <-ctx.Done():
		return "", ctx.Err() //nolint:wrapcheck
	case <-cmd.done:
		return "", errors.New("browser process ended unexpectedly")
	}
}

type devToolsURLParser struct {
	sc   *bufio.Scanner
	errs []error
	url  string
}

// scan reads a line and reports whether scanning should go on.
func (p *devToolsURLParser) scan() bool {
	if !p.sc.Scan() {
		return false
	}

	const urlPrefix = "DevTools listening on "

	line := strings.TrimSpace(p.sc.Text())
	if strings.HasPrefix(line, urlPrefix) {
		p.url = strings.TrimPrefix(line, urlPrefix)
	}
	if strings.Contains(line, ":ERROR:") {
		if i := strings.Index(line, "] "); i > 0 {
			p.errs = append(p.errs, errors.New(line[i+2:]))
		}
	}

	return p.url == ""
}

func (p *devToolsURLParser) err() error {
	if p.url != "" {
		return nil
	}
	if len(p.errs) > 0 {
		return p.errs[len(p.errs)-1]
	}
	return p.sc.Err() //nolint:wrapcheck
}
