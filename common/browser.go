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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdpt "github.com/chromedp/cdproto/target"

	"github.com/clinicflow/flowbridge/cdp"
	"github.com/clinicflow/flowbridge/cdp/domains"
	"github.com/clinicflow/flowbridge/log"
)

// BrowserOptions configures how to reach the browser.
type BrowserOptions struct {
	// DebuggerURL is the browser-level DevTools websocket URL. When it's
	// empty a local browser is launched.
	DebuggerURL    string
	CommandTimeout time.Duration
	Launch         LaunchOptions
}

// Browser is a connection to a browser together with the session and
// shadow-tab bookkeeping kept for it.
type Browser struct {
	client      *cdp.Client
	browserProc *BrowserProcess

	sessions *SessionManager
	tabs     *TabManager

	evCancel func()
	evDone   chan struct{}

	closeOnce sync.Once
	logger    *log.Logger
}

// NewBrowser connects to the browser described by opts, launching it first
// if needed.
func NewBrowser(ctx context.Context, opts BrowserOptions, logger *log.Logger) (_ *Browser, err error) {
	var proc *BrowserProcess
	wsURL := opts.DebuggerURL
	if wsURL == "" {
		if proc, err = LaunchBrowserProcess(ctx, opts.Launch, logger); err != nil {
			return nil, fmt.Errorf("launching browser: %w", err)
		}
		wsURL = proc.WsURL()
		defer func() {
			if err != nil {
				proc.Terminate()
			}
		}()
	}

	client := cdp.NewClient(logger, cdp.WithCommandTimeout(opts.CommandTimeout))
	logger.Debugf("Browser:connect", "wsURL:%q", wsURL)
	if err := client.Connect(ctx, wsURL); err != nil {
		return nil, fmt.Errorf("connecting to browser DevTools URL: %w", err)
	}

	b := newBrowser(client, logger)
	b.browserProc = proc
	if err := b.initEvents(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}

	return b, nil
}

// newBrowser returns a Browser over an already connected client.
func newBrowser(client *cdp.Client, logger *log.Logger) *Browser {
	sessions := NewSessionManager(client, logger)
	return &Browser{
		client:   client,
		sessions: sessions,
		tabs:     NewTabManager(client, sessions, logger),
		evDone:   make(chan struct{}),
		logger:   logger,
	}
}

// Sessions returns the browser's session manager.
func (b *Browser) Sessions() *SessionManager { return b.sessions }

// Tabs returns the browser's shadow-tab manager.
func (b *Browser) Tabs() *TabManager { return b.tabs }

// Client returns the underlying protocol client.
func (b *Browser) Client() *cdp.Client { return b.client }

// Done is closed when the connection to the browser is gone.
func (b *Browser) Done() <-chan struct{} { return b.client.Done() }

func (b *Browser) initEvents(ctx context.Context) error {
	evtCh, cancel := b.client.Subscribe(
		cdproto.EventTargetDetachedFromTarget,
		cdproto.EventTargetTargetDestroyed,
	)
	b.evCancel = cancel

	go func() {
		defer close(b.evDone)
		for event := range evtCh {
			switch ev := event.Data.(type) {
			case *cdpt.EventDetachedFromTarget:
				b.logger.Debugf("Browser:initEvents:onDetachedFromTarget", "sid:%v", ev.SessionID)
				b.sessions.onDetachedFromTarget(ev)
			case *cdpt.EventTargetDestroyed:
				b.logger.Debugf("Browser:initEvents:onTargetDestroyed", "tid:%v", ev.TargetID)
				b.tabs.onTargetDestroyed(ev)
			}
		}
	}()

	if err := b.client.Target.SetDiscoverTargets(ctx, true); err != nil {
		return fmt.Errorf("enabling target discovery: %w", err)
	}

	return nil
}

// Version returns the browser's version information.
func (b *Browser) Version(ctx context.Context) (domains.Version, error) {
	return b.client.Browser.GetVersion(ctx) //nolint:wrapcheck
}

// Pages returns the open page tabs.
func (b *Browser) Pages(ctx context.Context) ([]*cdpt.Info, error) {
	infos, err := b.client.Target.GetTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	pages := make([]*cdpt.Info, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

// ActiveTab returns the first open page that isn't a shadow tab, which is
// taken to be the one the user is looking at.
func (b *Browser) ActiveTab(ctx context.Context) (cdpt.ID, error) {
	pages, err := b.Pages(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range pages {
		if !b.tabs.IsShadowTab(p.TargetID) {
			return p.TargetID, nil
		}
	}
	return "", ErrNoPage
}

// Close disconnects from the browser, and stops it if we launched it.
func (b *Browser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.logger.Debugf("Browser:Close", "")
		if b.evCancel != nil {
			b.evCancel()
			<-b.evDone
		}
		err = b.client.Close()
		if b.browserProc != nil {
			b.browserProc.Terminate()
		}
	})
	return err
}
