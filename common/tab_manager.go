package common

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/pkg/errors"

	"github.com/clinicflow/flowbridge/cdp/domains"
	"github.com/clinicflow/flowbridge/log"
)

// TabManager opens and closes shadow tabs: background tabs that we create
// for a run and that always have a session while we track them.
type TabManager struct {
	sessions *SessionManager
	target   domains.Target
	registry *registry
	logger   *log.Logger
}

// NewTabManager returns a TabManager that attaches its tabs with sessions.
func NewTabManager(exec cdp.Executor, sessions *SessionManager, logger *log.Logger) *TabManager {
	return &TabManager{
		sessions: sessions,
		target:   domains.NewTarget(exec),
		registry: sessions.registry,
		logger:   logger,
	}
}

// CreateShadowTab opens a background tab at url and attaches to it. If the
// attach fails the tab is closed again before the error is returned.
func (m *TabManager) CreateShadowTab(ctx context.Context, url string) (target.ID, error) {
	tabID, err := m.target.CreateTarget(ctx, url, true)
	if err != nil {
		return "", &ShadowTabCreationError{URL: url, Err: err}
	}
	m.logger.Debugf("TabManager:CreateShadowTab", "tid:%v url:%q created", tabID, url)

	if err := m.sessions.Attach(ctx, tabID); err != nil {
		if cerr := m.target.CloseTarget(context.WithoutCancel(ctx), tabID); cerr != nil {
			m.logger.Errorf("TabManager:CreateShadowTab", "tid:%v closing after failed attach: %v", tabID, cerr)
		}
		m.registry.remove(tabID)
		return "", &ShadowTabCreationError{URL: url, Err: err}
	}
	// Only a tab with a session is tracked as a shadow tab.
	if !m.registry.markShadow(tabID) {
		m.logger.Warnf("TabManager:CreateShadowTab", "tid:%v lost its session before it was ready", tabID)
		if cerr := m.target.CloseTarget(context.WithoutCancel(ctx), tabID); cerr != nil {
			m.logger.Debugf("TabManager:CreateShadowTab", "tid:%v closing: %v", tabID, cerr)
		}
		return "", &ShadowTabCreationError{URL: url, Err: ErrTabGone}
	}
	m.logger.Infof("TabManager:CreateShadowTab", "tid:%v url:%q ready", tabID, url)

	return tabID, nil
}

// CloseShadowTab detaches from and closes a shadow tab. Tabs we didn't
// open are left alone. A failed detach is logged; the tab is closed and
// forgotten either way.
func (m *TabManager) CloseShadowTab(ctx context.Context, tabID target.ID) error {
	if !m.registry.isShadow(tabID) {
		return nil
	}

	if err := m.sessions.Detach(ctx, tabID); err != nil {
		m.logger.Warnf("TabManager:CloseShadowTab", "tid:%v %v", tabID, err)
	}
	defer m.registry.remove(tabID)

	if err := m.target.CloseTarget(ctx, tabID); err != nil {
		return errors.Wrapf(err, "closing shadow tab %s", tabID)
	}
	m.logger.Infof("TabManager:CloseShadowTab", "tid:%v closed", tabID)

	return nil
}

// IsShadowTab reports whether tabID was opened by CreateShadowTab and is
// still open.
func (m *TabManager) IsShadowTab(tabID target.ID) bool {
	return m.registry.isShadow(tabID)
}

// ShadowTabs returns the IDs of the open shadow tabs.
func (m *TabManager) ShadowTabs() []target.ID {
	return m.registry.shadows()
}

// onTargetDestroyed prunes a tab that's gone, whoever closed it. Its
// session, if any, is dropped with it.
func (m *TabManager) onTargetDestroyed(ev *target.EventTargetDestroyed) {
	had := m.registry.remove(ev.TargetID)
	if had.shadow || had.sessionID != "" {
		m.logger.Infof("TabManager:onTargetDestroyed", "tid:%v shadow:%t sid:%v removed", ev.TargetID, had.shadow, had.sessionID)
	}
}
