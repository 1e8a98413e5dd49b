package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"golang.org/x/sync/singleflight"

	flowcdp "github.com/clinicflow/flowbridge/cdp"
	"github.com/clinicflow/flowbridge/cdp/domains"
	"github.com/clinicflow/flowbridge/common/js"
	"github.com/clinicflow/flowbridge/log"
)

// SessionManager owns the debugging sessions attached to tabs. Commands for
// a tab go over the browser connection, routed by the tab's session ID.
//
// Concurrent use of the same tab by more than one caller is unsupported:
// commands are sent in whatever order the callers interleave them.
type SessionManager struct {
	exec     cdp.Executor
	target   domains.Target
	registry *registry
	attachFl singleflight.Group
	logger   *log.Logger
}

// NewSessionManager returns a SessionManager that issues commands with exec,
// usually a *cdp.Client.
func NewSessionManager(exec cdp.Executor, logger *log.Logger) *SessionManager {
	return newSessionManager(exec, newRegistry(), logger)
}

func newSessionManager(exec cdp.Executor, reg *registry, logger *log.Logger) *SessionManager {
	return &SessionManager{
		exec:     exec,
		target:   domains.NewTarget(exec),
		registry: reg,
		logger:   logger,
	}
}

// Attach attaches a session to the tab. Attaching an attached tab is a
// no-op, and concurrent attaches of one tab share a single protocol call.
func (m *SessionManager) Attach(ctx context.Context, tabID target.ID) error {
	_, err := m.attach(ctx, tabID)
	return err
}

func (m *SessionManager) attach(ctx context.Context, tabID target.ID) (target.SessionID, error) {
	if sid, ok := m.registry.session(tabID); ok {
		m.logger.Debugf("SessionManager:attach", "tid:%v already attached sid:%v", tabID, sid)
		return sid, nil
	}

	v, err, _ := m.attachFl.Do(string(tabID), func() (interface{}, error) {
		if sid, ok := m.registry.session(tabID); ok {
			return sid, nil
		}
		sid, err := m.target.AttachToTarget(ctx, tabID)
		if err != nil {
			m.logger.Errorf("SessionManager:attach", "tid:%v err:%v", tabID, err)
			return target.SessionID(""), &AttachError{TabID: tabID, Err: err}
		}
		m.registry.setSession(tabID, sid)
		m.logger.Infof("SessionManager:attach", "tid:%v sid:%v attached", tabID, sid)
		return sid, nil
	})
	sid, _ := v.(target.SessionID)

	return sid, err //nolint:wrapcheck
}

// Detach detaches the tab's session. Detaching a tab without a session is
// a no-op. On failure the session is still considered attached.
func (m *SessionManager) Detach(ctx context.Context, tabID target.ID) error {
	sid, ok := m.registry.session(tabID)
	if !ok {
		return nil
	}
	if err := m.target.DetachFromTarget(ctx, sid); err != nil {
		m.logger.Errorf("SessionManager:detach", "tid:%v sid:%v err:%v", tabID, sid, err)
		return &DetachError{TabID: tabID, Err: err}
	}
	m.registry.clearSession(tabID, sid)
	m.logger.Infof("SessionManager:detach", "tid:%v sid:%v detached", tabID, sid)

	return nil
}

// EnsureAttached attaches the tab if it has no session, e.g. because it was
// detached from the outside.
func (m *SessionManager) EnsureAttached(ctx context.Context, tabID target.ID) error {
	_, err := m.attach(ctx, tabID)
	return err
}

// IsAttached reports whether the tab has a session.
func (m *SessionManager) IsAttached(tabID target.ID) bool {
	_, ok := m.registry.session(tabID)
	return ok
}

// Attached returns the IDs of the tabs with a session.
func (m *SessionManager) Attached() []target.ID {
	return m.registry.attached()
}

// SendCommand sends a protocol command to the tab, attaching it first if
// needed.
func (m *SessionManager) SendCommand(
	ctx context.Context, tabID target.ID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	sid, err := m.attach(ctx, tabID)
	if err != nil {
		return &CommandError{Method: method, TabID: tabID, Err: err}
	}

	m.logger.Debugf("SessionManager:SendCommand", "tid:%v sid:%v method:%q", tabID, sid, method)
	if err := m.exec.Execute(flowcdp.WithSessionID(ctx, sid), method, params, res); err != nil {
		return &CommandError{Method: method, TabID: tabID, Err: err}
	}

	return nil
}

// tab returns an executor that sends commands to tabID.
func (m *SessionManager) tab(tabID target.ID) cdp.Executor {
	return tabExecutor{m: m, tabID: tabID}
}

type tabExecutor struct {
	m     *SessionManager
	tabID target.ID
}

func (e tabExecutor) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return e.m.SendCommand(ctx, e.tabID, method, params, res)
}

// ClickAt dispatches a left button press and release at x,y.
func (m *SessionManager) ClickAt(ctx context.Context, tabID target.ID, x, y float64) error {
	return domains.NewInput(m.tab(tabID)).Click(ctx, x, y) //nolint:wrapcheck
}

// InsertText inserts text into the focused element of the tab.
func (m *SessionManager) InsertText(ctx context.Context, tabID target.ID, text string) error {
	return domains.NewInput(m.tab(tabID)).InsertText(ctx, text) //nolint:wrapcheck
}

// GetDocument returns the tab's document root.
func (m *SessionManager) GetDocument(ctx context.Context, tabID target.ID) (*cdp.Node, error) {
	return domains.NewDOM(m.tab(tabID)).GetDocument(ctx) //nolint:wrapcheck
}

// QuerySelector resolves selector under root. It reports false when nothing
// matches or the lookup fails; it never returns an error.
func (m *SessionManager) QuerySelector(
	ctx context.Context, tabID target.ID, root cdp.NodeID, selector string,
) (cdp.NodeID, bool) {
	id, err := domains.NewDOM(m.tab(tabID)).QuerySelector(ctx, root, selector)
	if err != nil {
		if !errors.Is(err, domains.ErrNodeNotFound) {
			m.logger.Warnf("SessionManager:QuerySelector", "tid:%v selector:%q err:%v", tabID, selector, err)
		}
		return 0, false
	}
	return id, true
}

// GetBoxCenter returns the centroid of the node's content box.
func (m *SessionManager) GetBoxCenter(ctx context.Context, tabID target.ID, nodeID cdp.NodeID) (x, y float64, err error) {
	model, err := domains.NewDOM(m.tab(tabID)).GetBoxModel(ctx, nodeID)
	if err != nil {
		return 0, 0, err //nolint:wrapcheck
	}
	q := model.Content
	if len(q) < 8 {
		return 0, 0, fmt.Errorf("node %d has a malformed content quad %v", nodeID, q)
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(q); i += 2 {
		minX, maxX = math.Min(minX, q[i]), math.Max(maxX, q[i])
		minY, maxY = math.Min(minY, q[i+1]), math.Max(maxY, q[i+1])
	}
	width, height := maxX-minX, maxY-minY

	return minX + width/2, minY + height/2, nil
}

// CaptureScreenshot captures a full-page PNG of the tab. Positions on it
// are document coordinates; see ScrollOffset.
func (m *SessionManager) CaptureScreenshot(ctx context.Context, tabID target.ID) ([]byte, error) {
	return domains.NewPage(m.tab(tabID)).CaptureScreenshot(ctx, true) //nolint:wrapcheck
}

// ScrollOffset returns how far the tab's document is scrolled. Subtracting
// it turns a document position into the viewport position mouse events
// expect.
func (m *SessionManager) ScrollOffset(ctx context.Context, tabID target.ID) (x, y float64, err error) {
	vv, err := domains.NewPage(m.tab(tabID)).VisualViewport(ctx)
	if err != nil {
		return 0, 0, err //nolint:wrapcheck
	}
	return vv.PageX, vv.PageY, nil
}

// GetInputValue reads the live value of the element matching selector,
// falling back to its text. It returns an ElementNotFoundError when
// nothing matches.
func (m *SessionManager) GetInputValue(ctx context.Context, tabID target.ID, selector string) (string, error) {
	doc, err := m.GetDocument(ctx, tabID)
	if err != nil {
		return "", err
	}
	if _, ok := m.QuerySelector(ctx, tabID, doc.NodeID, selector); !ok {
		return "", &ElementNotFoundError{TabID: tabID, Selector: selector}
	}

	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encoding selector %q: %w", selector, err)
	}
	expr := fmt.Sprintf("(%s)(%s)", js.ReadValueScript, sel)

	var value *string
	if err := domains.NewRuntime(m.tab(tabID)).Evaluate(ctx, expr, &value); err != nil {
		return "", err //nolint:wrapcheck
	}
	// The element can go away between the lookup and the read.
	if value == nil {
		return "", &ElementNotFoundError{TabID: tabID, Selector: selector}
	}

	return *value, nil
}

// onDetachedFromTarget forgets a session the browser dropped on its own,
// e.g. because the user opened DevTools on the tab.
func (m *SessionManager) onDetachedFromTarget(ev *target.EventDetachedFromTarget) {
	tabID, ok := m.registry.tabBySession(ev.SessionID)
	if !ok {
		return
	}
	if m.registry.clearSession(tabID, ev.SessionID) {
		m.logger.Infof("SessionManager:onDetachedFromTarget", "tid:%v sid:%v detached externally", tabID, ev.SessionID)
	}
}
