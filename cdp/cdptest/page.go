package cdptest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/target"
)

// Page describes a fake page's DOM. Selectors in Boxes or Values resolve;
// only those in Boxes have a box model.
type Page struct {
	Boxes  map[string][]float64
	Values map[string]string
	// ScrollX and ScrollY are how far the document is scrolled.
	ScrollX, ScrollY float64
}

// Browser layers a small model of tabs and sessions on top of Server: it
// answers target creation, attachment and detachment, DOM lookups and
// screenshots the way Chrome does, so that higher layers can be tested
// without one.
type Browser struct {
	*Server

	mu       sync.Mutex
	newPage  func(url string) *Page
	pages    map[target.ID]*Page
	sessions map[target.SessionID]target.ID
	nextID   int64
}

var errBoxModel = errors.New("Could not compute box model.") //nolint:stylecheck

// Screenshot is the PNG payload returned by Page.captureScreenshot.
var Screenshot = []byte("\x89PNG\r\n\x1a\nfake")

// NewBrowser returns a fake browser with a handful of protocol methods
// wired up.
func NewBrowser(s *Server) *Browser {
	b := &Browser{
		Server:   s,
		pages:    make(map[target.ID]*Page),
		sessions: make(map[target.SessionID]target.ID),
	}

	s.HandleResult("Browser.getVersion", map[string]string{
		"protocolVersion": "1.3",
		"product":         "HeadlessChrome/129.0.0.0",
	})
	s.Handle("Target.createTarget", func(c Call) (interface{}, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		b.mu.Lock()
		newPage := b.newPage
		b.mu.Unlock()
		page := &Page{}
		if newPage != nil {
			page = newPage(p.URL)
		}
		id := b.AddPage(page)
		return map[string]interface{}{"targetId": id}, nil
	})
	s.Handle("Target.getTargets", func(Call) (interface{}, error) {
		b.mu.Lock()
		ids := make([]string, 0, len(b.pages))
		for id := range b.pages {
			ids = append(ids, string(id))
		}
		b.mu.Unlock()
		sort.Strings(ids)

		infos := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			infos = append(infos, map[string]interface{}{
				"targetId": id, "type": "page", "title": "", "url": "about:blank",
				"attached": false, "canAccessOpener": false,
			})
		}
		return map[string]interface{}{"targetInfos": infos}, nil
	})
	s.Handle("Target.attachToTarget", func(c Call) (interface{}, error) {
		var p struct {
			TargetID target.ID `json:"targetId"`
		}
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.pages[p.TargetID]; !ok {
			return nil, errors.New("No target with given id found")
		}
		sid := target.SessionID(fmt.Sprintf("session-%d", atomic.AddInt64(&b.nextID, 1)))
		b.sessions[sid] = p.TargetID
		return map[string]interface{}{"sessionId": sid}, nil
	})
	s.Handle("Target.detachFromTarget", func(c Call) (interface{}, error) {
		var p struct {
			SessionID target.SessionID `json:"sessionId"`
		}
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.sessions[p.SessionID]; !ok {
			return nil, errors.New("No session with given id")
		}
		delete(b.sessions, p.SessionID)
		return nil, nil
	})
	s.Handle("Target.closeTarget", func(c Call) (interface{}, error) {
		var p struct {
			TargetID target.ID `json:"targetId"`
		}
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		b.mu.Lock()
		delete(b.pages, p.TargetID)
		b.mu.Unlock()
		return map[string]bool{"success": true}, nil
	})
	s.HandleResult("DOM.getDocument", map[string]interface{}{
		"root": map[string]interface{}{"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document"},
	})
	s.Handle("DOM.querySelector", func(c Call) (interface{}, error) {
		var p struct {
			Selector string `json:"selector"`
		}
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		page := b.pageFor(c.SessionID)
		if page == nil {
			return map[string]int{"nodeId": 0}, nil
		}
		_, boxed := page.Boxes[p.Selector]
		_, valued := page.Values[p.Selector]
		if boxed || valued {
			return map[string]int{"nodeId": nodeID(p.Selector)}, nil
		}
		return map[string]int{"nodeId": 0}, nil
	})
	s.Handle("DOM.getBoxModel", func(c Call) (interface{}, error) {
		var p struct {
			NodeID int `json:"nodeId"`
		}
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		page := b.pageFor(c.SessionID)
		if page == nil {
			return nil, errBoxModel
		}
		for sel, quad := range page.Boxes {
			if nodeID(sel) == p.NodeID {
				return map[string]interface{}{
					"model": map[string]interface{}{
						"content": quad, "padding": quad, "border": quad, "margin": quad,
						"width": 0, "height": 0,
					},
				}, nil
			}
		}
		return nil, errBoxModel
	})
	s.HandleResult("Page.captureScreenshot", map[string]string{
		"data": base64.StdEncoding.EncodeToString(Screenshot),
	})
	s.Handle("Page.getLayoutMetrics", func(c Call) (interface{}, error) {
		var scrollX, scrollY float64
		if page := b.pageFor(c.SessionID); page != nil {
			scrollX, scrollY = page.ScrollX, page.ScrollY
		}
		return map[string]interface{}{
			"cssContentSize": map[string]float64{"x": 0, "y": 0, "width": 1280, "height": 2000},
			"cssVisualViewport": map[string]float64{
				"offsetX": 0, "offsetY": 0, "pageX": scrollX, "pageY": scrollY,
				"clientWidth": 1280, "clientHeight": 800, "scale": 1,
			},
		}, nil
	})
	s.Handle("Runtime.evaluate", func(c Call) (interface{}, error) {
		var p struct {
			Expression string `json:"expression"`
		}
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		page := b.pageFor(c.SessionID)
		if page != nil {
			for sel, v := range page.Values {
				if containsQuoted(p.Expression, sel) {
					return map[string]interface{}{"result": map[string]interface{}{"type": "string", "value": v}}, nil
				}
			}
		}
		return map[string]interface{}{
			"result": map[string]interface{}{"type": "object", "subtype": "null", "value": nil},
		}, nil
	})

	return b
}

// OnCreateTarget sets what the tabs opened by Target.createTarget contain.
// By default they're empty.
func (b *Browser) OnCreateTarget(fn func(url string) *Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newPage = fn
}

// AddPage registers an existing tab and returns its ID.
func (b *Browser) AddPage(p *Page) target.ID {
	id := target.ID(fmt.Sprintf("TARGET-%04d", atomic.AddInt64(&b.nextID, 1)))
	b.SetPage(id, p)
	return id
}

// SetPage sets the DOM model of the tab id.
func (b *Browser) SetPage(id target.ID, p *Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[id] = p
}

// HasPage reports whether the tab id is open.
func (b *Browser) HasPage(id target.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pages[id]
	return ok
}

// Sessions returns the number of live sessions.
func (b *Browser) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// SessionFor returns the session attached to id, if any.
func (b *Browser) SessionFor(id target.ID) (target.SessionID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sid, tid := range b.sessions {
		if tid == id {
			return sid, true
		}
	}
	return "", false
}

// TargetFor returns the tab a session is attached to.
func (b *Browser) TargetFor(sid target.SessionID) target.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sid]
}

// DetachExternally drops the session attached to id and tells clients, as
// Chrome does when a user closes DevTools.
func (b *Browser) DetachExternally(id target.ID) {
	sid, ok := b.SessionFor(id)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.sessions, sid)
	b.mu.Unlock()
	b.Emit("Target.detachedFromTarget", "", map[string]interface{}{"sessionId": sid, "targetId": id})
}

// Destroy closes the tab id and tells clients.
func (b *Browser) Destroy(id target.ID) {
	b.mu.Lock()
	delete(b.pages, id)
	for sid, tid := range b.sessions {
		if tid == id {
			delete(b.sessions, sid)
		}
	}
	b.mu.Unlock()
	b.Emit("Target.targetDestroyed", "", map[string]interface{}{"targetId": id})
}

func (b *Browser) pageFor(sid target.SessionID) *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.sessions[sid]
	if !ok {
		return nil
	}
	return b.pages[id]
}

// nodeID derives a stable node ID from a selector.
func nodeID(sel string) int {
	h := 7
	for _, r := range sel {
		h = (h*31 + int(r)) % 1000003
	}
	return h + 2
}

func containsQuoted(expr, sel string) bool {
	return strings.Contains(expr, "'"+sel+"'") || strings.Contains(expr, `"`+sel+`"`)
}
