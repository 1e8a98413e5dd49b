package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/clinicflow/flowbridge/log"
	"github.com/clinicflow/flowbridge/vision"
)

type clicked struct {
	tab  target.ID
	x, y float64
}

type typed struct {
	tab  target.ID
	text string
}

// fakeSessions serves every tab from the same page: selectors in boxes
// resolve to their centroid and selectors in values read as their value.
type fakeSessions struct {
	boxes    map[string]vision.Point
	values   map[string]string
	docErr   error
	shotErr  error
	readErr  error
	clickErr error
	scroll   vision.Point

	mu     sync.Mutex
	nodes  map[cdp.NodeID]string
	clicks []clicked
	texts  []typed
	docs   int
}

func (f *fakeSessions) ClickAt(_ context.Context, tabID target.ID, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clickErr != nil {
		return f.clickErr
	}
	f.clicks = append(f.clicks, clicked{tabID, x, y})
	return nil
}

func (f *fakeSessions) InsertText(_ context.Context, tabID target.ID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, typed{tabID, text})
	return nil
}

func (f *fakeSessions) GetDocument(context.Context, target.ID) (*cdp.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs++
	if f.docErr != nil {
		return nil, f.docErr
	}
	return &cdp.Node{NodeID: 1}, nil
}

func (f *fakeSessions) QuerySelector(_ context.Context, _ target.ID, root cdp.NodeID, selector string) (cdp.NodeID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if root != 1 {
		return 0, false
	}
	if _, ok := f.boxes[selector]; !ok {
		return 0, false
	}
	if f.nodes == nil {
		f.nodes = make(map[cdp.NodeID]string)
	}
	id := cdp.NodeID(len(f.nodes) + 2)
	f.nodes[id] = selector
	return id, true
}

func (f *fakeSessions) GetBoxCenter(_ context.Context, _ target.ID, nodeID cdp.NodeID) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.nodes[nodeID]
	if !ok {
		return 0, 0, fmt.Errorf("no node %d", nodeID)
	}
	p := f.boxes[sel]
	return p.X, p.Y, nil
}

func (f *fakeSessions) CaptureScreenshot(context.Context, target.ID) ([]byte, error) {
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	return []byte("png"), nil
}

func (f *fakeSessions) ScrollOffset(context.Context, target.ID) (x, y float64, err error) {
	return f.scroll.X, f.scroll.Y, nil
}

func (f *fakeSessions) GetInputValue(_ context.Context, _ target.ID, selector string) (string, error) {
	if f.readErr != nil {
		return "", f.readErr
	}
	v, ok := f.values[selector]
	if !ok {
		return "", fmt.Errorf("Element %s not found", selector) //nolint:stylecheck
	}
	return v, nil
}

func (f *fakeSessions) Clicks() []clicked {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clicked(nil), f.clicks...)
}

func (f *fakeSessions) Texts() []typed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typed(nil), f.texts...)
}

func (f *fakeSessions) Docs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs
}

// fakeTabs opens numbered shadow tabs. URLs containing failOn can't be
// opened.
type fakeTabs struct {
	failOn string

	mu     sync.Mutex
	opened map[target.ID]string
	closed []target.ID
}

func (f *fakeTabs) CreateShadowTab(_ context.Context, url string) (target.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(url, f.failOn) {
		return "", errors.New("cannot open " + url)
	}
	if f.opened == nil {
		f.opened = make(map[target.ID]string)
	}
	id := target.ID(fmt.Sprintf("shadow-%d", len(f.opened)+1))
	f.opened[id] = url
	return id, nil
}

func (f *fakeTabs) CloseShadowTab(_ context.Context, tabID target.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tabID)
	return nil
}

func (f *fakeTabs) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(f.opened))
	for _, u := range f.opened {
		urls = append(urls, u)
	}
	return urls
}

func (f *fakeTabs) Closed() []target.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]target.ID(nil), f.closed...)
}

// fakeLocator answers every description with the same result.
type fakeLocator struct {
	pt    vision.Point
	found bool
	err   error

	mu    sync.Mutex
	descs []string
}

func (f *fakeLocator) Locate(_ context.Context, description string, _ []byte) (vision.Point, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descs = append(f.descs, description)
	return f.pt, f.found, f.err
}

func (f *fakeLocator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.descs...)
}

// sleepRecorder stands in for the runner's sleep without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type testRunner struct {
	*Runner
	sessions *fakeSessions
	tabs     *fakeTabs
	locator  *fakeLocator
	sleeps   *sleepRecorder
	events   <-chan Event
}

func newTestRunner(t *testing.T, sessions *fakeSessions, tabs *fakeTabs, locator *fakeLocator, opts ...Option) *testRunner {
	t.Helper()

	if sessions == nil {
		sessions = &fakeSessions{}
	}
	if tabs == nil {
		tabs = &fakeTabs{}
	}
	if locator == nil {
		locator = &fakeLocator{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewNullLogger()
	em := NewEmitter(1024, logger)
	sr := &sleepRecorder{}

	r := New(sessions, tabs, locator, em, logger, opts...)
	r.sleep = sr.sleep

	var n int
	var mu sync.Mutex
	r.newRunID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("run-%d", n)
	}

	return &testRunner{
		Runner:   r,
		sessions: sessions,
		tabs:     tabs,
		locator:  locator,
		sleeps:   sr,
		events:   em.Subscribe(ctx),
	}
}

// drain returns the events emitted so far.
func (tr *testRunner) drain() []Event {
	var evs []Event
	for {
		select {
		case ev := <-tr.events:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func kinds(evs []Event) []Kind {
	ks := make([]Kind, 0, len(evs))
	for _, ev := range evs {
		ks = append(ks, ev.Kind)
	}
	return ks
}
