package cdp

import (
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"

	"github.com/clinicflow/flowbridge/log"
)

const eventBufferSize = 64

// Event is a protocol event received from the browser.
type Event struct {
	Name      cdproto.MethodType
	Data      interface{}
	SessionID target.SessionID
}

type subscription struct {
	ch     chan *Event
	events []cdproto.MethodType
	once   sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// eventWatcher fans events out to subscribers without ever blocking the
// receive loop. A subscriber that falls behind loses events.
type eventWatcher struct {
	logger *log.Logger

	subsMu sync.RWMutex
	subs   map[cdproto.MethodType]map[*subscription]struct{}
	closed bool
}

func newEventWatcher(logger *log.Logger) *eventWatcher {
	return &eventWatcher{
		logger: logger,
		subs:   make(map[cdproto.MethodType]map[*subscription]struct{}),
	}
}

func (w *eventWatcher) subscribe(events ...cdproto.MethodType) (<-chan *Event, func()) {
	s := &subscription{
		ch:     make(chan *Event, eventBufferSize),
		events: events,
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	if w.closed {
		s.close()
		return s.ch, func() {}
	}
	for _, evt := range events {
		if w.subs[evt] == nil {
			w.subs[evt] = make(map[*subscription]struct{})
		}
		w.subs[evt][s] = struct{}{}
	}

	return s.ch, func() { w.unsubscribe(s) }
}

func (w *eventWatcher) unsubscribe(s *subscription) {
	w.subsMu.Lock()
	for _, evt := range s.events {
		delete(w.subs[evt], s)
		if len(w.subs[evt]) == 0 {
			delete(w.subs, evt)
		}
	}
	w.subsMu.Unlock()

	s.close()
}

func (w *eventWatcher) notify(evt *Event) {
	w.subsMu.RLock()
	defer w.subsMu.RUnlock()

	for s := range w.subs[evt.Name] {
		select {
		case s.ch <- evt:
		default:
			w.logger.Warnf("cdp:eventWatcher", "subscriber is falling behind, dropped %s event", evt.Name)
		}
	}
}

// close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (w *eventWatcher) close() {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	for evt, subs := range w.subs {
		for s := range subs {
			s.close()
		}
		delete(w.subs, evt)
	}
}
