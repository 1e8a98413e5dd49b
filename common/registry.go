package common

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
)

type tabEntry struct {
	sessionID target.SessionID
	shadow    bool
}

// registry is the state shared by SessionManager and TabManager: which tabs
// have a session, and which tabs were opened by us. An entry exists while
// either is true.
type registry struct {
	mu   sync.Mutex
	tabs map[target.ID]*tabEntry
}

func newRegistry() *registry {
	return &registry{tabs: make(map[target.ID]*tabEntry)}
}

// entry returns the entry of id, creating it. Callers must hold mu.
func (r *registry) entry(id target.ID) *tabEntry {
	e, ok := r.tabs[id]
	if !ok {
		e = &tabEntry{}
		r.tabs[id] = e
	}
	return e
}

// prune drops the entry of id if nothing is left in it. Callers must hold mu.
func (r *registry) prune(id target.ID) {
	if e, ok := r.tabs[id]; ok && e.sessionID == "" && !e.shadow {
		delete(r.tabs, id)
	}
}

func (r *registry) session(id target.ID) (target.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tabs[id]
	if !ok || e.sessionID == "" {
		return "", false
	}
	return e.sessionID, true
}

func (r *registry) setSession(id target.ID, sid target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(id).sessionID = sid
}

// clearSession forgets the session of id, but only if it is still sid, so
// that a stale notification can't drop a newer session.
func (r *registry) clearSession(id target.ID, sid target.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tabs[id]
	if !ok || e.sessionID == "" || (sid != "" && e.sessionID != sid) {
		return false
	}
	e.sessionID = ""
	r.prune(id)
	return true
}

func (r *registry) tabBySession(sid target.SessionID) (target.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.tabs {
		if e.sessionID == sid {
			return id, true
		}
	}
	return "", false
}

func (r *registry) attached() []target.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []target.ID
	for id, e := range r.tabs {
		if e.sessionID != "" {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// markShadow flags id as a shadow tab. It fails when id has no session
// any more, e.g. because the tab was destroyed right after attaching.
func (r *registry) markShadow(id target.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tabs[id]
	if !ok || e.sessionID == "" {
		return false
	}
	e.shadow = true
	return true
}

func (r *registry) isShadow(id target.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tabs[id]
	return ok && e.shadow
}

func (r *registry) shadows() []target.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []target.ID
	for id, e := range r.tabs {
		if e.shadow {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// remove drops every trace of id.
func (r *registry) remove(id target.ID) (had tabEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tabs[id]; ok {
		had = *e
	}
	delete(r.tabs, id)
	return had
}

func sortIDs(ids []target.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
