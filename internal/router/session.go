// Package router implements the edit-session table and the routing rules
// that move edit_request/code_update/info frames between browsers and
// desktops (spec §3 Edit Session, §4.3).
package router

import (
	"sync"
	"time"
)

// EditSession is the routing record for an in-flight edit, keyed by
// (user, snippet) (spec §3).
type EditSession struct {
	UserID       string
	SnippetID    string
	BrowserID    string
	DesktopID    string
	CreatedAt    time.Time
	LastActivity time.Time
}

type sessionKey struct {
	userID, snippetID string
}

// Table owns the edit-session map. A single mutex guards it; overwrites on
// re-edit are atomic (§5).
type Table struct {
	mu       sync.Mutex
	sessions map[sessionKey]*EditSession
}

func NewTable() *Table {
	return &Table{sessions: make(map[sessionKey]*EditSession)}
}

// Pin creates or overwrites the edit session for (userID, snippetID),
// pinning it to browserID/desktopID (§4.3 step 2; re-editing re-pins).
func (t *Table) Pin(userID, snippetID, browserID, desktopID string) *EditSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	s := &EditSession{
		UserID:       userID,
		SnippetID:    snippetID,
		BrowserID:    browserID,
		DesktopID:    desktopID,
		CreatedAt:    now,
		LastActivity: now,
	}
	t.sessions[sessionKey{userID, snippetID}] = s
	return s
}

// Lookup returns a copy of the session for (userID, snippetID), if any.
func (t *Table) Lookup(userID, snippetID string) (EditSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionKey{userID, snippetID}]
	if !ok {
		return EditSession{}, false
	}
	return *s, true
}

// Touch refreshes last-activity for an existing session (§4.3 step 2 for
// code_update delivery attempts). No-op if the session is gone.
func (t *Table) Touch(userID, snippetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionKey{userID, snippetID}]; ok {
		s.LastActivity = time.Now()
	}
}

// ExpireOlderThan deletes sessions whose last activity exceeds maxAge
// (§4.4 session reaper) and returns how many were removed.
func (t *Table) ExpireOlderThan(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for k, s := range t.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(t.sessions, k)
			removed++
		}
	}
	return removed
}

// Count returns the number of in-flight edit sessions (§4.7 metrics,
// §4.6 status snapshot).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// All returns a snapshot of every edit session, for the debug endpoint.
func (t *Table) All() []EditSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]EditSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	return out
}

// Clear empties the table (§4.9 shutdown step 5).
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[sessionKey]*EditSession)
}
