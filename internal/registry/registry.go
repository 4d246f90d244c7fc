// Package registry tracks every live peer connection, its role, its
// self-asserted user identity, and the per-user set of browsers/desktop
// that role establishment builds up (spec §3, §4.2).
//
// One coarse-grained mutex guards all of the Registry's collections,
// following the teacher's internal/store.TTLMap and
// internal/account.AccountStore style: a single struct owns its lock and
// never leaks it to callers.
package registry

import (
	"sync"
	"time"
)

// Role is the concrete role a connection adopts on its first frame.
type Role string

const (
	RoleUninitialized Role = "uninitialized"
	RoleBrowser       Role = "browser"
	RoleDesktop       Role = "desktop"
	RoleStatus        Role = "status-observer"
)

// Connection is a live peer attachment (spec §3).
type Connection struct {
	ID            string
	Role          Role
	UserID        string
	RemoteAddr    string
	ConnectedAt   time.Time
	mu            sync.Mutex
	lastActivity  time.Time
	isAlive       bool
}

// NewConnection creates an uninitialized connection record.
func NewConnection(id, remoteAddr string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		Role:         RoleUninitialized,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		lastActivity: now,
		isAlive:      true,
	}
}

// Touch marks the connection as alive and records activity, called on every
// inbound frame and on transport-level pong (§4.4).
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAlive = true
	c.lastActivity = time.Now()
}

// LastActivity returns the last recorded activity time.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsAlive reports the current liveness flag.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAlive
}

// ClearAlive clears the liveness flag ahead of a heartbeat ping (§4.4).
func (c *Connection) ClearAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAlive = false
}

// UserSession is the per-user-identity record of attached connections
// (spec §3).
type UserSession struct {
	UserID     string
	BrowserIDs map[string]struct{}
	DesktopID  string // "" if absent
}

func newUserSession(userID string) *UserSession {
	return &UserSession{UserID: userID, BrowserIDs: make(map[string]struct{})}
}

func (u *UserSession) empty() bool {
	return len(u.BrowserIDs) == 0 && u.DesktopID == ""
}

// Registry owns the three connection-id collections (browser, desktop,
// status-observer) and the per-user session map (§3 invariant: a
// connection id appears in exactly one collection).
type Registry struct {
	mu        sync.RWMutex
	browsers  map[string]*Connection
	desktops  map[string]*Connection
	observers map[string]*Connection
	users     map[string]*UserSession
}

func New() *Registry {
	return &Registry{
		browsers:  make(map[string]*Connection),
		desktops:  make(map[string]*Connection),
		observers: make(map[string]*Connection),
		users:     make(map[string]*UserSession),
	}
}

// RegisterBrowser adds conn to the browser map and the user's browserIds
// set (§4.2). Returns whether a desktop is currently present for the user,
// so the caller can emit the compensating status_update frames.
func (r *Registry) RegisterBrowser(conn *Connection, userID string) (desktopPresent bool, desktopID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn.Role = RoleBrowser
	conn.UserID = userID
	r.browsers[conn.ID] = conn

	u, ok := r.users[userID]
	if !ok {
		u = newUserSession(userID)
		r.users[userID] = u
	}
	u.BrowserIDs[conn.ID] = struct{}{}

	return u.DesktopID != "", u.DesktopID
}

// RegisterDesktop adds conn to the desktop map and sets the user's
// desktopId, replacing any prior desktop for that user (§4.2,
// last-writer-wins). Returns the replaced connection id, if any, and the
// set of browser ids currently attached for the user.
func (r *Registry) RegisterDesktop(conn *Connection, userID string) (replacedID string, browserIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn.Role = RoleDesktop
	conn.UserID = userID
	r.desktops[conn.ID] = conn

	u, ok := r.users[userID]
	if !ok {
		u = newUserSession(userID)
		r.users[userID] = u
	}
	replacedID = u.DesktopID
	if replacedID != "" && replacedID != conn.ID {
		delete(r.desktops, replacedID)
	}
	u.DesktopID = conn.ID

	for id := range u.BrowserIDs {
		browserIDs = append(browserIDs, id)
	}
	return replacedID, browserIDs
}

// RegisterObserver adds conn to the status-observer set (§4.2). Returns
// true if this is the first observer (the caller arms the shared ticker).
func (r *Registry) RegisterObserver(conn *Connection) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.Role = RoleStatus
	first = len(r.observers) == 0
	r.observers[conn.ID] = conn
	return first
}

// Deregister removes conn from whichever collection holds it (§4.2). It
// returns the user's remaining peers so the caller can emit compensating
// status_update frames, and whether this was the last observer (caller
// disarms the ticker).
type DeregisterResult struct {
	WasBrowser    bool
	WasDesktop    bool
	WasObserver   bool
	LastObserver  bool
	UserID        string
	RemainingBrowserIDs []string
	RemainingDesktopID  string
}

func (r *Registry) Deregister(conn *Connection) DeregisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res DeregisterResult

	switch conn.Role {
	case RoleBrowser:
		res.WasBrowser = true
		delete(r.browsers, conn.ID)
		if u, ok := r.users[conn.UserID]; ok {
			delete(u.BrowserIDs, conn.ID)
			res.UserID = conn.UserID
			res.RemainingDesktopID = u.DesktopID
			if u.empty() {
				delete(r.users, conn.UserID)
			}
		}
	case RoleDesktop:
		res.WasDesktop = true
		delete(r.desktops, conn.ID)
		if u, ok := r.users[conn.UserID]; ok {
			res.UserID = conn.UserID
			// A desktop already replaced by a newer desktop_connect leaves
			// the user's browsers with a desktop, so none are reported.
			if u.DesktopID == conn.ID {
				u.DesktopID = ""
				for id := range u.BrowserIDs {
					res.RemainingBrowserIDs = append(res.RemainingBrowserIDs, id)
				}
			}
			if u.empty() {
				delete(r.users, conn.UserID)
			}
		}
	case RoleStatus:
		res.WasObserver = true
		delete(r.observers, conn.ID)
		res.LastObserver = len(r.observers) == 0
	}

	return res
}

// Browser looks up a live browser connection by id.
func (r *Registry) Browser(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.browsers[id]
	return c, ok
}

// Desktop looks up a live desktop connection by id.
func (r *Registry) Desktop(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.desktops[id]
	return c, ok
}

// DesktopForUser returns the live desktop connection id for a user, if any.
func (r *Registry) DesktopForUser(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok || u.DesktopID == "" {
		return "", false
	}
	return u.DesktopID, true
}

// Observers returns a snapshot slice of the current observer connections.
func (r *Registry) Observers() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.observers))
	for _, c := range r.observers {
		out = append(out, c)
	}
	return out
}

// Counts returns a point-in-time snapshot of collection sizes for the
// status broadcaster (§4.6); slight skew across the four reads is
// acceptable per §5.
func (r *Registry) Counts() (browsers, desktops, observers, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.browsers), len(r.desktops), len(r.observers), len(r.users)
}

// AllConnections returns every role-established connection across all
// three collections. Uninitialized connections are not included; the
// heartbeat sweep and shutdown work from the wsconn hub's own list instead.
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.browsers)+len(r.desktops)+len(r.observers))
	for _, c := range r.browsers {
		out = append(out, c)
	}
	for _, c := range r.desktops {
		out = append(out, c)
	}
	for _, c := range r.observers {
		out = append(out, c)
	}
	return out
}

// Clear empties every collection (§4.9 step 5, shutdown).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.browsers = make(map[string]*Connection)
	r.desktops = make(map[string]*Connection)
	r.observers = make(map[string]*Connection)
	r.users = make(map[string]*UserSession)
}

// UserBrowserIDs returns the live browser ids for a user, snapshot.
func (r *Registry) UserBrowserIDs(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(u.BrowserIDs))
	for id := range u.BrowserIDs {
		out = append(out, id)
	}
	return out
}
