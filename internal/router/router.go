package router

import (
	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/protocol"
	"github.com/web-ide-bridge/relay/internal/registry"
)

// Sender delivers a raw frame to a connection by id. Implemented by the
// bidirectional-endpoint hub; the router never touches a transport
// directly, so it never holds a registry/table lock across a send (§5).
type Sender interface {
	Send(connID string, frame []byte)
}

// Router implements §4.3: it owns no state of its own beyond the edit
// session Table, and reads the Registry to resolve routing.
type Router struct {
	reg     *registry.Registry
	table   *Table
	sender  Sender
	log     *activity.Log
	metrics *activity.Metrics
}

func New(reg *registry.Registry, table *Table, sender Sender, log *activity.Log, metrics *activity.Metrics) *Router {
	return &Router{reg: reg, table: table, sender: sender, log: log, metrics: metrics}
}

// HandleEditRequest implements §4.3's edit_request rules.
func (rt *Router) HandleEditRequest(fromConnID string, m *protocol.EditRequestIn) {
	desktopID, ok := rt.reg.DesktopForUser(m.UserID)
	if !ok {
		rt.sender.Send(fromConnID, protocol.MarshalError(&protocol.ProtocolError{
			Code:    "no_desktop",
			Message: "no desktop application connected",
		}))
		rt.log.Warn("edit_request with no desktop connected", "user", m.UserID, "snippet", m.SnippetID)
		return
	}

	rt.table.Pin(m.UserID, m.SnippetID, fromConnID, desktopID)
	rt.sender.Send(desktopID, protocol.MarshalEditRequest(m.UserID, m.SnippetID, m.Code, m.FileType))
	rt.metrics.IncEditSessionsCreated()
	rt.log.Info("edit_request routed to desktop", "user", m.UserID, "snippet", m.SnippetID, "desktop", desktopID)
}

// HandleCodeUpdate implements §4.3's code_update rules.
func (rt *Router) HandleCodeUpdate(fromConnID string, m *protocol.CodeUpdateIn) {
	sess, ok := rt.table.Lookup(m.UserID, m.SnippetID)
	if !ok {
		rt.sender.Send(fromConnID, protocol.MarshalInfo(m.SnippetID, "edit session expired"))
		rt.log.Info("code_update for expired session", "user", m.UserID, "snippet", m.SnippetID)
		return
	}

	rt.table.Touch(m.UserID, m.SnippetID)

	if _, live := rt.reg.Browser(sess.BrowserID); live {
		rt.sender.Send(sess.BrowserID, protocol.MarshalCodeUpdate(m.SnippetID, m.Code))
		rt.log.Info("code_update delivered to browser", "user", m.UserID, "snippet", m.SnippetID, "browser", sess.BrowserID)
		return
	}

	rt.sender.Send(fromConnID, protocol.MarshalInfo(m.SnippetID, "the originating web page is no longer connected"))
	rt.log.Info("code_update undeliverable, browser gone", "user", m.UserID, "snippet", m.SnippetID)
}

// HandleInfo implements §4.3's info passthrough: forwarded verbatim from a
// browser to that user's desktop, if present.
func (rt *Router) HandleInfo(fromConnID string, m *protocol.InfoIn) {
	desktopID, ok := rt.reg.DesktopForUser(m.UserID)
	if !ok {
		return
	}
	rt.sender.Send(desktopID, protocol.MarshalInfo(m.SnippetID, m.Message))
}

// HandlePing answers with pong (§4.3); connection liveness is refreshed by
// the caller via Connection.Touch, not here — ping never touches edit
// session activity.
func (rt *Router) HandlePing(fromConnID string, m *protocol.PingIn) {
	rt.sender.Send(fromConnID, protocol.MarshalPong(m.Timestamp))
}

// EditSessionTable exposes the underlying table.
func (rt *Router) EditSessionTable() *Table {
	return rt.table
}
