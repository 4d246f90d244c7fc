// Package wsconn is the bidirectional endpoint of spec §3/§4.1: it upgrades
// HTTP to WebSocket, owns the one goroutine pair (reader, writer) per live
// connection, and is the only package that ever touches a
// *websocket.Conn. Everything it learns from a frame is handed to
// protocol.Decode, registry.Registry, and router.Router; everything it
// sends out is handed back to it through the Send/Ping/Close methods those
// packages call against their Sender/Pinger interfaces.
//
// Grounded on the other_examples wsserver Hub (upgrade, ping loop, read
// deadline + pong handler, write-serialization discipline) adapted from a
// single-connection desktop hub into a many-connection server hub, and on
// gorilla/websocket itself (also used for transport by the
// modelcontextprotocol-go-sdk example repo).
package wsconn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/protocol"
	"github.com/web-ide-bridge/relay/internal/ratelimit"
	"github.com/web-ide-bridge/relay/internal/registry"
	"github.com/web-ide-bridge/relay/internal/router"
	"github.com/web-ide-bridge/relay/internal/status"
)

// writeDeadline bounds a single outbound frame write.
const writeDeadline = 5 * time.Second

// sendQueueDepth bounds how many outbound frames may be queued for a
// connection before new sends are dropped (§5: a slow peer never blocks the
// sender, whether that sender is the status ticker or the router).
const sendQueueDepth = 32

// upgrader is package-level and stateless, reused across every upgrade.
// CheckOrigin is permissive: the browser and desktop clients of this relay
// are not confined to a single origin, and admission is already gated by
// the rate limiter and by per-frame validation, not by Origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peer is the hub's bookkeeping for one live WebSocket connection: the
// transport, the registry record, and a bounded outbound queue drained by a
// single writer goroutine so no two goroutines ever call WriteMessage on
// the same *websocket.Conn concurrently (gorilla/websocket is not safe for
// concurrent writers).
type peer struct {
	conn    *registry.Connection
	ws      *websocket.Conn
	outbox  chan []byte
	closeCh chan struct{}
	closed  sync.Once
}

// Hub wires the bidirectional endpoint to the rest of the relay's
// components. Construct one per server lifetime.
type Hub struct {
	ctx context.Context

	reg       *registry.Registry
	rt        *router.Router
	table     *router.Table
	limiter   *ratelimit.Limiter
	log       *activity.Log
	metrics   *activity.Metrics
	broadcast *status.Broadcaster

	normalizeLineEndings bool
	connectionTimeout    time.Duration
	heartbeatInterval    time.Duration

	mu    sync.RWMutex
	peers map[string]*peer
}

// New creates a Hub. ctx is the server's lifetime context: it is used as
// the parent for the status broadcaster's ticker whenever it is armed.
func New(
	ctx context.Context,
	reg *registry.Registry,
	rt *router.Router,
	table *router.Table,
	limiter *ratelimit.Limiter,
	log *activity.Log,
	metrics *activity.Metrics,
	broadcast *status.Broadcaster,
	normalizeLineEndings bool,
	connectionTimeout time.Duration,
	heartbeatInterval time.Duration,
) *Hub {
	return &Hub{
		ctx:                  ctx,
		reg:                  reg,
		rt:                   rt,
		table:                table,
		limiter:              limiter,
		log:                  log,
		metrics:              metrics,
		broadcast:            broadcast,
		normalizeLineEndings: normalizeLineEndings,
		connectionTimeout:    connectionTimeout,
		heartbeatInterval:    heartbeatInterval,
		peers:                make(map[string]*peer),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read pump until it disconnects (§4.1: "every inbound connection ... is
// admitted, or rejected by the rate limiter").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := remoteAddr(r)
	if !h.limiter.Allow(addr) {
		h.log.Warn("connection rejected by rate limiter", "addr", addr)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		ws.Close()
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "addr", addr, "error", err.Error())
		return
	}

	conn := registry.NewConnection(uuid.NewString(), addr)
	p := &peer{
		conn:    conn,
		ws:      ws,
		outbox:  make(chan []byte, sendQueueDepth),
		closeCh: make(chan struct{}),
	}

	h.mu.Lock()
	h.peers[conn.ID] = p
	h.mu.Unlock()

	h.metrics.IncConnections()
	h.log.Info("connection opened", "addr", addr)

	ws.SetReadLimit(protocol.MaxFrameBytes + 1024)
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	go h.writePump(p)
	h.readPump(p)
}

// readPump owns the connection's establishedID (a connection has exactly
// one reader, so no lock is needed around it) and dispatches every decoded
// frame before looping for the next one.
func (h *Hub) readPump(p *peer) {
	var establishedID string

	defer h.cleanup(p, establishedID)

	for {
		_, raw, err := p.ws.ReadMessage()
		if err != nil {
			return
		}

		p.conn.Touch()
		h.metrics.IncMessagesProcessed()

		parsed, perr := protocol.Decode(raw, establishedID, h.normalizeLineEndings)
		if perr != nil {
			h.metrics.IncErrors()
			h.send(p, protocol.MarshalError(perr))
			continue
		}

		if establishedID == "" {
			oldID := p.conn.ID
			establishedID = connectionIDOf(parsed)
			p.conn.ID = establishedID
			h.mu.Lock()
			delete(h.peers, oldID)
			h.peers[establishedID] = p
			h.mu.Unlock()
		}

		h.dispatch(p, establishedID, parsed)
	}
}

// connectionIDOf extracts the connectionId that a first frame establishes.
// Every inbound shape carries the field; protocol.Decode already confirmed
// it is non-empty.
func connectionIDOf(p *protocol.Parsed) string {
	switch {
	case p.ConnectionInit != nil:
		return p.ConnectionInit.ConnectionID
	case p.BrowserConnect != nil:
		return p.BrowserConnect.ConnectionID
	case p.DesktopConnect != nil:
		return p.DesktopConnect.ConnectionID
	case p.StatusConnect != nil:
		return p.StatusConnect.ConnectionID
	case p.EditRequest != nil:
		return p.EditRequest.ConnectionID
	case p.CodeUpdate != nil:
		return p.CodeUpdate.ConnectionID
	case p.Info != nil:
		return p.Info.ConnectionID
	case p.Ping != nil:
		return p.Ping.ConnectionID
	default:
		return ""
	}
}

// dispatch implements the role-establishment half of §4.2 and forwards the
// four routed frame types to the Router.
func (h *Hub) dispatch(p *peer, connID string, parsed *protocol.Parsed) {
	switch {
	case parsed.ConnectionInit != nil:
		// Establishes the id with no role; no reply is specified.

	case parsed.BrowserConnect != nil:
		m := parsed.BrowserConnect
		desktopPresent, desktopID := h.reg.RegisterBrowser(p.conn, m.UserID)
		h.send(p, protocol.MarshalConnectionAck(connID, string(registry.RoleBrowser)))
		h.send(p, protocol.MarshalStatusUpdate(protocol.BoolPtr(desktopPresent), nil))
		if desktopPresent {
			h.sendByID(desktopID, protocol.MarshalStatusUpdate(nil, protocol.BoolPtr(true)))
		}
		h.log.Info("browser connected", "user", m.UserID, "connection", connID)

	case parsed.DesktopConnect != nil:
		m := parsed.DesktopConnect
		replacedID, browserIDs := h.reg.RegisterDesktop(p.conn, m.UserID)
		if replacedID != "" && replacedID != connID {
			h.closeByID(replacedID, "replaced by new desktop_connect")
		}
		h.send(p, protocol.MarshalConnectionAck(connID, string(registry.RoleDesktop)))
		h.send(p, protocol.MarshalStatusUpdate(nil, protocol.BoolPtr(len(browserIDs) > 0)))
		for _, bid := range browserIDs {
			h.sendByID(bid, protocol.MarshalStatusUpdate(protocol.BoolPtr(true), nil))
		}
		h.log.Info("desktop connected", "user", m.UserID, "connection", connID)

	case parsed.StatusConnect != nil:
		first := h.reg.RegisterObserver(p.conn)
		h.send(p, protocol.MarshalConnectionAck(connID, string(registry.RoleStatus)))
		h.broadcast.SendInitial(connID)
		if first {
			h.broadcast.Arm(h.ctx)
		}

	case parsed.EditRequest != nil:
		h.rt.HandleEditRequest(connID, parsed.EditRequest)

	case parsed.CodeUpdate != nil:
		h.rt.HandleCodeUpdate(connID, parsed.CodeUpdate)

	case parsed.Info != nil:
		h.rt.HandleInfo(connID, parsed.Info)

	case parsed.Ping != nil:
		h.rt.HandlePing(connID, parsed.Ping)
	}
}

// cleanup runs once the read pump returns, deregistering the connection and
// emitting the compensating status_update frames of §4.2.
func (h *Hub) cleanup(p *peer, establishedID string) {
	id := establishedID
	if id == "" {
		id = p.conn.ID
	}

	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()

	p.closed.Do(func() { close(p.closeCh) })
	p.ws.Close()

	res := h.reg.Deregister(p.conn)
	switch {
	case res.WasBrowser:
		if res.RemainingDesktopID != "" {
			h.sendByID(res.RemainingDesktopID, protocol.MarshalStatusUpdate(nil, protocol.BoolPtr(false)))
		}
	case res.WasDesktop:
		for _, bid := range res.RemainingBrowserIDs {
			h.sendByID(bid, protocol.MarshalStatusUpdate(protocol.BoolPtr(false), nil))
		}
	case res.WasObserver:
		if res.LastObserver {
			h.broadcast.Disarm()
		}
	}

	h.log.Info("connection closed", "connection", id)
}

// writePump is the only goroutine that ever calls WriteMessage on this
// connection's transport.
func (h *Hub) writePump(p *peer) {
	for {
		select {
		case <-p.closeCh:
			return
		case frame, ok := <-p.outbox:
			if !ok {
				return
			}
			p.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := p.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// send enqueues a frame for a peer already in hand, dropping it if the
// outbox is full rather than blocking the caller (§5).
func (h *Hub) send(p *peer, frame []byte) {
	select {
	case p.outbox <- frame:
	default:
		h.log.Warn("outbound queue full, dropping frame", "connection", p.conn.ID)
	}
}

// sendByID looks up a connection by id and enqueues a frame for it; a
// missing id is silently a no-op, matching the "slight skew is acceptable"
// tolerance of §5.
func (h *Hub) sendByID(connID string, frame []byte) {
	h.mu.RLock()
	p, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.send(p, frame)
}

// closeByID forcibly closes a connection, used when a desktop_connect
// replaces a prior desktop for the same user (last-writer-wins, §4.2).
func (h *Hub) closeByID(connID string, reason string) {
	h.mu.RLock()
	p, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	p.closed.Do(func() { close(p.closeCh) })
	p.ws.Close()
	h.log.Info("connection closed", "connection", connID, "reason", reason)
}

// Send implements router.Sender and status.Sender.
func (h *Hub) Send(connID string, frame []byte) {
	h.sendByID(connID, frame)
}

// Ping implements liveness.Pinger: a transport-level WebSocket ping,
// answered by the pong handler installed in ServeHTTP (§4.4).
func (h *Hub) Ping(connID string) {
	h.mu.RLock()
	p, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
		h.closeByID(connID, "ping failure")
	}
}

// Close implements liveness.Pinger's other half: forcibly disconnects a
// connection that failed its heartbeat or its init timeout (§4.4).
func (h *Hub) Close(connID string, reason string) {
	h.closeByID(connID, reason)
}

// AllConnections implements liveness.ConnectionLister across every live
// connection, including ones that have not yet established a role — unlike
// registry.Registry.AllConnections, which by design only knows about
// role-established connections (§3).
func (h *Hub) AllConnections() []*registry.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*registry.Connection, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.conn)
	}
	return out
}

// Count reports the number of live connections, for the status snapshot.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Shutdown sends a 1001 close frame to every live connection, waits up to
// perConnTimeout for each to finish closing on its own, and force-closes
// whatever remains (spec §4.9 shutdown step 3).
func (h *Hub) Shutdown(perConnTimeout time.Duration) {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))

			select {
			case <-p.closeCh:
			case <-time.After(perConnTimeout):
			}
			p.closed.Do(func() { close(p.closeCh) })
			p.ws.Close()
		}(p)
	}
	wg.Wait()
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
