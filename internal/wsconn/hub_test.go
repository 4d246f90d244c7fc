package wsconn

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/ratelimit"
	"github.com/web-ide-bridge/relay/internal/registry"
	"github.com/web-ide-bridge/relay/internal/router"
	"github.com/web-ide-bridge/relay/internal/status"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	reg := registry.New()
	table := router.NewTable()
	log := activity.NewLog(50)
	metrics := activity.NewMetrics()
	rt := router.New(reg, table, nil, log, metrics)
	limiter := ratelimit.New(time.Second, 1000, false)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var hub *Hub
	broadcast := status.New(
		func() []string {
			ids := make([]string, 0)
			for _, c := range reg.Observers() {
				ids = append(ids, c.ID)
			}
			return ids
		},
		func() []byte { b, _ := json.Marshal(map[string]int{"browsers": 0}); return b },
		senderFunc(func(id string, frame []byte) { hub.Send(id, frame) }),
	)

	hub = New(ctx, reg, rt, table, limiter, log, metrics, broadcast, true, time.Second, time.Second)
	// router needs the hub as its Sender; rebuild with it now that hub exists.
	rt2 := router.New(reg, table, hub, log, metrics)
	hub.rt = rt2

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

type senderFunc func(connID string, frame []byte)

func (f senderFunc) Send(connID string, frame []byte) { f(connID, frame) }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("invalid JSON frame %q: %v", raw, err)
	}
	return m
}

func TestDesktopBrowserEditRoundTrip(t *testing.T) {
	_, srv := newTestHub(t)

	desktop := dial(t, srv)
	desktop.WriteJSON(map[string]any{"type": "desktop_connect", "connectionId": "D1", "userId": "alice"})
	ack := readFrame(t, desktop)
	if ack["type"] != "connection_ack" || ack["role"] != "desktop" {
		t.Fatalf("unexpected desktop ack: %v", ack)
	}
	readFrame(t, desktop) // status_update{browserConnected:false}

	browser := dial(t, srv)
	browser.WriteJSON(map[string]any{"type": "browser_connect", "connectionId": "B1", "userId": "alice"})
	ack = readFrame(t, browser)
	if ack["type"] != "connection_ack" || ack["role"] != "browser" {
		t.Fatalf("unexpected browser ack: %v", ack)
	}
	readFrame(t, browser) // status_update{desktopConnected:true}
	readFrame(t, desktop) // status_update{browserConnected:true}

	browser.WriteJSON(map[string]any{
		"type": "edit_request", "connectionId": "B1", "userId": "alice",
		"snippetId": "t1", "code": "x=1\n", "fileType": "js",
	})

	req := readFrame(t, desktop)
	if req["type"] != "edit_request" || req["snippetId"] != "t1" {
		t.Fatalf("desktop did not receive edit_request: %v", req)
	}

	desktop.WriteJSON(map[string]any{
		"type": "code_update", "connectionId": "D1", "userId": "alice",
		"snippetId": "t1", "code": "x=2\n",
	})

	update := readFrame(t, browser)
	if update["type"] != "code_update" || update["code"] != "x=2\n" {
		t.Fatalf("browser did not receive code_update: %v", update)
	}
}

func TestEditRequestWithoutDesktopErrors(t *testing.T) {
	_, srv := newTestHub(t)

	browser := dial(t, srv)
	browser.WriteJSON(map[string]any{"type": "browser_connect", "connectionId": "B1", "userId": "bob"})
	readFrame(t, browser) // connection_ack
	readFrame(t, browser) // status_update

	browser.WriteJSON(map[string]any{
		"type": "edit_request", "connectionId": "B1", "userId": "bob",
		"snippetId": "t1", "code": "x", "fileType": "js",
	})

	errFrame := readFrame(t, browser)
	if errFrame["type"] != "error" || errFrame["code"] != "no_desktop" {
		t.Fatalf("expected no_desktop error, got %v", errFrame)
	}
}

func TestPingPongOverWire(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	conn.WriteJSON(map[string]any{"type": "connection_init", "connectionId": "X1"})
	conn.WriteJSON(map[string]any{"type": "ping", "connectionId": "X1"})
	pong := readFrame(t, conn)
	if pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong)
	}
}

func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	errFrame := readFrame(t, conn)
	if errFrame["type"] != "error" || errFrame["code"] != "malformed_frame" {
		t.Fatalf("expected malformed_frame error, got %v", errFrame)
	}

	conn.WriteJSON(map[string]any{"type": "connection_init", "connectionId": "Y1"})
	conn.WriteJSON(map[string]any{"type": "ping", "connectionId": "Y1"})
	pong := readFrame(t, conn)
	if pong["type"] != "pong" {
		t.Fatalf("connection should still be usable after a malformed frame, got %v", pong)
	}
}
