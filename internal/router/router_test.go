package router

import (
	"encoding/json"
	"testing"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/protocol"
	"github.com/web-ide-bridge/relay/internal/registry"
)

type fakeSender struct {
	sent map[string][][]byte
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(map[string][][]byte)} }

func (f *fakeSender) Send(connID string, frame []byte) {
	f.sent[connID] = append(f.sent[connID], frame)
}

func (f *fakeSender) last(connID string) map[string]any {
	frames := f.sent[connID]
	if len(frames) == 0 {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(frames[len(frames)-1], &m)
	return m
}

func newTestRouter() (*Router, *registry.Registry, *fakeSender) {
	reg := registry.New()
	sender := newFakeSender()
	rt := New(reg, NewTable(), sender, activity.NewLog(100), activity.NewMetrics())
	return rt, reg, sender
}

// Scenario 1 (§8): happy path.
func TestHappyPathEditThenUpdate(t *testing.T) {
	rt, reg, sender := newTestRouter()
	reg.RegisterDesktop(registry.NewConnection("D1", "addr"), "alice")
	reg.RegisterBrowser(registry.NewConnection("B1", "addr"), "alice")

	rt.HandleEditRequest("B1", &protocol.EditRequestIn{
		ConnectionID: "B1", UserID: "alice", SnippetID: "t1", Code: "x=1\n", FileType: "js",
	})
	got := sender.last("D1")
	if got["type"] != "edit_request" || got["snippetId"] != "t1" {
		t.Fatalf("desktop did not receive edit_request: %+v", got)
	}

	rt.HandleCodeUpdate("D1", &protocol.CodeUpdateIn{
		ConnectionID: "D1", UserID: "alice", SnippetID: "t1", Code: "x=2\n",
	})
	got = sender.last("B1")
	if got["type"] != "code_update" || got["code"] != "x=2\n" {
		t.Fatalf("browser did not receive code_update: %+v", got)
	}
}

// Scenario 2 (§8): re-edit re-pins.
func TestReEditRePins(t *testing.T) {
	rt, reg, sender := newTestRouter()
	reg.RegisterDesktop(registry.NewConnection("D1", "addr"), "alice")
	reg.RegisterBrowser(registry.NewConnection("B1", "addr"), "alice")
	reg.RegisterBrowser(registry.NewConnection("B2", "addr"), "alice")

	rt.HandleEditRequest("B1", &protocol.EditRequestIn{UserID: "alice", SnippetID: "t1", Code: "x=1\n", FileType: "js"})
	rt.HandleEditRequest("B2", &protocol.EditRequestIn{UserID: "alice", SnippetID: "t1", Code: "y=3\n", FileType: "js"})

	rt.HandleCodeUpdate("D1", &protocol.CodeUpdateIn{UserID: "alice", SnippetID: "t1", Code: "z=4\n"})

	if sender.last("B1") != nil {
		t.Error("B1 (original browser) should not receive the code_update after re-pin")
	}
	got := sender.last("B2")
	if got == nil || got["type"] != "code_update" {
		t.Fatalf("B2 (re-pinned browser) should receive code_update, got %+v", got)
	}
}

// Scenario 3 (§8): missing desktop.
func TestMissingDesktopErrors(t *testing.T) {
	rt, reg, sender := newTestRouter()
	reg.RegisterBrowser(registry.NewConnection("B1", "addr"), "alice")

	rt.HandleEditRequest("B1", &protocol.EditRequestIn{UserID: "alice", SnippetID: "t1", Code: "x", FileType: "js"})

	got := sender.last("B1")
	if got["type"] != "error" {
		t.Fatalf("expected error frame, got %+v", got)
	}
	if _, ok := rt.table.Lookup("alice", "t1"); ok {
		t.Fatal("no edit session should be created when there is no desktop")
	}
}

// Scenario 4 (§8): browser gone.
func TestBrowserGoneSendsInfoToDesktop(t *testing.T) {
	rt, reg, sender := newTestRouter()
	reg.RegisterDesktop(registry.NewConnection("D1", "addr"), "alice")
	b1 := registry.NewConnection("B1", "addr")
	reg.RegisterBrowser(b1, "alice")

	rt.HandleEditRequest("B1", &protocol.EditRequestIn{UserID: "alice", SnippetID: "t1", Code: "x", FileType: "js"})
	reg.Deregister(b1)

	rt.HandleCodeUpdate("D1", &protocol.CodeUpdateIn{UserID: "alice", SnippetID: "t1", Code: "y"})

	got := sender.last("D1")
	if got["type"] != "info" || got["snippetId"] != "t1" {
		t.Fatalf("expected info frame to desktop, got %+v", got)
	}
	if _, ok := rt.table.Lookup("alice", "t1"); !ok {
		t.Fatal("edit session should survive a disconnected browser")
	}
}

func TestCodeUpdateExpiredSessionSendsInfoNotError(t *testing.T) {
	rt, _, sender := newTestRouter()
	rt.HandleCodeUpdate("D1", &protocol.CodeUpdateIn{UserID: "alice", SnippetID: "gone", Code: "y"})
	got := sender.last("D1")
	if got["type"] != "info" {
		t.Fatalf("expected info frame for expired session, got %+v", got)
	}
}

func TestInfoPassthrough(t *testing.T) {
	rt, reg, sender := newTestRouter()
	reg.RegisterDesktop(registry.NewConnection("D1", "addr"), "alice")

	rt.HandleInfo("B1", &protocol.InfoIn{UserID: "alice", SnippetID: "t1", Message: "hello"})
	got := sender.last("D1")
	if got["type"] != "info" || got["message"] != "hello" {
		t.Fatalf("info not forwarded verbatim: %+v", got)
	}
}

func TestPingPong(t *testing.T) {
	rt, _, sender := newTestRouter()
	rt.HandlePing("B1", &protocol.PingIn{ConnectionID: "B1"})
	got := sender.last("B1")
	if got["type"] != "pong" {
		t.Fatalf("expected pong, got %+v", got)
	}
}
