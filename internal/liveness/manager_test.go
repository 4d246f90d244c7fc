package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/registry"
	"github.com/web-ide-bridge/relay/internal/router"
)

type fakeLister struct {
	mu    sync.Mutex
	conns []*registry.Connection
}

func (f *fakeLister) AllConnections() []*registry.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*registry.Connection, len(f.conns))
	copy(out, f.conns)
	return out
}

type fakePinger struct {
	mu     sync.Mutex
	pinged []string
	closed []string
}

func (f *fakePinger) Ping(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinged = append(f.pinged, id)
}

func (f *fakePinger) Close(id string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

type fakeRateStore struct{ purged int }

func (f *fakeRateStore) PurgeExpired() { f.purged++ }

func TestHeartbeatPingsAliveAndClosesDead(t *testing.T) {
	alive := registry.NewConnection("A1", "addr")
	dead := registry.NewConnection("A2", "addr")
	dead.ClearAlive()

	lister := &fakeLister{conns: []*registry.Connection{alive, dead}}
	pinger := &fakePinger{}
	m := New(lister, router.NewTable(), pinger, &fakeRateStore{}, activity.NewLog(10))
	m.HeartbeatInterval = 10 * time.Millisecond

	m.sweepHeartbeat()

	if len(pinger.pinged) != 1 || pinger.pinged[0] != "A1" {
		t.Fatalf("expected A1 pinged, got %v", pinger.pinged)
	}
	if len(pinger.closed) != 1 || pinger.closed[0] != "A2" {
		t.Fatalf("expected A2 closed, got %v", pinger.closed)
	}
	if alive.IsAlive() {
		t.Fatal("alive connection's flag should be cleared ahead of the next ping")
	}
}

func TestInitTimeoutClosesStaleUninitialized(t *testing.T) {
	stale := registry.NewConnection("U1", "addr")
	lister := &fakeLister{conns: []*registry.Connection{stale}}
	pinger := &fakePinger{}
	m := New(lister, router.NewTable(), pinger, &fakeRateStore{}, activity.NewLog(10))
	m.ConnectionTimeout = time.Millisecond

	time.Sleep(5 * time.Millisecond)
	m.sweepInitTimeout()

	if len(pinger.closed) != 1 || pinger.closed[0] != "U1" {
		t.Fatalf("expected U1 closed for init timeout, got %v", pinger.closed)
	}
}

func TestInitTimeoutLeavesRoleEstablishedAlone(t *testing.T) {
	browser := registry.NewConnection("B1", "addr")
	browser.Role = registry.RoleBrowser
	lister := &fakeLister{conns: []*registry.Connection{browser}}
	pinger := &fakePinger{}
	m := New(lister, router.NewTable(), pinger, &fakeRateStore{}, activity.NewLog(10))
	m.ConnectionTimeout = time.Millisecond

	time.Sleep(5 * time.Millisecond)
	m.sweepInitTimeout()

	if len(pinger.closed) != 0 {
		t.Fatalf("role-established connection should not be closed by init timeout, got %v", pinger.closed)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := New(&fakeLister{}, router.NewTable(), &fakePinger{}, &fakeRateStore{}, activity.NewLog(10))
	m.HeartbeatInterval = time.Millisecond
	m.ConnectionTimeout = time.Millisecond
	m.SessionCleanupInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
