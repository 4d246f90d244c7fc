// Package liveness drives the three independent timers of spec §4.4:
// heartbeat, per-connection init timeout, and the session/rate-limit
// reaper. Grounded on the teacher's internal/ratelimit.Manager.RunCleanup
// and internal/server.runLogPurge ticker-loop idiom: each loop owns a
// time.Ticker, stops it on ctx.Done, and is started as its own goroutine
// from Server.Run.
package liveness

import (
	"context"
	"time"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/registry"
	"github.com/web-ide-bridge/relay/internal/router"
)

// Pinger is implemented by the bidirectional-endpoint hub: it sends a
// transport-level ping to a connection, or force-closes it.
type Pinger interface {
	Ping(connID string)
	Close(connID string, reason string)
}

// ConnectionLister enumerates every live connection the hub currently
// holds, including ones still in the uninitialized role — the Registry
// alone cannot answer this because, per §3's invariant, an uninitialized
// connection belongs to none of the Registry's role maps yet.
type ConnectionLister interface {
	AllConnections() []*registry.Connection
}

// RateLimitStore is implemented by the rate limiter so the reaper can
// purge elapsed windows on the same ticker as session expiry (§4.4).
type RateLimitStore interface {
	PurgeExpired()
}

type Manager struct {
	lister    ConnectionLister
	table     *router.Table
	pinger    Pinger
	rateStore RateLimitStore
	log       *activity.Log

	HeartbeatInterval      time.Duration
	ConnectionTimeout      time.Duration
	SessionCleanupInterval time.Duration
	MaxSessionAge          time.Duration
}

func New(lister ConnectionLister, table *router.Table, pinger Pinger, rateStore RateLimitStore, log *activity.Log) *Manager {
	return &Manager{
		lister:                 lister,
		table:                  table,
		pinger:                 pinger,
		rateStore:              rateStore,
		log:                    log,
		HeartbeatInterval:      30 * time.Second,
		ConnectionTimeout:      300 * time.Second,
		SessionCleanupInterval: 5 * time.Minute,
		MaxSessionAge:          24 * time.Hour,
	}
}

// Run starts all three timer loops and blocks until ctx is cancelled,
// matching §4.4's "cancellation on shutdown" requirement.
func (m *Manager) Run(ctx context.Context) {
	go m.runHeartbeat(ctx)
	go m.runInitTimeout(ctx)
	go m.runReaper(ctx)
	<-ctx.Done()
}

func (m *Manager) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepHeartbeat()
		}
	}
}

func (m *Manager) sweepHeartbeat() {
	for _, c := range m.lister.AllConnections() {
		if !c.IsAlive() {
			m.pinger.Close(c.ID, "heartbeat timeout")
			continue
		}
		c.ClearAlive()
		m.pinger.Ping(c.ID)
	}
}

func (m *Manager) runInitTimeout(ctx context.Context) {
	// Swept at a finer grain than the configured timeout so a connection is
	// closed reasonably close to its deadline.
	interval := m.ConnectionTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepInitTimeout()
		}
	}
}

func (m *Manager) sweepInitTimeout() {
	cutoff := time.Now().Add(-m.ConnectionTimeout)
	for _, c := range m.lister.AllConnections() {
		if c.Role == registry.RoleUninitialized && c.LastActivity().Before(cutoff) {
			m.pinger.Close(c.ID, "connection timeout")
		}
	}
}

func (m *Manager) runReaper(ctx context.Context) {
	ticker := time.NewTicker(m.SessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := m.table.ExpireOlderThan(m.MaxSessionAge)
			if n > 0 {
				m.log.Info("expired edit sessions", "count", n)
			}
			m.rateStore.PurgeExpired()
		}
	}
}
