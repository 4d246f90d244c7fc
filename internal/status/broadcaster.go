// Package status implements the shared 1 Hz status ticker of spec §4.6: a
// single snapshot is built per tick and delivered to every subscribed
// status observer. Grounded on the teacher's internal/events.Bus
// non-blocking fan-out idiom (select/default so one slow subscriber never
// stalls the tick) and on its ring-buffer Subscribe/Unsubscribe shape.
package status

import (
	"context"
	"sync"
	"time"
)

// Sender delivers a status frame to one observer connection.
type Sender interface {
	Send(connID string, frame []byte)
}

// SnapshotBuilder produces the current status payload. Implemented by the
// server composition root, which has visibility into the registry, the
// edit-session table, and the metrics/activity log (§4.6: "connection
// counts by role, total-since-start, user count, active edit-session
// count, totals, uptime, memory usage, recent activity log entries,
// selected configuration values").
type SnapshotBuilder func() []byte

// Broadcaster arms a single ticker whenever at least one observer is
// registered, and disarms it when the last observer leaves (§4.6).
type Broadcaster struct {
	mu       sync.Mutex
	observer func() []string // returns current observer connection ids
	build    SnapshotBuilder
	sender   Sender
	interval time.Duration

	armed  bool
	cancel context.CancelFunc
}

// New creates a Broadcaster. observerIDs returns the live observer
// connection ids at tick time (a point-in-time read, consistent with §5's
// "slight skew across collections is acceptable").
func New(observerIDs func() []string, build SnapshotBuilder, sender Sender) *Broadcaster {
	return &Broadcaster{
		observer: observerIDs,
		build:    build,
		sender:   sender,
		interval: time.Second,
	}
}

// Arm starts the ticker if it is not already running (§4.2: "status_connect
// adds the connection to the observer set and, if this is the first
// observer, arms the shared status ticker").
func (b *Broadcaster) Arm(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed {
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.armed = true
	go b.run(tickCtx)
}

// Disarm stops the ticker (§4.2: "if the last observer leaves, disarm the
// shared status ticker").
func (b *Broadcaster) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		return
	}
	b.cancel()
	b.armed = false
}

func (b *Broadcaster) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Broadcaster) tick() {
	ids := b.observer()
	if len(ids) == 0 {
		return
	}
	frame := b.build()
	for _, id := range ids {
		b.sender.Send(id, frame)
	}
}

// SendInitial pushes one snapshot synchronously to a newly connected
// observer so its UI is never blank (§4.6).
func (b *Broadcaster) SendInitial(connID string) {
	b.sender.Send(connID, b.build())
}
