// Package relay is the Lifecycle Manager of spec §4.9: it owns the
// component graph, starts the HTTP and bidirectional listeners, and drives
// the six-step graceful shutdown sequence. Grounded on the teacher's
// internal/server.Server.Run (signal channel race against a listen-error
// channel, context-cancelled background tickers, http.Server.Shutdown with
// a bounded context) generalized from one HTTP server to this spec's two
// transports sharing one listener.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/config"
	"github.com/web-ide-bridge/relay/internal/httpapi"
	"github.com/web-ide-bridge/relay/internal/liveness"
	"github.com/web-ide-bridge/relay/internal/ratelimit"
	"github.com/web-ide-bridge/relay/internal/registry"
	"github.com/web-ide-bridge/relay/internal/router"
	"github.com/web-ide-bridge/relay/internal/status"
	"github.com/web-ide-bridge/relay/internal/wsconn"
)

// closeGracePeriod is how long Shutdown waits for each live connection to
// close on its own before force-terminating it (spec §4.9 step 3).
const closeGracePeriod = time.Second

// Server is the composition root: every component in spec §2's table is
// constructed here and nowhere else.
type Server struct {
	cfg     *config.Config
	version string

	reg        *registry.Registry
	table      *router.Table
	limiter    *ratelimit.Limiter
	log        *activity.Log
	logHandler *activity.LogHandler
	metrics    *activity.Metrics
	live       *liveness.Manager
	broadcast  *status.Broadcaster
	hub        *wsconn.Hub

	httpServer *http.Server
	listener   net.Listener

	// lifecycleCtx is the parent context for every background ticker (the
	// three liveness loops and the status broadcaster's ticker, whenever
	// armed). Cancelling it is shutdown step 2 (§4.9): "stop heartbeat,
	// cleanup, and status tickers" before step 3 closes connections.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
}

// New constructs the full component graph from a validated configuration
// and the process-wide log handler main already installed as slog's
// default. It does not start anything; call Run for that.
func New(cfg *config.Config, logHandler *activity.LogHandler, version string) *Server {
	reg := registry.New()
	table := router.NewTable()
	log := activity.NewLog(activity.DefaultCapacity)
	metrics := activity.NewMetrics()
	limiter := ratelimit.New(
		time.Duration(cfg.Security.RateLimiting.WindowMs)*time.Millisecond,
		cfg.Security.RateLimiting.MaxRequests,
		cfg.Security.RateLimiting.Enabled,
	)

	lifecycleCtx, lifecycleCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:             cfg,
		version:         version,
		reg:             reg,
		table:           table,
		limiter:         limiter,
		log:             log,
		logHandler:      logHandler,
		metrics:         metrics,
		lifecycleCtx:    lifecycleCtx,
		lifecycleCancel: lifecycleCancel,
	}

	rt := router.New(reg, table, nil, log, metrics)

	var hub *wsconn.Hub
	broadcast := status.New(
		func() []string {
			obs := reg.Observers()
			ids := make([]string, len(obs))
			for i, c := range obs {
				ids[i] = c.ID
			}
			return ids
		},
		func() []byte { return s.snapshotDeps().MarshalSnapshot() },
		senderTo(func(id string, frame []byte) {
			if hub != nil {
				hub.Send(id, frame)
			}
		}),
	)
	s.broadcast = broadcast

	hub = wsconn.New(
		lifecycleCtx, reg, rt, table, limiter, log, metrics, broadcast,
		cfg.NormalizeLineEndings,
		time.Duration(cfg.Server.ConnectionTimeout)*time.Millisecond,
		time.Duration(cfg.Server.HeartbeatInterval)*time.Millisecond,
	)
	// rt was built before hub existed (hub is rt's Sender); rebuild it now
	// that hub can satisfy router.Sender, status.Sender, and liveness.Pinger.
	*rt = *router.New(reg, table, hub, log, metrics)

	s.hub = hub
	s.live = liveness.New(hub, table, hub, limiter, log)
	s.live.HeartbeatInterval = time.Duration(cfg.Server.HeartbeatInterval) * time.Millisecond
	s.live.ConnectionTimeout = time.Duration(cfg.Server.ConnectionTimeout) * time.Millisecond
	s.live.SessionCleanupInterval = time.Duration(cfg.Cleanup.SessionCleanupInterval) * time.Millisecond
	s.live.MaxSessionAge = time.Duration(cfg.Cleanup.MaxSessionAge) * time.Millisecond

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WebsocketEndpoint, hub)
	mux.Handle("/", httpapi.NewMux(s.snapshotDeps()))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	return s
}

func (s *Server) snapshotDeps() httpapi.Deps {
	return httpapi.Deps{
		Config:     s.cfg,
		Version:    s.version,
		Registry:   s.reg,
		Table:      s.table,
		Log:        s.log,
		LogHandler: s.logHandler,
		Metrics:    s.metrics,
		Hub:        s.hub,
		StartedAt:  s.metrics.StartTime(),
	}
}

// senderTo adapts a plain function to router.Sender/status.Sender.
type senderTo func(connID string, frame []byte)

func (f senderTo) Send(connID string, frame []byte) { f(connID, frame) }

// Run starts the listener and every background loop, then blocks until a
// shutdown signal or a listen error, running the shutdown sequence before
// returning (spec §4.9).
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.lifecycleCancel()
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = netutil.LimitListener(ln, s.cfg.Server.MaxConnections)

	go s.live.Run(s.lifecycleCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", s.httpServer.Addr, "websocketEndpoint", s.cfg.Server.WebsocketEndpoint)
		errCh <- s.httpServer.Serve(s.listener)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		s.lifecycleCancel()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown runs spec §4.9's six-step graceful sequence. It is idempotent:
// a second call returns immediately.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	// Step 2: stop the heartbeat, init-timeout, and session/rate-limit
	// reaper loops (by cancelling their shared context), then disarm the
	// status broadcaster so its armed flag is cleared. Each loop stops its
	// ticker when it observes the cancellation; Shutdown does not wait for
	// the loops to exit.
	s.lifecycleCancel()
	s.broadcast.Disarm()

	// Step 3: close every live connection with a 1001 close frame, waiting
	// up to one second each before force-terminating.
	s.hub.Shutdown(closeGracePeriod)

	// Step 4: close the bidirectional endpoint, then the HTTP listener.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	// Step 5: clear all in-memory collections.
	s.reg.Clear()
	s.table.Clear()

	// Step 6 (unregistering signal handlers) is done by Run's deferred
	// signal.Stop once this method returns.
	return err
}
