// Package httpapi is the relay's HTTP surface (spec §4.8): health, status,
// debug, and static assets, plus the middleware common to all of them.
//
// Grounded on the teacher's internal/server/server.go route-registration
// style (a plain http.ServeMux, Go 1.22 method-prefixed patterns) with the
// auth-wrapping middleware removed (this spec has no authentication), and
// on vcavallo-nostr-hypermedia's gzipMiddleware/securityHeaders/health-
// liveness-readiness handlers, rewritten for this domain's routes and for
// JSON-vs-HTML content negotiation instead of that repo's HTML-only pages.
package httpapi

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/config"
	"github.com/web-ide-bridge/relay/internal/protocol"
	"github.com/web-ide-bridge/relay/internal/registry"
	"github.com/web-ide-bridge/relay/internal/router"
)

// ConnectionCounter is the one thing the HTTP surface needs from the
// bidirectional endpoint's hub: how many transports are currently open
// (including ones that have not yet established a role). Kept as an
// interface rather than importing internal/wsconn directly so the two
// packages can be read and tested independently.
type ConnectionCounter interface {
	Count() int
}

// Deps is every collaborator the HTTP surface reads from; it owns none of
// them.
type Deps struct {
	Config     *config.Config
	Version    string
	Registry   *registry.Registry
	Table      *router.Table
	Log        *activity.Log
	LogHandler *activity.LogHandler
	Metrics    *activity.Metrics
	Hub        ConnectionCounter
	StartedAt  time.Time
}

// NewMux builds the complete HTTP handler, wrapping every route with
// gzip compression, security headers, panic recovery, and CORS (spec
// §4.8: "applied consistently to all HTTP responses; all are configurable").
func NewMux(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+d.Config.Paths.Health, d.handleHealth)
	mux.HandleFunc("GET "+d.Config.Paths.Status, d.handleStatus)
	mux.HandleFunc("GET "+d.Config.Paths.Debug, d.handleDebug)
	mux.Handle(d.Config.Paths.Assets, http.StripPrefix(d.Config.Paths.Assets, http.FileServer(http.Dir("assets"))))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, d.Config.Paths.Status, http.StatusFound)
	})

	var handler http.Handler = mux
	handler = cors(d.Config.CORS.Origin, handler)
	handler = securityHeaders(d.Log, handler)
	handler = accessLog(handler)
	handler = gzhttp.Wrap(handler)
	return handler
}

// handleHealth is a plain liveness probe: the process is up and answering
// (spec §4.8: "status, version, uptime, timestamp").
func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   d.Version,
		"uptime":    time.Since(d.StartedAt).String(),
		"timestamp": time.Now(),
	})
}

// handleStatus serves the same snapshot the status broadcaster sends over
// the bidirectional endpoint (spec §4.6), as JSON by default or a minimal
// HTML page when the requester looks like a browser.
func (d Deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := d.BuildSnapshot()
	if wantsHTML(r) {
		writeStatusHTML(w, snap, d.Config.Server.WebsocketEndpoint)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDebug is gated on debug mode or a test environment (spec §4.8:
// "available only when debug mode is on or the environment is 'test'").
func (d Deps) handleDebug(w http.ResponseWriter, r *http.Request) {
	if !d.Config.Debug && d.Config.Env != "test" {
		http.NotFound(w, r)
		return
	}

	var recentLogs any
	if d.LogHandler != nil {
		recentLogs = d.LogHandler.Recent()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":       d.BuildSnapshot(),
		"editSessions":   d.Table.All(),
		"recentActivity": d.Log.Recent(d.Log.Len()),
		"recentLogs":     recentLogs,
		"config":         d.Config,
	})
}

// Snapshot is the shape shared by the HTTP /status endpoint and the `data`
// field of every `status` frame delivered to WebSocket observers (spec §4.6).
type Snapshot struct {
	Connections struct {
		Browsers  int `json:"browsers"`
		Desktops  int `json:"desktops"`
		Observers int `json:"observers"`
		Total     int `json:"total"`
	} `json:"connections"`
	Users             int              `json:"users"`
	ActiveEditSessions int             `json:"activeEditSessions"`
	Metrics           activity.Snapshot `json:"metrics"`
	MemoryAllocBytes  uint64           `json:"memoryAllocBytes"`
	RecentActivity    []activity.Entry `json:"recentActivity"`
	Config            struct {
		Port              int  `json:"port"`
		MaxConnections    int  `json:"maxConnections"`
		HeartbeatInterval int  `json:"heartbeatIntervalMs"`
		RateLimitingOn    bool `json:"rateLimitingEnabled"`
	} `json:"config"`
}

// BuildSnapshot assembles one point-in-time Snapshot (spec §4.6: "slight
// skew across collections is acceptable").
func (d Deps) BuildSnapshot() Snapshot {
	var snap Snapshot
	browsers, desktops, observers, users := d.Registry.Counts()
	snap.Connections.Browsers = browsers
	snap.Connections.Desktops = desktops
	snap.Connections.Observers = observers
	if d.Hub != nil {
		snap.Connections.Total = d.Hub.Count()
	} else {
		snap.Connections.Total = browsers + desktops + observers
	}
	snap.Users = users
	snap.ActiveEditSessions = d.Table.Count()
	snap.Metrics = d.Metrics.Snapshot()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.MemoryAllocBytes = mem.Alloc

	snap.RecentActivity = d.Log.Recent(20)

	snap.Config.Port = d.Config.Server.Port
	snap.Config.MaxConnections = d.Config.Server.MaxConnections
	snap.Config.HeartbeatInterval = d.Config.Server.HeartbeatInterval
	snap.Config.RateLimitingOn = d.Config.Security.RateLimiting.Enabled

	return snap
}

// MarshalSnapshot encodes a Snapshot as the `status` frame the status
// broadcaster delivers over the bidirectional endpoint (§4.6). The frame
// wraps the Snapshot under `data`; the HTTP /status JSON is the bare
// Snapshot, so both views carry the same snapshot shape.
func (d Deps) MarshalSnapshot() []byte {
	return protocol.MarshalStatus(d.BuildSnapshot())
}

// statusPageData adds the bidirectional endpoint's path to a Snapshot so
// the page's own script knows where to open its WebSocket.
type statusPageData struct {
	Snapshot
	WebsocketEndpoint string
}

// statusPage renders the initial snapshot server-side, then opens its own
// WebSocket connection and sends status_connect, replacing the rendered
// numbers with every live `status` frame it receives — the self-contained
// live dashboard of spec §4.8, not a one-shot page.
var statusPage = template.Must(template.New("status").Funcs(template.FuncMap{
	"escaped": func(s string) template.HTML { return template.HTML(s) },
}).Parse(`<!doctype html>
<html><head><title>web-ide-bridge status</title></head>
<body>
<h1>web-ide-bridge relay</h1>
<p>browsers: <span id="browsers">{{.Connections.Browsers}}</span>
 | desktops: <span id="desktops">{{.Connections.Desktops}}</span>
 | observers: <span id="observers">{{.Connections.Observers}}</span></p>
<p>users: <span id="users">{{.Users}}</span>
 | active edit sessions: <span id="sessions">{{.ActiveEditSessions}}</span></p>
<p>messages processed: <span id="messages">{{.Metrics.MessagesProcessed}}</span>
 | errors: <span id="errors">{{.Metrics.Errors}}</span>
 | uptime: <span id="uptime">{{.Metrics.Uptime}}</span></p>
<p id="live">connecting...</p>
<h2>recent activity</h2>
<ul id="activity">
{{range .RecentActivity}}<li>[{{.Severity}}] {{escaped .Message}}</li>
{{end}}
</ul>
<script>
(function() {
  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  var ws = new WebSocket(proto + "//" + location.host + "{{.WebsocketEndpoint}}");
  var connectionId = (crypto.randomUUID ? crypto.randomUUID() : String(Date.now()) + "-" + Math.random());

  ws.onopen = function() {
    ws.send(JSON.stringify({type: "status_connect", connectionId: connectionId}));
    document.getElementById("live").textContent = "live";
  };
  ws.onclose = function() {
    document.getElementById("live").textContent = "disconnected";
  };
  ws.onmessage = function(ev) {
    var msg;
    try { msg = JSON.parse(ev.data); } catch (e) { return; }
    if (msg.type !== "status") return;
    render(msg.data);
  };

  function render(d) {
    document.getElementById("browsers").textContent = d.connections.browsers;
    document.getElementById("desktops").textContent = d.connections.desktops;
    document.getElementById("observers").textContent = d.connections.observers;
    document.getElementById("users").textContent = d.users;
    document.getElementById("sessions").textContent = d.activeEditSessions;
    document.getElementById("messages").textContent = d.metrics.messagesProcessed;
    document.getElementById("errors").textContent = d.metrics.errors;
    document.getElementById("uptime").textContent = d.metrics.uptime;

    var ul = document.getElementById("activity");
    ul.innerHTML = "";
    (d.recentActivity || []).forEach(function(e) {
      var li = document.createElement("li");
      li.innerHTML = "[" + e.severity + "] " + e.message;
      ul.appendChild(li);
    });
  }
})();
</script>
</body></html>
`))

func writeStatusHTML(w http.ResponseWriter, snap Snapshot, websocketEndpoint string) {
	// The inline script needs to run and to open its own WebSocket, which
	// the default security headers' CSP (default-src 'self', no script-src)
	// would otherwise block.
	w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss:")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := statusPageData{Snapshot: snap, WebsocketEndpoint: websocketEndpoint}
	if err := statusPage.Execute(w, data); err != nil {
		slog.Error("rendering status page", "error", err)
	}
}

// wantsHTML sniffs for a browser-like requester (spec §4.8: "content
// negotiation (JSON vs HTML via Accept/User-Agent sniffing)"). curl and Go
// HTTP clients, the tools §8's tests use, never opt into HTML.
func wantsHTML(r *http.Request) bool {
	ua := r.Header.Get("User-Agent")
	if strings.Contains(ua, "curl") || strings.Contains(ua, "Go-http-client") || ua == "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// securityHeaders sets the standard defensive headers and recovers from a
// panic in any handler further down the chain (spec §7: "internal
// exception in a handler ... never propagate to crash the process").
func securityHeaders(log *activity.Log, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in HTTP handler", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()), "path", r.URL.Path)
				log.Error("internal error handling request", "path", r.URL.Path)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")

		next.ServeHTTP(w, r)
	})
}

// cors applies the configured allowed origins (spec §6: "cors.origin").
// A single "*" entry grants the wildcard; otherwise only a request Origin
// present in the list is echoed back.
func cors(allowed []string, next http.Handler) http.Handler {
	wildcard := len(allowed) == 1 && allowed[0] == "*"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && contains(allowed, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// accessLog logs one line per request at debug level, mirroring the
// teacher's per-request slog.Debug calls in internal/server.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
