package httpapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/config"
	"github.com/web-ide-bridge/relay/internal/registry"
	"github.com/web-ide-bridge/relay/internal/router"
)

func testDeps(t *testing.T, debug bool) Deps {
	t.Helper()
	cfg := config.Default()
	cfg.Debug = debug
	return Deps{
		Config:     cfg,
		Registry:   registry.New(),
		Table:      router.NewTable(),
		Log:        activity.NewLog(20),
		LogHandler: activity.NewLogHandler(slog.LevelDebug, 20),
		Metrics:    activity.NewMetrics(),
		StartedAt:  time.Now(),
	}
}

func TestHealthEndpointOK(t *testing.T) {
	d := testDeps(t, false)
	mux := NewMux(d)

	req := httptest.NewRequest(http.MethodGet, d.Config.Paths.Health, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusEndpointJSONByDefault(t *testing.T) {
	d := testDeps(t, false)
	mux := NewMux(d)

	req := httptest.NewRequest(http.MethodGet, d.Config.Paths.Status, nil)
	req.Header.Set("User-Agent", "Go-http-client/1.1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Fatalf("expected JSON content type for a non-browser UA, got %q", ct)
	}
}

func TestStatusEndpointHTMLForBrowser(t *testing.T) {
	d := testDeps(t, false)
	mux := NewMux(d)

	req := httptest.NewRequest(http.MethodGet, d.Config.Paths.Status, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct == "" || ct == "application/json; charset=utf-8" {
		t.Fatalf("expected an HTML response for a browser UA, got %q", ct)
	}
}

func TestDebugEndpointHiddenWhenNotDebug(t *testing.T) {
	d := testDeps(t, false)
	mux := NewMux(d)

	req := httptest.NewRequest(http.MethodGet, d.Config.Paths.Debug, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected debug endpoint hidden (404), got %d", rec.Code)
	}
}

func TestDebugEndpointVisibleWhenDebug(t *testing.T) {
	d := testDeps(t, true)
	mux := NewMux(d)

	req := httptest.NewRequest(http.MethodGet, d.Config.Paths.Debug, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected debug endpoint visible, got %d", rec.Code)
	}
}

func TestRootRedirectsToStatus(t *testing.T) {
	d := testDeps(t, false)
	mux := NewMux(d)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 redirect, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != d.Config.Paths.Status {
		t.Fatalf("expected redirect to %q, got %q", d.Config.Paths.Status, loc)
	}
}

func TestCORSWildcardEchoesStar(t *testing.T) {
	d := testDeps(t, false)
	mux := NewMux(d)

	req := httptest.NewRequest(http.MethodGet, d.Config.Paths.Health, nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", got)
	}
}
