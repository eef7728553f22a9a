package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/0xEthamin/hangar-back/internal/ws"
)

func newTestRouter(opts Options) *Router {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
}

func TestHealthReportsComponents(t *testing.T) {
	router := newTestRouter(Options{Checks: map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"docker":   func(context.Context) error { return errors.New("daemon unreachable") },
	}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Status     string                       `json:"status"`
		Components map[string]map[string]string `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("status = %q", payload.Status)
	}
	if payload.Components["postgres"]["status"] != "up" {
		t.Fatalf("postgres = %v", payload.Components["postgres"])
	}
	if payload.Components["docker"]["error"] != "daemon unreachable" {
		t.Fatalf("docker = %v", payload.Components["docker"])
	}
}

func TestHealthOK(t *testing.T) {
	router := newTestRouter(Options{Checks: map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

func TestMetricsExposeRequestCounters(t *testing.T) {
	router := newTestRouter(Options{})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `hangar_ops_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("metrics body missing request counter:\n%s", rec.Body.String())
	}
}

func TestEventsRequiresProject(t *testing.T) {
	router := newTestRouter(Options{Hub: ws.NewHub()})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	disabled := newTestRouter(Options{})
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/site", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled status = %d", rec.Code)
	}
}

func TestEventsStreamProjectMessages(t *testing.T) {
	hub := ws.NewHub()
	server := httptest.NewServer(newTestRouter(Options{Hub: hub}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events/site"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("site") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("other", []byte(`{"project":"other"}`))
	hub.Broadcast("site", []byte(`{"project":"site"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"project":"site"}` {
		t.Fatalf("message = %s", msg)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Subscribers("site") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
