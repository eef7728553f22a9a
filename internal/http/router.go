package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xEthamin/hangar-back/internal/ws"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Router exposes the operations endpoints of the hangar daemon.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	checks   map[string]HealthCheck
	hub      *ws.Hub
	upgrader websocket.Upgrader
	gatherer prometheus.Gatherer

	metricsOnce     sync.Once
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	now             func() time.Time
}

const healthCheckTimeout = 2 * time.Second

// Options configure the router. A nil Registry uses the prometheus default
// registry; a nil Hub disables the event stream.
type Options struct {
	Checks   map[string]HealthCheck
	Hub      *ws.Hub
	Registry *prometheus.Registry
}

// New creates and registers handlers.
func New(logger *slog.Logger, opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		checks: opts.Checks,
		hub:    opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		gatherer: prometheus.DefaultGatherer,
		now:      time.Now,
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if opts.Registry != nil {
		reg = opts.Registry
		r.gatherer = opts.Registry
	}
	r.initMetrics(reg)
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/events/", r.handleEvents)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]any, len(names))
	for _, name := range names {
		component := map[string]any{"status": "up"}
		if err := r.checks[name](ctx); err != nil {
			status = "degraded"
			component = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		}
		components[name] = component
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

// handleEvents streams deployment events of one project, or of every project
// for /events/*, over a websocket.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		r.writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project := strings.Trim(strings.TrimPrefix(req.URL.Path, "/events/"), "/")
	if project == "" || strings.Contains(project, "/") {
		r.writeError(w, http.StatusBadRequest, "project name required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(project, client)
	r.logger.Debug("event subscriber connected", "project", project)
	go func() {
		defer func() {
			r.hub.Unregister(project, client)
			client.Close()
		}()
		client.Serve()
	}()
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
