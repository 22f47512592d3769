// Package server exposes the plugin runtime over HTTP.
//
// Routes:
//
//	GET  /api/v1/plugins          plugin snapshot in load order
//	ANY  /api/v1/plugins/{id}/*   forwarded to the plugin's HTTP handler
//	POST /api/v1/events           telemetry and host events
//	GET  /live, /ready            health checks
//	GET  <metrics path>           Prometheus exposition
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/valyala/bytebufferpool"

	"github.com/tadel/reaplugin/internal/plugin"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// Defaults used when an option is not given.
const (
	DefaultMaxBodySize    = 1 << 20
	DefaultGoroutineLimit = 10000
	DefaultPingTimeout    = 2 * time.Second
)

// Runtime is the part of the plugin system the server drives.
type Runtime interface {
	Plugins() []plugin.Info
	Route(ctx context.Context, pluginID string, req plugin.HTTPRequest) plugin.HTTPResponse
	Publish(ev plugin.Event)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the host HTTP handler.
type Server struct {
	runtime Runtime
	router  chi.Router
	logger  *slog.Logger

	maxBody        int64
	metricsPath    string
	gatherer       prometheus.Gatherer
	registerer     prometheus.Registerer
	pingers        map[string]Pinger
	goroutineLimit int
	clock          func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxBodySize limits inbound request bodies.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithMetrics serves gatherer at path and records health check results
// into registerer. Either may be nil.
func WithMetrics(path string, gatherer prometheus.Gatherer, registerer prometheus.Registerer) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.gatherer = gatherer
		s.registerer = registerer
	}
}

// WithReadiness adds a readiness check backed by p.
func WithReadiness(name string, p Pinger) Option {
	return func(s *Server) {
		if p != nil {
			s.pingers[name] = p
		}
	}
}

// WithGoroutineLimit sets the liveness goroutine ceiling.
func WithGoroutineLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.goroutineLimit = n
		}
	}
}

// WithClock sets the clock used to stamp ingested events.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a Server for rt.
func New(rt Runtime, opts ...Option) *Server {
	s := &Server{
		runtime:        rt,
		logger:         slog.Default(),
		maxBody:        DefaultMaxBodySize,
		pingers:        make(map[string]Pinger),
		goroutineLimit: DefaultGoroutineLimit,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	health := s.healthHandler()
	r.Get("/live", health.LiveEndpoint)
	r.Get("/ready", health.ReadyEndpoint)

	if s.metricsPath != "" && s.gatherer != nil {
		r.Method(http.MethodGet, s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plugins", s.listPlugins)
		r.HandleFunc("/plugins/{id}", s.routePlugin)
		r.HandleFunc("/plugins/{id}/*", s.routePlugin)
		r.Post("/events", s.publishEvent)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})
	return r
}

func (s *Server) healthHandler() healthcheck.Handler {
	var health healthcheck.Handler
	if s.registerer != nil {
		health = healthcheck.NewMetricsHandler(s.registerer, "reaplugin")
	} else {
		health = healthcheck.NewHandler()
	}
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(s.goroutineLimit))
	for name, p := range s.pingers {
		health.AddReadinessCheck(name, pingCheck(p))
	}
	return health
}

func pingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultPingTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.runtime.Plugins()})
}

// routePlugin forwards the request to the plugin named by {id}. The
// endpoint is the path below the plugin id.
func (s *Server) routePlugin(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req := plugin.HTTPRequest{
		RequestID: r.Header.Get(RequestIDHeader),
		Endpoint:  strings.Trim(chi.URLParam(r, "*"), "/"),
		Method:    r.Method,
		Headers:   flattenHeaders(r.Header),
		Query:     flattenQuery(r),
		Body:      body,
	}

	resp := s.runtime.Route(r.Context(), chi.URLParam(r, "id"), req)

	h := w.Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	h.Set(RequestIDHeader, resp.RequestID)
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}

// publishEvent accepts {"name", "payload", "timestamp"} and queues it for
// every Loaded plugin. Host-only names are refused.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !gjson.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	doc := gjson.Parse(body)
	name := doc.Get("name").String()
	switch {
	case name == "":
		writeError(w, http.StatusBadRequest, "event name is required")
		return
	case plugin.IsHostOnly(name):
		writeError(w, http.StatusBadRequest, "event name is reserved: "+name)
		return
	}

	ev := plugin.Event{Name: name, Payload: doc.Get("payload").Value(), Timestamp: s.clock()}
	if ts := doc.Get("timestamp"); ts.Type == gjson.Number {
		ev.Timestamp = time.UnixMilli(ts.Int())
	}
	s.runtime.Publish(ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": name})
}

// readBody reads at most maxBody bytes. On failure the error response has
// already been written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Body == nil {
		return "", true
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, s.maxBody)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return "", false
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return "", false
	}
	return buf.String(), true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// flattenQuery keeps the first value of each parameter.
func flattenQuery(r *http.Request) map[string]string {
	q := r.URL.Query()
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
