package plugin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tadel/reaplugin/internal/metrics"
	plua "github.com/tadel/reaplugin/internal/plugin/lua"
)

// DefaultHTTPTimeout bounds how long a routed request waits for a plugin.
const DefaultHTTPTimeout = 10 * time.Second

const tracerName = "github.com/tadel/reaplugin/internal/plugin"

// HTTPBridge routes inbound requests to exactly one plugin's
// __httpRequestHandler.
type HTTPBridge struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	timeout  time.Duration
}

// HTTPBridgeOption configures an HTTPBridge.
type HTTPBridgeOption func(*HTTPBridge)

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPBridgeOption {
	return func(b *HTTPBridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHTTPMetrics sets the metrics sink.
func WithHTTPMetrics(m *metrics.Metrics) HTTPBridgeOption {
	return func(b *HTTPBridge) {
		b.metrics = m
	}
}

// WithHTTPTimeout sets the per-request wait.
func WithHTTPTimeout(d time.Duration) HTTPBridgeOption {
	return func(b *HTTPBridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) HTTPBridgeOption {
	return func(b *HTTPBridge) {
		if tp != nil {
			b.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewHTTPBridge creates a bridge over registry.
func NewHTTPBridge(registry *Registry, opts ...HTTPBridgeOption) *HTTPBridge {
	b := &HTTPBridge{
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		timeout:  DefaultHTTPTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// routeResult carries a settled handler outcome back from the executor.
type routeResult struct {
	resp HTTPResponse
	err  error
}

// Route delivers req to pluginID and always returns a response carrying
// req's request id. Handler failures become status codes.
func (b *HTTPBridge) Route(ctx context.Context, pluginID string, req HTTPRequest) HTTPResponse {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, span := b.tracer.Start(ctx, "plugin.http",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.String("plugin.endpoint", req.Endpoint),
			attribute.String("http.request.method", req.Method),
			attribute.String("request.id", req.RequestID),
		),
	)
	defer span.End()

	resp := b.route(ctx, pluginID, req)
	resp.RequestID = req.RequestID

	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	if resp.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}
	b.metrics.HTTPRouted(pluginID, resp.Status, time.Since(start))
	return resp
}

func (b *HTTPBridge) route(ctx context.Context, pluginID string, req HTTPRequest) HTTPResponse {
	p, ok := b.registry.Get(pluginID)
	if !ok || !p.hasHTTP || p.State() != StateLoaded {
		return notFound(req.RequestID)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan routeResult, 1)
	err := p.vm.Do(ctx, func(L *lua.LState) error {
		if p.State() != StateLoaded {
			done <- routeResult{resp: notFound(req.RequestID)}
			return nil
		}
		ret, err := plua.CallMethod(L, p.handlers.self, p.handlers.http, req.toLua(L))
		if err != nil {
			return err
		}
		d, isDeferred := plua.AsDeferred(ret)
		if !isDeferred {
			done <- routeResult{resp: normalizeResponse(ret)}
			return nil
		}
		d.Observe(L, func(L *lua.LState, ok bool, v lua.LValue) {
			if !ok {
				done <- routeResult{err: errors.New(plua.ValueMessage(v))}
				return
			}
			done <- routeResult{resp: normalizeResponse(v)}
		})
		return nil
	})
	if err != nil {
		return b.failure(p, req, err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return b.failure(p, req, r.err)
		}
		return r.resp
	case <-ctx.Done():
		return b.failure(p, req, ctx.Err())
	case <-p.vm.Done():
		return notFound(req.RequestID)
	}
}

// failure logs a RouteError and maps it onto a response. Handler errors do
// not move the plugin to Failed.
func (b *HTTPBridge) failure(p *Plugin, req HTTPRequest, err error) HTTPResponse {
	var resp HTTPResponse
	switch {
	case errors.Is(err, plua.ErrExecutorClosed):
		return notFound(req.RequestID)
	case errors.Is(err, context.Canceled):
		p.logger.Debug("http request abandoned by caller",
			slog.String("request_id", req.RequestID),
			slog.String("endpoint", req.Endpoint),
		)
		return errorResponse(req.RequestID, StatusClientClosedRequest, "Request cancelled")
	case errors.Is(err, plua.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		resp = errorResponse(req.RequestID, http.StatusGatewayTimeout, "Plugin did not respond in time")
	default:
		resp = HTTPResponse{
			RequestID: req.RequestID,
			Status:    http.StatusInternalServerError,
			Headers:   map[string]string{"Content-Type": "text/plain; charset=utf-8"},
			Body:      plua.ErrorMessage(err),
		}
	}

	rerr := &RouteError{PluginID: p.id, RequestID: req.RequestID, Status: resp.Status, Err: err}
	p.logger.Warn("http handler failed",
		slog.String("request_id", req.RequestID),
		slog.String("endpoint", req.Endpoint),
		slog.Int("status", resp.Status),
		slog.String("error", plua.ErrorMessage(rerr)),
	)
	return resp
}

// StatusClientClosedRequest answers a request whose caller went away
// before the plugin responded.
const StatusClientClosedRequest = 499

func notFound(requestID string) HTTPResponse {
	return errorResponse(requestID, http.StatusNotFound, "Endpoint not found")
}

func errorResponse(requestID string, status int, message string) HTTPResponse {
	body, _ := sjson.Set("", "error", message)
	return HTTPResponse{
		RequestID: requestID,
		Status:    status,
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      body,
	}
}

// normalizeResponse turns whatever the handler produced into a response.
// A missing status means 200; a table body is JSON encoded.
func normalizeResponse(v lua.LValue) HTTPResponse {
	resp := HTTPResponse{Status: http.StatusOK, Headers: map[string]string{}}

	t, ok := v.(*lua.LTable)
	if !ok {
		if v != lua.LNil {
			resp.Body = v.String()
			resp.Headers["Content-Type"] = "text/plain; charset=utf-8"
		}
		return resp
	}

	if status, ok := plua.NumberField(t, "status"); ok && status >= 100 && status <= 999 {
		resp.Status = int(status)
	}
	if headers, ok := plua.TableField(t, "headers"); ok {
		resp.Headers = plua.StringMap(headers)
	}

	switch body := t.RawGetString("body").(type) {
	case *lua.LNilType:
	case lua.LString:
		resp.Body = string(body)
	case *lua.LTable:
		encoded, err := plua.EncodeJSON(body)
		if err != nil {
			return HTTPResponse{
				Status:  http.StatusInternalServerError,
				Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
				Body:    err.Error(),
			}
		}
		resp.Body = string(encoded)
		if !hasHeader(resp.Headers, "Content-Type") {
			resp.Headers["Content-Type"] = "application/json"
		}
	default:
		resp.Body = body.String()
	}
	return resp
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
