package plugin

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadel/reaplugin/internal/metrics"
	plua "github.com/tadel/reaplugin/internal/plugin/lua"
)

func httpPlugin(handler string) string {
	return `
Plugin = {
	onLoad = function(self, ctx) end,
	onUnload = function(self) end,
	onEvent = function(self, event) end,
	__httpRequestHandler = function(self, req)
		if record then record(req.endpoint) end
		` + handler + `
	end,
}`
}

func TestHTTPBridgeNotFound(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry)
	log := &callLog{}

	attach(t, f.mustLoad(t, "nohandler", recordingPluginSrc), log)
	failed := f.mustLoad(t, "failed", httpPlugin(`return { body = "x" }`))
	attach(t, failed, log)
	failed.fail("event", assert.AnError)

	for _, id := range []string{"unknown", "nohandler", "failed"} {
		t.Run(id, func(t *testing.T) {
			resp := b.Route(context.Background(), id, HTTPRequest{RequestID: "r-1", Endpoint: "ui", Method: "GET"})
			assert.Equal(t, http.StatusNotFound, resp.Status)
			assert.Equal(t, "r-1", resp.RequestID)
			assert.JSONEq(t, `{"error":"Endpoint not found"}`, resp.Body)
			assert.Equal(t, "application/json", resp.Headers["Content-Type"])
		})
	}
	assert.Empty(t, log.Calls(), "no handler may run for a 404")
}

func TestHTTPBridgeDirectResponse(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry)
	f.mustLoad(t, "p", httpPlugin(`
		return {
			status = 201,
			headers = { ["Content-Type"] = "text/html", ["X-Count"] = 3 },
			body = "<h1>" .. req.method .. " " .. req.query.mode .. "</h1>",
		}`))

	resp := b.Route(context.Background(), "p", HTTPRequest{
		RequestID: "abc",
		Endpoint:  "ui",
		Method:    "GET",
		Query:     map[string]string{"mode": "dark"},
	})
	assert.Equal(t, "abc", resp.RequestID)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "<h1>GET dark</h1>", resp.Body)
	assert.Equal(t, "text/html", resp.Headers["Content-Type"])
	assert.Equal(t, "3", resp.Headers["X-Count"])
}

func TestHTTPBridgeNormalizesResponse(t *testing.T) {
	tests := []struct {
		name        string
		handler     string
		status      int
		body        string
		contentType string
	}{
		{"default status", `return { body = "hi" }`, http.StatusOK, "hi", ""},
		{"table body", `return { body = { ok = true } }`, http.StatusOK, `{"ok":true}`, "application/json"},
		{"bare string", `return "plain"`, http.StatusOK, "plain", "text/plain; charset=utf-8"},
		{"nil", `return nil`, http.StatusOK, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b := NewHTTPBridge(f.registry)
			f.mustLoad(t, "p", httpPlugin(tt.handler))

			resp := b.Route(context.Background(), "p", HTTPRequest{RequestID: "1", Endpoint: "x"})
			assert.Equal(t, tt.status, resp.Status)
			if tt.contentType == "application/json" {
				assert.JSONEq(t, tt.body, resp.Body)
			} else {
				assert.Equal(t, tt.body, resp.Body)
			}
			assert.Equal(t, tt.contentType, resp.Headers["Content-Type"])
		})
	}
}

func TestHTTPBridgeDeferredResponse(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry)
	f.mustLoad(t, "p", httpPlugin(`
		local d = deferred()
		setTimeout(function()
			d:resolve({ requestId = "ignored", status = 202, body = "later" })
		end, 10)
		return d`))

	resp := b.Route(context.Background(), "p", HTTPRequest{RequestID: "r-9", Endpoint: "ui"})
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "later", resp.Body)
	assert.Equal(t, "r-9", resp.RequestID)
}

func TestHTTPBridgeHandlerThrows(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry)
	p := f.mustLoad(t, "p", httpPlugin(`error("template missing")`))

	resp := b.Route(context.Background(), "p", HTTPRequest{RequestID: "r", Endpoint: "ui"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Contains(t, resp.Body, "template missing")
	assert.Equal(t, "r", resp.RequestID)
	assert.Equal(t, StateLoaded, p.State(), "handler errors do not fail the plugin")
}

func TestHTTPBridgeRejectedDeferred(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry)
	f.mustLoad(t, "p", httpPlugin(`return deferred.rejected({ message = "upstream down" })`))

	resp := b.Route(context.Background(), "p", HTTPRequest{Endpoint: "ui"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "upstream down", resp.Body)
}

func TestHTTPBridgeTimeout(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry, WithHTTPTimeout(50*time.Millisecond))
	f.mustLoad(t, "p", httpPlugin(`return deferred()`))

	start := time.Now()
	resp := b.Route(context.Background(), "p", HTTPRequest{RequestID: "slow", Endpoint: "ui"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
	assert.Equal(t, "slow", resp.RequestID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPBridgeCallerCancelled(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry)
	p := f.mustLoad(t, "p", httpPlugin(`return deferred()`))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	resp := b.Route(ctx, "p", HTTPRequest{RequestID: "gone", Endpoint: "ui"})
	assert.Equal(t, StatusClientClosedRequest, resp.Status)
	assert.Equal(t, "gone", resp.RequestID)
	assert.Equal(t, StateLoaded, p.State())
}

func TestHTTPBridgeRunawayHandler(t *testing.T) {
	f := newFixture(t, WithStateOptions(plua.WithCallTimeout(50*time.Millisecond)))
	b := NewHTTPBridge(f.registry)
	p := f.mustLoad(t, "p", httpPlugin(`while true do end`))

	resp := b.Route(context.Background(), "p", HTTPRequest{Endpoint: "ui"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
	assert.Equal(t, StateLoaded, p.State())

	// The executor is usable again once the watchdog fired.
	require.NoError(t, p.vm.Load(context.Background(), `x = 1`))
}

func TestHTTPBridgeGeneratesRequestID(t *testing.T) {
	f := newFixture(t)
	b := NewHTTPBridge(f.registry)
	p := f.mustLoad(t, "p", httpPlugin(`seenID = req.requestId; return { body = req.requestId }`))

	resp := b.Route(context.Background(), "p", HTTPRequest{Endpoint: "ui"})
	_, err := uuid.Parse(resp.RequestID)
	require.NoError(t, err)
	assert.Equal(t, resp.RequestID, resp.Body)
	assert.Equal(t, resp.RequestID, global(t, p, "seenID").String())
}

func TestHTTPBridgeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	f := newFixture(t)
	b := NewHTTPBridge(f.registry, WithHTTPMetrics(m))
	f.mustLoad(t, "p", httpPlugin(`return { body = "ok" }`))

	b.Route(context.Background(), "p", HTTPRequest{Endpoint: "ui"})
	b.Route(context.Background(), "missing", HTTPRequest{Endpoint: "ui"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("p", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("missing", "404")))
}
