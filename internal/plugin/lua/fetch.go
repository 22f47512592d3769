package lua

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/valyala/bytebufferpool"
	lua "github.com/yuin/gopher-lua"
)

// DefaultMaxBodySize bounds fetch response bodies.
const DefaultMaxBodySize = 4 << 20

type fetchRequest struct {
	url     string
	method  string
	headers map[string]string
	body    string

	user, pass string
}

type fetchResponse struct {
	status  int
	headers map[string]string
	body    string
}

// luaFetch implements fetch(url[, {method=, headers=, body=, auth=}]). auth is
// a {username, password} pair sent as basic credentials. It returns a
// deferred that resolves with {status, ok, statusText, headers, body} plus a
// json() method, or rejects with the transport error.
func (s *State) luaFetch(L *lua.LState) int {
	if err := s.sandbox.CheckCapability(CapabilityNetwork); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	req := fetchRequest{url: L.CheckString(1), method: http.MethodGet}
	if opts := L.OptTable(2, nil); opts != nil {
		if m, ok := StringField(opts, "method"); ok && m != "" {
			req.method = strings.ToUpper(m)
		}
		if h, ok := TableField(opts, "headers"); ok {
			req.headers = StringMap(h)
		}
		if auth, ok := TableField(opts, "auth"); ok {
			req.user, _ = StringField(auth, "username")
			req.pass, _ = StringField(auth, "password")
		}
		switch body := opts.RawGetString("body").(type) {
		case lua.LString:
			req.body = string(body)
		case *lua.LTable:
			b, err := EncodeJSON(body)
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			req.body = string(b)
		}
	}

	d := NewDeferred(L)
	go s.roundTrip(req, d)
	L.Push(d.LValue())
	return 1
}

// roundTrip runs off the executor and posts the outcome back to it.
func (s *State) roundTrip(req fetchRequest, d *Deferred) {
	resp, err := s.doFetch(req)
	if err != nil {
		s.logger.Debug("fetch failed", slog.String("url", req.url), slog.Any("error", err))
	}
	postErr := s.Post(func(L *lua.LState) error {
		if err != nil {
			d.Reject(L, lua.LString(err.Error()))
			return nil
		}
		d.Resolve(L, responseTable(L, resp))
		return nil
	})
	if postErr != nil {
		s.logger.Debug("fetch completion dropped", slog.String("url", req.url), slog.Any("error", postErr))
	}
}

func (s *State) doFetch(req fetchRequest) (*fetchResponse, error) {
	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(s.ioCtx, req.method, req.url, body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.url, err)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	if req.user != "" {
		httpReq.SetBasicAuth(req.user, req.pass)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.url, err)
	}
	defer resp.Body.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, s.maxBody+1)); err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", req.url, err)
	}
	if int64(buf.Len()) > s.maxBody {
		return nil, fmt.Errorf("fetch %s: response body exceeds %d bytes", req.url, s.maxBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return &fetchResponse{status: resp.StatusCode, headers: headers, body: buf.String()}, nil
}

func responseTable(L *lua.LState, resp *fetchResponse) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("status", lua.LNumber(resp.status))
	t.RawSetString("ok", lua.LBool(resp.status >= 200 && resp.status < 300))
	t.RawSetString("statusText", lua.LString(http.StatusText(resp.status)))
	t.RawSetString("headers", ToLua(L, resp.headers))
	t.RawSetString("body", lua.LString(resp.body))
	body := resp.body
	t.RawSetString("json", L.NewFunction(func(L *lua.LState) int {
		v, err := DecodeJSON(L, body)
		if err != nil {
			L.RaiseError("response is not valid json")
			return 0
		}
		L.Push(v)
		return 1
	}))
	return t
}
