package plugin

import (
	"time"

	plua "github.com/tadel/reaplugin/internal/plugin/lua"
	lua "github.com/yuin/gopher-lua"
)

// Reserved event names.
const (
	EventStateUpdate  = "stateUpdate"
	EventShutdown     = "shutdown"
	EventStorageRead  = "storageRead"
	EventStorageWrite = "storageWrite"
)

// IsHostOnly reports whether name may only originate from the host.
func IsHostOnly(name string) bool {
	return name == EventStorageRead || name == EventStorageWrite || name == EventShutdown
}

// Event is a named notification fanned out to plugins.
type Event struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Source is the emitting plugin; empty for host events.
	Source string `json:"source,omitempty"`
	// Target restricts delivery to one plugin.
	Target string `json:"target,omitempty"`
}

// toLua builds the {name, payload, timestamp} table handed to onEvent.
// The timestamp is in milliseconds.
func (e Event) toLua(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(e.Name))
	t.RawSetString("payload", plua.ToLua(L, e.Payload))
	t.RawSetString("timestamp", lua.LNumber(e.Timestamp.UnixMilli()))
	if e.Source != "" {
		t.RawSetString("source", lua.LString(e.Source))
	}
	return t
}

// HTTPRequest is an inbound request addressed to one plugin.
type HTTPRequest struct {
	RequestID string            `json:"requestId"`
	Endpoint  string            `json:"endpoint"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Query     map[string]string `json:"query"`
	Body      string            `json:"body"`
}

func (r HTTPRequest) toLua(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("requestId", lua.LString(r.RequestID))
	t.RawSetString("endpoint", lua.LString(r.Endpoint))
	t.RawSetString("method", lua.LString(r.Method))
	t.RawSetString("headers", plua.ToLua(L, nonNil(r.Headers)))
	t.RawSetString("query", plua.ToLua(L, nonNil(r.Query)))
	t.RawSetString("body", lua.LString(r.Body))
	return t
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// HTTPResponse is what the bridge returns for every request.
type HTTPResponse struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

// StorageOpType names a storage operation.
type StorageOpType string

// Storage operations.
const (
	StorageRead  StorageOpType = "read"
	StorageWrite StorageOpType = "write"
)

// StorageOp is a plugin's asynchronous storage request. An empty Namespace
// means the plugin's own id. RequestID, when set, is echoed in the
// completion event.
type StorageOp struct {
	Type      StorageOpType `json:"type" validate:"required,oneof=read write"`
	Namespace string        `json:"namespace" validate:"omitempty,max=128"`
	Key       string        `json:"key" validate:"required,max=256"`
	Data      any           `json:"data,omitempty"`
	RequestID string        `json:"requestId,omitempty" validate:"omitempty,max=128"`
}

// storageOpFromLua reads {type=, namespace=, key=, data=, requestId=}.
func storageOpFromLua(t *lua.LTable) StorageOp {
	op := StorageOp{Data: plua.ToGo(t.RawGetString("data"))}
	if v, ok := plua.StringField(t, "type"); ok {
		op.Type = StorageOpType(v)
	}
	op.Namespace, _ = plua.StringField(t, "namespace")
	op.Key, _ = plua.StringField(t, "key")
	op.RequestID, _ = plua.StringField(t, "requestId")
	return op
}
