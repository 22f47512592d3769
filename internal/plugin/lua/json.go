package lua

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	lua "github.com/yuin/gopher-lua"
)

// ErrInvalidJSON is returned when decoding malformed input.
var ErrInvalidJSON = errors.New("invalid json")

// jsonNull backs json.null, which keeps a key present in a table and
// encodes as null.
type jsonNull struct{}

// EncodeJSON serializes a Lua value. Deferreds and functions encode as null.
func EncodeJSON(v lua.LValue) ([]byte, error) {
	goVal := ToGo(v)
	if _, ok := goVal.(*Deferred); ok {
		goVal = nil
	}
	b, err := json.Marshal(goVal)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

// DecodeJSON parses s into Lua values. JSON null becomes nil.
func DecodeJSON(L *lua.LState, s string) (lua.LValue, error) {
	if !gjson.Valid(s) {
		return lua.LNil, ErrInvalidJSON
	}
	return FromJSON(L, gjson.Parse(s)), nil
}

// FromJSON converts a parsed gjson result into Lua values.
func FromJSON(L *lua.LState, r gjson.Result) lua.LValue {
	switch {
	case r.IsArray():
		items := r.Array()
		t := L.CreateTable(len(items), 0)
		for i, item := range items {
			t.RawSetInt(i+1, FromJSON(L, item))
		}
		return t
	case r.IsObject():
		t := L.NewTable()
		r.ForEach(func(key, value gjson.Result) bool {
			t.RawSetString(key.String(), FromJSON(L, value))
			return true
		})
		return t
	}
	switch r.Type {
	case gjson.String:
		return lua.LString(r.Str)
	case gjson.Number:
		return lua.LNumber(r.Num)
	case gjson.True:
		return lua.LTrue
	case gjson.False:
		return lua.LFalse
	default:
		return lua.LNil
	}
}

// registerJSON installs json.encode(value[, pretty]), json.decode(text)
// and json.null.
func registerJSON(L *lua.LState) {
	null := L.NewUserData()
	null.Value = jsonNull{}
	mod := L.NewTable()
	mod.RawSetString("null", null)
	L.SetGlobal("json", L.SetFuncs(mod, map[string]lua.LGFunction{
		"encode": func(L *lua.LState) int {
			b, err := EncodeJSON(L.Get(1))
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			if L.OptBool(2, false) {
				b = pretty.Pretty(b)
			}
			L.Push(lua.LString(b))
			return 1
		},
		"decode": func(L *lua.LState) int {
			v, err := DecodeJSON(L, L.CheckString(1))
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(v)
			return 1
		},
	}))
}
