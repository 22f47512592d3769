package lua

import (
	"errors"

	lua "github.com/yuin/gopher-lua"
)

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when a callback exceeds its wall-clock budget.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrQueueFull is returned by ExecuteAsync when the job queue is saturated.
	ErrQueueFull = errors.New("lua executor queue full")

	// ErrQuiesced is returned by Post once the state stopped accepting async work.
	ErrQuiesced = errors.New("lua state is quiesced")
)

// ErrorMessage extracts the Lua-level message from an error raised by script
// code, dropping the stack trace gopher-lua appends.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return ValueMessage(apiErr.Object)
	}
	return err.Error()
}

// ValueMessage renders a rejection or error value as text.
func ValueMessage(v lua.LValue) string {
	if v == nil || v == lua.LNil {
		return "unknown error"
	}
	if t, ok := v.(*lua.LTable); ok {
		if msg, ok := t.RawGetString("message").(lua.LString); ok {
			return string(msg)
		}
	}
	return v.String()
}

// errorValue converts a Go error into the value handed to rejection handlers.
func errorValue(err error) lua.LValue {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object
	}
	return lua.LString(err.Error())
}
