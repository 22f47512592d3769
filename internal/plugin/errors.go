package plugin

import (
	"errors"
	"fmt"
)

// Plugin runtime errors.
var (
	// ErrPluginNotFound is returned when no plugin has the requested id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrDuplicateID is returned when registering an id that is already known.
	ErrDuplicateID = errors.New("plugin id already registered")

	// ErrNoConvention is returned when a module exposes neither Plugin nor createPlugin.
	ErrNoConvention = errors.New("module defines neither Plugin nor createPlugin")

	// ErrAmbiguousConvention is returned when a module exposes both conventions.
	ErrAmbiguousConvention = errors.New("module defines both Plugin and createPlugin")

	// ErrMissingHandler is returned when a lifecycle function is absent.
	ErrMissingHandler = errors.New("plugin object is missing a lifecycle handler")

	// ErrIDMismatch is returned when the script declares an id different from its source.
	ErrIDMismatch = errors.New("plugin id does not match its source")

	// ErrNotLoaded is returned when an operation needs a Loaded plugin.
	ErrNotLoaded = errors.New("plugin is not loaded")

	// ErrInvalidTransition is returned for an illegal lifecycle move.
	ErrInvalidTransition = errors.New("invalid plugin state transition")

	// ErrInvalidStorageOp is returned when a storage request fails validation.
	ErrInvalidStorageOp = errors.New("invalid storage request")

	// ErrForeignNamespace is returned when a plugin addresses another plugin's data.
	ErrForeignNamespace = errors.New("namespace belongs to another plugin")

	// ErrReservedEvent is returned when a plugin emits a host-only event name.
	ErrReservedEvent = errors.New("event name is reserved for the host")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrNoEntryPoint is returned when a plugin directory has no script.
	ErrNoEntryPoint = errors.New("plugin has no entry point (plugin.lua)")
)

// LoadError reports a plugin that could not be brought to Loaded.
type LoadError struct {
	PluginID string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %q: %v", e.PluginID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// DispatchError reports an onEvent failure.
type DispatchError struct {
	PluginID string
	Event    string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("plugin %q failed handling %q: %v", e.PluginID, e.Event, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// RouteError reports an HTTP handler failure. It never leaves the bridge;
// it is logged and turned into a status code.
type RouteError struct {
	PluginID  string
	RequestID string
	Status    int
	Err       error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("plugin %q request %s: %d: %v", e.PluginID, e.RequestID, e.Status, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }

// StorageError reports a storage request that could not be served.
type StorageError struct {
	PluginID string
	Op       StorageOpType
	Key      string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("plugin %q storage %s %q: %v", e.PluginID, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
