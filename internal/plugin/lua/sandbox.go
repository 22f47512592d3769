package lua

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Capability represents a permission that can be granted to plugins.
type Capability string

// Available capabilities.
const (
	// CapabilityNetwork enables the fetch global.
	CapabilityNetwork Capability = "network"
)

var knownCapabilities = map[Capability]bool{
	CapabilityNetwork: true,
}

// ParseCapability validates a capability name from a manifest or config file.
func ParseCapability(name string) (Capability, error) {
	c := Capability(strings.TrimSpace(name))
	if !knownCapabilities[c] {
		return "", fmt.Errorf("unknown capability %q", name)
	}
	return c, nil
}

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L      *lua.LState
	logger *slog.Logger

	mu           sync.RWMutex
	capabilities map[Capability]bool
}

// NewSandbox creates a new sandbox for the Lua state. Output from print is
// sent to logger.
func NewSandbox(L *lua.LState, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		L:            L,
		logger:       logger,
		capabilities: make(map[Capability]bool),
	}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installPrint()
	s.installRequire()
}

// installPrint routes print output to the plugin log instead of stdout.
func (s *Sandbox) installPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		s.logger.Info(strings.Join(parts, "\t"), slog.String("source", "print"))
		return 0
	}))
}

// installRequire replaces require with a whitelist of built-in modules. Module
// search paths are cleared so nothing is ever read from disk.
func (s *Sandbox) installRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
		if loaded, ok := s.L.GetField(pkg, "loaded").(*lua.LTable); ok {
			keep := map[string]bool{"_G": true, "string": true, "table": true, "math": true}
			var drop []string
			loaded.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !keep[string(ks)] {
					drop = append(drop, string(ks))
				}
			})
			for _, key := range drop {
				loaded.RawSetString(key, lua.LNil)
			}
		}
	}

	allowed := map[string]bool{"string": true, "table": true, "math": true}
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !allowed[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(L.GetGlobal(name))
		return 1
	}))
	s.L.SetGlobal("package", lua.LNil)
}

// Grant enables a capability.
func (s *Sandbox) Grant(c Capability) error {
	if !knownCapabilities[c] {
		return fmt.Errorf("unknown capability %q", c)
	}
	s.mu.Lock()
	s.capabilities[c] = true
	s.mu.Unlock()
	return nil
}

// Revoke disables a capability.
func (s *Sandbox) Revoke(c Capability) {
	s.mu.Lock()
	delete(s.capabilities, c)
	s.mu.Unlock()
}

// HasCapability returns true if the capability is granted.
func (s *Sandbox) HasCapability(c Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities[c]
}

// Capabilities returns all granted capabilities.
func (s *Sandbox) Capabilities() []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caps := make([]Capability, 0, len(s.capabilities))
	for c := range s.capabilities {
		caps = append(caps, c)
	}
	return caps
}

// CheckCapability returns an error if the capability is not granted.
func (s *Sandbox) CheckCapability(c Capability) error {
	if !s.HasCapability(c) {
		return &CapabilityError{Capability: c}
	}
	return nil
}

// CapabilityError is returned when a capability is not granted.
type CapabilityError struct {
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return "capability not granted: " + string(e.Capability)
}
