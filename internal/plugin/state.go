package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateLoading - module executed, onLoad not yet returned.
	StateLoading State = iota

	// StateLoaded - plugin receives events and HTTP traffic.
	StateLoaded

	// StateUnloading - onUnload is running.
	StateUnloading

	// StateUnloaded - plugin is gone; its bridge is released.
	StateUnloaded

	// StateFailed - a callback failed. Absorbing.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateUnloading:
		return "unloading"
	case StateUnloaded:
		return "unloaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON listings.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal next states.
var transitions = map[State][]State{
	StateLoading:   {StateLoaded, StateFailed},
	StateLoaded:    {StateUnloading, StateFailed},
	StateUnloading: {StateUnloaded},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no way out.
func (s State) IsTerminal() bool {
	return s == StateUnloaded || s == StateFailed
}
