package emulator

import "fmt"

// State represents the lifecycle state of an emulator
// session. It can be one of the following:
//
//   - Uninitialized
//   - Bootstrapping
//   - Ready
//   - Running
//   - Paused
//   - Errored
type State int

const (
	// Uninitialized is the state of a session before the
	// core has been requested.
	Uninitialized State = iota
	// Bootstrapping is the state of a session while the
	// core is being instantiated.
	Bootstrapping
	// Ready is the state of a session with a live core
	// and no cartridge mounted.
	Ready
	// Running is the state of a session executing a
	// cartridge.
	Running
	// Paused is the state of a session with a mounted
	// cartridge whose execution is suspended.
	Paused
	// Errored is the state of a session whose core has
	// encountered an unrecoverable error. It is terminal.
	Errored
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Bootstrapping:
		return "Bootstrapping"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so states
// serialize by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Uninitialized; st <= Errored; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

func (s State) IsRunning() bool {
	return s == Running
}

func (s State) IsPaused() bool {
	return s == Paused
}

func (s State) IsErrored() bool {
	return s == Errored
}

// HasCartridge reports whether a cartridge is mounted in
// this state.
func (s State) HasCartridge() bool {
	return s == Running || s == Paused
}
