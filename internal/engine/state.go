package engine

import "fmt"

// State is the engine lifecycle. Degraded means recent steps faulted but the
// engine is still retrying; Quarantined engines no longer admit work.
type State int32

const (
	Idle State = iota
	Running
	Degraded
	Quarantined
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Quarantined:
		return "quarantined"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for c := Idle; c <= Stopped; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown engine state %q", text)
}
