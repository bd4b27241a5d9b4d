package watchdog

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a supervised service.
type State int32

const (
	StateIdle State = iota
	StateSpawning
	StateAwaitingHealth
	StateRunning
	StateRestarting
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateSpawning:       "spawning",
	StateAwaitingHealth: "awaiting_health",
	StateRunning:        "running",
	StateRestarting:     "restarting",
	StateStopping:       "stopping",
	StateStopped:        "stopped",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown watchdog state %q", string(b))
}

// Active reports whether an owned child process may exist in this state.
func (s State) Active() bool {
	switch s {
	case StateSpawning, StateAwaitingHealth, StateRunning, StateStopping:
		return true
	}
	return false
}

// Status is a point-in-time snapshot of a Watchdog.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Health    string    `json:"health"`
	LastError string    `json:"last_error,omitempty"`
}
