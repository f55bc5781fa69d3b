package supervisor

import (
	"fmt"
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
)

// Phase is the lifecycle phase of a supervised process.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseCrashed
	PhaseRestarting
	PhaseStoppingGraceful
	PhaseStoppingForced
)

// String returns a string representation of the Phase.
func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "Stopped"
	case PhaseStarting:
		return "Starting"
	case PhaseRunning:
		return "Running"
	case PhaseCrashed:
		return "Crashed"
	case PhaseRestarting:
		return "Restarting"
	case PhaseStoppingGraceful:
		return "StoppingGraceful"
	case PhaseStoppingForced:
		return "StoppingForced"
	default:
		return "InvalidPhase"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of a supervised process. Fields beyond Phase are only
// meaningful in the phases noted next to them.
type State struct {
	Phase Phase `json:"phase"`

	// Running
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`

	// Crashed, and kept through Restarting and a terminal Stopped
	ExitCode int       `json:"exit_code,omitempty"`
	ExitedAt time.Time `json:"exited_at,omitempty"`

	// Restarting
	Attempt       int           `json:"attempt,omitempty"`
	Backoff       time.Duration `json:"backoff,omitempty"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`

	// Stopped
	Terminal bool             `json:"terminal,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Code     module.ErrorCode `json:"code,omitempty"`

	// Restarts counts automatic restarts since the last explicit Start.
	Restarts int `json:"restarts"`
}

// IsRunning reports whether the process is up.
func (s State) IsRunning() bool {
	return s.Phase == PhaseRunning
}

// IsActive reports whether the supervisor is managing a process, including
// while it waits to restart one.
func (s State) IsActive() bool {
	return s.Phase != PhaseStopped
}

// String implements fmt.Stringer.
func (s State) String() string {
	switch s.Phase {
	case PhaseRunning:
		return fmt.Sprintf("Running(pid=%d)", s.PID)
	case PhaseCrashed:
		return fmt.Sprintf("Crashed(exit=%d)", s.ExitCode)
	case PhaseRestarting:
		return fmt.Sprintf("Restarting(attempt=%d, in %s)", s.Attempt, s.Backoff)
	case PhaseStopped:
		if s.Terminal {
			return fmt.Sprintf("Stopped(terminal, %s: %s)", s.Code, s.Reason)
		}
		return "Stopped"
	default:
		return s.Phase.String()
	}
}
