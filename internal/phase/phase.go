// Package phase sequences the named, timed stages of a task and reports
// progress across them.
package phase

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidPhase is returned for a phase with an empty name or a
	// negative duration.
	ErrInvalidPhase = errors.New("invalid phase")
	// ErrInvalidState is returned when an operation is not allowed in the
	// scheduler's current state.
	ErrInvalidState = errors.New("invalid scheduler state")
)

// Phase is one stage of a task.
type Phase struct {
	Name        string        `json:"name" yaml:"name" mapstructure:"name"`
	Duration    time.Duration `json:"duration" yaml:"duration" mapstructure:"duration"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
}

// Validate checks a single phase.
func (p Phase) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPhase)
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: %q has negative duration %v", ErrInvalidPhase, p.Name, p.Duration)
	}
	return nil
}

// ValidateAll checks every phase in order. An empty list is valid.
func ValidateAll(phases []Phase) error {
	for i, p := range phases {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("phase %d: %w", i, err)
		}
	}
	return nil
}

// Total returns the summed duration of phases.
func Total(phases []Phase) time.Duration {
	var d time.Duration
	for _, p := range phases {
		d += p.Duration
	}
	return d
}

// Scale returns a copy of phases with every duration multiplied by factor.
func Scale(phases []Phase, factor float64) []Phase {
	out := make([]Phase, len(phases))
	for i, p := range phases {
		p.Duration = time.Duration(float64(p.Duration) * factor)
		out[i] = p
	}
	return out
}

// State is the scheduler lifecycle state.
type State int

const (
	NotStarted State = iota
	Running
	Paused
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled
}

// TransitionKind names a scheduler transition.
type TransitionKind string

const (
	PhaseStarted   TransitionKind = "phase_started"
	PhaseCompleted TransitionKind = "phase_completed"
	AllCompleted   TransitionKind = "completed"
)

// Transition is delivered to the scheduler's listener. Index and Phase are
// unset for AllCompleted.
type Transition struct {
	Kind  TransitionKind
	Index int
	Phase Phase
	At    time.Time
}

// Listener receives transitions in the order they happen.
type Listener func(Transition)
