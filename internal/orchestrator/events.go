package orchestrator

import (
	"time"

	"github.com/marcus/sentinel/internal/feed"
)

// EventType classifies controller lifecycle events.
type EventType int

const (
	EventTaskStart  EventType = iota // task started
	EventPhaseStart                  // entering a timed phase
	EventPhaseEnd                    // phase completed
	EventAlert                       // an event was promoted to the alert buffer
	EventPaused                      // task paused
	EventResumed                     // task resumed
	EventTaskEnd                     // task reached a terminal status
)

func (t EventType) String() string {
	switch t {
	case EventTaskStart:
		return "task_start"
	case EventPhaseStart:
		return "phase_start"
	case EventPhaseEnd:
		return "phase_end"
	case EventAlert:
		return "alert"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventTaskEnd:
		return "task_end"
	default:
		return "unknown"
	}
}

// Event carries data about a controller lifecycle event.
type Event struct {
	Type       EventType
	Time       time.Time
	TaskID     string
	Scenario   string
	PhaseIndex int           // for phase events
	Phase      string        // for phase events
	Progress   float64       // progress when the event was raised
	Alert      *feed.Event   // for EventAlert
	Status     Status        // for EventTaskEnd: final status
	Duration   time.Duration // for EventPhaseEnd/EventTaskEnd: elapsed time
	Message    string
	Error      string
}

// EventHandler is a callback that receives controller events.
type EventHandler func(Event)
