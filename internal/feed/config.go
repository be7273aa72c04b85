package feed

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Default buffer sizes.
const (
	DefaultEventCapacity = 20
	DefaultAlertCapacity = 5
)

var (
	// ErrInvalidConfig is returned for unusable emitter settings.
	ErrInvalidConfig = errors.New("invalid feed config")
	// ErrGeneratorFailure marks an error or panic raised by a Generator.
	ErrGeneratorFailure = errors.New("generator failure")
)

// Generator synthesizes the event for tick seq (1-based) at now.
//
// It runs with the emitter's lock held, and inside an orchestrator task also
// with the task's lock held. It must not call back into the Emitter (Events,
// Alerts, Emitted) or the owning Controller (Snapshot, Cancel); doing so
// deadlocks.
type Generator func(seq int, now time.Time) (Event, error)

// Predicate decides whether an event is promoted to the alert buffer.
// It runs under the same locks as a Generator and has the same restriction.
type Predicate func(Event) bool

// Critical promotes only critical events.
func Critical(e Event) bool {
	return e.Severity == SeverityCritical
}

// MinSeverity promotes events at or above min.
func MinSeverity(min Severity) Predicate {
	return func(e Event) bool {
		return e.Severity.Rank() >= min.Rank()
	}
}

// Config describes an emitter.
type Config struct {
	Interval time.Duration // base tick interval, must be > 0
	Jitter   time.Duration // extra uniform delay in [0, Jitter) per tick

	EventCapacity int // 0 means DefaultEventCapacity
	AlertCapacity int // 0 means DefaultAlertCapacity

	Generator Generator
	Promote   Predicate // nil means Critical

	// Rand drives jitter. Nil uses the global source.
	Rand *rand.Rand
}

// Validate checks the config without applying defaults.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %v", ErrInvalidConfig, c.Interval)
	case c.Jitter < 0:
		return fmt.Errorf("%w: jitter must not be negative, got %v", ErrInvalidConfig, c.Jitter)
	case c.EventCapacity < 0:
		return fmt.Errorf("%w: event capacity must not be negative", ErrInvalidConfig)
	case c.AlertCapacity < 0:
		return fmt.Errorf("%w: alert capacity must not be negative", ErrInvalidConfig)
	case c.Generator == nil:
		return fmt.Errorf("%w: generator is required", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.EventCapacity == 0 {
		c.EventCapacity = DefaultEventCapacity
	}
	if c.AlertCapacity == 0 {
		c.AlertCapacity = DefaultAlertCapacity
	}
	if c.Promote == nil {
		c.Promote = Critical
	}
	return c
}

func (c Config) nextDelay() time.Duration {
	if c.Jitter <= 0 {
		return c.Interval
	}
	var j int64
	if c.Rand != nil {
		j = c.Rand.Int64N(int64(c.Jitter))
	} else {
		j = rand.Int64N(int64(c.Jitter))
	}
	return c.Interval + time.Duration(j)
}
