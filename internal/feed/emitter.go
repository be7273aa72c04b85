package feed

import (
	"fmt"
	"sync"
	"time"

	"github.com/marcus/sentinel/internal/clock"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/ringbuf"
)

type emitterState int

const (
	stateStopped emitterState = iota
	stateRunning
	statePaused
)

// EmitHook observes every stored event. promoted reports whether the event
// was also copied into the alert buffer. Hooks run after the emitter has
// released its own lock.
type EmitHook func(ev Event, promoted bool)

// Emitter drives a Generator on a timer and buffers its output.
type Emitter struct {
	cfg    Config
	timers clock.Timers
	logger *logging.Logger
	hook   EmitHook

	mu       sync.Mutex
	state    emitterState
	gen      uint64 // bumped on every Start/Resume; stale ticks are ignored
	token    clock.Token
	seq      int
	emitted  int
	failures int
	events   *ringbuf.Buffer[Event]
	alerts   *ringbuf.Buffer[Event]
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithHook sets the emit hook.
func WithHook(h EmitHook) Option {
	return func(e *Emitter) {
		e.hook = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Emitter) {
		e.logger = l
	}
}

// New validates cfg and builds a stopped emitter scheduling on timers.
func New(cfg Config, timers clock.Timers, opts ...Option) (*Emitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	events, err := ringbuf.New[Event](cfg.EventCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	alerts, err := ringbuf.New[Event](cfg.AlertCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	e := &Emitter{
		cfg:    cfg,
		timers: timers,
		events: events,
		alerts: alerts,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Component("feed")
	}
	return e, nil
}

// Start begins ticking. Starting a running or paused emitter is a no-op.
func (e *Emitter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateStopped {
		return nil
	}
	if err := e.armLocked(); err != nil {
		return err
	}
	e.state = stateRunning
	return nil
}

// Stop cancels the pending tick. Stopping twice is a no-op. Buffers are kept.
func (e *Emitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarmLocked()
	e.state = stateStopped
}

// Pause suspends ticking without discarding buffered events.
func (e *Emitter) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateRunning {
		return
	}
	e.disarmLocked()
	e.state = statePaused
}

// Resume restarts ticking after Pause. The next tick is a full interval
// away.
func (e *Emitter) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != statePaused {
		return nil
	}
	if err := e.armLocked(); err != nil {
		return err
	}
	e.state = stateRunning
	return nil
}

// Running reports whether ticks are scheduled.
func (e *Emitter) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

// Events returns deep copies of the buffered events, newest first.
func (e *Emitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.events.Items())
}

// Alerts returns deep copies of the buffered alerts, newest first.
func (e *Emitter) Alerts() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.alerts.Items())
}

// cloneAll deep-copies items in place; items is already a fresh slice.
func cloneAll(items []Event) []Event {
	for i := range items {
		items[i] = items[i].Clone()
	}
	return items
}

// Emitted returns the total number of events stored since creation,
// including ones already evicted.
func (e *Emitter) Emitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted
}

// Failures returns how many ticks ended in a generator failure.
func (e *Emitter) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

func (e *Emitter) armLocked() error {
	e.gen++
	gen := e.gen
	fn := func() { e.tick(gen) }

	if e.cfg.Jitter > 0 {
		e.token = e.timers.Schedule(e.cfg.nextDelay(), fn)
		return nil
	}
	tok, err := e.timers.ScheduleRepeating(e.cfg.Interval, fn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	e.token = tok
	return nil
}

func (e *Emitter) disarmLocked() {
	if e.token != 0 {
		e.timers.Cancel(e.token)
		e.token = 0
	}
	e.gen++
}

func (e *Emitter) tick(gen uint64) {
	e.mu.Lock()
	if e.state != stateRunning || gen != e.gen {
		e.mu.Unlock()
		return
	}

	e.seq++
	now := e.timers.Now()
	ev, err := e.generate(e.seq, now)
	promoted := false
	if err != nil {
		e.failures++
		e.logger.WarnCtx("event generator failed", map[string]any{
			"seq":   e.seq,
			"error": err.Error(),
		})
		ev = NewEvent(now, SeverityInfo, "sentinel", err.Error(), TagInternal, TagGeneratorFailure)
	} else {
		if ev.ID == "" {
			ev.ID = newID(now)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		ev.Tags = normalizeTags(ev.Tags)
		promoted = !ev.Internal() && e.cfg.Promote(ev)
	}

	e.events.Push(ev)
	if promoted {
		e.alerts.Push(ev.Clone())
	}
	e.emitted++

	if e.cfg.Jitter > 0 {
		e.token = e.timers.Schedule(e.cfg.nextDelay(), func() { e.tick(gen) })
	}
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		hook(ev.Clone(), promoted)
	}
}

// generate calls the generator, converting a panic into an error.
func (e *Emitter) generate(seq int, now time.Time) (ev Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrGeneratorFailure, r)
		}
	}()
	ev, err = e.cfg.Generator(seq, now)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrGeneratorFailure, err)
	}
	return ev, err
}
