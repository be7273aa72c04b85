// Package orchestrator runs staged tasks: a phase scheduler and a live event
// feed driven together on one timer group, ending in a synthesized result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/sentinel/internal/clock"
	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/phase"
	"github.com/marcus/sentinel/internal/reporting"
)

// Status is the lifecycle status of a task.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

var (
	// ErrInvalidConfiguration is returned by Start for malformed phases or
	// feed settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidState is returned when an operation is not allowed in the
	// task's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrGeneratorFailure marks a failure raised by injected event or result
	// generators.
	ErrGeneratorFailure = feed.ErrGeneratorFailure
)

// Snapshot is an immutable view of a task. Slices and the result are
// copies owned by the caller.
type Snapshot struct {
	TaskID            string
	Scenario          string
	Status            Status
	Progress          float64
	CurrentPhaseIndex int
	CurrentPhase      string
	Phases            []phase.Phase
	Events            []feed.Event
	Alerts            []feed.Event
	EventCount        int
	StartedAt         time.Time
	EndedAt           time.Time
	Result            *reporting.Result
	Err               error
	Version           uint64 // increases with every published change
}

// Listener receives snapshots after every change.
type Listener func(Snapshot)

type subscriber struct {
	id int
	fn Listener
}

// notice is one queued delivery: a snapshot for listeners or an event for
// the event handler.
type notice struct {
	snap  *Snapshot
	event *Event
}

// Controller owns one task. Start, Pause, Resume and Cancel never block on
// timers, and every timer callback of the task runs under the controller's
// lock, so a Cancel is final the moment it returns.
//
// Listeners and the event handler are called outside the lock, in
// publication order, and may call back into the controller. The synthesizer
// runs under the lock and must not.
type Controller struct {
	id       string
	scenario string
	svc      *clock.Service
	synth    reporting.Synthesizer
	logger   *logging.Logger
	handler  EventHandler

	mu         sync.Mutex
	timers     *clock.Group
	status     Status
	phases     []phase.Phase
	sched      *phase.Scheduler
	emitter    *feed.Emitter
	progress   float64
	startedAt  time.Time
	endedAt    time.Time
	phaseStart time.Time
	result     *reporting.Result
	err        error
	version    uint64
	done       chan struct{}

	subs        []subscriber
	nextSub     int
	outbox      []notice
	dispatching bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithID sets the task id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(c *Controller) {
		c.id = id
	}
}

// WithScenario labels the task with the scenario it runs.
func WithScenario(name string) Option {
	return func(c *Controller) {
		c.scenario = name
	}
}

// WithService sets the shared timer service.
func WithService(s *clock.Service) Option {
	return func(c *Controller) {
		c.svc = s
	}
}

// WithSynthesizer sets the result synthesizer.
func WithSynthesizer(s reporting.Synthesizer) Option {
	return func(c *Controller) {
		c.synth = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithEventHandler sets an optional callback for lifecycle events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Controller) {
		c.handler = h
	}
}

// New creates an idle controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		status: StatusIdle,
		synth:  reporting.Default,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.svc == nil {
		c.svc = clock.NewService(nil)
	}
	if c.logger == nil {
		c.logger = logging.Component("orchestrator")
	}
	c.logger = c.logger.WithTask(c.id, c.scenario)
	c.timers = c.svc.NewGroup(clock.WithLocker(&c.mu), clock.WithAfter(c.dispatch))
	return c
}

// ID returns the task id.
func (c *Controller) ID() string {
	return c.id
}

// Scenario returns the scenario label.
func (c *Controller) Scenario() string {
	return c.scenario
}

// Start validates the configuration and starts the phase scheduler and the
// event feed. An empty phase list completes the task immediately.
func (c *Controller) Start(phases []phase.Phase, cfg feed.Config) error {
	c.mu.Lock()
	err := c.startLocked(phases, cfg)
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Controller) startLocked(phases []phase.Phase, cfg feed.Config) error {
	if c.status != StatusIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, c.status)
	}

	sched, err := phase.NewScheduler(phases, c.timers, c.onTransition)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	em, err := feed.New(cfg, c.timers,
		feed.WithHook(c.onEmit),
		feed.WithLogger(c.logger.WithComponent("feed")))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	c.phases = slices.Clone(phases)
	c.sched = sched
	c.emitter = em
	c.status = StatusRunning
	c.startedAt = c.timers.Now()

	c.logger.InfoCtx("task started", map[string]any{
		"phases":   len(phases),
		"interval": cfg.Interval.String(),
	})
	c.emitLocked(Event{Type: EventTaskStart, Message: "task started"})

	if err := em.Start(); err != nil {
		err = fmt.Errorf("starting feed: %w", err)
		c.finishLocked(StatusFailed, err)
		return err
	}
	if err := sched.Start(); err != nil {
		err = fmt.Errorf("starting scheduler: %w", err)
		c.finishLocked(StatusFailed, err)
		return err
	}
	if c.status == StatusRunning {
		c.publishLocked()
	}
	return nil
}

// Pause freezes the current phase and stops the feed. Buffers are kept.
func (c *Controller) Pause() error {
	c.mu.Lock()
	err := c.pauseLocked()
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Controller) pauseLocked() error {
	if c.status != StatusRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, c.status)
	}
	c.progress = max(c.progress, c.sched.Progress())
	if err := c.sched.Pause(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	c.emitter.Pause()
	c.status = StatusPaused

	c.logger.InfoCtx("task paused", map[string]any{"progress": c.progress})
	c.emitLocked(Event{Type: EventPaused, Message: "task paused"})
	c.publishLocked()
	return nil
}

// Resume continues a paused task.
func (c *Controller) Resume() error {
	c.mu.Lock()
	err := c.resumeLocked()
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Controller) resumeLocked() error {
	if c.status != StatusPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, c.status)
	}
	if err := c.sched.Resume(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := c.emitter.Resume(); err != nil {
		err = fmt.Errorf("resuming feed: %w", err)
		c.finishLocked(StatusFailed, err)
		return err
	}
	c.status = StatusRunning

	c.logger.InfoCtx("task resumed", map[string]any{"progress": c.progress})
	c.emitLocked(Event{Type: EventResumed, Message: "task resumed"})
	c.publishLocked()
	return nil
}

// Cancel stops the task and releases every timer before returning.
// Progress keeps the value it had when cancelled.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	err := c.cancelLocked()
	c.mu.Unlock()
	c.dispatch()
	return err
}

func (c *Controller) cancelLocked() error {
	if c.status.Terminal() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidState, c.status)
	}
	if c.sched != nil {
		c.progress = max(c.progress, c.sched.Progress())
		_ = c.sched.Cancel()
	}
	c.finishLocked(StatusCancelled, nil)
	return nil
}

// Close cancels a task that has not finished and releases its timers.
// Closing a finished task is a no-op.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.status.Terminal() {
		_ = c.cancelLocked()
	}
	c.timers.Close()
	c.mu.Unlock()
	c.dispatch()
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the task reaches a terminal status.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the task finishes or ctx is done, and returns the
// latest snapshot.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-c.done:
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Snapshot returns the current view of the task.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// OnStateChange subscribes fn to snapshot updates. The returned function
// unsubscribes it.
func (c *Controller) OnStateChange(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs = slices.DeleteFunc(c.subs, func(s subscriber) bool { return s.id == id })
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		TaskID:            c.id,
		Scenario:          c.scenario,
		Status:            c.status,
		Progress:          c.currentProgressLocked(),
		CurrentPhaseIndex: -1,
		Phases:            slices.Clone(c.phases),
		StartedAt:         c.startedAt,
		EndedAt:           c.endedAt,
		Result:            c.result.Clone(),
		Err:               c.err,
		Version:           c.version,
	}
	if c.sched != nil {
		s.CurrentPhaseIndex = c.sched.Index()
		if s.CurrentPhaseIndex >= 0 {
			s.CurrentPhase = c.phases[s.CurrentPhaseIndex].Name
		}
	}
	if c.emitter != nil {
		s.Events = c.emitter.Events()
		s.Alerts = c.emitter.Alerts()
		s.EventCount = c.emitter.Emitted()
	}
	return s
}

// currentProgressLocked never returns less than a value already published.
func (c *Controller) currentProgressLocked() float64 {
	if c.status == StatusRunning && c.sched != nil {
		c.progress = max(c.progress, c.sched.Progress())
	}
	return c.progress
}

// onTransition runs under c.mu: from Start, or from a timer callback
// holding the group locker.
func (c *Controller) onTransition(t phase.Transition) {
	if c.status.Terminal() {
		return
	}
	switch t.Kind {
	case phase.PhaseStarted:
		c.phaseStart = t.At
		c.logger.InfoCtx("phase started", map[string]any{"phase": t.Phase.Name, "index": t.Index})
		c.emitLocked(Event{Type: EventPhaseStart, PhaseIndex: t.Index, Phase: t.Phase.Name, Message: t.Phase.Description})
	case phase.PhaseCompleted:
		var took time.Duration
		if t.Phase.Duration > 0 {
			took = t.At.Sub(c.phaseStart)
		}
		c.logger.InfoCtx("phase completed", map[string]any{"phase": t.Phase.Name, "index": t.Index})
		c.emitLocked(Event{Type: EventPhaseEnd, PhaseIndex: t.Index, Phase: t.Phase.Name, Duration: took})
	case phase.AllCompleted:
		c.completeLocked(t.At)
		return
	}
	c.publishLocked()
}

// onEmit runs under c.mu from the feed's timer callback.
func (c *Controller) onEmit(ev feed.Event, promoted bool) {
	if c.status != StatusRunning {
		return
	}
	if promoted {
		alert := ev
		c.emitLocked(Event{Type: EventAlert, Alert: &alert, Message: ev.Message})
	}
	c.publishLocked()
}

func (c *Controller) completeLocked(at time.Time) {
	c.progress = 100
	c.emitter.Stop()
	c.timers.CancelAll()

	in := reporting.Input{
		TaskID:      c.id,
		Scenario:    c.scenario,
		Phases:      slices.Clone(c.phases),
		StartedAt:   c.startedAt,
		CompletedAt: at,
		Events:      c.emitter.Events(),
		Alerts:      c.emitter.Alerts(),
		EventCount:  c.emitter.Emitted(),
	}
	res, err := c.synthesize(in)
	if err != nil {
		c.finishLocked(StatusFailed, err)
		return
	}
	c.result = res
	c.finishLocked(StatusCompleted, nil)
}

func (c *Controller) synthesize(in reporting.Input) (res *reporting.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: synthesizer panic: %v", ErrGeneratorFailure, r)
		}
	}()
	res, err = c.synth(in)
	if err != nil {
		return nil, fmt.Errorf("%w: synthesizer: %v", ErrGeneratorFailure, err)
	}
	if res == nil {
		return nil, fmt.Errorf("%w: synthesizer returned no result", ErrGeneratorFailure)
	}
	return res, nil
}

// finishLocked moves the task to a terminal status and releases its timers.
func (c *Controller) finishLocked(status Status, err error) {
	if c.emitter != nil {
		c.emitter.Stop()
	}
	c.timers.CancelAll()

	c.status = status
	c.err = err
	c.endedAt = c.timers.Now()
	close(c.done)

	fields := map[string]any{"status": string(status), "progress": c.progress}
	ev := Event{Type: EventTaskEnd, Status: status}
	if !c.startedAt.IsZero() {
		ev.Duration = c.endedAt.Sub(c.startedAt)
		fields["duration"] = ev.Duration.String()
	}
	if err != nil {
		ev.Error = err.Error()
		fields["error"] = err.Error()
		c.logger.ErrorCtx("task failed", fields)
	} else {
		c.logger.InfoCtx("task finished", fields)
	}
	c.emitLocked(ev)
	c.publishLocked()
}

func (c *Controller) emitLocked(e Event) {
	if c.handler == nil {
		return
	}
	e.Time = c.timers.Now()
	e.TaskID = c.id
	e.Scenario = c.scenario
	e.Progress = c.currentProgressLocked()
	c.outbox = append(c.outbox, notice{event: &e})
}

func (c *Controller) publishLocked() {
	c.version++
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	c.outbox = append(c.outbox, notice{snap: &snap})
}

// dispatch drains the outbox outside the lock. A nested or concurrent call
// leaves the work to the goroutine already dispatching, which keeps
// deliveries in publication order.
func (c *Controller) dispatch() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.outbox) > 0 {
		n := c.outbox[0]
		c.outbox = c.outbox[1:]
		subs := slices.Clone(c.subs)
		handler := c.handler
		c.mu.Unlock()

		if n.event != nil && handler != nil {
			handler(*n.event)
		}
		if n.snap != nil {
			for _, s := range subs {
				s.fn(*n.snap)
			}
		}

		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}
