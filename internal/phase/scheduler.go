package phase

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/marcus/sentinel/internal/clock"
)

// Scheduler advances through phases one at a time on a clock.Timers.
//
// A phase with a positive duration reports PhaseStarted when it begins and
// PhaseCompleted when its wait elapses. A zero-duration phase completes on
// the next timer tick and reports only PhaseCompleted. Pausing freezes the
// remaining wait of the current phase.
//
// Listener calls happen after the scheduler has released its lock, in the
// order the transitions occurred.
type Scheduler struct {
	phases   []Phase
	timers   clock.Timers
	listener Listener

	mu       sync.Mutex
	state    State
	index    int // last phase entered, -1 before the first
	waiting  int // phase whose completion timer is armed
	done     int
	elapsed  time.Duration // time served in the waiting phase before segStart
	segStart time.Time
	token    clock.Token
	gen      uint64 // identifies the armed timer; stale callbacks are dropped
	high     float64 // highest progress reported so far
}

// NewScheduler validates phases and returns a scheduler that has not
// started. listener may be nil.
func NewScheduler(phases []Phase, timers clock.Timers, listener Listener) (*Scheduler, error) {
	if err := ValidateAll(phases); err != nil {
		return nil, err
	}
	return &Scheduler{
		phases:   slices.Clone(phases),
		timers:   timers,
		listener: listener,
		index:    -1,
		waiting:  -1,
	}, nil
}

// Start enters the first phase. With no phases the scheduler completes
// immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state != NotStarted {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, st)
	}
	s.state = Running
	out := s.enterLocked(0, s.timers.Now())
	s.mu.Unlock()

	s.deliver(out)
	return nil
}

// Pause freezes the current phase.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, s.state)
	}
	now := s.timers.Now()
	s.high = s.progressLocked(now)
	s.disarmLocked()
	s.elapsed += now.Sub(s.segStart)
	s.state = Paused
	return nil
}

// Resume continues the current phase with its remaining wait.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, s.state)
	}
	remaining := s.phases[s.waiting].Duration - s.elapsed
	if remaining < 0 {
		remaining = 0
	}
	s.state = Running
	s.armLocked(remaining, s.timers.Now())
	return nil
}

// Cancel stops the scheduler and freezes progress at its current value.
func (s *Scheduler) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidState, s.state)
	}
	s.high = s.progressLocked(s.timers.Now())
	s.disarmLocked()
	s.state = Cancelled
	return nil
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Index returns the current phase index, -1 before the first phase.
func (s *Scheduler) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Completed returns how many phases have finished.
func (s *Scheduler) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Phases returns a copy of the phase list.
func (s *Scheduler) Phases() []Phase {
	return slices.Clone(s.phases)
}

// Progress returns overall progress in [0, 100]. It never decreases.
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progressLocked(s.timers.Now())
	if p > s.high {
		s.high = p
	}
	return s.high
}

func (s *Scheduler) progressLocked(now time.Time) float64 {
	switch s.state {
	case NotStarted:
		return 0
	case Completed:
		return 100
	case Paused, Cancelled:
		return s.high
	}

	partial := 0.0
	if s.waiting >= 0 && s.waiting < len(s.phases) {
		if d := s.phases[s.waiting].Duration; d > 0 {
			served := s.elapsed + now.Sub(s.segStart)
			partial = min(float64(served)/float64(d), 1)
		}
	}
	p := (float64(s.done) + partial) / float64(len(s.phases)) * 100
	return max(p, s.high)
}

// enterLocked begins phase i, or completes the scheduler when i is past the
// end. It returns the transitions to deliver.
func (s *Scheduler) enterLocked(i int, now time.Time) []Transition {
	if i >= len(s.phases) {
		s.state = Completed
		s.high = 100
		s.waiting = -1
		return []Transition{{Kind: AllCompleted, Index: -1, At: now}}
	}

	p := s.phases[i]
	s.waiting = i
	s.elapsed = 0
	s.armLocked(p.Duration, now)
	if p.Duration == 0 {
		return nil
	}
	s.index = i
	return []Transition{{Kind: PhaseStarted, Index: i, Phase: p, At: now}}
}

func (s *Scheduler) armLocked(d time.Duration, now time.Time) {
	s.segStart = now
	s.gen++
	gen := s.gen
	s.token = s.timers.Schedule(d, func() { s.fire(gen) })
}

func (s *Scheduler) disarmLocked() {
	if s.token != 0 {
		s.timers.Cancel(s.token)
		s.token = 0
	}
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.state != Running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.token = 0

	now := s.timers.Now()
	i := s.waiting
	s.index = i
	s.done++
	s.elapsed = 0
	s.high = max(s.high, float64(s.done)/float64(len(s.phases))*100)

	out := []Transition{{Kind: PhaseCompleted, Index: i, Phase: s.phases[i], At: now}}
	out = append(out, s.enterLocked(i+1, now)...)
	s.mu.Unlock()

	s.deliver(out)
}

func (s *Scheduler) deliver(out []Transition) {
	if s.listener == nil {
		return
	}
	for _, t := range out {
		s.listener(t)
	}
}
