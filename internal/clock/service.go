package clock

import (
	"sync"
	"time"
)

// Token identifies a scheduled callback. The zero Token is never issued.
type Token uint64

type entry struct {
	timer    Timer
	fn       func()
	interval time.Duration
}

// Service schedules delayed and repeating callbacks and hands out tokens for
// cancelling them. A single Service is safe to share between many tasks.
type Service struct {
	clock Clock

	mu   sync.Mutex
	next Token
	live map[Token]*entry
}

// NewService creates a timer service on top of c. A nil clock uses Real.
func NewService(c Clock) *Service {
	if c == nil {
		c = Real()
	}
	return &Service{
		clock: c,
		live:  make(map[Token]*entry),
	}
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// Schedule runs fn once after d.
func (s *Service) Schedule(d time.Duration, fn func()) Token {
	tok := s.reserve()
	s.arm(tok, d, 0, fn)
	return tok
}

// ScheduleRepeating runs fn every interval until the token is cancelled.
func (s *Service) ScheduleRepeating(interval time.Duration, fn func()) (Token, error) {
	if interval <= 0 {
		return 0, ErrInvalidInterval
	}
	tok := s.reserve()
	s.arm(tok, interval, interval, fn)
	return tok, nil
}

// Cancel stops the callback for tok. It reports whether a pending callback
// was removed. After Cancel returns the callback is never started again.
func (s *Service) Cancel(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live[tok]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.live, tok)
	return true
}

// Pending returns the number of live tokens across all callers.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Service) reserve() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

func (s *Service) arm(tok Token, d, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{fn: fn, interval: interval}
	s.live[tok] = e
	e.timer = s.clock.AfterFunc(d, func() { s.fire(tok) })
}

func (s *Service) fire(tok Token) {
	s.mu.Lock()
	e, ok := s.live[tok]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.interval > 0 {
		e.timer = s.clock.AfterFunc(e.interval, func() { s.fire(tok) })
	} else {
		delete(s.live, tok)
	}
	fn := e.fn
	s.mu.Unlock()

	fn()
}
