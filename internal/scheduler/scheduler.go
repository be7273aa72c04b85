// Package scheduler handles time-based job scheduling for the daemon.
// Supports cron expressions, fixed intervals and an optional time-of-day
// window outside of which runs are skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/sentinel/internal/config"
	"github.com/marcus/sentinel/internal/logging"
)

var (
	ErrNoSchedule     = errors.New("no schedule configured: set cron or interval")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (a single-digit hour is accepted).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Window is a daily [Start, End) range. End before Start wraps midnight.
type Window struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	now := t.Hour()*60 + t.Minute()
	start, end := w.Start.Minutes(), w.End.Minutes()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

func parseWindow(wc *config.WindowConfig) (*Window, error) {
	start, err := ParseTimeOfDay(wc.Start)
	if err != nil {
		return nil, fmt.Errorf("window start: %w", err)
	}
	end, err := ParseTimeOfDay(wc.End)
	if err != nil {
		return nil, fmt.Errorf("window end: %w", err)
	}
	loc := time.Local
	if wc.Timezone != "" {
		loc, err = time.LoadLocation(wc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("window timezone: %w", err)
		}
	}
	return &Window{Start: start, End: end, Location: loc}, nil
}

// Scheduler runs its jobs on a cron expression or a fixed interval.
type Scheduler struct {
	mu       sync.Mutex
	cronExpr string
	interval time.Duration
	window   *Window
	jobs     []Job
	logger   *logging.Logger

	running bool
	cron    *cron.Cron
	entry   cron.EntryID
	nextRun time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an unconfigured scheduler.
func New() *Scheduler {
	return &Scheduler{logger: logging.Component("scheduler")}
}

// NewFromConfig builds a scheduler from the schedule section of the config.
func NewFromConfig(cfg *config.ScheduleConfig) (*Scheduler, error) {
	s := New()
	switch {
	case cfg.Cron != "" && cfg.Interval != "":
		return nil, config.ErrCronAndInterval
	case cfg.Cron != "":
		if err := s.SetCron(cfg.Cron); err != nil {
			return nil, err
		}
	case cfg.Interval != "":
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("parse interval: %w", err)
		}
		if err := s.SetInterval(d); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoSchedule
	}
	if cfg.Window != nil {
		if err := s.SetWindow(cfg.Window); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetLogger replaces the scheduler's logger.
func (s *Scheduler) SetLogger(l *logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// SetCron sets a standard five-field cron expression.
func (s *Scheduler) SetCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronExpr = expr
	s.interval = 0
	return nil
}

// SetInterval sets a fixed run interval.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.cronExpr = ""
	return nil
}

// SetWindow restricts runs to a daily window. Nil clears it.
func (s *Scheduler) SetWindow(wc *config.WindowConfig) error {
	var w *Window
	if wc != nil {
		var err error
		if w, err = parseWindow(wc); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = w
	return nil
}

// AddJob registers a job. Jobs run in order on every trigger.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start begins triggering jobs until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.cronExpr == "" && s.interval <= 0 {
		return ErrNoSchedule
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	if s.cronExpr != "" {
		c := cron.New()
		id, err := c.AddFunc(s.cronExpr, func() { s.trigger(runCtx) })
		if err != nil {
			cancel()
			s.running = false
			return fmt.Errorf("schedule cron: %w", err)
		}
		s.cron, s.entry = c, id
		c.Start()
		s.nextRun = c.Entry(id).Next
		go func() {
			<-runCtx.Done()
			<-c.Stop().Done()
			close(s.done)
		}()
	} else {
		s.nextRun = time.Now().Add(s.interval)
		go s.loop(runCtx, s.interval)
	}

	s.logger.InfoCtx("scheduler started", map[string]any{
		"cron":     s.cronExpr,
		"interval": s.interval.String(),
		"next_run": s.nextRun,
	})
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.nextRun = time.Now().Add(interval)
			s.mu.Unlock()
			s.trigger(ctx)
		}
	}
}

// trigger runs every job unless the current time is outside the window.
func (s *Scheduler) trigger(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	inWindow := s.window == nil || s.window.Contains(now)
	if s.cron != nil {
		s.nextRun = s.cron.Entry(s.entry).Next
	}
	logger := s.logger
	s.mu.Unlock()

	if !inWindow {
		logger.Debug("outside schedule window, skipping run")
		return
	}
	for i, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			logger.ErrorCtx("scheduled job failed", map[string]any{
				"job":   i,
				"error": err.Error(),
			})
		}
	}
}

// Stop halts triggering and waits for in-flight jobs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cron = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next trigger time, zero when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// NextAfter returns when the schedule would next fire after t, ignoring
// the window. Zero when unconfigured.
func (s *Scheduler) NextAfter(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.cronExpr != "":
		sched, err := cron.ParseStandard(s.cronExpr)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(t)
	case s.interval > 0:
		return t.Add(s.interval)
	}
	return time.Time{}
}

// IsInWindow reports whether t is inside the configured window. Always
// true without a window.
func (s *Scheduler) IsInWindow(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window == nil || s.window.Contains(t)
}
