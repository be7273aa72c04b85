package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marcus/sentinel/internal/clock"
	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/phase"
	"github.com/marcus/sentinel/internal/reporting"
)

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// DefaultRetain is how many finished tasks a manager keeps addressable.
const DefaultRetain = 100

// Plan is everything needed to start one task.
type Plan struct {
	Scenario    string
	Phases      []phase.Phase
	Feed        feed.Config
	Synthesizer reporting.Synthesizer
	Seed        uint64 // seed the feed was built from, kept for history

	// OnFinish is called once with this task's terminal snapshot, after
	// the manager-wide FinishFunc.
	OnFinish FinishFunc
}

// FinishFunc observes the final snapshot of every task the manager ran.
type FinishFunc func(Snapshot)

// Manager launches tasks on a shared timer service and keeps them
// addressable by id.
type Manager struct {
	svc      *clock.Service
	logger   *logging.Logger
	handler  EventHandler
	onFinish FinishFunc
	retain   int

	mu    sync.RWMutex
	tasks map[string]*Controller
	order []string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerService sets the shared timer service.
func WithManagerService(s *clock.Service) ManagerOption {
	return func(m *Manager) {
		m.svc = s
	}
}

// WithManagerLogger sets the logger handed to every controller.
func WithManagerLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithManagerEventHandler forwards every controller's lifecycle events.
func WithManagerEventHandler(h EventHandler) ManagerOption {
	return func(m *Manager) {
		m.handler = h
	}
}

// WithFinishFunc is called once per task with its terminal snapshot.
func WithFinishFunc(fn FinishFunc) ManagerOption {
	return func(m *Manager) {
		m.onFinish = fn
	}
}

// WithRetain bounds how many finished tasks stay addressable. Once more
// than n have finished, the earliest launched are forgotten. Unfinished
// tasks are never evicted. n <= 0 keeps DefaultRetain.
func WithRetain(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{tasks: make(map[string]*Controller), retain: DefaultRetain}
	for _, opt := range opts {
		opt(m)
	}
	if m.svc == nil {
		m.svc = clock.NewService(nil)
	}
	if m.logger == nil {
		m.logger = logging.Component("orchestrator")
	}
	return m
}

// Launch creates a controller for plan and starts it. A task whose Start
// fails is not kept.
func (m *Manager) Launch(plan Plan) (*Controller, error) {
	opts := []Option{
		WithService(m.svc),
		WithScenario(plan.Scenario),
		WithLogger(m.logger),
	}
	if plan.Synthesizer != nil {
		opts = append(opts, WithSynthesizer(plan.Synthesizer))
	}
	if m.handler != nil {
		opts = append(opts, WithEventHandler(m.handler))
	}
	c := New(opts...)

	var once sync.Once
	c.OnStateChange(func(s Snapshot) {
		if !s.Status.Terminal() {
			return
		}
		once.Do(func() {
			if m.onFinish != nil {
				m.onFinish(s)
			}
			if plan.OnFinish != nil {
				plan.OnFinish(s)
			}
			m.evictFinished()
		})
	})

	m.mu.Lock()
	m.tasks[c.ID()] = c
	m.order = append(m.order, c.ID())
	m.mu.Unlock()

	if err := c.Start(plan.Phases, plan.Feed); err != nil {
		m.forget(c.ID())
		return nil, fmt.Errorf("starting %s: %w", nonEmpty(plan.Scenario, "task"), err)
	}
	return c, nil
}

// Get returns the task with id.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return c, nil
}

// List returns snapshots of every task in launch order.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.order))
	for _, id := range m.order {
		ctrls = append(ctrls, m.tasks[id])
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Active returns how many tasks have not finished.
func (m *Manager) Active() int {
	n := 0
	for _, s := range m.List() {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}

// Remove closes and forgets a task.
func (m *Manager) Remove(id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.Close()
	m.forget(id)
	return nil
}

// CloseAll cancels every unfinished task.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.tasks))
	for _, c := range m.tasks {
		ctrls = append(ctrls, c)
	}
	m.mu.RUnlock()

	for _, c := range ctrls {
		c.Close()
	}
}

// evictFinished forgets the earliest launched finished tasks beyond the
// retain bound. Statuses are read without holding m.mu.
func (m *Manager) evictFinished() {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.order))
	for _, id := range m.order {
		ctrls = append(ctrls, m.tasks[id])
	}
	m.mu.RUnlock()

	var finished []string
	for _, c := range ctrls {
		if c.Status().Terminal() {
			finished = append(finished, c.ID())
		}
	}
	for _, id := range finished[:max(0, len(finished)-m.retain)] {
		m.forget(id)
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	for i, cur := range m.order {
		if cur == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
