// Package scenarios is the catalog of runnable security operations. A
// scenario bundles the phases of a task, the feed that accompanies it and
// the synthesizer that turns the run into a report.
package scenarios

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/phase"
	"github.com/marcus/sentinel/internal/reporting"
)

var (
	// ErrUnknownScenario is returned when a name is not in the registry.
	ErrUnknownScenario = errors.New("unknown scenario")
	// ErrDuplicateScenario is returned by Register for a name already taken.
	ErrDuplicateScenario = errors.New("scenario already registered")
	// ErrInvalidScenario wraps every validation failure.
	ErrInvalidScenario = errors.New("invalid scenario")
)

// GeneratorFactory builds a feed generator drawing from r.
type GeneratorFactory func(r *rand.Rand) feed.Generator

// Scenario describes one kind of task.
type Scenario struct {
	Name        string
	Title       string
	Description string
	Phases      []phase.Phase

	Interval      time.Duration
	Jitter        time.Duration
	EventCapacity int
	AlertCapacity int
	// Promote is the lowest severity copied to the alert buffer.
	// Empty means critical only.
	Promote feed.Severity

	Generator   GeneratorFactory
	Synthesizer reporting.Synthesizer
}

// Validate checks the scenario without building a plan.
func (s Scenario) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidScenario)
	case s.Interval <= 0:
		return fmt.Errorf("%w: %s: feed interval must be positive", ErrInvalidScenario, s.Name)
	case s.Jitter < 0:
		return fmt.Errorf("%w: %s: jitter must not be negative", ErrInvalidScenario, s.Name)
	case s.EventCapacity < 0 || s.AlertCapacity < 0:
		return fmt.Errorf("%w: %s: capacities must not be negative", ErrInvalidScenario, s.Name)
	case s.Promote != "" && !s.Promote.Valid():
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidScenario, s.Name, s.Promote)
	}
	if err := phase.ValidateAll(s.Phases); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidScenario, s.Name, err)
	}
	return nil
}

// Duration is the nominal run time at scale 1.
func (s Scenario) Duration() time.Duration {
	return phase.Total(s.Phases)
}

// Options tune a single run.
type Options struct {
	// Seed makes the feed reproducible. Zero picks a random seed.
	Seed uint64
	// TimeScale multiplies every phase duration and feed interval.
	// Zero or less means 1.
	TimeScale float64
	// Promote overrides the scenario's promotion threshold when set.
	Promote feed.Severity
}

// Plan turns the scenario into an orchestrator plan.
func (s Scenario) Plan(opts Options) orchestrator.Plan {
	scale := opts.TimeScale
	if scale <= 0 {
		scale = 1
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	gen := s.Generator
	if gen == nil {
		gen = genericFeed(s.Name)
	}
	cfg := feed.Config{
		Interval:      scaleDuration(s.Interval, scale),
		Jitter:        scaleDuration(s.Jitter, scale),
		EventCapacity: s.EventCapacity,
		AlertCapacity: s.AlertCapacity,
		Generator:     gen(rand.New(rand.NewPCG(seed, 1))),
		Rand:          rand.New(rand.NewPCG(seed, 2)),
	}
	promote := s.Promote
	if opts.Promote != "" {
		promote = opts.Promote
	}
	if promote != "" && promote != feed.SeverityCritical {
		cfg.Promote = feed.MinSeverity(promote)
	}

	return orchestrator.Plan{
		Scenario:    s.Name,
		Phases:      phase.Scale(s.Phases, scale),
		Feed:        cfg,
		Synthesizer: s.Synthesizer,
		Seed:        seed,
	}
}

func scaleDuration(d time.Duration, factor float64) time.Duration {
	if d <= 0 {
		return d
	}
	out := time.Duration(float64(d) * factor)
	if out <= 0 {
		out = time.Millisecond
	}
	return out
}

// Registry holds scenarios by name.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scenarios: make(map[string]Scenario)}
}

// Default returns a registry holding every built-in scenario.
func Default() *Registry {
	r := NewRegistry()
	for _, s := range Builtins() {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a scenario. Names are unique.
func (r *Registry) Register(s Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scenarios[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateScenario, s.Name)
	}
	r.scenarios[s.Name] = s
	return nil
}

// Merge overlays the non-zero fields of s onto the scenario of the same
// name, or registers s as a new scenario when the name is unknown.
func (r *Registry) Merge(s Scenario) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := s
	if cur, ok := r.scenarios[s.Name]; ok {
		merged = cur
		if s.Title != "" {
			merged.Title = s.Title
		}
		if s.Description != "" {
			merged.Description = s.Description
		}
		if len(s.Phases) > 0 {
			merged.Phases = s.Phases
		}
		if s.Interval > 0 {
			merged.Interval = s.Interval
		}
		if s.Jitter > 0 {
			merged.Jitter = s.Jitter
		}
		if s.EventCapacity > 0 {
			merged.EventCapacity = s.EventCapacity
		}
		if s.AlertCapacity > 0 {
			merged.AlertCapacity = s.AlertCapacity
		}
		if s.Promote != "" {
			merged.Promote = s.Promote
		}
		if s.Generator != nil {
			merged.Generator = s.Generator
		}
		if s.Synthesizer != nil {
			merged.Synthesizer = s.Synthesizer
		}
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	r.scenarios[s.Name] = merged
	return nil
}

// Get returns the named scenario.
func (r *Registry) Get(name string) (Scenario, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scenarios[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
	}
	return s, nil
}

// List returns every scenario sorted by name.
func (r *Registry) List() []Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scenario, 0, len(r.scenarios))
	for _, s := range r.scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
	}
	return names
}
