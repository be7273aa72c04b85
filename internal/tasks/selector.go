package tasks

import (
	"time"

	"github.com/marcus/sentinel/internal/scenarios"
	"github.com/marcus/sentinel/internal/state"
)

// History is the part of the run store the selector reads.
type History interface {
	LastRun(scenario string) (state.RunRecord, bool, error)
}

// Selector picks the scenarios a scheduled trigger should launch.
type Selector struct {
	registry *scenarios.Registry
	history  History
	cooldown time.Duration
	now      func() time.Time
}

// NewSelector creates a selector. history may be nil, which disables the
// cooldown check.
func NewSelector(reg *scenarios.Registry, history History) *Selector {
	return &Selector{registry: reg, history: history, now: time.Now}
}

// SetCooldown skips scenarios whose last run started less than d ago.
func (s *Selector) SetCooldown(d time.Duration) {
	s.cooldown = d
}

// FilterKnown resolves names against the registry, dropping duplicates.
// Unknown names are returned separately.
func (s *Selector) FilterKnown(names []string) (known []scenarios.Scenario, unknown []string) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		sc, err := s.registry.Get(name)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		known = append(known, sc)
	}
	return known, unknown
}

// IsOnCooldown returns whether a scenario ran too recently.
// Returns (onCooldown, remainingTime).
func (s *Selector) IsOnCooldown(name string) (bool, time.Duration) {
	if s.cooldown <= 0 || s.history == nil {
		return false, 0
	}
	last, ok, err := s.history.LastRun(name)
	if err != nil || !ok || last.StartedAt.IsZero() {
		return false, 0
	}
	elapsed := s.now().Sub(last.StartedAt)
	if elapsed >= s.cooldown {
		return false, 0
	}
	return true, s.cooldown - elapsed
}

// FilterByCooldown returns scenarios whose cooldown has elapsed.
func (s *Selector) FilterByCooldown(list []scenarios.Scenario) []scenarios.Scenario {
	filtered := make([]scenarios.Scenario, 0, len(list))
	for _, sc := range list {
		if cooling, _ := s.IsOnCooldown(sc.Name); !cooling {
			filtered = append(filtered, sc)
		}
	}
	return filtered
}

// Select returns the scenarios to launch for names, in order. An empty
// list selects every registered scenario.
func (s *Selector) Select(names []string) (selected []scenarios.Scenario, unknown []string) {
	if len(names) == 0 {
		names = s.registry.Names()
	}
	known, unknown := s.FilterKnown(names)
	return s.FilterByCooldown(known), unknown
}
