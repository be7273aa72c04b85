// Package reporting builds the final result of a task and renders it as
// markdown, HTML, JSON or YAML.
package reporting

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/phase"
)

// Finding is one item of a result.
type Finding struct {
	Severity feed.Severity `json:"severity" yaml:"severity"`
	Title    string        `json:"title" yaml:"title"`
	Detail   string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Source   string        `json:"source,omitempty" yaml:"source,omitempty"`
}

// Result is the structured outcome attached to a completed task.
type Result struct {
	TaskID      string        `json:"task_id" yaml:"task_id"`
	Scenario    string        `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	Title       string        `json:"title" yaml:"title"`
	Summary     string        `json:"summary,omitempty" yaml:"summary,omitempty"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time     `json:"completed_at" yaml:"completed_at"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	Phases      []string      `json:"phases,omitempty" yaml:"phases,omitempty"`

	SourceEventCount int                   `json:"source_event_count" yaml:"source_event_count"`
	AlertCount       int                   `json:"alert_count" yaml:"alert_count"`
	SeverityCounts   map[feed.Severity]int `json:"severity_counts" yaml:"severity_counts"`

	Findings []Finding      `json:"findings,omitempty" yaml:"findings,omitempty"`
	Metrics  map[string]int `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Notes    []string       `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Phases = slices.Clone(r.Phases)
	c.SeverityCounts = maps.Clone(r.SeverityCounts)
	c.Findings = slices.Clone(r.Findings)
	c.Metrics = maps.Clone(r.Metrics)
	c.Notes = slices.Clone(r.Notes)
	return &c
}

// MetricNames returns the metric keys in sorted order.
func (r *Result) MetricNames() []string {
	names := make([]string, 0, len(r.Metrics))
	for k := range r.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Input is what a Synthesizer sees once every phase has completed.
// Events and Alerts are newest first.
type Input struct {
	TaskID      string
	Scenario    string
	Phases      []phase.Phase
	StartedAt   time.Time
	CompletedAt time.Time
	Events      []feed.Event
	Alerts      []feed.Event
	EventCount  int // every event emitted, including evicted ones
}

// Synthesizer turns a finished task into its Result.
type Synthesizer func(Input) (*Result, error)

// Summarize fills the fields every result shares: identity, timing, phase
// names, counts and the severity breakdown of the buffered events.
// Internal events are left out of the severity breakdown.
func Summarize(in Input) *Result {
	r := &Result{
		TaskID:           in.TaskID,
		Scenario:         in.Scenario,
		Title:            in.Scenario,
		StartedAt:        in.StartedAt,
		CompletedAt:      in.CompletedAt,
		Duration:         in.CompletedAt.Sub(in.StartedAt),
		SourceEventCount: in.EventCount,
		AlertCount:       len(in.Alerts),
		SeverityCounts:   make(map[feed.Severity]int),
		Metrics:          make(map[string]int),
	}
	if r.Title == "" {
		r.Title = "Task " + in.TaskID
	}
	for _, p := range in.Phases {
		r.Phases = append(r.Phases, p.Name)
	}
	for _, ev := range in.Events {
		if ev.Internal() {
			r.Metrics["internal_events"]++
			continue
		}
		r.SeverityCounts[ev.Severity]++
	}
	return r
}

// Default is the generic synthesizer: the shared summary plus one finding
// per buffered alert.
func Default(in Input) (*Result, error) {
	r := Summarize(in)
	for _, a := range in.Alerts {
		r.Findings = append(r.Findings, Finding{
			Severity: a.Severity,
			Title:    a.Message,
			Source:   a.Source,
		})
	}
	r.Summary = fmt.Sprintf("%d phases completed, %d events observed, %d alerts raised.",
		len(in.Phases), in.EventCount, len(in.Alerts))
	return r, nil
}

// CountFindings tallies findings by severity.
func CountFindings(findings []Finding) map[feed.Severity]int {
	out := make(map[feed.Severity]int)
	for _, f := range findings {
		out[f.Severity]++
	}
	return out
}
