// Package feed produces the live event stream of a running task.
// An Emitter ticks on its own cadence, asks a Generator for one event per
// tick, keeps the most recent events, and copies qualifying ones into a
// smaller alert buffer.
package feed

import (
	"crypto/rand"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity grades a live event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from lowest to highest.
var Severities = []Severity{SeverityInfo, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Tags used on events the emitter creates itself.
const (
	TagInternal         = "internal"
	TagGeneratorFailure = "generator-failure"
)

// Event is one synthetic live occurrence. Events are treated as immutable
// once emitted; Clone before handing one to another owner.
type Event struct {
	ID        string    `json:"id" yaml:"id"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Severity  Severity  `json:"severity" yaml:"severity"`
	Source    string    `json:"source" yaml:"source"`
	Message   string    `json:"message" yaml:"message"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// NewEvent builds an event stamped at now with a fresh ID.
func NewEvent(now time.Time, sev Severity, source, message string, tags ...string) Event {
	return Event{
		ID:        newID(now),
		Timestamp: now,
		Severity:  sev,
		Source:    source,
		Message:   message,
		Tags:      normalizeTags(tags),
	}
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.Tags = slices.Clone(e.Tags)
	return e
}

// HasTag reports whether the event carries tag.
func (e Event) HasTag(tag string) bool {
	_, found := slices.BinarySearch(e.Tags, tag)
	return found
}

// Internal reports whether the event was produced by the emitter itself
// rather than the generator.
func (e Event) Internal() bool {
	return e.HasTag(TagInternal)
}

func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// normalizeTags turns tags into a sorted set.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
