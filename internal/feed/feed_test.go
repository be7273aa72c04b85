package feed

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/marcus/sentinel/internal/clock"
	"github.com/marcus/sentinel/internal/logging"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// cycle returns a generator that walks sevs in order.
func cycle(sevs ...Severity) Generator {
	return func(seq int, now time.Time) (Event, error) {
		sev := sevs[(seq-1)%len(sevs)]
		return Event{Severity: sev, Source: "test", Message: fmt.Sprintf("event %d", seq)}, nil
	}
}

func newTestEmitter(t *testing.T, cfg Config, opts ...Option) (*Emitter, *clock.Fake) {
	t.Helper()
	f := clock.NewFake(epoch)
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	e, err := New(cfg, clock.NewService(f), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, f
}

func TestConfigValidate(t *testing.T) {
	gen := cycle(SeverityInfo)
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Interval: time.Second, Generator: gen}, false},
		{"zero interval", Config{Generator: gen}, true},
		{"negative interval", Config{Interval: -time.Second, Generator: gen}, true},
		{"negative jitter", Config{Interval: time.Second, Jitter: -1, Generator: gen}, true},
		{"negative events", Config{Interval: time.Second, EventCapacity: -1, Generator: gen}, true},
		{"negative alerts", Config{Interval: time.Second, AlertCapacity: -1, Generator: gen}, true},
		{"nil generator", Config{Interval: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestEmitter_TicksOnInterval(t *testing.T) {
	e, f := newTestEmitter(t, Config{
		Interval:  30 * time.Millisecond,
		Generator: cycle(SeverityInfo),
	})

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.Advance(100 * time.Millisecond)

	if got := e.Emitted(); got != 3 {
		t.Errorf("Emitted() = %d, want 3", got)
	}
	events := e.Events()
	if len(events) != 3 {
		t.Fatalf("len(Events()) = %d, want 3", len(events))
	}
	if events[0].Message != "event 3" || events[2].Message != "event 1" {
		t.Errorf("events not newest first: %q .. %q", events[0].Message, events[2].Message)
	}
	if !events[0].Timestamp.Equal(epoch.Add(90 * time.Millisecond)) {
		t.Errorf("newest timestamp = %v, want epoch+90ms", events[0].Timestamp)
	}
	if events[0].ID == "" {
		t.Error("event ID not assigned")
	}
}

// Default promotion copies only critical events; the event buffer keeps the
// most recent ones.
func TestEmitter_DefaultPromotion(t *testing.T) {
	e, f := newTestEmitter(t, Config{
		Interval:      10 * time.Millisecond,
		EventCapacity: 4,
		AlertCapacity: 2,
		Generator:     cycle(SeverityInfo, SeverityCritical, SeverityHigh),
	})

	_ = e.Start()
	f.Advance(90 * time.Millisecond) // 9 ticks, criticals at 2, 5, 8

	events := e.Events()
	if len(events) != 4 {
		t.Errorf("len(Events()) = %d, want 4", len(events))
	}
	alerts := e.Alerts()
	if len(alerts) != 2 {
		t.Fatalf("len(Alerts()) = %d, want 2", len(alerts))
	}
	for _, a := range alerts {
		if a.Severity != SeverityCritical {
			t.Errorf("alert severity = %s, want critical", a.Severity)
		}
	}
	if alerts[0].Message != "event 8" || alerts[1].Message != "event 5" {
		t.Errorf("alerts = %q, %q; want event 8, event 5", alerts[0].Message, alerts[1].Message)
	}
	if e.Emitted() != 9 {
		t.Errorf("Emitted() = %d, want 9", e.Emitted())
	}
}

func TestEmitter_MinSeverityPromotion(t *testing.T) {
	e, f := newTestEmitter(t, Config{
		Interval:  10 * time.Millisecond,
		Generator: cycle(SeverityInfo, SeverityMedium, SeverityHigh, SeverityCritical),
		Promote:   MinSeverity(SeverityHigh),
	})

	_ = e.Start()
	f.Advance(40 * time.Millisecond)

	if got := len(e.Alerts()); got != 2 {
		t.Errorf("len(Alerts()) = %d, want 2 (high and critical)", got)
	}
}

func TestEmitter_AlertIsIndependentCopy(t *testing.T) {
	e, f := newTestEmitter(t, Config{
		Interval: 10 * time.Millisecond,
		Generator: func(seq int, now time.Time) (Event, error) {
			return Event{Severity: SeverityCritical, Tags: []string{"b", "a", "a"}}, nil
		},
	})
	_ = e.Start()
	f.Advance(10 * time.Millisecond)

	ev := e.Events()[0]
	if len(ev.Tags) != 2 || ev.Tags[0] != "a" || ev.Tags[1] != "b" {
		t.Errorf("tags = %v, want sorted set [a b]", ev.Tags)
	}
	ev.Tags[0] = "mutated"
	if e.Alerts()[0].Tags[0] != "a" {
		t.Error("mutating an event snapshot changed the alert")
	}
	if e.Events()[0].Tags[0] != "a" {
		t.Error("mutating a snapshot changed the buffer")
	}
}

func TestEmitter_HookMayReadBuffers(t *testing.T) {
	var e *Emitter
	var seen []int
	e, f := newTestEmitter(t, Config{Interval: 10 * time.Millisecond, Generator: cycle(SeverityCritical)},
		WithHook(func(ev Event, promoted bool) {
			// runs outside the emitter lock, unlike the generator
			seen = append(seen, len(e.Events())+len(e.Alerts()))
		}))
	_ = e.Start()
	f.Advance(30 * time.Millisecond)

	if len(seen) != 3 || seen[0] != 2 || seen[2] != 6 {
		t.Errorf("buffer sizes seen from hook = %v, want [2 4 6]", seen)
	}
}

func TestEmitter_StartStopIdempotent(t *testing.T) {
	e, f := newTestEmitter(t, Config{
		Interval:  10 * time.Millisecond,
		Generator: cycle(SeverityInfo),
	})

	_ = e.Start()
	_ = e.Start()
	f.Advance(10 * time.Millisecond)
	if e.Emitted() != 1 {
		t.Errorf("double Start produced %d events per tick", e.Emitted())
	}

	e.Stop()
	e.Stop()
	f.Advance(100 * time.Millisecond)
	if e.Emitted() != 1 {
		t.Errorf("Emitted() = %d after Stop, want 1", e.Emitted())
	}
	if len(e.Events()) != 1 {
		t.Error("Stop discarded buffered events")
	}
	if f.Pending() != 0 {
		t.Errorf("fake clock holds %d timers after Stop", f.Pending())
	}
}

func TestEmitter_PauseResume(t *testing.T) {
	e, f := newTestEmitter(t, Config{
		Interval:  10 * time.Millisecond,
		Generator: cycle(SeverityInfo),
	})

	_ = e.Start()
	f.Advance(25 * time.Millisecond) // 2 events
	e.Pause()
	if e.Running() {
		t.Error("Running() = true while paused")
	}
	f.Advance(100 * time.Millisecond)
	if e.Emitted() != 2 {
		t.Fatalf("Emitted() = %d while paused, want 2", e.Emitted())
	}

	_ = e.Start() // no-op while paused
	if e.Running() {
		t.Error("Start() resumed a paused emitter")
	}

	_ = e.Resume()
	f.Advance(10 * time.Millisecond)
	if e.Emitted() != 3 {
		t.Errorf("Emitted() = %d after Resume, want 3", e.Emitted())
	}
}

func TestEmitter_Jitter(t *testing.T) {
	e, f := newTestEmitter(t, Config{
		Interval:  10 * time.Millisecond,
		Jitter:    5 * time.Millisecond,
		Generator: cycle(SeverityInfo),
		Rand:      rand.New(rand.NewPCG(1, 2)),
	})

	_ = e.Start()
	f.Advance(10 * time.Millisecond)
	if e.Emitted() > 1 {
		t.Fatalf("Emitted() = %d before first jittered tick could elapse twice", e.Emitted())
	}
	f.Advance(140 * time.Millisecond)

	// each gap is in [10ms, 15ms) so 150ms holds between 10 and 15 ticks
	if n := e.Emitted(); n < 10 || n > 15 {
		t.Errorf("Emitted() = %d, want 10..15", n)
	}
	events := e.Events()
	for i := 0; i+1 < len(events); i++ {
		gap := events[i].Timestamp.Sub(events[i+1].Timestamp)
		if gap < 10*time.Millisecond || gap >= 15*time.Millisecond {
			t.Errorf("gap %d = %v, want [10ms, 15ms)", i, gap)
		}
	}
}

func TestEmitter_GeneratorFailure(t *testing.T) {
	tests := []struct {
		name string
		gen  Generator
	}{
		{
			name: "error",
			gen: func(seq int, now time.Time) (Event, error) {
				if seq == 2 {
					return Event{}, errors.New("upstream unavailable")
				}
				return Event{Severity: SeverityCritical}, nil
			},
		},
		{
			name: "panic",
			gen: func(seq int, now time.Time) (Event, error) {
				if seq == 2 {
					panic("boom")
				}
				return Event{Severity: SeverityCritical}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, f := newTestEmitter(t, Config{Interval: 10 * time.Millisecond, Generator: tt.gen})
			_ = e.Start()
			f.Advance(30 * time.Millisecond)

			if e.Failures() != 1 {
				t.Errorf("Failures() = %d, want 1", e.Failures())
			}
			if !e.Running() {
				t.Error("emitter stopped after generator failure")
			}
			events := e.Events()
			if len(events) != 3 {
				t.Fatalf("len(Events()) = %d, want 3", len(events))
			}
			failed := events[1]
			if !failed.Internal() || !failed.HasTag(TagGeneratorFailure) {
				t.Errorf("failure event tags = %v", failed.Tags)
			}
			if failed.Severity != SeverityInfo {
				t.Errorf("failure event severity = %s, want info", failed.Severity)
			}
			if len(e.Alerts()) != 2 {
				t.Errorf("len(Alerts()) = %d, want 2 (failure not promoted)", len(e.Alerts()))
			}
		})
	}
}

func TestEmitter_Hook(t *testing.T) {
	var seen []bool
	e, f := newTestEmitter(t, Config{
		Interval:  10 * time.Millisecond,
		Generator: cycle(SeverityInfo, SeverityCritical),
	}, WithHook(func(ev Event, promoted bool) {
		seen = append(seen, promoted)
	}))

	_ = e.Start()
	f.Advance(20 * time.Millisecond)

	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Errorf("hook saw %v, want [false true]", seen)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"info", SeverityInfo, false},
		{"HIGH", SeverityHigh, false},
		{" critical ", SeverityCritical, false},
		{"low", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSeverity(%q) = %q, %v; want %q, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestSeverityRankOrder(t *testing.T) {
	for i := 1; i < len(Severities); i++ {
		if Severities[i-1].Rank() >= Severities[i].Rank() {
			t.Errorf("%s ranks at or above %s", Severities[i-1], Severities[i])
		}
	}
	if Severity("bogus").Valid() {
		t.Error("unknown severity reported valid")
	}
}
