package phase

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/marcus/sentinel/internal/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	got []Transition
}

func (r *recorder) listen(t Transition) {
	r.got = append(r.got, t)
}

func (r *recorder) kinds() []string {
	out := make([]string, len(r.got))
	for i, t := range r.got {
		out[i] = fmt.Sprintf("%s:%d", t.Kind, t.Index)
	}
	return out
}

func newTestScheduler(t *testing.T, phases []Phase) (*Scheduler, *clock.Fake, *recorder) {
	t.Helper()
	f := clock.NewFake(epoch)
	r := &recorder{}
	s, err := NewScheduler(phases, clock.NewService(f), r.listen)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return s, f, r
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestValidateAll(t *testing.T) {
	tests := []struct {
		name    string
		phases  []Phase
		wantErr bool
	}{
		{"empty", nil, false},
		{"valid", []Phase{{Name: "a", Duration: time.Second}, {Name: "b"}}, false},
		{"empty name", []Phase{{Name: "a", Duration: time.Second}, {Duration: time.Second}}, true},
		{"negative duration", []Phase{{Name: "a", Duration: -time.Millisecond}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAll(tt.phases)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAll() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPhase) {
				t.Errorf("error %v does not wrap ErrInvalidPhase", err)
			}
		})
	}
}

func TestScaleAndTotal(t *testing.T) {
	phases := []Phase{{Name: "a", Duration: time.Second}, {Name: "b", Duration: 3 * time.Second}}
	scaled := Scale(phases, 0.5)
	if Total(scaled) != 2*time.Second {
		t.Errorf("Total(Scale(0.5)) = %v, want 2s", Total(scaled))
	}
	if phases[0].Duration != time.Second {
		t.Error("Scale mutated its input")
	}
}

func TestScheduler_RunsPhasesInOrder(t *testing.T) {
	s, f, r := newTestScheduler(t, []Phase{
		{Name: "recon", Duration: 100 * time.Millisecond},
		{Name: "scan", Duration: 100 * time.Millisecond},
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Index() != 0 || s.State() != Running {
		t.Fatalf("after Start: index=%d state=%s", s.Index(), s.State())
	}

	f.Advance(50 * time.Millisecond)
	if p := s.Progress(); !approx(p, 25) {
		t.Errorf("Progress() at 50ms = %v, want 25", p)
	}

	f.Advance(150 * time.Millisecond)
	if s.State() != Completed {
		t.Fatalf("State() = %s, want completed", s.State())
	}
	if s.Index() != 1 || s.Progress() != 100 || s.Completed() != 2 {
		t.Errorf("index=%d progress=%v completed=%d", s.Index(), s.Progress(), s.Completed())
	}

	want := []string{"phase_started:0", "phase_completed:0", "phase_started:1", "phase_completed:1", "completed:-1"}
	got := r.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if !r.got[2].At.Equal(epoch.Add(100 * time.Millisecond)) {
		t.Errorf("second phase started at %v, want epoch+100ms", r.got[2].At)
	}
	if f.Pending() != 0 {
		t.Errorf("%d timers left after completion", f.Pending())
	}
}

func TestScheduler_EmptyPhases(t *testing.T) {
	s, _, r := newTestScheduler(t, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.State() != Completed || s.Progress() != 100 || s.Index() != -1 {
		t.Errorf("state=%s progress=%v index=%d", s.State(), s.Progress(), s.Index())
	}
	for _, tr := range r.got {
		if tr.Kind != AllCompleted {
			t.Errorf("unexpected phase transition %v", tr.Kind)
		}
	}
}

func TestScheduler_ZeroDurationPhase(t *testing.T) {
	s, f, r := newTestScheduler(t, []Phase{
		{Name: "instant"},
		{Name: "timed", Duration: 10 * time.Millisecond},
	})

	_ = s.Start()
	if len(r.got) != 0 {
		t.Fatalf("zero-duration phase reported %v on start", r.kinds())
	}
	if s.State() != Running {
		t.Fatalf("State() = %s, want running until the next tick", s.State())
	}

	f.Advance(0)
	want := []string{"phase_completed:0", "phase_started:1"}
	if fmt.Sprint(r.kinds()) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", r.kinds(), want)
	}
	if p := s.Progress(); !approx(p, 50) {
		t.Errorf("Progress() = %v, want 50", p)
	}

	f.Advance(10 * time.Millisecond)
	if s.State() != Completed {
		t.Errorf("State() = %s, want completed", s.State())
	}
}

func TestScheduler_PauseFreezesRemainingWait(t *testing.T) {
	s, f, r := newTestScheduler(t, []Phase{
		{Name: "a", Duration: 100 * time.Millisecond},
		{Name: "b", Duration: 100 * time.Millisecond},
	})

	_ = s.Start()
	f.Advance(60 * time.Millisecond)
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	frozen := s.Progress()
	if !approx(frozen, 30) {
		t.Errorf("Progress() at pause = %v, want 30", frozen)
	}

	f.Advance(500 * time.Millisecond)
	if s.Progress() != frozen || len(r.got) != 1 {
		t.Fatalf("paused scheduler moved: progress=%v transitions=%v", s.Progress(), r.kinds())
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	f.Advance(39 * time.Millisecond)
	if s.Index() != 0 {
		t.Error("phase completed before its remaining 40ms elapsed")
	}
	f.Advance(time.Millisecond)
	if s.Index() != 1 {
		t.Errorf("Index() = %d after remaining wait, want 1", s.Index())
	}
}

func TestScheduler_ProgressNeverDecreases(t *testing.T) {
	s, f, _ := newTestScheduler(t, []Phase{
		{Name: "a", Duration: 70 * time.Millisecond},
		{Name: "b"},
		{Name: "c", Duration: 30 * time.Millisecond},
		{Name: "d", Duration: 50 * time.Millisecond},
	})

	_ = s.Start()
	last := s.Progress()
	for step := 0; step < 40; step++ {
		if step == 10 {
			_ = s.Pause()
		}
		if step == 15 {
			_ = s.Resume()
		}
		f.Advance(5 * time.Millisecond)
		p := s.Progress()
		if p < last {
			t.Fatalf("step %d: progress went from %v to %v", step, last, p)
		}
		if p < 0 || p > 100 {
			t.Fatalf("step %d: progress %v out of range", step, p)
		}
		last = p
	}
	if s.State() != Completed || last != 100 {
		t.Errorf("state=%s progress=%v, want completed at 100", s.State(), last)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s, f, r := newTestScheduler(t, []Phase{{Name: "a", Duration: 100 * time.Millisecond}})

	_ = s.Start()
	f.Advance(40 * time.Millisecond)
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	f.Advance(time.Second)

	if s.State() != Cancelled {
		t.Errorf("State() = %s, want cancelled", s.State())
	}
	if p := s.Progress(); !approx(p, 40) {
		t.Errorf("Progress() = %v, want frozen at 40", p)
	}
	if len(r.got) != 1 {
		t.Errorf("transitions after cancel: %v", r.kinds())
	}
	if !errors.Is(s.Cancel(), ErrInvalidState) {
		t.Error("second Cancel() did not return ErrInvalidState")
	}
}

func TestScheduler_InvalidTransitions(t *testing.T) {
	s, _, _ := newTestScheduler(t, []Phase{{Name: "a", Duration: time.Second}})

	tests := []struct {
		name string
		op   func() error
	}{
		{"pause before start", s.Pause},
		{"resume before start", s.Resume},
	}
	for _, tt := range tests {
		if err := tt.op(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s: error = %v, want ErrInvalidState", tt.name, err)
		}
	}

	_ = s.Start()
	if err := s.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start() error = %v", err)
	}
	if err := s.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume() while running error = %v", err)
	}
	_ = s.Pause()
	if err := s.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pause() while paused error = %v", err)
	}
}
