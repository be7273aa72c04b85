package scenarios

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/marcus/sentinel/internal/clock"
	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/phase"
	"github.com/marcus/sentinel/internal/reporting"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	want := []string{"asset-discovery", "darkweb-monitor", "ioc-enrichment", "pentest", "threat-analysis", "threat-feed"}
	if got := r.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	for _, s := range r.List() {
		if err := s.Validate(); err != nil {
			t.Errorf("%s: Validate() = %v", s.Name, err)
		}
		if s.Generator == nil || s.Synthesizer == nil {
			t.Errorf("%s: missing generator or synthesizer", s.Name)
		}
	}
}

func TestBuiltinShapes(t *testing.T) {
	r := Default()
	tests := []struct {
		name     string
		phases   int
		interval time.Duration
		capacity int
	}{
		{"asset-discovery", 6, 800 * time.Millisecond, 15},
		{"darkweb-monitor", 1, 8 * time.Second, 10},
		{"ioc-enrichment", 6, 700 * time.Millisecond, 20},
		{"pentest", 6, 600 * time.Millisecond, 20},
		{"threat-analysis", 6, time.Second, 20},
		{"threat-feed", 1, 5 * time.Second, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Get(tt.name)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if len(s.Phases) != tt.phases || s.Interval != tt.interval || s.EventCapacity != tt.capacity {
				t.Errorf("phases=%d interval=%v capacity=%d", len(s.Phases), s.Interval, s.EventCapacity)
			}
		})
	}

	pt, _ := r.Get("pentest")
	if pt.Duration() != 20*time.Second {
		t.Errorf("pentest Duration() = %v, want 20s", pt.Duration())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	if _, err := Default().Get("nope"); !errors.Is(err, ErrUnknownScenario) {
		t.Errorf("Get(nope) error = %v, want ErrUnknownScenario", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	s := Scenario{Name: "drill", Interval: time.Second}
	if err := r.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(s); !errors.Is(err, ErrDuplicateScenario) {
		t.Errorf("second Register() error = %v, want ErrDuplicateScenario", err)
	}

	invalid := []Scenario{
		{Interval: time.Second},
		{Name: "x"},
		{Name: "x", Interval: time.Second, Jitter: -1},
		{Name: "x", Interval: time.Second, EventCapacity: -1},
		{Name: "x", Interval: time.Second, Promote: "urgent"},
		{Name: "x", Interval: time.Second, Phases: []phase.Phase{{Name: "", Duration: time.Second}}},
	}
	for i, s := range invalid {
		if err := r.Register(s); !errors.Is(err, ErrInvalidScenario) {
			t.Errorf("case %d: Register() error = %v, want ErrInvalidScenario", i, err)
		}
	}
}

func TestRegistry_Merge(t *testing.T) {
	r := Default()

	if err := r.Merge(Scenario{Name: "pentest", Interval: 2 * time.Second, Promote: feed.SeverityHigh}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	s, _ := r.Get("pentest")
	if s.Interval != 2*time.Second || s.Promote != feed.SeverityHigh {
		t.Errorf("override not applied: interval=%v promote=%s", s.Interval, s.Promote)
	}
	if len(s.Phases) != 6 || s.Synthesizer == nil {
		t.Error("override dropped fields it did not set")
	}

	custom := Scenario{
		Name:     "tabletop",
		Interval: 500 * time.Millisecond,
		Phases:   []phase.Phase{{Name: "Brief", Duration: time.Second}},
	}
	if err := r.Merge(custom); err != nil {
		t.Fatalf("Merge(custom) error = %v", err)
	}
	if _, err := r.Get("tabletop"); err != nil {
		t.Errorf("custom scenario not registered: %v", err)
	}

	if err := r.Merge(Scenario{Name: "broken"}); !errors.Is(err, ErrInvalidScenario) {
		t.Errorf("Merge(broken) error = %v, want ErrInvalidScenario", err)
	}
}

func drain(gen feed.Generator, n int) []string {
	out := make([]string, n)
	for i := range out {
		ev, err := gen(i+1, epoch)
		if err != nil {
			return nil
		}
		out[i] = string(ev.Severity) + "|" + ev.Source + "|" + ev.Message
	}
	return out
}

func TestPlan_SeedIsReproducible(t *testing.T) {
	for _, s := range Builtins() {
		t.Run(s.Name, func(t *testing.T) {
			a := drain(s.Plan(Options{Seed: 42}).Feed.Generator, 25)
			b := drain(s.Plan(Options{Seed: 42}).Feed.Generator, 25)
			if a == nil || !slices.Equal(a, b) {
				t.Errorf("same seed produced different feeds")
			}
		})
	}
}

func TestPlan_TimeScale(t *testing.T) {
	s, _ := Default().Get("pentest")
	plan := s.Plan(Options{Seed: 1, TimeScale: 0.1})

	if plan.Scenario != "pentest" {
		t.Errorf("Scenario = %q", plan.Scenario)
	}
	if plan.Phases[0].Duration != 300*time.Millisecond {
		t.Errorf("first phase = %v, want 300ms", plan.Phases[0].Duration)
	}
	if plan.Feed.Interval != 60*time.Millisecond {
		t.Errorf("Interval = %v, want 60ms", plan.Feed.Interval)
	}
	if s.Phases[0].Duration != 3*time.Second {
		t.Error("Plan mutated the scenario's phases")
	}

	unscaled := s.Plan(Options{Seed: 1})
	if unscaled.Feed.Interval != 600*time.Millisecond {
		t.Errorf("zero TimeScale interval = %v, want 600ms", unscaled.Feed.Interval)
	}
	if err := unscaled.Feed.Validate(); err != nil {
		t.Errorf("plan feed invalid: %v", err)
	}
}

func TestPlan_Promotion(t *testing.T) {
	high := feed.Event{Severity: feed.SeverityHigh}

	pt, _ := Default().Get("pentest")
	if p := pt.Plan(Options{Seed: 1}).Feed.Promote; p != nil {
		t.Error("critical-only scenario should use the default predicate")
	}
	if p := pt.Plan(Options{Seed: 1, Promote: feed.SeverityHigh}).Feed.Promote; p == nil || !p(high) {
		t.Error("Promote option did not lower the threshold")
	}

	ad, _ := Default().Get("asset-discovery")
	p := ad.Plan(Options{Seed: 1}).Feed.Promote
	if p == nil || !p(high) || p(feed.Event{Severity: feed.SeverityMedium}) {
		t.Error("asset-discovery should promote high and above")
	}
}

func TestScenarioRunsToCompletion(t *testing.T) {
	for _, s := range Builtins() {
		t.Run(s.Name, func(t *testing.T) {
			f := clock.NewFake(epoch)
			plan := s.Plan(Options{Seed: 7})
			c := orchestrator.New(
				orchestrator.WithService(clock.NewService(f)),
				orchestrator.WithLogger(logging.Nop()),
				orchestrator.WithScenario(plan.Scenario),
				orchestrator.WithSynthesizer(plan.Synthesizer),
			)
			if err := c.Start(plan.Phases, plan.Feed); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			f.Advance(s.Duration() + time.Second)

			snap := c.Snapshot()
			if snap.Status != orchestrator.StatusCompleted {
				t.Fatalf("status = %s, err = %v", snap.Status, snap.Err)
			}
			if snap.Result == nil || snap.Result.Title == "" || snap.Result.Summary == "" {
				t.Fatalf("result = %+v", snap.Result)
			}
			// a tick due at the same instant as completion never fires
			if want := int((s.Duration() - 1) / s.Interval); snap.EventCount != want {
				t.Errorf("EventCount = %d, want %d", snap.EventCount, want)
			}
		})
	}
}

func TestSynthesizePentest(t *testing.T) {
	in := reporting.Input{
		TaskID:   "t1",
		Scenario: "pentest",
		Events: []feed.Event{
			feed.NewEvent(epoch, feed.SeverityCritical, targetIP, "[+] Exploit successful: SQL Injection", tagExploit, tagSuccess),
			feed.NewEvent(epoch, feed.SeverityHigh, targetIP, "[-] Exploit failed: XSS Testing", tagExploit),
			feed.NewEvent(epoch, feed.SeverityMedium, targetIP, "[!] Vulnerability found: CVE-2024-1234", tagVuln),
			feed.NewEvent(epoch, feed.SeverityMedium, "dev.acmecorp.com", "[!] Weak password detected", tagCredential),
			feed.NewEvent(epoch, feed.SeverityInfo, targetIP, "[+] Port 22 open - SSH detected", tagPort),
		},
		Alerts: []feed.Event{
			feed.NewEvent(epoch, feed.SeverityCritical, targetIP, "[+] Exploit successful: SQL Injection", tagExploit, tagSuccess),
		},
		EventCount: 5,
	}
	r, err := synthesizePentest(in)
	if err != nil {
		t.Fatalf("synthesizePentest() error = %v", err)
	}
	metrics := map[string]int{
		"exploits_attempted":  2,
		"exploits_successful": 1,
		"vulnerabilities":     1,
		"weak_credentials":    1,
		"open_ports":          1,
	}
	for k, want := range metrics {
		if r.Metrics[k] != want {
			t.Errorf("Metrics[%s] = %d, want %d", k, r.Metrics[k], want)
		}
	}
	if len(r.Findings) != 2 || r.Findings[0].Severity != feed.SeverityCritical {
		t.Errorf("Findings = %+v", r.Findings)
	}
	if r.Findings[0].Title != "Exploit successful: SQL Injection" {
		t.Errorf("marker not trimmed: %q", r.Findings[0].Title)
	}
	if len(r.Notes) != 2 {
		t.Errorf("Notes = %v", r.Notes)
	}
}

func TestSynthesizeEnrichment_ThreatLevel(t *testing.T) {
	s, _ := Default().Get("ioc-enrichment")
	in := reporting.Input{
		Phases: s.Phases,
		Events: []feed.Event{
			feed.NewEvent(epoch, feed.SeverityHigh, "GreyNoise", "Classified malicious", tagThreat),
			feed.NewEvent(epoch, feed.SeverityInfo, "VirusTotal", "flagged", tagIOC),
			feed.NewEvent(epoch, feed.SeverityCritical, "sentinel", "boom", feed.TagInternal),
		},
	}
	r, _ := synthesizeEnrichment(in)
	if r.Findings[0].Severity != feed.SeverityHigh {
		t.Errorf("threat level = %s, want high (internal events ignored)", r.Findings[0].Severity)
	}
	if r.Metrics["sources_queried"] != 6 || r.Metrics["sources_reporting"] != 2 {
		t.Errorf("Metrics = %v", r.Metrics)
	}
	if len(r.Notes) == 0 {
		t.Error("high threat level should carry recommendations")
	}
}

func TestSynthesizeInsights(t *testing.T) {
	s, _ := Default().Get("threat-analysis")
	in := reporting.Input{
		Phases: s.Phases,
		Events: []feed.Event{
			feed.NewEvent(epoch, feed.SeverityCritical, "forecast", "x", tagThreat),
			feed.NewEvent(epoch, feed.SeverityMedium, "behavior", "y", tagPattern),
		},
	}
	r, _ := synthesizeInsights(in)
	if r.Metrics["risk_score"] != 75 {
		t.Errorf("risk_score = %d, want 75", r.Metrics["risk_score"])
	}
	if len(r.Notes) != 6 || !strings.HasPrefix(r.Notes[0], "Data Aggregation: ") {
		t.Errorf("Notes = %v", r.Notes)
	}
}

func TestSynthesizeDarkweb(t *testing.T) {
	in := reporting.Input{
		Events: []feed.Event{
			feed.NewEvent(epoch, feed.SeverityCritical, "BreachForums", "dump", tagLeak, tagCredential, tagKeyword+":acmecorp"),
			feed.NewEvent(epoch, feed.SeverityMedium, "XSS.is", "post", tagLeak, tagKeyword+":internal"),
			feed.NewEvent(epoch, feed.SeverityHigh, "XSS.is", "post", tagLeak, tagKeyword+":acmecorp"),
		},
	}
	r, _ := synthesizeDarkweb(in)
	if r.Metrics["mentions"] != 3 || r.Metrics["sources"] != 2 || r.Metrics["keyword_acmecorp"] != 2 {
		t.Errorf("Metrics = %v", r.Metrics)
	}
	if r.Metrics["credential_dumps"] != 1 || len(r.Notes) != 1 {
		t.Errorf("credential handling: metrics=%v notes=%v", r.Metrics, r.Notes)
	}
}

func TestTrimMarker(t *testing.T) {
	tests := map[string]string{
		"[+] Port 80 open": "Port 80 open",
		"[!] x":            "x",
		"plain":            "plain",
		"[+]":              "[+]",
	}
	for in, want := range tests {
		if got := trimMarker(in); got != want {
			t.Errorf("trimMarker(%q) = %q, want %q", in, got, want)
		}
	}
}
