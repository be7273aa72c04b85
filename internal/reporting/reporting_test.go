package reporting

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/phase"
)

var start = time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

func sampleInput() Input {
	now := start.Add(90 * time.Second)
	return Input{
		TaskID:   "0b8e6c1a-2f9d-4a55-9e1b-0c7d3c1f0a11",
		Scenario: "pentest",
		Phases: []phase.Phase{
			{Name: "Reconnaissance", Duration: time.Second},
			{Name: "Exploitation", Duration: 2 * time.Second},
		},
		StartedAt:   start,
		CompletedAt: now,
		Events: []feed.Event{
			feed.NewEvent(now, feed.SeverityCritical, "10.0.0.5", "RCE in login form"),
			feed.NewEvent(now, feed.SeverityInfo, "sentinel", "generator failure", feed.TagInternal, feed.TagGeneratorFailure),
			feed.NewEvent(now, feed.SeverityHigh, "10.0.0.7", "weak TLS config"),
			feed.NewEvent(now, feed.SeverityInfo, "10.0.0.9", "port 22 open"),
		},
		Alerts: []feed.Event{
			feed.NewEvent(now, feed.SeverityCritical, "10.0.0.5", "RCE in login form"),
		},
		EventCount: 12,
	}
}

func TestSummarize(t *testing.T) {
	r := Summarize(sampleInput())

	if r.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", r.Duration)
	}
	if r.SourceEventCount != 12 || r.AlertCount != 1 {
		t.Errorf("counts = %d/%d, want 12/1", r.SourceEventCount, r.AlertCount)
	}
	want := map[feed.Severity]int{feed.SeverityCritical: 1, feed.SeverityHigh: 1, feed.SeverityInfo: 1}
	for sev, n := range want {
		if r.SeverityCounts[sev] != n {
			t.Errorf("SeverityCounts[%s] = %d, want %d", sev, r.SeverityCounts[sev], n)
		}
	}
	if r.Metrics["internal_events"] != 1 {
		t.Errorf("internal_events = %d, want 1", r.Metrics["internal_events"])
	}
	if len(r.Phases) != 2 || r.Phases[0] != "Reconnaissance" {
		t.Errorf("Phases = %v", r.Phases)
	}
}

func TestSummarize_TitleFallback(t *testing.T) {
	r := Summarize(Input{TaskID: "abc"})
	if r.Title != "Task abc" {
		t.Errorf("Title = %q, want %q", r.Title, "Task abc")
	}
}

func TestDefault(t *testing.T) {
	r, err := Default(sampleInput())
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if len(r.Findings) != 1 || r.Findings[0].Severity != feed.SeverityCritical {
		t.Errorf("Findings = %+v", r.Findings)
	}
	if !strings.Contains(r.Summary, "12 events") {
		t.Errorf("Summary = %q", r.Summary)
	}
}

func TestClone(t *testing.T) {
	r, _ := Default(sampleInput())
	c := r.Clone()
	c.Findings[0].Title = "changed"
	c.SeverityCounts[feed.SeverityCritical] = 99
	c.Metrics["x"] = 1

	if r.Findings[0].Title == "changed" || r.SeverityCounts[feed.SeverityCritical] == 99 || r.Metrics["x"] == 1 {
		t.Error("Clone shares memory with the original")
	}
	var nilResult *Result
	if nilResult.Clone() != nil {
		t.Error("Clone of nil result is not nil")
	}
}

func TestRenderMarkdown(t *testing.T) {
	r, _ := Default(sampleInput())
	r.Notes = []string{"rotate credentials"}
	md, err := RenderMarkdown(r)
	if err != nil {
		t.Fatalf("RenderMarkdown() error = %v", err)
	}

	for _, want := range []string{
		"# pentest",
		"## Summary",
		"Duration: 1m 30s",
		"Reconnaissance → Exploitation",
		"| critical | 1 |",
		"**CRITICAL** RCE in login form (10.0.0.5)",
		"## Metrics",
		"- internal_events: 1",
		"## Notes",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
	if strings.Index(md, "| critical |") > strings.Index(md, "| info |") {
		t.Error("severity table not ordered highest first")
	}
}

func TestRenderMarkdown_Nil(t *testing.T) {
	if _, err := RenderMarkdown(nil); err == nil {
		t.Error("RenderMarkdown(nil) returned no error")
	}
}

func TestRenderHTML(t *testing.T) {
	r, _ := Default(sampleInput())
	html, err := RenderHTML(r)
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}
	for _, want := range []string{"<h1>pentest</h1>", "<table>", "<strong>CRITICAL</strong>"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q\n%s", want, html)
		}
	}
}

func TestRender_Structured(t *testing.T) {
	r, _ := Default(sampleInput())

	b, err := Render(r, FormatJSON)
	if err != nil {
		t.Fatalf("Render(json) error = %v", err)
	}
	var fromJSON Result
	if err := json.Unmarshal(b, &fromJSON); err != nil {
		t.Fatalf("json output does not decode: %v", err)
	}
	if fromJSON.TaskID != r.TaskID || fromJSON.SeverityCounts[feed.SeverityHigh] != 1 {
		t.Errorf("decoded json = %+v", fromJSON)
	}

	b, err = Render(r, FormatYAML)
	if err != nil {
		t.Fatalf("Render(yaml) error = %v", err)
	}
	var fromYAML map[string]any
	if err := yaml.Unmarshal(b, &fromYAML); err != nil {
		t.Fatalf("yaml output does not decode: %v", err)
	}
	if fromYAML["scenario"] != "pentest" {
		t.Errorf("yaml scenario = %v", fromYAML["scenario"])
	}

	if _, err := Render(r, Format("pdf")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Render(pdf) error = %v, want ErrUnknownFormat", err)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatMarkdown, false},
		{"markdown", FormatMarkdown, false},
		{"HTML", FormatHTML, false},
		{"json", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	r, _ := Default(sampleInput())

	path, err := Save(r, dir, FormatJSON)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if filepath.Base(path) != "pentest-2026-02-10-143130-0b8e6c1a.json" {
		t.Errorf("report file name = %s", filepath.Base(path))
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.TaskID != r.TaskID || len(loaded.Findings) != 1 {
		t.Errorf("Load() = %+v", loaded)
	}

	mdPath, err := Save(r, filepath.Join(dir, "nested"), FormatMarkdown)
	if err != nil {
		t.Fatalf("Save(md) error = %v", err)
	}
	if _, err := os.Stat(mdPath); err != nil {
		t.Errorf("markdown report not written: %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestCountFindings(t *testing.T) {
	got := CountFindings([]Finding{{Severity: feed.SeverityHigh}, {Severity: feed.SeverityHigh}, {Severity: feed.SeverityInfo}})
	if got[feed.SeverityHigh] != 2 || got[feed.SeverityInfo] != 1 {
		t.Errorf("CountFindings() = %v", got)
	}
}
