package reporting

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"

	"github.com/marcus/sentinel/internal/feed"
)

// Format selects a report encoding.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
)

// ErrUnknownFormat is returned for an unsupported report format.
var ErrUnknownFormat = errors.New("unknown report format")

// ParseFormat parses a format name. "markdown" and "yml" are accepted aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "md", "markdown", "":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Ext returns the file extension for f.
func (f Format) Ext() string {
	return "." + string(f)
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderMarkdown renders r as a markdown document.
func RenderMarkdown(r *Result) (string, error) {
	if r == nil {
		return "", fmt.Errorf("result cannot be nil")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", r.Title)
	if r.Summary != "" {
		buf.WriteString(r.Summary + "\n\n")
	}

	buf.WriteString("## Summary\n")
	fmt.Fprintf(&buf, "- Task: %s\n", r.TaskID)
	if r.Scenario != "" {
		fmt.Fprintf(&buf, "- Scenario: %s\n", r.Scenario)
	}
	fmt.Fprintf(&buf, "- Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&buf, "- Duration: %s\n", formatDuration(r.Duration))
	fmt.Fprintf(&buf, "- Events: %d observed, %d alerts\n", r.SourceEventCount, r.AlertCount)
	if len(r.Phases) > 0 {
		fmt.Fprintf(&buf, "- Phases: %s\n", strings.Join(r.Phases, " → "))
	}
	buf.WriteString("\n")

	if len(r.SeverityCounts) > 0 {
		buf.WriteString("## Severity\n")
		buf.WriteString("| Severity | Events |\n|---|---|\n")
		for i := len(feed.Severities) - 1; i >= 0; i-- {
			sev := feed.Severities[i]
			if n := r.SeverityCounts[sev]; n > 0 {
				fmt.Fprintf(&buf, "| %s | %d |\n", sev, n)
			}
		}
		buf.WriteString("\n")
	}

	if len(r.Findings) > 0 {
		buf.WriteString("## Findings\n")
		for _, f := range r.Findings {
			line := fmt.Sprintf("- **%s** %s", strings.ToUpper(string(f.Severity)), f.Title)
			if f.Source != "" {
				line += fmt.Sprintf(" (%s)", f.Source)
			}
			buf.WriteString(line + "\n")
			if f.Detail != "" {
				buf.WriteString("  " + f.Detail + "\n")
			}
		}
		buf.WriteString("\n")
	}

	if len(r.Metrics) > 0 {
		buf.WriteString("## Metrics\n")
		for _, name := range r.MetricNames() {
			fmt.Fprintf(&buf, "- %s: %d\n", name, r.Metrics[name])
		}
		buf.WriteString("\n")
	}

	if len(r.Notes) > 0 {
		buf.WriteString("## Notes\n")
		for _, n := range r.Notes {
			buf.WriteString("- " + n + "\n")
		}
		buf.WriteString("\n")
	}

	return buf.String(), nil
}

// RenderHTML renders the markdown report to an HTML fragment.
func RenderHTML(r *Result) (string, error) {
	md, err := RenderMarkdown(r)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return buf.String(), nil
}

// Render encodes r in format f.
func Render(r *Result, f Format) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("result cannot be nil")
	}
	switch f {
	case FormatMarkdown:
		s, err := RenderMarkdown(r)
		return []byte(s), err
	case FormatHTML:
		s, err := RenderHTML(r)
		return []byte(s), err
	case FormatJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding result: %w", err)
		}
		return append(b, '\n'), nil
	case FormatYAML:
		b, err := yaml.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encoding result: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// DefaultReportsDir returns the default directory for saved reports.
func DefaultReportsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "sentinel", "reports")
}

// ReportPath returns the file path for r in dir.
func ReportPath(dir string, r *Result, f Format) string {
	name := fmt.Sprintf("%s-%s-%s%s",
		nonEmpty(r.Scenario, "task"), r.CompletedAt.Format("2006-01-02-150405"), shortID(r.TaskID), f.Ext())
	return filepath.Join(expandPath(dir), name)
}

// Save renders r and writes it under dir, returning the written path.
func Save(r *Result, dir string, f Format) (string, error) {
	content, err := Render(r, f)
	if err != nil {
		return "", err
	}
	path := ReportPath(dir, r, f)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// Load reads a JSON result written by Save.
func Load(path string) (*Result, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &r, nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
