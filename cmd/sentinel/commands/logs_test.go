package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/sentinel/internal/logging"
)

func writeLogFile(t *testing.T, dir string, day time.Time, lines ...string) string {
	t.Helper()
	path := logging.FilePath(dir, day)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestFormatLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"debug", "DBG"},
		{"info", "INF"},
		{"warn", "WRN"},
		{"error", "ERR"},
		{"fatal", "FAT"},
		{"x", "X"},
		{"", "???"},
	}
	for _, tt := range tests {
		if got := formatLogLevel(tt.level); got != tt.want {
			t.Errorf("formatLogLevel(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLastLines(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	older := writeLogFile(t, dir, day.AddDate(0, 0, -1), "a1", "a2", "a3")
	newer := writeLogFile(t, dir, day, "b1", "b2")
	files := []string{older, newer}

	tests := []struct {
		n    int
		want string
	}{
		{4, "a2,a3,b1,b2"},
		{1, "b2"},
		{10, "a1,a2,a3,b1,b2"},
		{0, ""},
	}
	for _, tt := range tests {
		got, err := lastLines(files, tt.n, logFilter{})
		if err != nil {
			t.Fatalf("lastLines(%d) error = %v", tt.n, err)
		}
		if strings.Join(got, ",") != tt.want {
			t.Errorf("lastLines(%d) = %v, want %s", tt.n, got, tt.want)
		}
	}
}

func TestLogFilter(t *testing.T) {
	lines := []string{
		`{"level":"debug","message":"tick","component":"feed"}`,
		`{"level":"info","message":"task started","component":"orchestrator","task_id":"abc123"}`,
		`{"level":"warn","message":"event generator failed","component":"feed","task_id":"abc123"}`,
		`{"level":"error","message":"record run","component":"tasks","task_id":"def456"}`,
		"not json",
	}

	tests := []struct {
		name                   string
		level, component, task string
		want                   []int
	}{
		{"empty", "", "", "", []int{0, 1, 2, 3, 4}},
		{"warn and up", "warn", "", "", []int{2, 3}},
		{"component", "", "feed", "", []int{0, 2}},
		{"task prefix", "", "", "abc", []int{1, 2}},
		{"combined", "info", "feed", "abc", []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := newLogFilter(tt.level, tt.component, tt.task)
			if err != nil {
				t.Fatal(err)
			}
			var got []int
			for i, line := range lines {
				if f.match(line) {
					got = append(got, i)
				}
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("matched %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := newLogFilter("loud", "", ""); err == nil {
		t.Error("newLogFilter(loud) succeeded")
	}
}

func TestLogTail_Drain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel-2026-03-02.log")
	if err := os.WriteFile(path, []byte("before\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tail, err := openTail(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tail.Close() }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	var got []string
	collect := func(line string) { got = append(got, line) }

	_, _ = f.WriteString("one\ntw")
	tail.drain(collect)
	_, _ = f.WriteString("o\n")
	tail.drain(collect)

	if strings.Join(got, ",") != "one,two" {
		t.Errorf("drained %v, want [one two]", got)
	}
}

func TestIsNewerLog(t *testing.T) {
	dir := t.TempDir()
	current := &logTail{path: filepath.Join(dir, "sentinel-2026-03-02.log")}

	tests := []struct {
		name string
		tail *logTail
		want bool
	}{
		{"sentinel-2026-03-03.log", current, true},
		{"sentinel-2026-03-01.log", current, false},
		{"sentinel-2026-03-02.log", current, false},
		{"other.log", current, false},
		{"sentinel-2026-03-01.log", nil, true},
	}
	for _, tt := range tests {
		if got := isNewerLog(filepath.Join(dir, tt.name), tt.tail); got != tt.want {
			t.Errorf("isNewerLog(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPrintLogLine(t *testing.T) {
	var buf bytes.Buffer
	printLogLine(&buf, `{"level":"error","time":"2026-03-01T09:00:00Z","message":"record run","component":"tasks","task_id":"0123456789ab","error":"disk full"}`)
	out := buf.String()
	for _, want := range []string{"ERR", "[tasks]", "(01234567)", "record run", "error=disk full"} {
		if !strings.Contains(out, want) {
			t.Errorf("printLogLine() = %q, missing %q", out, want)
		}
	}

	buf.Reset()
	printLogLine(&buf, "plain text line")
	if buf.String() != "plain text line\n" {
		t.Errorf("raw line = %q", buf.String())
	}
}

func TestShowLogs_MissingDir(t *testing.T) {
	var buf bytes.Buffer
	if err := showLogs(&buf, filepath.Join(t.TempDir(), "nope"), 10, logFilter{}); err != nil {
		t.Fatalf("showLogs() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No log files found") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestExportLogs(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	writeLogFile(t, dir, day.AddDate(0, 0, -1), "old")
	writeLogFile(t, dir, day, "new")

	dst := filepath.Join(t.TempDir(), "export.log")
	var buf bytes.Buffer
	if err := exportLogs(&buf, dir, dst, logFilter{}); err != nil {
		t.Fatalf("exportLogs() error = %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "old\nnew\n" {
		t.Errorf("export = %q, want oldest first", data)
	}
	if !strings.Contains(buf.String(), "Exported 2 log lines") {
		t.Errorf("output = %q", buf.String())
	}
}
