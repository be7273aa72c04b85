package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	logger, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	if !strings.HasPrefix(logger.SessionID(), "sess-") {
		t.Errorf("SessionID = %q", logger.SessionID())
	}
	if logger.file == nil {
		t.Error("expected log file to be open")
	}
}

func TestNew_EmptyDir(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty dir")
	}
}

func TestRecord(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	err = logger.Record(Event{
		Action:   ActionLaunch,
		TaskID:   "task-123",
		Scenario: "pentest",
		Origin:   "api",
		Metadata: map[string]string{"seed": "7"},
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files = %v, want 1", files)
	}
	info, err := os.Stat(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	events, err := ReadEvents(files[0])
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Action != ActionLaunch || e.TaskID != "task-123" || e.Scenario != "pentest" {
		t.Errorf("event = %+v", e)
	}
	if e.SessionID != logger.SessionID() {
		t.Errorf("SessionID = %q, want %q", e.SessionID, logger.SessionID())
	}
	if e.RequestID == "" {
		t.Error("expected RequestID to be generated")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected Timestamp to be set")
	}
	if e.Metadata["seed"] != "7" {
		t.Errorf("Metadata = %v", e.Metadata)
	}
}

func TestRecord_KeepsRequestID(t *testing.T) {
	dir := t.TempDir()
	logger, _ := New(dir)
	defer func() { _ = logger.Close() }()

	_ = logger.Record(Event{Action: ActionPause, TaskID: "t1", RequestID: "req-42"})
	events, err := Recent(dir, 0, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].RequestID != "req-42" {
		t.Errorf("events = %+v", events)
	}
}

func TestRecord_RotatesOnNewDay(t *testing.T) {
	dir := t.TempDir()
	logger, _ := New(dir)
	defer func() { _ = logger.Close() }()

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	logger.now = func() time.Time { return day1 }
	if err := logger.Record(Event{Action: ActionLaunch, TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	logger.now = func() time.Time { return day1.Add(2 * time.Minute) }
	if err := logger.Record(Event{Action: ActionFinish, TaskID: "a"}); err != nil {
		t.Fatal(err)
	}

	for _, day := range []string{"2026-03-01", "2026-03-02"} {
		events, err := ReadEvents(filepath.Join(dir, "audit-"+day+".jsonl"))
		if err != nil {
			t.Fatalf("ReadEvents(%s) failed: %v", day, err)
		}
		if len(events) != 1 {
			t.Errorf("%s has %d events, want 1", day, len(events))
		}
	}
}

func TestReadEvents_SkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit-2026-03-01.jsonl")
	content := `{"action":"launch","task_id":"a"}
not json

{"action":"finish","task_id":"a","status":"completed"}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].Status != "completed" {
		t.Errorf("Status = %q", events[1].Status)
	}
}

func TestFiles_MissingDir(t *testing.T) {
	files, err := Files(filepath.Join(t.TempDir(), "nope"))
	if err != nil || files != nil {
		t.Errorf("Files() = %v, %v; want nil, nil", files, err)
	}
}

func TestRecent(t *testing.T) {
	dir := t.TempDir()
	logger, _ := New(dir)
	defer func() { _ = logger.Close() }()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []Event{
		{Timestamp: base, Action: ActionLaunch, TaskID: "aaaa1111"},
		{Timestamp: base.Add(time.Minute), Action: ActionPause, TaskID: "aaaa1111"},
		{Timestamp: base.Add(2 * time.Minute), Action: ActionLaunch, TaskID: "bbbb2222"},
		{Timestamp: base.Add(3 * time.Minute), Action: ActionCancel, TaskID: "aaaa1111"},
	}
	logger.now = func() time.Time { return base }
	for _, e := range entries {
		if err := logger.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		n      int
		filter Filter
		want   []string
	}{
		{"all newest first", 0, Filter{}, []string{"cancel", "launch", "pause", "launch"}},
		{"limit", 2, Filter{}, []string{"cancel", "launch"}},
		{"task prefix", 0, Filter{TaskID: "aaaa"}, []string{"cancel", "pause", "launch"}},
		{"action", 0, Filter{Action: ActionLaunch}, []string{"launch", "launch"}},
		{"since", 0, Filter{Since: base.Add(90 * time.Second)}, []string{"cancel", "launch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Recent(dir, tt.n, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			actions := make([]string, len(got))
			for i, e := range got {
				actions[i] = string(e.Action)
			}
			if strings.Join(actions, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Recent() = %v, want %v", actions, tt.want)
			}
		})
	}
}
