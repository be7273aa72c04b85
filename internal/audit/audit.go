// Package audit keeps an append-only trail of operator actions on tasks.
// Every launch, pause, resume, cancel and finish is written as one JSON
// line to a per-day file.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Action names what happened to a task.
type Action string

const (
	ActionLaunch Action = "launch"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
	ActionFinish Action = "finish"
	// ActionRejected records a control request refused in the task's
	// current state.
	ActionRejected Action = "rejected"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
	dateLayout = "2006-01-02"
)

// Event is a single audit entry.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    Action            `json:"action"`
	TaskID    string            `json:"task_id,omitempty"`
	Scenario  string            `json:"scenario,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	Status    string            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// Logger appends events to the current day's file in dir.
type Logger struct {
	dir       string
	sessionID string
	now       func() time.Time

	mu   sync.Mutex
	file *os.File
}

// New opens an audit logger writing under dir.
func New(dir string) (*Logger, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit dir is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	l := &Logger{
		dir:       dir,
		sessionID: "sess-" + ulid.Make().String(),
		now:       time.Now,
	}
	if err := l.openLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// SessionID identifies this logger instance in every event it writes.
func (l *Logger) SessionID() string {
	return l.sessionID
}

func (l *Logger) pathFor(day time.Time) string {
	return filepath.Join(l.dir, filePrefix+day.Format(dateLayout)+fileSuffix)
}

func (l *Logger) openLocked() error {
	f, err := os.OpenFile(l.pathFor(l.now()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	l.file = f
	return nil
}

// rotateLocked switches to a new file when the day has changed.
func (l *Logger) rotateLocked() error {
	want := l.pathFor(l.now())
	if l.file != nil {
		if l.file.Name() == want {
			return nil
		}
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("closing old audit log: %w", err)
		}
		l.file = nil
	}
	return l.openLocked()
}

// Record writes e, filling in the timestamp, session and request ids.
func (l *Logger) Record(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.SessionID = l.sessionID
	if e.RequestID == "" {
		e.RequestID = ulid.Make().String()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	if err := l.rotateLocked(); err != nil {
		return err
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return nil
}

// Close closes the current file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Files returns the audit files in dir, newest first. A missing dir has
// no files.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// ReadEvents reads the events in one audit file. Malformed lines are
// skipped.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	TaskID string // id or prefix
	Action Action
	Since  time.Time
}

func (f Filter) match(e Event) bool {
	if f.TaskID != "" && !strings.HasPrefix(e.TaskID, f.TaskID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Recent returns up to n matching events across the files in dir, newest
// first. n <= 0 returns every match.
func Recent(dir string, n int, f Filter) ([]Event, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, path := range files {
		// files are newest first, so the rest are older still
		if day, ok := fileDay(path, f.Since.Location()); ok && !f.Since.IsZero() && day.AddDate(0, 0, 1).Before(f.Since) {
			break
		}
		events, err := ReadEvents(path)
		if err != nil {
			return nil, err
		}
		for i := len(events) - 1; i >= 0; i-- {
			if !f.match(events[i]) {
				continue
			}
			out = append(out, events[i])
			if n > 0 && len(out) >= n {
				return out, nil
			}
		}
	}
	return out, nil
}

func fileDay(path string, loc *time.Location) (time.Time, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), filePrefix), fileSuffix)
	day, err := time.ParseInLocation(dateLayout, name, loc)
	return day, err == nil
}
