package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/ringbuf"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View logs",
	Long: `View sentinel logs.

Shows the most recent entries across the daily log files. --follow keeps
streaming new entries and moves to the next file at midnight.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		follow, _ := cmd.Flags().GetBool("follow")
		export, _ := cmd.Flags().GetString("export")
		level, _ := cmd.Flags().GetString("level")
		component, _ := cmd.Flags().GetString("component")
		taskID, _ := cmd.Flags().GetString("task")

		filter, err := newLogFilter(level, component, taskID)
		if err != nil {
			return err
		}

		logDir := logging.DefaultConfig().Path
		if cfg, err := loadConfig(cmd); err == nil && cfg.Logging.Path != "" {
			logDir = cfg.Logging.Path
		}
		out := cmd.OutOrStdout()

		switch {
		case export != "":
			return exportLogs(out, logDir, export, filter)
		case follow:
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return followLogs(ctx, out, logDir, tail, filter)
		default:
			return showLogs(out, logDir, tail, filter)
		}
	},
}

func init() {
	logsCmd.Flags().IntP("tail", "n", 50, "Number of log lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().StringP("export", "e", "", "Export logs to file")
	logsCmd.Flags().StringP("level", "l", "", "Minimum level to show (debug, info, warn, error)")
	logsCmd.Flags().String("component", "", "Only show entries from this component")
	logsCmd.Flags().String("task", "", "Only show entries for this task id or prefix")
	rootCmd.AddCommand(logsCmd)
}

// logEntry is the subset of a zerolog JSON line the viewer understands.
type logEntry struct {
	Level     string    `json:"level"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Scenario  string    `json:"scenario,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func parseLogEntry(line string) (logEntry, bool) {
	var e logEntry
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &e) != nil {
		return logEntry{}, false
	}
	return e, true
}

// logFilter selects lines. Lines that are not JSON only pass an empty filter.
type logFilter struct {
	minLevel  zerolog.Level
	component string
	taskID    string
}

func newLogFilter(level, component, taskID string) (logFilter, error) {
	f := logFilter{minLevel: zerolog.DebugLevel, component: component, taskID: taskID}
	if level != "" {
		lvl, err := logging.ParseLevel(level)
		if err != nil {
			return logFilter{}, err
		}
		f.minLevel = lvl
	}
	return f, nil
}

func (f logFilter) empty() bool {
	return f.minLevel <= zerolog.DebugLevel && f.component == "" && f.taskID == ""
}

func (f logFilter) match(line string) bool {
	if f.empty() {
		return true
	}
	e, ok := parseLogEntry(line)
	if !ok {
		return false
	}
	if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < f.minLevel {
		return false
	}
	if f.component != "" && e.Component != f.component {
		return false
	}
	return f.taskID == "" || strings.HasPrefix(e.TaskID, f.taskID)
}

// logFiles returns the log files oldest first. A missing directory is empty.
func logFiles(logDir string) ([]string, error) {
	files, err := logging.ListFiles(logDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log dir: %w", err)
	}
	slices.Reverse(files)
	return files, nil
}

func showLogs(out io.Writer, logDir string, n int, filter logFilter) error {
	files, err := logFiles(logDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(out, "No log files found.")
		return nil
	}
	lines, err := lastLines(files, n, filter)
	if err != nil {
		return err
	}
	for _, line := range lines {
		printLogLine(out, line)
	}
	return nil
}

// lastLines returns the last n matching lines across files (oldest first),
// in file order.
func lastLines(files []string, n int, filter logFilter) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	buf, err := ringbuf.New[string](n)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		err := scanLines(path, func(line string) error {
			if filter.match(line) {
				buf.Push(line)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	lines := buf.Items()
	slices.Reverse(lines)
	return lines, nil
}

func scanLines(path string, fn func(string) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := fn(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func exportLogs(out io.Writer, logDir, outFile string, filter logFilter) error {
	files, err := logFiles(logDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no log files found")
	}

	dst, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	w := bufio.NewWriter(dst)

	written := 0
	for _, path := range files {
		err := scanLines(path, func(line string) error {
			if !filter.match(line) {
				return nil
			}
			written++
			_, err := w.WriteString(line + "\n")
			return err
		})
		if err != nil {
			_ = dst.Close()
			return fmt.Errorf("writing export: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing export: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Exported %d log lines to %s\n", written, outFile)
	return nil
}

// logTail reads lines appended to one log file.
type logTail struct {
	path   string
	f      *os.File
	reader *bufio.Reader
	// partial holds a line whose newline has not been written yet.
	partial string
}

// openTail opens path positioned at its end, or at the start when fromStart
// is set (a file created after following began).
func openTail(path string, fromStart bool) (*logTail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !fromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return &logTail{path: path, f: f, reader: bufio.NewReader(f)}, nil
}

// drain hands every complete new line to fn.
func (t *logTail) drain(fn func(string)) {
	for {
		chunk, err := t.reader.ReadString('\n')
		if err != nil {
			t.partial += chunk
			return
		}
		fn(strings.TrimSuffix(t.partial+chunk, "\n"))
		t.partial = ""
	}
}

func (t *logTail) Close() error {
	if t == nil {
		return nil
	}
	return t.f.Close()
}

func followLogs(ctx context.Context, out io.Writer, logDir string, initialLines int, filter logFilter) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	files, err := logFiles(logDir)
	if err != nil {
		return err
	}
	lines, err := lastLines(files, initialLines, filter)
	if err != nil {
		return err
	}
	for _, line := range lines {
		printLogLine(out, line)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(logDir); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	var tail *logTail
	defer func() { _ = tail.Close() }()
	if len(files) > 0 {
		tail, _ = openTail(files[len(files)-1], false)
	}
	emit := func(line string) {
		if filter.match(line) {
			printLogLine(out, line)
		}
	}

	fmt.Fprintln(out, "--- Following logs (Ctrl+C to exit) ---")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// A newer dated file replaces the one being tailed.
			if ev.Has(fsnotify.Create) && isNewerLog(ev.Name, tail) {
				if tail != nil {
					tail.drain(emit)
					_ = tail.Close()
				}
				tail, _ = openTail(ev.Name, true)
			}
			if tail != nil && ev.Name == tail.path && ev.Has(fsnotify.Write) {
				tail.drain(emit)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

// isNewerLog reports whether name is a dated log file sorting after the
// file currently tailed.
func isNewerLog(name string, tail *logTail) bool {
	if !logging.IsLogFile(name) {
		return false
	}
	return tail == nil || filepath.Base(name) > filepath.Base(tail.path)
}

func printLogLine(out io.Writer, line string) {
	e, ok := parseLogEntry(line)
	if !ok {
		fmt.Fprintln(out, line)
		return
	}

	var b strings.Builder
	b.WriteString(e.Time.Local().Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelStyle(e.Level).Render(formatLogLevel(e.Level)))
	if e.Component != "" {
		b.WriteString(" [" + e.Component + "]")
	}
	if e.TaskID != "" {
		b.WriteString(" (" + shortID(e.TaskID))
		if e.Scenario != "" {
			b.WriteString(" " + e.Scenario)
		}
		b.WriteByte(')')
	}
	b.WriteString(" " + e.Message)
	if e.Error != "" {
		b.WriteString(" error=" + e.Error)
	}
	fmt.Fprintln(out, b.String())
}

func levelStyle(level string) lipgloss.Style {
	st := newRunStyles()
	switch level {
	case "warn":
		return st.Warn
	case "error", "fatal", "panic":
		return st.Error
	case "debug", "trace":
		return st.Muted
	}
	return st.Value
}

func formatLogLevel(level string) string {
	switch level {
	case "":
		return "???"
	case "debug":
		return "DBG"
	case "info":
		return "INF"
	case "warn":
		return "WRN"
	case "error":
		return "ERR"
	}
	return strings.ToUpper(level[:min(3, len(level))])
}
