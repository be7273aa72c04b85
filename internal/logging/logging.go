// Package logging provides structured logging for sentinel.
// Logs go to stderr or to a date-named file under the configured directory,
// in JSON or console text form.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	filePrefix = "sentinel-"
	fileSuffix = ".log"
	dateLayout = "2006-01-02"
)

// Logger wraps zerolog with component and task scoping.
type Logger struct {
	zl     zerolog.Logger
	logDir string
	sink   *dailyFile
}

// Config holds logging configuration.
type Config struct {
	Level         string // debug, info, warn, error
	Path          string // log directory; empty logs to stderr
	Format        string // json, text
	RetentionDays int    // days to keep log files (default 7)
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Level:         "info",
		Path:          filepath.Join(home, ".local", "share", "sentinel", "logs"),
		Format:        "json",
		RetentionDays: 7,
	}
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Init replaces the global logger.
func Init(cfg Config) error {
	logger, err := New(cfg)
	if err != nil {
		return err
	}

	globalMu.Lock()
	prev := globalLogger
	globalLogger = logger
	globalMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// New creates a Logger from cfg. With a Path, output goes to one file per
// day and files older than RetentionDays are removed when the day turns.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := &Logger{}
	var out io.Writer = os.Stderr
	if cfg.Path != "" {
		logger.logDir = expandPath(cfg.Path)
		if err := os.MkdirAll(logger.logDir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		logger.sink = &dailyFile{dir: logger.logDir, retention: cfg.RetentionDays, now: time.Now}
		if err := logger.sink.open(); err != nil {
			return nil, err
		}
		out = logger.sink
	}

	if strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}
	logger.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, nil
}

// NewWriter creates a JSON logger writing to w.
func NewWriter(w io.Writer, level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// FilePath returns the log file for day in dir.
func FilePath(dir string, day time.Time) string {
	return filepath.Join(expandPath(dir), filePrefix+day.Format(dateLayout)+fileSuffix)
}

// dailyFile appends to the current day's log file, switching files when
// the date changes.
type dailyFile struct {
	mu        sync.Mutex
	dir       string
	retention int
	now       func() time.Time

	day string
	f   *os.File
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil || d.now().Format(dateLayout) != d.day {
		if err := d.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

func (d *dailyFile) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotateLocked()
}

func (d *dailyFile) rotateLocked() error {
	now := d.now()
	f, err := os.OpenFile(FilePath(d.dir, now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.f, d.day = f, now.Format(dateLayout)
	go removeOldLogs(d.dir, now.AddDate(0, 0, -d.retention))
	return nil
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// removeOldLogs deletes log files dated before cutoff.
func removeOldLogs(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if day, ok := logFileDate(entry); ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

// logFileDate parses the date out of sentinel-YYYY-MM-DD.log.
func logFileDate(entry os.DirEntry) (time.Time, bool) {
	if entry.IsDir() {
		return time.Time{}, false
	}
	return parseFileName(entry.Name())
}

func parseFileName(name string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return time.Time{}, false
	}
	if stamp, ok = strings.CutSuffix(stamp, fileSuffix); !ok {
		return time.Time{}, false
	}
	day, err := time.Parse(dateLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// IsLogFile reports whether path names a dated sentinel log file.
func IsLogFile(path string) bool {
	_, ok := parseFileName(filepath.Base(path))
	return ok
}

func (l *Logger) derive(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl, logDir: l.logDir, sink: l.sink}
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(l.zl.With().Str("component", component).Logger())
}

// WithTask returns a child logger tagged with a task id and scenario.
func (l *Logger) WithTask(id, scenario string) *Logger {
	ctx := l.zl.With().Str("task_id", id)
	if scenario != "" {
		ctx = ctx.Str("scenario", scenario)
	}
	return l.derive(ctx.Logger())
}

// Zerolog exposes the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.zl.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.zl.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	l.zl.Error().Msg(msg)
}

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

// DebugCtx logs a debug message with fields.
func (l *Logger) DebugCtx(msg string, fields map[string]any) {
	l.zl.Debug().Fields(fields).Msg(msg)
}

// InfoCtx logs an info message with fields.
func (l *Logger) InfoCtx(msg string, fields map[string]any) {
	l.zl.Info().Fields(fields).Msg(msg)
}

// WarnCtx logs a warning with fields.
func (l *Logger) WarnCtx(msg string, fields map[string]any) {
	l.zl.Warn().Fields(fields).Msg(msg)
}

// ErrorCtx logs an error message with fields.
func (l *Logger) ErrorCtx(msg string, fields map[string]any) {
	l.zl.Error().Fields(fields).Msg(msg)
}

// Err starts an error-level event carrying err.
func (l *Logger) Err(err error) *zerolog.Event {
	return l.zl.Error().Err(err)
}

// Close closes the log file, if any. Loggers derived from l share it.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// LogFiles returns the log files in the logger's directory, newest first.
func (l *Logger) LogFiles() ([]string, error) {
	return ListFiles(l.logDir)
}

// ListFiles returns the sentinel log files in dir, newest first.
func ListFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	dir = expandPath(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if _, ok := logFileDate(entry); ok {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// Get returns the global logger, or a stderr logger before Init.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return &Logger{zl: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	}
	return globalLogger
}

// Component returns a global logger tagged with name.
func Component(name string) *Logger {
	return Get().WithComponent(name)
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
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
