package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestValidate_CronAndInterval(t *testing.T) {
	cfg := &Config{
		Schedule: ScheduleConfig{
			Cron:     "0 2 * * *",
			Interval: "1h",
		},
	}
	err := Validate(cfg)
	if err != ErrCronAndInterval {
		t.Errorf("expected ErrCronAndInterval, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"bad schedule interval", Config{Schedule: ScheduleConfig{Interval: "soon"}}, ErrInvalidInterval},
		{"log level", Config{Logging: LoggingConfig{Level: "verbose"}}, ErrInvalidLogLevel},
		{"log format", Config{Logging: LoggingConfig{Format: "xml"}}, ErrInvalidLogFormat},
		{"report format", Config{Reports: ReportsConfig{Format: "pdf"}}, ErrInvalidReportFormat},
		{"feed severity", Config{Feed: FeedConfig{PromoteSeverity: "urgent"}}, ErrInvalidSeverity},
		{"time scale", Config{TimeScale: -1}, ErrInvalidTimeScale},
		{"negative retain", Config{Server: ServerConfig{Retain: -1}}, ErrInvalidRetain},
		{"negative jitter", Config{Feed: FeedConfig{Jitter: -time.Second}}, ErrInvalidInterval},
		{
			"scenario severity",
			Config{Scenarios: map[string]ScenarioConfig{"pentest": {PromoteSeverity: "urgent"}}},
			ErrInvalidScenario,
		},
		{
			"scenario capacity",
			Config{Scenarios: map[string]ScenarioConfig{"drill": {EventCapacity: -1}}},
			ErrInvalidScenario,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(&tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{
		Schedule: ScheduleConfig{
			Cron:      "0 2 * * *",
			Scenarios: []string{"pentest"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Feed:      FeedConfig{PromoteSeverity: "high"},
		TimeScale: 0.5,
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		input    string
		expected string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}
	for _, tc := range tests {
		result := expandPath(tc.input)
		if result != tc.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestLoadFromPaths_WithYAML(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, ProjectConfigName), `
schedule:
  cron: "0 3 * * *"
  scenarios: [pentest, darkweb-monitor]
logging:
  level: debug
feed:
  jitter: 250ms
  promote_severity: HIGH
time_scale: 0.1
scenarios:
  pentest:
    interval: 2s
  tabletop:
    title: Tabletop Exercise
    interval: 500ms
    phases:
      - name: Brief
        duration: 3s
      - name: Debrief
        duration: 1m
        description: Lessons learned
`)

	cfg, err := LoadFromPaths(tmpDir, filepath.Join(tmpDir, "nonexistent", "global.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Schedule.Cron != "0 3 * * *" || len(cfg.Schedule.Scenarios) != 2 {
		t.Errorf("Schedule = %+v", cfg.Schedule)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Feed.Jitter != 250*time.Millisecond || cfg.Feed.PromoteSeverity != "high" {
		t.Errorf("Feed = %+v", cfg.Feed)
	}
	if cfg.EffectiveTimeScale() != 0.1 {
		t.Errorf("EffectiveTimeScale() = %v, want 0.1", cfg.EffectiveTimeScale())
	}
	if got := cfg.ScenarioNames(); len(got) != 2 || got[0] != "pentest" || got[1] != "tabletop" {
		t.Errorf("ScenarioNames() = %v", got)
	}
	tt := cfg.Scenarios["tabletop"]
	if tt.Title != "Tabletop Exercise" || len(tt.Phases) != 2 {
		t.Fatalf("tabletop = %+v", tt)
	}
	if tt.Phases[1].Duration != time.Minute || tt.Phases[1].Description != "Lessons learned" {
		t.Errorf("tabletop phase = %+v", tt.Phases[1])
	}
	if cfg.Scenarios["pentest"].Interval != 2*time.Second {
		t.Errorf("pentest interval = %v", cfg.Scenarios["pentest"].Interval)
	}
}

func TestLoadFromPaths_MergeConfigs(t *testing.T) {
	tmpDir := t.TempDir()

	globalConfig := filepath.Join(tmpDir, "global", "config.yaml")
	writeFile(t, globalConfig, `
server:
  addr: 0.0.0.0:9000
logging:
  level: info
  format: text
`)
	projectDir := filepath.Join(tmpDir, "project")
	writeFile(t, filepath.Join(projectDir, ProjectConfigName), `
logging:
  level: debug
`)

	cfg, err := LoadFromPaths(projectDir, globalConfig)
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug (project override)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" || cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("global values lost: format=%q addr=%q", cfg.Logging.Format, cfg.Server.Addr)
	}
}

func TestLoadFromPaths_Defaults(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadFromPaths(tmpDir, filepath.Join(tmpDir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Logging.RetentionDays != DefaultRetentionDays {
		t.Errorf("RetentionDays = %d", cfg.Logging.RetentionDays)
	}
	if cfg.Server.Addr != DefaultServerAddr || cfg.Server.Retain != DefaultServerRetain {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Feed.Interval != time.Second || cfg.Feed.EventCapacity != 20 {
		t.Errorf("Feed = %+v", cfg.Feed)
	}
	home, _ := os.UserHomeDir()
	if cfg.DB.Path != filepath.Join(home, ".local/share/sentinel/sentinel.db") {
		t.Errorf("DB.Path = %q, want expanded default", cfg.DB.Path)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Dir != filepath.Join(home, ".local/share/sentinel/audit") {
		t.Errorf("Audit = %+v, want enabled with the expanded default dir", cfg.Audit)
	}
	if cfg.EffectiveTimeScale() != DefaultTimeScale {
		t.Errorf("EffectiveTimeScale() = %v", cfg.EffectiveTimeScale())
	}
}

func TestLoadFromPaths_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, ProjectConfigName), "logging:\n  level: info\n")
	t.Setenv("SENTINEL_LOGGING_LEVEL", "warn")
	t.Setenv("SENTINEL_SERVER_ADDR", "127.0.0.1:1234")

	cfg, err := LoadFromPaths(tmpDir, "")
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn from env", cfg.Logging.Level)
	}
	if cfg.Server.Addr != "127.0.0.1:1234" {
		t.Errorf("Server.Addr = %q, want env value", cfg.Server.Addr)
	}
}

func TestLoadFromPaths_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, ProjectConfigName), "logging:\n  format: xml\n")

	if _, err := LoadFromPaths(tmpDir, ""); !errors.Is(err, ErrInvalidLogFormat) {
		t.Errorf("LoadFromPaths error = %v, want ErrInvalidLogFormat", err)
	}
}

func TestLoad_EnvConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, path, "reports:\n  format: html\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Reports.Format != "html" {
		t.Errorf("Reports.Format = %q, want html", cfg.Reports.Format)
	}

	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("Load with a missing SENTINEL_CONFIG file should fail")
	}
}

func TestScheduleInterval(t *testing.T) {
	cfg := &Config{Schedule: ScheduleConfig{Interval: "30m"}}
	if got := cfg.ScheduleInterval(); got != 30*time.Minute {
		t.Errorf("ScheduleInterval() = %v, want 30m", got)
	}
	if got := (&Config{}).ScheduleInterval(); got != 0 {
		t.Errorf("unset ScheduleInterval() = %v, want 0", got)
	}
}
