// Package config handles loading and validating sentinel configuration.
// Supports YAML config files and SENTINEL_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marcus/sentinel/internal/phase"
)

// Defaults applied when a setting is absent.
const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultLogPath       = "~/.local/share/sentinel/logs"
	DefaultRetentionDays = 7
	DefaultDBPath        = "~/.local/share/sentinel/sentinel.db"
	DefaultReportsDir    = "~/.local/share/sentinel/reports"
	DefaultAuditDir      = "~/.local/share/sentinel/audit"
	DefaultReportFormat  = "md"
	DefaultServerAddr    = "127.0.0.1:8088"
	DefaultServerRetain  = 100
	DefaultTimeScale     = 1.0

	// ProjectConfigName is looked up in the working directory.
	ProjectConfigName = "sentinel.yaml"
	// EnvConfigPath names a config file that replaces both lookups.
	EnvConfigPath = "SENTINEL_CONFIG"
)

var (
	ErrCronAndInterval     = errors.New("schedule: cron and interval are mutually exclusive")
	ErrInvalidInterval     = errors.New("invalid interval")
	ErrInvalidLogLevel     = errors.New("logging.level must be one of debug, info, warn, error")
	ErrInvalidLogFormat    = errors.New("logging.format must be json or text")
	ErrInvalidSeverity     = errors.New("promote_severity must be one of info, medium, high, critical")
	ErrInvalidTimeScale    = errors.New("time_scale must be positive")
	ErrInvalidScenario     = errors.New("invalid scenario")
	ErrInvalidReportFormat = errors.New("reports.format must be one of md, html, json, yaml")
	ErrInvalidRetain       = errors.New("invalid retain count")
)

var (
	logLevels     = []string{"debug", "info", "warn", "error"}
	logFormats    = []string{"json", "text"}
	severities    = []string{"info", "medium", "high", "critical"}
	reportFormats = []string{"md", "markdown", "html", "json", "yaml", "yml"}
)

// Config holds all sentinel configuration.
type Config struct {
	Logging   LoggingConfig             `mapstructure:"logging"`
	DB        DBConfig                  `mapstructure:"db"`
	Feed      FeedConfig                `mapstructure:"feed"`
	TimeScale float64                   `mapstructure:"time_scale"`
	Scenarios map[string]ScenarioConfig `mapstructure:"scenarios"`
	Schedule  ScheduleConfig            `mapstructure:"schedule"`
	Server    ServerConfig              `mapstructure:"server"`
	Reports   ReportsConfig             `mapstructure:"reports"`
	Audit     AuditConfig               `mapstructure:"audit"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DBConfig locates the run history database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// FeedConfig holds settings shared by every feed. Interval and the
// capacities are defaults for configured scenarios that leave them out.
type FeedConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Jitter          time.Duration `mapstructure:"jitter"`
	EventCapacity   int           `mapstructure:"event_capacity"`
	AlertCapacity   int           `mapstructure:"alert_capacity"`
	PromoteSeverity string        `mapstructure:"promote_severity"`
	Seed            uint64        `mapstructure:"seed"`
}

// ScenarioConfig overrides a built-in scenario or defines a new one.
type ScenarioConfig struct {
	Title           string        `mapstructure:"title"`
	Description     string        `mapstructure:"description"`
	Phases          []phase.Phase `mapstructure:"phases"`
	Interval        time.Duration `mapstructure:"interval"`
	Jitter          time.Duration `mapstructure:"jitter"`
	EventCapacity   int           `mapstructure:"event_capacity"`
	AlertCapacity   int           `mapstructure:"alert_capacity"`
	PromoteSeverity string        `mapstructure:"promote_severity"`
}

// ScheduleConfig drives the daemon. Exactly one of Cron or Interval.
type ScheduleConfig struct {
	Cron      string        `mapstructure:"cron"`
	Interval  string        `mapstructure:"interval"`
	Window    *WindowConfig `mapstructure:"window"`
	Scenarios []string      `mapstructure:"scenarios"`
}

// WindowConfig restricts scheduled runs to a time-of-day window.
type WindowConfig struct {
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Retain is how many finished tasks stay listed before the oldest are
	// forgotten. Zero uses the built-in default.
	Retain int `mapstructure:"retain"`
}

// ReportsConfig configures saved reports.
type ReportsConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
}

// AuditConfig configures the operator audit trail.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// GlobalConfigPath returns the per-user config file location.
func GlobalConfigPath() string {
	return expandPath("~/.config/sentinel/config.yaml")
}

// Load reads $SENTINEL_CONFIG when set, otherwise the global config
// merged with ./sentinel.yaml.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFile(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFile reads a single config file. The file must exist.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(expandPath(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// LoadFromPaths reads globalPath then merges projectDir/sentinel.yaml on
// top of it. Missing files are skipped.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := newViper()

	if globalPath != "" && fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}
	if projectDir != "" {
		projectPath := filepath.Join(projectDir, ProjectConfigName)
		if fileExists(projectPath) {
			v.SetConfigFile(projectPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("read project config: %w", err)
			}
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.path", DefaultLogPath)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.retention_days", DefaultRetentionDays)
	v.SetDefault("db.path", DefaultDBPath)
	v.SetDefault("feed.interval", "1s")
	v.SetDefault("feed.jitter", "0s")
	v.SetDefault("feed.event_capacity", 20)
	v.SetDefault("feed.alert_capacity", 5)
	v.SetDefault("feed.promote_severity", "")
	v.SetDefault("feed.seed", 0)
	v.SetDefault("time_scale", DefaultTimeScale)
	v.SetDefault("schedule.cron", "")
	v.SetDefault("schedule.interval", "")
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.retain", DefaultServerRetain)
	v.SetDefault("reports.dir", DefaultReportsDir)
	v.SetDefault("reports.format", DefaultReportFormat)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", DefaultAuditDir)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	cfg.Feed.PromoteSeverity = strings.ToLower(cfg.Feed.PromoteSeverity)
	cfg.Reports.Format = strings.ToLower(cfg.Reports.Format)
	cfg.Logging.Path = expandPath(cfg.Logging.Path)
	cfg.DB.Path = expandPath(cfg.DB.Path)
	cfg.Reports.Dir = expandPath(cfg.Reports.Dir)
	cfg.Audit.Dir = expandPath(cfg.Audit.Dir)
	for name, sc := range cfg.Scenarios {
		sc.PromoteSeverity = strings.ToLower(sc.PromoteSeverity)
		cfg.Scenarios[name] = sc
	}
}

// Validate checks cfg. Empty values are accepted and mean "use the default".
func Validate(cfg *Config) error {
	if cfg.Schedule.Cron != "" && cfg.Schedule.Interval != "" {
		return ErrCronAndInterval
	}
	if cfg.Schedule.Interval != "" {
		d, err := time.ParseDuration(cfg.Schedule.Interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: schedule.interval %q", ErrInvalidInterval, cfg.Schedule.Interval)
		}
	}
	if cfg.Logging.Level != "" && !slices.Contains(logLevels, cfg.Logging.Level) {
		return ErrInvalidLogLevel
	}
	if cfg.Logging.Format != "" && !slices.Contains(logFormats, cfg.Logging.Format) {
		return ErrInvalidLogFormat
	}
	if cfg.Reports.Format != "" && !slices.Contains(reportFormats, cfg.Reports.Format) {
		return ErrInvalidReportFormat
	}
	if cfg.Feed.PromoteSeverity != "" && !slices.Contains(severities, cfg.Feed.PromoteSeverity) {
		return ErrInvalidSeverity
	}
	if cfg.TimeScale < 0 {
		return ErrInvalidTimeScale
	}
	if cfg.Server.Retain < 0 {
		return fmt.Errorf("%w: server.retain must not be negative, got %d", ErrInvalidRetain, cfg.Server.Retain)
	}
	if cfg.Feed.Interval < 0 || cfg.Feed.Jitter < 0 {
		return fmt.Errorf("%w: feed interval and jitter must not be negative", ErrInvalidInterval)
	}
	for _, name := range cfg.ScenarioNames() {
		if err := validateScenario(name, cfg.Scenarios[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateScenario(name string, sc ScenarioConfig) error {
	if sc.PromoteSeverity != "" && !slices.Contains(severities, sc.PromoteSeverity) {
		return fmt.Errorf("%w: %s: %w", ErrInvalidScenario, name, ErrInvalidSeverity)
	}
	if sc.Interval < 0 || sc.Jitter < 0 {
		return fmt.Errorf("%w: %s: interval and jitter must not be negative", ErrInvalidScenario, name)
	}
	if sc.EventCapacity < 0 || sc.AlertCapacity < 0 {
		return fmt.Errorf("%w: %s: capacities must not be negative", ErrInvalidScenario, name)
	}
	if err := phase.ValidateAll(sc.Phases); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidScenario, name, err)
	}
	return nil
}

// ScenarioNames returns the configured scenario names in sorted order.
func (c *Config) ScenarioNames() []string {
	names := make([]string, 0, len(c.Scenarios))
	for name := range c.Scenarios {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// EffectiveTimeScale returns TimeScale, or 1 when unset.
func (c *Config) EffectiveTimeScale() float64 {
	if c.TimeScale <= 0 {
		return DefaultTimeScale
	}
	return c.TimeScale
}

// ScheduleInterval parses Schedule.Interval. Zero when unset or invalid.
func (c *Config) ScheduleInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.Interval)
	if err != nil {
		return 0
	}
	return d
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
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
