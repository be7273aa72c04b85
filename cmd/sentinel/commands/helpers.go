package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/audit"
	"github.com/marcus/sentinel/internal/config"
	"github.com/marcus/sentinel/internal/db"
	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/reporting"
	"github.com/marcus/sentinel/internal/scenarios"
	"github.com/marcus/sentinel/internal/state"
	"github.com/marcus/sentinel/internal/tasks"
)

// loadConfig loads configuration from --config or the default paths.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// initLogging initializes the logging subsystem. toStderr keeps log lines
// out of the log directory, for short-lived commands.
func initLogging(cmd *cobra.Command, cfg *config.Config, toStderr bool) error {
	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	path := cfg.Logging.Path
	if toStderr {
		path = ""
	}
	return logging.Init(logging.Config{
		Level:         level,
		Path:          path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}

// buildRegistry returns the built-in scenarios with the configured
// overrides and additions merged in. Feed settings fill the gaps of
// scenarios defined only in config.
func buildRegistry(cfg *config.Config) (*scenarios.Registry, error) {
	reg := scenarios.Default()
	for _, name := range cfg.ScenarioNames() {
		sc := scenarioFromConfig(name, cfg.Scenarios[name])
		if _, err := reg.Get(name); err != nil {
			if sc.Interval <= 0 {
				sc.Interval = cfg.Feed.Interval
			}
			if sc.Jitter <= 0 {
				sc.Jitter = cfg.Feed.Jitter
			}
			if sc.EventCapacity <= 0 {
				sc.EventCapacity = cfg.Feed.EventCapacity
			}
			if sc.AlertCapacity <= 0 {
				sc.AlertCapacity = cfg.Feed.AlertCapacity
			}
			if sc.Interval <= 0 {
				sc.Interval = time.Second
			}
		}
		if err := reg.Merge(sc); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", name, err)
		}
	}
	return reg, nil
}

func scenarioFromConfig(name string, sc config.ScenarioConfig) scenarios.Scenario {
	return scenarios.Scenario{
		Name:          name,
		Title:         sc.Title,
		Description:   sc.Description,
		Phases:        sc.Phases,
		Interval:      sc.Interval,
		Jitter:        sc.Jitter,
		EventCapacity: sc.EventCapacity,
		AlertCapacity: sc.AlertCapacity,
		Promote:       feed.Severity(sc.PromoteSeverity),
	}
}

// launchOptions turns the feed and time scale settings into run defaults.
func launchOptions(cfg *config.Config) scenarios.Options {
	opts := scenarios.Options{
		Seed:      cfg.Feed.Seed,
		TimeScale: cfg.EffectiveTimeScale(),
	}
	// empty keeps each scenario's own threshold
	opts.Promote = feed.Severity(cfg.Feed.PromoteSeverity)
	return opts
}

// openHistory opens the run database and the state store on top of it.
func openHistory(cfg *config.Config) (*db.DB, *state.State, error) {
	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	st, err := state.New(database)
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("init state: %w", err)
	}
	return database, st, nil
}

// openAudit opens the audit trail, or returns nil when it is disabled.
func openAudit(cfg *config.Config) (*audit.Logger, error) {
	if !cfg.Audit.Enabled || cfg.Audit.Dir == "" {
		return nil, nil
	}
	a, err := audit.New(cfg.Audit.Dir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return a, nil
}

// newLauncher wires the registry, a manager, the run store and the audit
// trail together. st and aud may be nil.
func newLauncher(cfg *config.Config, reg *scenarios.Registry, st *state.State, aud *audit.Logger, mgrOpts ...orchestrator.ManagerOption) (*tasks.Launcher, error) {
	format, err := reporting.ParseFormat(cfg.Reports.Format)
	if err != nil {
		return nil, err
	}
	mgrOpts = append([]orchestrator.ManagerOption{orchestrator.WithRetain(cfg.Server.Retain)}, mgrOpts...)
	mgr := orchestrator.NewManager(mgrOpts...)
	opts := []tasks.LauncherOption{
		tasks.WithDefaults(launchOptions(cfg)),
		tasks.WithReports(cfg.Reports.Dir, format),
	}
	if st != nil {
		opts = append(opts, tasks.WithRecorder(st))
	}
	if aud != nil {
		opts = append(opts, tasks.WithAuditor(aud))
	}
	return tasks.NewLauncher(reg, mgr, opts...), nil
}

// dataDir is where the daemon keeps its pid and lock files.
func dataDir(cfg *config.Config) string {
	if cfg != nil && cfg.DB.Path != "" {
		return filepath.Dir(cfg.DB.Path)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "sentinel")
}
