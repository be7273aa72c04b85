package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/config"
	"github.com/marcus/sentinel/internal/db"
	"github.com/marcus/sentinel/internal/reporting"
	"github.com/marcus/sentinel/internal/scenarios"
	"github.com/marcus/sentinel/internal/scheduler"
	"github.com/marcus/sentinel/internal/state"
)

type checkStatus string

const (
	statusOK   checkStatus = "OK"
	statusWarn checkStatus = "WARN"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	name   string
	status checkStatus
	detail string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check sentinel configuration and environment",
	Long: `Run diagnostics to detect configuration and environment issues.

Checks config, the history database, scenarios, the daemon schedule, and
the log, report and audit directories.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd)
	if err != nil {
		printDoctorResults(out, []checkResult{{name: "config", status: statusFail, detail: err.Error()}})
		return fmt.Errorf("config load failed")
	}

	results := doctorChecks(cfg, time.Now())
	printDoctorResults(out, results)
	for _, r := range results {
		if r.status == statusFail {
			return fmt.Errorf("doctor found failures")
		}
	}
	return nil
}

// doctorChecks runs every check against a loaded config.
func doctorChecks(cfg *config.Config, now time.Time) []checkResult {
	results := []checkResult{{name: "config", status: statusOK, detail: "loaded"}}
	add := func(name string, status checkStatus, detail string) {
		results = append(results, checkResult{name: name, status: status, detail: detail})
	}

	checkHistory(cfg, add)
	reg := checkScenarios(cfg, add)
	checkSchedule(cfg, reg, now, add)
	checkDaemon(cfg, add)
	checkService(add)
	checkReports(cfg, add)
	checkDir("logs", cfg.Logging.Path, add)
	if cfg.Audit.Enabled {
		checkDir("audit", cfg.Audit.Dir, add)
	} else {
		add("audit", statusWarn, "disabled")
	}
	return results
}

func checkHistory(cfg *config.Config, add func(string, checkStatus, string)) {
	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		add("db", statusFail, err.Error())
		return
	}
	defer func() { _ = database.Close() }()
	add("db", statusOK, cfg.DB.Path)

	st, err := state.New(database)
	if err != nil {
		add("history", statusFail, err.Error())
		return
	}
	recs, err := st.RecentRuns(1, "")
	switch {
	case err != nil:
		add("history", statusFail, err.Error())
	case len(recs) == 0:
		add("history", statusOK, "no runs yet")
	default:
		add("history", statusOK, fmt.Sprintf("last run %s ago (%s, %s)",
			time.Since(recs[0].StartedAt).Truncate(time.Minute), recs[0].Scenario, recs[0].Status))
	}
}

func checkScenarios(cfg *config.Config, add func(string, checkStatus, string)) *scenarios.Registry {
	reg, err := buildRegistry(cfg)
	if err != nil {
		add("scenarios", statusFail, err.Error())
		return nil
	}
	add("scenarios", statusOK, fmt.Sprintf("%d available", len(reg.Names())))
	return reg
}

func checkSchedule(cfg *config.Config, reg *scenarios.Registry, now time.Time, add func(string, checkStatus, string)) {
	sched, err := scheduler.NewFromConfig(&cfg.Schedule)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoSchedule) {
			add("schedule", statusWarn, "no schedule configured (cron or interval)")
			return
		}
		add("schedule", statusFail, err.Error())
		return
	}
	if next := sched.NextAfter(now); !next.IsZero() {
		add("schedule", statusOK, fmt.Sprintf("next run %s", next.Format("2006-01-02 15:04")))
	}

	if len(cfg.Schedule.Scenarios) == 0 {
		add("schedule.scenarios", statusWarn, "schedule set but no scenarios listed")
		return
	}
	if reg == nil {
		return
	}
	var unknown []string
	for _, name := range cfg.Schedule.Scenarios {
		if _, err := reg.Get(name); err != nil {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		add("schedule.scenarios", statusFail, fmt.Sprintf("unknown: %v", unknown))
		return
	}
	add("schedule.scenarios", statusOK, fmt.Sprintf("%v", cfg.Schedule.Scenarios))
}

func checkDaemon(cfg *config.Config, add func(string, checkStatus, string)) {
	dir := dataDir(cfg)
	pid, err := readPidFile(dir)
	if err != nil {
		add("daemon", statusWarn, "not running (pid file missing)")
		return
	}
	if isProcessRunning(pid) {
		add("daemon", statusOK, fmt.Sprintf("running (pid %d)", pid))
	} else {
		add("daemon", statusWarn, "pid file present but process not running")
	}
}

func checkService(add func(string, checkStatus, string)) {
	var path string
	var err error
	switch detectServiceType() {
	case ServiceLaunchd:
		path, err = launchdPlistPath()
	default:
		path, err = systemdServicePath()
	}
	if err != nil {
		add("service", statusWarn, err.Error())
		return
	}
	if fileExists(path) {
		add("service", statusOK, path)
		return
	}
	add("service", statusWarn, "not installed (see 'sentinel install')")
}

func checkReports(cfg *config.Config, add func(string, checkStatus, string)) {
	if _, err := reporting.ParseFormat(cfg.Reports.Format); err != nil {
		add("reports.format", statusFail, err.Error())
	}
	if cfg.Reports.Dir == "" {
		add("reports", statusWarn, "no report directory; reports are not saved")
		return
	}
	checkDir("reports", cfg.Reports.Dir, add)
}

// checkDir reports whether dir exists or can be created, and is writable.
func checkDir(name, dir string, add func(string, checkStatus, string)) {
	if dir == "" {
		add(name, statusWarn, "not configured")
		return
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		add(name, statusFail, err.Error())
		return
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		add(name, statusFail, fmt.Sprintf("%s not writable: %v", dir, err))
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	add(name, statusOK, dir)
}

func printDoctorResults(w io.Writer, results []checkResult) {
	styles := newRunStyles()
	_, _ = fmt.Fprintln(w, styles.Title.Render("Sentinel doctor"))
	_, _ = fmt.Fprintln(w, "===============")
	for _, result := range results {
		status := string(result.status)
		switch result.status {
		case statusOK:
			status = styles.Success.Render(status)
		case statusWarn:
			status = styles.Warn.Render(status)
		case statusFail:
			status = styles.Error.Render(status)
		}
		_, _ = fmt.Fprintf(w, "[%s] %-20s %s\n", status, result.name, result.detail)
	}
	_, _ = fmt.Fprintln(w)
}
