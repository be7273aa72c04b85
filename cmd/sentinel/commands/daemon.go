package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/config"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/scheduler"
	"github.com/marcus/sentinel/internal/server"
	"github.com/marcus/sentinel/internal/state"
	"github.com/marcus/sentinel/internal/tasks"
)

const (
	pidFileName  = "sentinel.pid"
	lockFileName = "sentinel.lock"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the sentinel background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the sentinel daemon as a background process.

The daemon runs the configured scenarios on the schedule (cron or
interval), respecting the time window. Scenarios that ran within
--cooldown are skipped. With --serve the HTTP API runs alongside.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running sentinel daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	RunE:  runDaemonStatus,
}

func init() {
	daemonStartCmd.Flags().BoolP("foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonStartCmd.Flags().Duration("cooldown", 0, "Skip scenarios that ran more recently than this")
	daemonStartCmd.Flags().Bool("serve", false, "Also serve the HTTP API")
	daemonStartCmd.Flags().String("addr", "", "HTTP listen address with --serve (default from config)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func pidFilePath(dir string) string {
	return filepath.Join(dir, pidFileName)
}

// writePidFile writes the current process PID to the PID file.
func writePidFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(dir), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPidFile(dir string) (int, error) {
	data, err := os.ReadFile(pidFilePath(dir))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePidFile(dir string) error {
	return os.Remove(pidFilePath(dir))
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; send signal 0 to check if alive
	return process.Signal(syscall.Signal(0)) == nil
}

func isDaemonRunning(dir string) (bool, int) {
	pid, err := readPidFile(dir)
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

// acquireDaemonLock takes the exclusive daemon lock in dir. The pid file
// alone cannot tell a live daemon from a recycled pid.
func acquireDaemonLock(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, errors.New("daemon already running (lock held)")
	}
	return lock, nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	foreground, _ := cmd.Flags().GetBool("foreground")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := dataDir(cfg)

	if running, pid := isDaemonRunning(dir); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if cfg.Schedule.Cron == "" && cfg.Schedule.Interval == "" {
		return scheduler.ErrNoSchedule
	}

	if foreground {
		return runDaemonLoop(cmd, cfg)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	// re-exec with the same flags plus --foreground
	childArgs := append([]string{"daemon", "start", "--foreground"}, forwardedFlags(cmd)...)
	child := exec.Command(executable, childArgs...)
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

// forwardedFlags lists the flags set on cmd, for the re-exec'd child.
func forwardedFlags(cmd *cobra.Command) []string {
	var out []string
	for _, name := range []string{"config", "cooldown", "addr", "verbose", "serve"} {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		out = append(out, "--"+name+"="+f.Value.String())
	}
	return out
}

func runDaemonLoop(cmd *cobra.Command, cfg *config.Config) error {
	cooldown, _ := cmd.Flags().GetDuration("cooldown")
	serve, _ := cmd.Flags().GetBool("serve")
	addr, _ := cmd.Flags().GetString("addr")

	if err := initLogging(cmd, cfg, false); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("daemon")
	dir := dataDir(cfg)

	lock, err := acquireDaemonLock(dir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if err := writePidFile(dir); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile(dir) }()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	database, st, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	aud, err := openAudit(cfg)
	if err != nil {
		return err
	}
	if aud != nil {
		defer func() { _ = aud.Close() }()
	}

	launcher, err := newLauncher(cfg, reg, st, aud)
	if err != nil {
		return err
	}
	defer launcher.Manager().CloseAll()

	selector := tasks.NewSelector(reg, st)
	selector.SetCooldown(cooldown)
	if _, unknown := selector.FilterKnown(cfg.Schedule.Scenarios); len(unknown) > 0 {
		return fmt.Errorf("unknown scheduled scenarios: %s", strings.Join(unknown, ", "))
	}

	sched, err := scheduler.NewFromConfig(&cfg.Schedule)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.AddJob(func(jobCtx context.Context) error {
		return runScheduledScenarios(jobCtx, launcher, selector, cfg.Schedule.Scenarios, log)
	})

	log.Info("daemon starting")

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				log.Info("termination signal received, shutting down")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Scheduler.
	{
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		g.Add(
			func() error {
				if err := sched.Start(ctx); err != nil {
					return fmt.Errorf("start scheduler: %w", err)
				}
				log.InfoCtx("daemon running", map[string]any{
					"next_run": sched.NextRun().Format(time.RFC3339),
				})
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
				if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
					log.Errorf("stopping scheduler: %v", err)
				}
			},
		)
	}

	// HTTP API.
	if serve {
		if addr == "" {
			addr = cfg.Server.Addr
		}
		srv := server.New(launcher, server.WithHistory(st))
		g.Add(
			func() error {
				return srv.ListenAndServe(addr)
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			},
		)
	}

	err = g.Run()
	log.Info("daemon stopped")
	return err
}

// runScheduledScenarios runs each selected scenario to completion in turn.
// An empty names list means every registered scenario.
func runScheduledScenarios(ctx context.Context, l *tasks.Launcher, sel *tasks.Selector, names []string, log *logging.Logger) error {
	selected, unknown := sel.Select(names)
	for _, name := range unknown {
		log.Warnf("skip unknown scenario %s", name)
	}
	if len(selected) == 0 {
		log.Info("no scenarios due")
		return nil
	}

	start := time.Now()
	var completed, failed int
	for _, sc := range selected {
		if err := ctx.Err(); err != nil {
			log.Info("scheduled run cancelled")
			return err
		}

		snap, err := l.Run(ctx, tasks.Request{Scenario: sc.Name, Origin: state.OriginDaemon})
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			failed++
			log.Errorf("scenario %s: %v", sc.Name, err)
			continue
		}
		completed++
		log.InfoCtx("scenario finished", map[string]any{
			"scenario": sc.Name,
			"task":     snap.TaskID,
			"status":   string(snap.Status),
			"alerts":   len(snap.Alerts),
		})
	}

	log.InfoCtx("scheduled run complete", map[string]any{
		"duration":  time.Since(start).String(),
		"scenarios": len(selected),
		"completed": completed,
		"failed":    failed,
	})
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := dataDir(cfg)
	out := cmd.OutOrStdout()

	running, pid := isDaemonRunning(dir)
	if !running {
		if _, err := readPidFile(dir); err == nil {
			_ = removePidFile(dir)
			fmt.Fprintln(out, "daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Fprintln(out, "daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}
	fmt.Fprintf(out, "stopping daemon (pid %d)...\n", pid)

	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			fmt.Fprintln(out, "daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile(dir)
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Fprintln(out, "daemon stopped")
				_ = removePidFile(dir)
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := dataDir(cfg)
	out := cmd.OutOrStdout()

	running, pid := isDaemonRunning(dir)
	if !running {
		fmt.Fprintln(out, "Status: not running")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	switch {
	case cfg.Schedule.Cron != "":
		fmt.Fprintf(out, "Schedule: cron %s\n", cfg.Schedule.Cron)
	case cfg.Schedule.Interval != "":
		fmt.Fprintf(out, "Schedule: every %s\n", cfg.Schedule.Interval)
	}
	if sched, err := scheduler.NewFromConfig(&cfg.Schedule); err == nil && cfg.Schedule.Cron != "" {
		fmt.Fprintf(out, "Next run: %s\n", sched.NextAfter(time.Now()).Format("2006-01-02 15:04"))
	}
	if w := cfg.Schedule.Window; w != nil {
		fmt.Fprintf(out, "Window: %s - %s", w.Start, w.End)
		if w.Timezone != "" {
			fmt.Fprintf(out, " (%s)", w.Timezone)
		}
		fmt.Fprintln(out)
	}
	if len(cfg.Schedule.Scenarios) > 0 {
		fmt.Fprintf(out, "Scenarios: %s\n", strings.Join(cfg.Schedule.Scenarios, ", "))
	} else {
		fmt.Fprintln(out, "Scenarios: all")
	}
	fmt.Fprintf(out, "PID file: %s\n", pidFilePath(dir))
	return nil
}
