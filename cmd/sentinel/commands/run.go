package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/audit"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/state"
	"github.com/marcus/sentinel/internal/tasks"
	"github.com/marcus/sentinel/internal/ui"
)

// isInteractive reports whether stdout is a terminal. Override in tests.
var isInteractive = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>",
	Short: "Run a scenario",
	Long: `Run one scenario to completion.

On a terminal the run is shown in a dashboard with the phase list, the
live feed and promoted alerts; p pauses, c cancels, q quits. Otherwise
events are printed line by line. The finished run is recorded in the
history database and its report is written to the reports directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Uint64("seed", 0, "Random seed for the feed (0 picks one)")
	runCmd.Flags().Float64("time-scale", 0, "Multiply phase durations and feed intervals by this factor")
	runCmd.Flags().Bool("no-tui", false, "Print events as lines instead of the dashboard")
	runCmd.Flags().Bool("no-record", false, "Do not write the run to history")
	runCmd.Flags().String("format", "", "Report format: md, html, json, yaml")
	runCmd.Flags().String("report-dir", "", "Directory for the saved report")
	runCmd.Flags().BoolP("quiet", "q", false, "Hide alert lines in plain output")
	runCmd.Flags().Bool("json", false, "Print the final snapshot as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	seed, _ := cmd.Flags().GetUint64("seed")
	timeScale, _ := cmd.Flags().GetFloat64("time-scale")
	noTUI, _ := cmd.Flags().GetBool("no-tui")
	noRecord, _ := cmd.Flags().GetBool("no-record")
	format, _ := cmd.Flags().GetString("format")
	reportDir, _ := cmd.Flags().GetString("report-dir")
	quiet, _ := cmd.Flags().GetBool("quiet")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if timeScale < 0 {
		return fmt.Errorf("--time-scale must not be negative")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ninterrupt received, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if format != "" {
		cfg.Reports.Format = format
	}
	if reportDir != "" {
		cfg.Reports.Dir = reportDir
	}
	if err := initLogging(cmd, cfg, false); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("run")

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	var st *state.State
	if !noRecord {
		database, s, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		st = s
	}

	aud, err := openAudit(cfg)
	if err != nil {
		return err
	}
	if aud != nil {
		defer func() { _ = aud.Close() }()
	}

	tui := isInteractive() && !noTUI && !jsonOutput
	var mgrOpts []orchestrator.ManagerOption
	if !tui && !jsonOutput {
		r := newLiveRenderer(cmd.OutOrStdout())
		r.quiet = quiet
		mgrOpts = append(mgrOpts, orchestrator.WithManagerEventHandler(r.HandleEvent))
	}

	launcher, err := newLauncher(cfg, reg, st, aud, mgrOpts...)
	if err != nil {
		return err
	}
	defer launcher.Manager().CloseAll()

	task, err := launcher.Launch(tasks.Request{
		Scenario:  args[0],
		Origin:    state.OriginManual,
		Seed:      seed,
		TimeScale: timeScale,
	})
	if err != nil {
		return err
	}
	log.InfoCtx("run started", map[string]any{
		"task":     task.ID(),
		"scenario": task.Scenario(),
		"seed":     task.Seed,
	})

	if tui {
		sc, _ := reg.Get(args[0])
		title := sc.Title
		if title == "" {
			title = sc.Name
		}
		go func() {
			<-ctx.Done()
			_ = task.Cancel()
		}()
		ctrl := auditedControls{task: task, launcher: launcher}
		if _, err := ui.Watch(task.Controller, ctrl, title); err != nil {
			log.Errorf("dashboard: %v", err)
		}
		// quitting the dashboard early abandons the run
		if !task.Status().Terminal() {
			_ = task.Cancel()
		}
	}

	snap, err := task.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		_ = task.Cancel()
		snap, err = task.Wait(context.Background())
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(state.RecordFromSnapshot(snap, task.Seed, task.Origin)); err != nil {
			return err
		}
	} else {
		displayRunSummary(cmd.OutOrStdout(), snap, task.ReportPath())
	}

	if err := task.RecordErr(); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if snap.Status == orchestrator.StatusFailed {
		return fmt.Errorf("task failed: %v", snap.Err)
	}
	return nil
}

// auditedControls records the dashboard's pause, resume and cancel keys in
// the audit trail.
type auditedControls struct {
	task     *tasks.Task
	launcher *tasks.Launcher
}

func (c auditedControls) Pause() error  { return c.do(audit.ActionPause, c.task.Pause) }
func (c auditedControls) Resume() error { return c.do(audit.ActionResume, c.task.Resume) }
func (c auditedControls) Cancel() error { return c.do(audit.ActionCancel, c.task.Cancel) }

func (c auditedControls) do(action audit.Action, op func() error) error {
	err := op()
	e := audit.Event{
		Action:   action,
		TaskID:   c.task.ID(),
		Scenario: c.task.Scenario(),
		Origin:   c.task.Origin,
		Status:   string(c.task.Status()),
	}
	if err != nil {
		e.Action = audit.ActionRejected
		e.Error = err.Error()
		e.Metadata = map[string]string{"requested": string(action)}
	}
	c.launcher.Audit(e)
	return err
}
