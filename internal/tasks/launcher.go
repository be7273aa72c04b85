// Package tasks launches scenario runs on the orchestrator and records how
// they ended. It is shared by the run command, the daemon and the HTTP API.
package tasks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/marcus/sentinel/internal/audit"
	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/reporting"
	"github.com/marcus/sentinel/internal/scenarios"
	"github.com/marcus/sentinel/internal/state"
)

// Recorder stores finished runs.
type Recorder interface {
	RecordRun(rec state.RunRecord) error
}

// Auditor receives the audit trail of launches and control actions.
type Auditor interface {
	Record(e audit.Event) error
}

// Request describes one launch. Zero fields fall back to the launcher's
// defaults.
type Request struct {
	Scenario  string
	Origin    string
	Seed      uint64
	TimeScale float64
	// RequestID ties the launch to the request that asked for it.
	RequestID string
}

// Task is a launched scenario run.
type Task struct {
	*orchestrator.Controller
	Seed   uint64
	Origin string

	reportPath string
	recordErr  error
	recorded   chan struct{}

	// A finish audit raised before the launch audit was written waits in
	// heldFinish so the trail always reads launch then finish.
	auditMu    sync.Mutex
	launched   bool
	heldFinish *audit.Event
}

// Wait blocks until the task has finished and its outcome has been
// recorded, or ctx ends.
func (t *Task) Wait(ctx context.Context) (orchestrator.Snapshot, error) {
	select {
	case <-t.recorded:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// ReportPath returns where the result was saved. Empty until Wait returns,
// and when no report was written.
func (t *Task) ReportPath() string {
	select {
	case <-t.recorded:
		return t.reportPath
	default:
		return ""
	}
}

// RecordErr returns the error from storing the run, if any.
func (t *Task) RecordErr() error {
	select {
	case <-t.recorded:
		return t.recordErr
	default:
		return nil
	}
}

// Launcher builds plans from the scenario registry and starts them.
type Launcher struct {
	registry *scenarios.Registry
	manager  *orchestrator.Manager
	recorder Recorder
	auditor  Auditor
	defaults scenarios.Options
	reports  string
	format   reporting.Format
	logger   *logging.Logger
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithRecorder stores every finished run.
func WithRecorder(r Recorder) LauncherOption {
	return func(l *Launcher) {
		l.recorder = r
	}
}

// WithAuditor records launches and finishes in a.
func WithAuditor(a Auditor) LauncherOption {
	return func(l *Launcher) {
		l.auditor = a
	}
}

// WithDefaults sets the options used when a request leaves them zero.
func WithDefaults(opts scenarios.Options) LauncherOption {
	return func(l *Launcher) {
		l.defaults = opts
	}
}

// WithReports saves the result of every completed run to dir in format.
func WithReports(dir string, format reporting.Format) LauncherOption {
	return func(l *Launcher) {
		l.reports = dir
		l.format = format
	}
}

// WithLogger sets the launcher's logger.
func WithLogger(lg *logging.Logger) LauncherOption {
	return func(l *Launcher) {
		l.logger = lg
	}
}

// NewLauncher creates a launcher over reg and mgr.
func NewLauncher(reg *scenarios.Registry, mgr *orchestrator.Manager, opts ...LauncherOption) *Launcher {
	l := &Launcher{registry: reg, manager: mgr}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.Component("tasks")
	}
	return l
}

// Registry returns the scenario registry.
func (l *Launcher) Registry() *scenarios.Registry {
	return l.registry
}

// Manager returns the orchestrator manager.
func (l *Launcher) Manager() *orchestrator.Manager {
	return l.manager
}

// Launch starts the scenario named in req.
func (l *Launcher) Launch(req Request) (*Task, error) {
	sc, err := l.registry.Get(req.Scenario)
	if err != nil {
		return nil, err
	}

	opts := l.defaults
	if req.Seed != 0 {
		opts.Seed = req.Seed
	}
	if req.TimeScale > 0 {
		opts.TimeScale = req.TimeScale
	}
	plan := sc.Plan(opts)

	t := &Task{
		Seed:     plan.Seed,
		Origin:   req.Origin,
		recorded: make(chan struct{}),
	}
	if t.Origin == "" {
		t.Origin = state.OriginManual
	}
	plan.OnFinish = func(s orchestrator.Snapshot) { l.finish(t, s) }

	c, err := l.manager.Launch(plan)
	if err != nil {
		return nil, err
	}
	t.Controller = c

	l.Audit(audit.Event{
		Action:    audit.ActionLaunch,
		TaskID:    c.ID(),
		Scenario:  sc.Name,
		Origin:    t.Origin,
		RequestID: req.RequestID,
		Metadata:  map[string]string{"seed": strconv.FormatUint(plan.Seed, 10)},
	})
	t.auditMu.Lock()
	t.launched = true
	held := t.heldFinish
	t.heldFinish = nil
	t.auditMu.Unlock()
	if held != nil {
		l.Audit(*held)
	}
	l.logger.InfoCtx("task launched", map[string]any{
		"task":     c.ID(),
		"scenario": sc.Name,
		"origin":   t.Origin,
		"seed":     plan.Seed,
	})
	return t, nil
}

// Run launches req and waits for it to finish.
func (l *Launcher) Run(ctx context.Context, req Request) (orchestrator.Snapshot, error) {
	t, err := l.Launch(req)
	if err != nil {
		return orchestrator.Snapshot{}, err
	}
	snap, err := t.Wait(ctx)
	if err != nil {
		_ = t.Cancel()
		return snap, err
	}
	if snap.Err != nil {
		return snap, snap.Err
	}
	return snap, t.RecordErr()
}

func (l *Launcher) finish(t *Task, s orchestrator.Snapshot) {
	defer close(t.recorded)
	logger := l.logger.WithTask(s.TaskID, s.Scenario)

	if s.Result != nil && l.reports != "" {
		path, err := reporting.Save(s.Result, l.reports, l.format)
		if err != nil {
			logger.Errorf("save report: %v", err)
		} else {
			t.reportPath = path
		}
	}

	if l.recorder != nil {
		if err := l.recorder.RecordRun(state.RecordFromSnapshot(s, t.Seed, t.Origin)); err != nil {
			t.recordErr = fmt.Errorf("record run: %w", err)
			logger.Errorf("record run: %v", err)
		}
	}

	finished := audit.Event{
		Action:   audit.ActionFinish,
		TaskID:   s.TaskID,
		Scenario: s.Scenario,
		Origin:   t.Origin,
		Status:   string(s.Status),
	}
	if s.Err != nil {
		finished.Error = s.Err.Error()
	}
	t.auditMu.Lock()
	if !t.launched {
		t.heldFinish = &finished
		t.auditMu.Unlock()
	} else {
		t.auditMu.Unlock()
		l.Audit(finished)
	}

	logger.InfoCtx("task finished", map[string]any{
		"status": string(s.Status),
		"events": s.EventCount,
		"alerts": len(s.Alerts),
		"report": t.reportPath,
	})
}

// Audit records e when an auditor is configured. Failures are only logged.
func (l *Launcher) Audit(e audit.Event) {
	if l.auditor == nil {
		return
	}
	if err := l.auditor.Record(e); err != nil {
		l.logger.Errorf("audit %s %s: %v", e.Action, e.TaskID, err)
	}
}
