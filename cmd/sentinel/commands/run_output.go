package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/orchestrator"
)

// runStyles holds lipgloss styles for colored run output.
type runStyles struct {
	Title    lipgloss.Style
	Phase    lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Muted    lipgloss.Style
	Warn     lipgloss.Style
	Error    lipgloss.Style
	Success  lipgloss.Style
	Accent   lipgloss.Style
	Critical lipgloss.Style
}

func newRunStyles() runStyles {
	return runStyles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Phase:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Label:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Value:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Warn:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Success:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		Accent:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Critical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("160")),
	}
}

func (s runStyles) severity(sev feed.Severity) lipgloss.Style {
	switch sev {
	case feed.SeverityCritical:
		return s.Critical
	case feed.SeverityHigh:
		return s.Warn
	case feed.SeverityMedium:
		return s.Value
	}
	return s.Muted
}

// liveRenderer prints controller events as plain lines. Events arrive from
// timer goroutines, so writes are serialized.
type liveRenderer struct {
	mu     sync.Mutex
	w      io.Writer
	styles runStyles
	quiet  bool // suppress alert lines
}

func newLiveRenderer(w io.Writer) *liveRenderer {
	return &liveRenderer{w: w, styles: newRunStyles()}
}

// HandleEvent renders one controller event.
func (r *liveRenderer) HandleEvent(e orchestrator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case orchestrator.EventTaskStart:
		fmt.Fprintf(r.w, "\n%s %s %s\n", r.styles.Accent.Render(">>>"), r.styles.Title.Render(e.Scenario),
			r.styles.Muted.Render(shortID(e.TaskID)))

	case orchestrator.EventPhaseStart:
		fmt.Fprintf(r.w, "  %s %s\n", r.styles.Phase.Render(strings.ToUpper(e.Phase)),
			r.styles.Muted.Render(fmt.Sprintf("[%d] %.0f%%", e.PhaseIndex+1, e.Progress)))

	case orchestrator.EventPhaseEnd:
		fmt.Fprintf(r.w, "  %s %s\n", r.styles.Success.Render("done"),
			r.styles.Muted.Render(fmt.Sprintf("%s (%s)", e.Phase, e.Duration.Round(time.Millisecond))))

	case orchestrator.EventAlert:
		if r.quiet || e.Alert == nil {
			return
		}
		a := e.Alert
		fmt.Fprintf(r.w, "  %s %s %s\n",
			r.styles.severity(a.Severity).Render(fmt.Sprintf("%-8s", strings.ToUpper(string(a.Severity)))),
			r.styles.Label.Render(a.Source),
			a.Message)

	case orchestrator.EventPaused:
		fmt.Fprintf(r.w, "  %s\n", r.styles.Warn.Render("PAUSED"))

	case orchestrator.EventResumed:
		fmt.Fprintf(r.w, "  %s\n", r.styles.Label.Render("RESUMED"))

	case orchestrator.EventTaskEnd:
		elapsed := r.styles.Muted.Render(fmt.Sprintf("(%s)", e.Duration.Round(time.Millisecond)))
		switch e.Status {
		case orchestrator.StatusCompleted:
			fmt.Fprintf(r.w, "  %s %s\n", r.styles.Success.Render("COMPLETED"), elapsed)
		case orchestrator.StatusFailed:
			msg := "FAILED"
			if e.Error != "" {
				msg = fmt.Sprintf("FAILED: %s", e.Error)
			}
			fmt.Fprintf(r.w, "  %s %s\n", r.styles.Error.Render(msg), elapsed)
		case orchestrator.StatusCancelled:
			fmt.Fprintf(r.w, "  %s %s\n", r.styles.Warn.Render(fmt.Sprintf("CANCELLED at %.0f%%", e.Progress)), elapsed)
		default:
			fmt.Fprintf(r.w, "  %s %s\n", r.styles.Label.Render(string(e.Status)), elapsed)
		}
	}
}

// displayRunSummary prints the final snapshot: counts, the result summary
// and its top findings.
func displayRunSummary(w io.Writer, s orchestrator.Snapshot, reportPath string) {
	styles := newRunStyles()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s\n", styles.Title.Render("Run Summary"))
	fmt.Fprintf(w, "  %s %s\n", styles.Label.Render("Task:    "), styles.Value.Render(s.TaskID))
	fmt.Fprintf(w, "  %s %s\n", styles.Label.Render("Status:  "), styles.Value.Render(string(s.Status)))
	fmt.Fprintf(w, "  %s %s\n", styles.Label.Render("Progress:"), styles.Value.Render(fmt.Sprintf("%.1f%%", s.Progress)))
	if !s.EndedAt.IsZero() {
		fmt.Fprintf(w, "  %s %s\n", styles.Label.Render("Duration:"), styles.Value.Render(s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond).String()))
	}
	fmt.Fprintf(w, "  %s %s\n", styles.Label.Render("Events:  "), styles.Value.Render(fmt.Sprintf("%d (%d alerts)", s.EventCount, len(s.Alerts))))
	if s.Err != nil {
		fmt.Fprintf(w, "  %s %s\n", styles.Label.Render("Error:   "), styles.Error.Render(s.Err.Error()))
	}

	if r := s.Result; r != nil {
		if r.Summary != "" {
			fmt.Fprintf(w, "\n  %s\n", r.Summary)
		}
		findings := r.Findings
		if len(findings) > 5 {
			findings = findings[:5]
		}
		for _, f := range findings {
			fmt.Fprintf(w, "  %s %s\n",
				styles.severity(f.Severity).Render(fmt.Sprintf("%-8s", strings.ToUpper(string(f.Severity)))),
				f.Title)
		}
		if more := len(r.Findings) - len(findings); more > 0 {
			fmt.Fprintf(w, "  %s\n", styles.Muted.Render(fmt.Sprintf("... and %d more", more)))
		}
	}
	if reportPath != "" {
		fmt.Fprintf(w, "\n  %s %s\n", styles.Label.Render("Report:"), reportPath)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
