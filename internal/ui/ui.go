// Package ui provides a terminal UI for watching a sentinel task.
// Uses Bubbletea to render controller snapshots: status and progress,
// phases, the live feed and the alert buffer.
package ui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/orchestrator"
)

// Pane identifies one of the four dashboard panes.
type Pane int

const (
	PaneOverview Pane = iota
	PanePhases
	PaneFeed
	PaneAlerts
	paneCount
)

// narrowWidth is the width below which panes stack in one column.
const narrowWidth = 80

// alertFlashTicks is how long a newly promoted alert is highlighted.
const alertFlashTicks = 8

var spinnerFrames = []string{"◐", "◓", "◑", "◒"}

// Controls is the subset of a controller the TUI drives.
type Controls interface {
	Pause() error
	Resume() error
	Cancel() error
}

// SnapshotMsg delivers a new controller snapshot to the model.
type SnapshotMsg orchestrator.Snapshot

type tickMsg time.Time

// Model holds the TUI state.
type Model struct {
	width, height int
	focus         Pane
	scroll        [paneCount]int
	quitting      bool

	ctrl   Controls
	snap   orchestrator.Snapshot
	title  string
	notice string

	frame       int
	newestAlert string
	flash       int

	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	Focused lipgloss.Style
	Blurred lipgloss.Style

	Heading lipgloss.Style
	Key     lipgloss.Style
	Text    lipgloss.Style
	Dim     lipgloss.Style
	Badge   lipgloss.Style

	status   map[orchestrator.Status]lipgloss.Style
	severity map[feed.Severity]lipgloss.Style
}

// NewStyles creates the default style set.
func NewStyles() *Styles {
	var (
		dim    = lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"}
		accent = lipgloss.AdaptiveColor{Light: "#0550ae", Dark: "#79c0ff"}
		ok     = lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#56d364"}
		warn   = lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#e3b341"}
		high   = lipgloss.AdaptiveColor{Light: "#bc4c00", Dark: "#ffa657"}
		danger = lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#ff7b72"}
	)
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	pane := lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)

	return &Styles{
		Focused: pane.BorderForeground(accent),
		Blurred: pane.BorderForeground(dim),

		Heading: fg(accent).Bold(true),
		Key:     fg(accent).Bold(true),
		Text:    lipgloss.NewStyle(),
		Dim:     fg(dim),
		Badge:   lipgloss.NewStyle().Bold(true).Padding(0, 1).Background(danger).Foreground(lipgloss.Color("#ffffff")),

		status: map[orchestrator.Status]lipgloss.Style{
			orchestrator.StatusIdle:      fg(dim),
			orchestrator.StatusRunning:   fg(accent).Bold(true),
			orchestrator.StatusPaused:    fg(warn).Bold(true),
			orchestrator.StatusCompleted: fg(ok).Bold(true),
			orchestrator.StatusCancelled: fg(warn),
			orchestrator.StatusFailed:    fg(danger).Bold(true),
		},
		severity: map[feed.Severity]lipgloss.Style{
			feed.SeverityInfo:     fg(accent),
			feed.SeverityMedium:   fg(warn),
			feed.SeverityHigh:     fg(high).Bold(true),
			feed.SeverityCritical: fg(danger).Bold(true),
		},
	}
}

// Severity returns the style for sev. Unknown severities use the info style.
func (s *Styles) Severity(sev feed.Severity) lipgloss.Style {
	if st, ok := s.severity[sev]; ok {
		return st
	}
	return s.severity[feed.SeverityInfo]
}

// Status returns the style for a task status.
func (s *Styles) Status(st orchestrator.Status) lipgloss.Style {
	if style, ok := s.status[st]; ok {
		return style
	}
	return s.Text
}

// binding is one entry of the key map. enabled nil means always active.
type binding struct {
	keys    []string
	help    func(m Model) string
	enabled func(m Model) bool
	action  func(m Model) (Model, tea.Cmd)
}

func label(s string) func(Model) string { return func(Model) string { return s } }

func controllable(m Model) bool { return !m.snap.Status.Terminal() }

var keyMap = []binding{
	{
		keys: []string{"p", " "},
		help: func(m Model) string {
			if m.snap.Status == orchestrator.StatusPaused {
				return "resume"
			}
			return "pause"
		},
		enabled: controllable,
		action:  togglePause,
	},
	{keys: []string{"c"}, help: label("cancel"), enabled: controllable, action: cancelTask},
	{keys: []string{"tab", "right", "l"}, help: label("next pane"), action: func(m Model) (Model, tea.Cmd) {
		m.focus = (m.focus + 1) % paneCount
		return m, nil
	}},
	{keys: []string{"shift+tab", "left", "h"}, action: func(m Model) (Model, tea.Cmd) {
		m.focus = (m.focus + paneCount - 1) % paneCount
		return m, nil
	}},
	{keys: []string{"down", "j"}, help: label("scroll"), action: func(m Model) (Model, tea.Cmd) { return m.scrollBy(1), nil }},
	{keys: []string{"up", "k"}, action: func(m Model) (Model, tea.Cmd) { return m.scrollBy(-1), nil }},
	{keys: []string{"q", "ctrl+c"}, help: label("quit"), action: func(m Model) (Model, tea.Cmd) {
		m.quitting = true
		return m, tea.Quit
	}},
}

func togglePause(m Model) (Model, tea.Cmd) {
	var err error
	if m.snap.Status == orchestrator.StatusPaused {
		err = m.ctrl.Resume()
	} else {
		err = m.ctrl.Pause()
	}
	if err != nil {
		m.notice = err.Error()
	}
	return m, nil
}

func cancelTask(m Model) (Model, tea.Cmd) {
	if err := m.ctrl.Cancel(); err != nil {
		m.notice = err.Error()
	}
	return m, nil
}

// New creates a model driving ctrl, starting from snap.
func New(ctrl Controls, snap orchestrator.Snapshot, title string) Model {
	if title == "" {
		title = snap.Scenario
	}
	m := Model{
		width:  100,
		height: 30,
		ctrl:   ctrl,
		snap:   snap,
		title:  title,
		styles: NewStyles(),
	}
	if len(snap.Alerts) > 0 {
		m.newestAlert = snap.Alerts[0].ID
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg.String())

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case SnapshotMsg:
		// listeners may deliver out of order across goroutines
		if msg.Version >= m.snap.Version {
			m = m.apply(orchestrator.Snapshot(msg))
		}

	case tickMsg:
		m.frame++
		if m.flash > 0 {
			m.flash--
		}
		return m, tick()
	}
	return m, nil
}

func (m Model) apply(s orchestrator.Snapshot) Model {
	m.snap = s
	if len(s.Alerts) > 0 && s.Alerts[0].ID != m.newestAlert {
		m.newestAlert = s.Alerts[0].ID
		m.flash = alertFlashTicks
	}
	for p := PaneFeed; p <= PaneAlerts; p++ {
		m.scroll[p] = min(m.scroll[p], max(0, len(m.paneEvents(p))-1))
	}
	return m
}

func (m Model) handleKey(k string) (tea.Model, tea.Cmd) {
	for _, b := range keyMap {
		if !slices.Contains(b.keys, k) {
			continue
		}
		if b.enabled != nil && !b.enabled(m) {
			m.notice = fmt.Sprintf("task is %s", m.snap.Status)
			return m, nil
		}
		m.notice = ""
		return b.action(m)
	}
	return m, nil
}

func (m Model) scrollBy(delta int) Model {
	events := m.paneEvents(m.focus)
	if events == nil {
		return m
	}
	m.scroll[m.focus] = min(max(0, m.scroll[m.focus]+delta), max(0, len(events)-1))
	return m
}

func (m Model) paneEvents(p Pane) []feed.Event {
	switch p {
	case PaneFeed:
		return m.snap.Events
	case PaneAlerts:
		return m.snap.Alerts
	}
	return nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.width < narrowWidth {
		w := m.width - 2
		h := max(4, (m.height-2)/4)
		return lipgloss.JoinVertical(lipgloss.Left,
			m.pane(PaneOverview, w, h),
			m.pane(PanePhases, w, h),
			m.pane(PaneFeed, w, h),
			m.pane(PaneAlerts, w, h),
			m.helpBar(),
		)
	}

	top := m.height / 2
	bottom := m.height - top - 1
	left := m.width / 2
	right := m.width - left
	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, m.pane(PaneOverview, left, top), m.pane(PanePhases, right, top)),
		lipgloss.JoinHorizontal(lipgloss.Top, m.pane(PaneFeed, left, bottom), m.pane(PaneAlerts, right, bottom)),
		m.helpBar(),
	)
}

// pane renders p inside a border occupying width x height cells.
func (m Model) pane(p Pane, width, height int) string {
	inner := max(10, width-4)
	rows := max(1, height-2)

	var body string
	switch p {
	case PaneOverview:
		body = m.overview(inner)
	case PanePhases:
		body = m.phaseList()
	case PaneFeed:
		body = m.eventList("Live Feed", p, inner, rows)
	case PaneAlerts:
		body = m.eventList("Alerts", p, inner, rows)
	}

	frame := m.styles.Blurred
	if m.focus == p {
		frame = m.styles.Focused
	}
	return frame.Width(width - 2).Height(rows).Render(body)
}

func (m Model) overview(width int) string {
	s := m.snap
	st := m.styles
	field := func(name, value string) string { return st.Dim.Render(name+" ") + value }

	status := string(s.Status)
	if s.Status == orchestrator.StatusRunning {
		status = m.spinner() + " " + status
	}
	phaseName := st.Dim.Render("-")
	if s.CurrentPhase != "" {
		phaseName = fmt.Sprintf("%s (%d/%d)", s.CurrentPhase, s.CurrentPhaseIndex+1, len(s.Phases))
	}

	lines := []string{
		st.Heading.Render(m.title),
		field("task  ", shortID(s.TaskID)),
		field("status", st.Status(s.Status).Render(status)),
		field("phase ", phaseName),
		"",
		m.progressBar(s.Progress, width-8) + fmt.Sprintf(" %5.1f%%", s.Progress),
		"",
		field("elapsed", formatDuration(m.elapsed())) + "  " +
			field("events", fmt.Sprint(s.EventCount)) + "  " +
			field("alerts", fmt.Sprint(len(s.Alerts))),
	}

	switch {
	case s.Err != nil:
		lines = append(lines, st.Status(orchestrator.StatusFailed).Render(s.Err.Error()))
	case s.Result != nil:
		lines = append(lines, st.Status(orchestrator.StatusCompleted).Render(s.Result.Summary))
	}
	if m.notice != "" {
		lines = append(lines, st.Status(orchestrator.StatusPaused).Render(m.notice))
	}
	return strings.Join(lines, "\n")
}

func (m Model) elapsed() time.Duration {
	s := m.snap
	switch {
	case s.StartedAt.IsZero():
		return 0
	case !s.EndedAt.IsZero():
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

func (m Model) progressBar(pct float64, width int) string {
	width = max(width, 10)
	filled := min(max(int(float64(width)*pct/100), 0), width)
	return m.styles.Status(m.snap.Status).Render(strings.Repeat("█", filled)) +
		m.styles.Dim.Render(strings.Repeat("░", width-filled))
}

func (m Model) phaseList() string {
	lines := []string{m.styles.Heading.Render("Phases")}
	if len(m.snap.Phases) == 0 {
		return strings.Join(append(lines, m.styles.Dim.Render("no phases")), "\n")
	}
	for i, p := range m.snap.Phases {
		mark, style := m.phaseMark(i)
		lines = append(lines, fmt.Sprintf("%s %s %s", style.Render(mark), p.Name, m.styles.Dim.Render(formatDuration(p.Duration))))
	}
	return strings.Join(lines, "\n")
}

// phaseMark marks phases done, active or pending relative to the snapshot.
func (m Model) phaseMark(i int) (string, lipgloss.Style) {
	s := m.snap
	switch {
	case s.Status == orchestrator.StatusCompleted || i < s.CurrentPhaseIndex:
		return "✓", m.styles.Status(orchestrator.StatusCompleted)
	case i != s.CurrentPhaseIndex:
		return "·", m.styles.Dim
	case s.Status == orchestrator.StatusRunning:
		return m.spinner(), m.styles.Status(s.Status)
	}
	return "■", m.styles.Status(s.Status)
}

func (m Model) eventList(title string, p Pane, width, rows int) string {
	events := m.paneEvents(p)
	heading := m.styles.Heading.Render(fmt.Sprintf("%s (%d)", title, len(events)))
	if p == PaneAlerts && m.flash > 0 {
		heading += " " + m.styles.Badge.Render("NEW")
	}
	lines := []string{heading}
	if len(events) == 0 {
		return strings.Join(append(lines, m.styles.Dim.Render("nothing yet")), "\n")
	}

	start := min(m.scroll[p], len(events)-1)
	end := min(len(events), start+max(1, rows-1))
	for _, ev := range events[start:end] {
		sev := fmt.Sprintf("%-8s", strings.ToUpper(string(ev.Severity)))
		lines = append(lines, fmt.Sprintf("%s %s %s",
			m.styles.Dim.Render(ev.Timestamp.Format("15:04:05")),
			m.styles.Severity(ev.Severity).Render(sev),
			truncate(ev.Message, width-18),
		))
	}
	return strings.Join(lines, "\n")
}

func (m Model) spinner() string {
	return spinnerFrames[m.frame%len(spinnerFrames)]
}

func (m Model) helpBar() string {
	var parts []string
	for _, b := range keyMap {
		if b.help == nil {
			continue
		}
		desc := m.styles.Dim
		if b.enabled != nil && !b.enabled(m) {
			desc = desc.Strikethrough(true)
		}
		parts = append(parts, m.styles.Key.Render(helpKey(b.keys))+" "+desc.Render(b.help(m)))
	}
	return " " + strings.Join(parts, "   ")
}

func helpKey(keys []string) string {
	if keys[0] == "down" {
		return "j/k"
	}
	return keys[0]
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Snapshot returns the snapshot the model is rendering.
func (m Model) Snapshot() orchestrator.Snapshot {
	return m.snap
}

// Watch runs the TUI for c until the user quits. Snapshots are pushed to
// the program from c's listeners. Key presses go to ctrl, or to c itself
// when ctrl is nil.
func Watch(c *orchestrator.Controller, ctrl Controls, title string, opts ...tea.ProgramOption) (orchestrator.Snapshot, error) {
	if ctrl == nil {
		ctrl = c
	}
	p := tea.NewProgram(New(ctrl, c.Snapshot(), title), append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)...)

	unsubscribe := c.OnStateChange(func(s orchestrator.Snapshot) {
		p.Send(SnapshotMsg(s))
	})
	defer unsubscribe()

	// catch changes that landed before the listener was attached; Send
	// blocks until the program is running
	go p.Send(SnapshotMsg(c.Snapshot()))

	final, err := p.Run()
	if err != nil {
		return c.Snapshot(), err
	}
	if fm, ok := final.(Model); ok {
		return fm.snap, nil
	}
	return c.Snapshot(), nil
}
