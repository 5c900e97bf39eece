// Package tui provides the terminal board watching the trials of an
// experiment through the monitor API.
package tui

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bouthilx/protopt/internal/experiment"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/worker"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(mutedColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			MarginTop(1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

type mode int

const (
	modeList mode = iota
	modeDetail
	modeWorker
)

// filters cycles through every status, starting with no filter.
var filters = append([]models.TrialStatus{""}, models.AllStatuses...)

// App is the main TUI application model.
type App struct {
	client   *Client
	interval time.Duration

	mode      mode
	filterIdx int
	trials    []models.Trial
	summary   *experiment.Summary
	table     table.Model
	viewport  viewport.Model
	current   *models.Trial
	decisions []models.PDREntry
	stats     *worker.Stats
	online    bool
	message   string
	width     int
	height    int
}

// New creates a board polling the monitor at addr every interval.
func New(addr string, interval time.Duration) *App {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(cyanColor)
	styles.Selected = styles.Selected.Foreground(fgColor).Background(primaryColor)
	t.SetStyles(styles)

	return &App{
		client:   NewClient(addr),
		interval: interval,
		table:    t,
		viewport: viewport.New(80, 20),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func columns(width int) []table.Column {
	params := max(width-8-16-10-20-10, 20)
	return []table.Column{
		{Title: "ID", Width: 8},
		{Title: "STATUS", Width: 16},
		{Title: "CLUSTER", Width: 10},
		{Title: "UPDATED", Width: 20},
		{Title: "PARAMS", Width: params},
	}
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchTrials(), a.checkHealth(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "esc":
			if a.mode != modeList {
				a.mode = modeList
				a.current = nil
				return a, a.fetchTrials()
			}
		case "tab":
			if a.mode == modeList {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				return a, a.fetchTrials()
			}
		case "enter":
			if a.mode == modeList && len(a.trials) > 0 {
				id := a.trials[a.table.Cursor()].ID
				a.mode = modeDetail
				return a, a.fetchDetail(id)
			}
		case "w":
			a.mode = modeWorker
			return a, a.fetchStats()
		case "r":
			return a, a.refresh()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		body := max(msg.Height-5, 3)
		a.table.SetColumns(columns(msg.Width))
		a.table.SetHeight(body)
		a.viewport.Width = msg.Width
		a.viewport.Height = body
		return a, nil

	case trialsLoadedMsg:
		a.trials = msg.trials
		a.summary = msg.summary
		a.table.SetRows(rows(a.trials))
		if a.table.Cursor() >= len(a.trials) {
			a.table.SetCursor(max(0, len(a.trials)-1))
		}
		a.message = ""
		return a, nil

	case detailLoadedMsg:
		a.current = msg.trial
		a.decisions = msg.decisions
		a.viewport.SetContent(renderDetail(msg.trial, msg.decisions))
		a.viewport.GotoTop()
		return a, nil

	case statsLoadedMsg:
		a.stats = msg.stats
		return a, nil

	case healthMsg:
		a.online = bool(msg)
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.checkHealth(), a.tickCmd())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		return a, nil
	}

	var cmd tea.Cmd
	switch a.mode {
	case modeList:
		a.table, cmd = a.table.Update(msg)
	case modeDetail:
		a.viewport, cmd = a.viewport.Update(msg)
	}
	return a, cmd
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● MONITOR")
	if !a.online {
		daemon = offlineStyle.Render("○ MONITOR")
	}
	b.WriteString(titleStyle.Render("protopt") + "  " + daemon + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	switch a.mode {
	case modeList:
		b.WriteString(labelStyle.Render(fmt.Sprintf(" Filter: [%s]", filterName(a.filterIdx))))
		b.WriteString("  " + renderSummary(a.summary) + "\n")
		if len(a.trials) == 0 {
			b.WriteString("\n  No trials found.\n")
		} else {
			b.WriteString(a.table.View())
		}
	case modeDetail:
		if a.current == nil {
			b.WriteString("\n  Loading...\n")
		} else {
			b.WriteString(a.viewport.View())
		}
	case modeWorker:
		b.WriteString(renderStats(a.stats))
	}

	b.WriteString("\n")
	if a.message != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render(a.message))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Trials: %d | ↑↓:nav | Enter:detail | Tab:filter | w:worker | r:refresh | q:quit", len(a.trials))
	case modeDetail:
		status = " ↑↓:scroll | Esc:back | r:refresh | q:quit"
	case modeWorker:
		status = " Esc:back | r:refresh | q:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))
	return b.String()
}

func filterName(idx int) string {
	if filters[idx] == "" {
		return "ALL"
	}
	return string(filters[idx])
}

func rows(trials []models.Trial) []table.Row {
	out := make([]table.Row, len(trials))
	for i, t := range trials {
		cluster := "-"
		if t.Host != nil && t.Host.Cluster != "" {
			cluster = t.Host.Cluster
		}
		out[i] = table.Row{
			shortID(t.ID),
			string(t.Status),
			cluster,
			t.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			formatParams(t.Config),
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatParams(cfg models.Config) string {
	names := cfg.ParamNames()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, cfg.Params[name]))
	}
	return strings.Join(parts, " ")
}

func statusColor(s models.TrialStatus) lipgloss.Color {
	switch s {
	case models.StatusCompleted:
		return successColor
	case models.StatusRunning:
		return primaryColor
	case models.StatusInterrupted, models.StatusTimedOut, models.StatusQueued:
		return warningColor
	default:
		return errorColor
	}
}

// renderSummary shows the non-zero status counts and the best result.
func renderSummary(s *experiment.Summary) string {
	if s == nil {
		return ""
	}
	var parts []string
	for _, st := range models.AllStatuses {
		if n := s.Counts[st]; n > 0 {
			parts = append(parts, lipgloss.NewStyle().Foreground(statusColor(st)).Render(fmt.Sprintf("%s %d", st, n)))
		}
	}
	line := strings.Join(parts, "  ")
	if s.Best != nil {
		line += labelStyle.Render(fmt.Sprintf("  best %s %.4g (%s)", s.Target, *s.Best, shortID(s.BestID)))
	}
	return line
}

func renderDetail(t *models.Trial, decisions []models.PDREntry) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label)), value)
	}

	line("ID", t.ID)
	line("Status", lipgloss.NewStyle().Foreground(statusColor(t.Status)).Render(string(t.Status)))
	if t.Host != nil {
		line("Cluster", t.Host.Cluster)
		line("Host", t.Host.Hostname)
		line("Worker", t.Host.WorkerID)
	}
	line("Created", t.CreatedAt.Local().Format(time.RFC3339))
	line("Updated", t.UpdatedAt.Local().Format(time.RFC3339))

	b.WriteString(sectionStyle.Render("  Config") + "\n")
	cfg := t.Config.Map()
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(k, fmt.Sprint(cfg[k]))
	}

	if len(t.Metrics) > 0 {
		b.WriteString(sectionStyle.Render("  Metrics") + "\n")
		metrics := models.BuildMetrics(t.Metrics)
		for _, name := range metrics.Names() {
			curve := metrics[name][models.UnitEpoch]
			steps := curve.Steps()
			if len(steps) == 0 {
				continue
			}
			last := steps[len(steps)-1]
			line(name, fmt.Sprintf("%.4g at epoch %g (%d points)", curve[last], last, len(steps)))
		}
	}

	if len(decisions) > 0 {
		b.WriteString(sectionStyle.Render("  Decisions") + "\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "  %s  %-10s %-8s %s\n",
				d.Timestamp.Local().Format("15:04:05"), d.Action, d.Outcome, d.Details)
		}
	}
	return b.String()
}

func renderStats(s *worker.Stats) string {
	if s == nil {
		return "\n  No worker attached to this monitor.\n"
	}
	var b strings.Builder
	value := lipgloss.NewStyle().Bold(true)
	row := func(label string, v any) {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), value.Render(fmt.Sprint(v)))
	}
	b.WriteString("\n")
	row("Uptime", formatDuration(time.Since(s.StartedAt)))
	row("Iterations", s.Iterations)
	row("Completed", s.Completed)
	row("Excluded", s.Excluded)
	row("Failures", s.Failures)

	resilience := lipgloss.NewStyle().Foreground(successColor)
	if s.Resilience <= 2 {
		resilience = resilience.Foreground(errorColor)
	}
	fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", "Resilience")), resilience.Render(fmt.Sprint(s.Resilience)))

	current := s.CurrentTrial
	if current == "" {
		current = "-"
	}
	row("Running", current)
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// --- Commands ---

type trialsLoadedMsg struct {
	trials  []models.Trial
	summary *experiment.Summary
}

type detailLoadedMsg struct {
	trial     *models.Trial
	decisions []models.PDREntry
}

type statsLoadedMsg struct{ stats *worker.Stats }

type healthMsg bool

type tickMsg time.Time

type errMsg struct{ err error }

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeDetail:
		if a.current != nil {
			return a.fetchDetail(a.current.ID)
		}
		return nil
	case modeWorker:
		return a.fetchStats()
	}
	return a.fetchTrials()
}

func (a *App) fetchTrials() tea.Cmd {
	status := filters[a.filterIdx]
	return func() tea.Msg {
		trials, err := a.client.ListTrials(status)
		if err != nil {
			return errMsg{err}
		}
		summary, err := a.client.Summary()
		if err != nil {
			return errMsg{err}
		}
		return trialsLoadedMsg{trials: trials, summary: summary}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		t, err := a.client.GetTrial(id)
		if err != nil {
			return errMsg{err}
		}
		decisions, err := a.client.Decisions(id)
		if err != nil {
			return errMsg{err}
		}
		return detailLoadedMsg{trial: t, decisions: decisions}
	}
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.Stats()
		if errors.Is(err, ErrNoWorker) {
			return statsLoadedMsg{nil}
		}
		if err != nil {
			return errMsg{err}
		}
		return statsLoadedMsg{stats}
	}
}

func (a *App) checkHealth() tea.Cmd {
	return func() tea.Msg {
		return healthMsg(a.client.Health())
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
