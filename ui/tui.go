package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/franksops/gplow/engine"
)

// TUIModel implements the tea.Model interface for the destination dashboard.
type TUIModel struct {
	snapshot engine.Snapshot
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int
	now    func() time.Time

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	activeStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically with a fresh board snapshot.
type TUIUpdateMsg struct {
	Snapshot engine.Snapshot
}

func NewTUIModel(initial engine.Snapshot) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		snapshot:     initial,
		spinner:      s,
		progress:     prog,
		now:          time.Now,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		activeStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 7
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.snapshot = msg.Snapshot

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	snap := m.snapshot

	header := fmt.Sprintf("%s gplow %s", m.spinner.View(), m.titleStyle.Render("Plot Mover"))
	sb.WriteString(header + "\n")

	transfers, bytes, active := totals(snap)
	turn := snap.Turn
	if turn == "" {
		turn = "-"
	}
	info := fmt.Sprintf("Moved: %d plots, %s | Queued: %d | Destinations: %d/%d active | Turn: %s",
		transfers, humanize.IBytes(uint64(bytes)), snap.Queued, active, len(snap.Destinations), turn)
	sb.WriteString(m.infoStyle.Render(info) + "\n")
	sb.WriteString(m.infoStyle.Render("Recent turns: "+recentTurns(snap.Recent, 8)) + "\n")
	sb.WriteString(m.progress.ViewAs(movedFraction(transfers, snap)) + "\n\n")

	sb.WriteString("Destinations:\n")
	var rows strings.Builder
	if len(snap.Destinations) == 0 {
		rows.WriteString(m.infoStyle.Render("Resolving destinations..."))
	}
	for _, d := range snap.Destinations {
		rows.WriteString(m.row(d) + "\n")
	}
	m.viewport.SetContent(rows.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: stop")
	if snap.Done {
		help = m.successStyle.Render("All destinations finished!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m TUIModel) row(d engine.DestinationStatus) string {
	phase := fmt.Sprintf("%-12s", d.Phase)
	switch d.Phase {
	case engine.PhaseTransferring, engine.PhaseReclaiming:
		phase = m.activeStyle.Render(phase)
	case engine.PhaseRetired, engine.PhaseBackoff:
		phase = m.errorStyle.Render(phase)
	}

	detail := truncatePath(d.Plot, 40)
	if d.Phase == engine.PhaseRetired {
		detail = d.Reason
	}
	free := "-"
	if d.FreeBytes > 0 {
		free = humanize.IBytes(uint64(d.FreeBytes))
	}

	// Format: #1 d01  transferring  3m2s | 4 plots 350 GiB | free 1.2 TiB | plot-k32.plot
	return fmt.Sprintf("#%-2d %-8s %s %8s | %3d plots %10s | free %10s | %s",
		d.Priority, d.ID, phase, formatSince(m.now().Sub(d.Since)),
		d.Transfers, humanize.IBytes(uint64(d.Bytes)), free, detail)
}

func totals(snap engine.Snapshot) (transfers int, bytes int64, active int) {
	for _, d := range snap.Destinations {
		transfers += d.Transfers
		bytes += d.Bytes
		if d.Phase != engine.PhaseRetired && d.Phase != engine.PhaseStopped {
			active++
		}
	}
	return transfers, bytes, active
}

// movedFraction is the share of known plots that have been moved.
func movedFraction(transfers int, snap engine.Snapshot) float64 {
	inFlight := 0
	for _, d := range snap.Destinations {
		if d.Phase == engine.PhaseTransferring {
			inFlight++
		}
	}
	known := transfers + inFlight + snap.Queued
	if known == 0 {
		return 0
	}
	return float64(transfers) / float64(known)
}

// recentTurns renders the last n turn takers, most recent last.
func recentTurns(ids []string, n int) string {
	if len(ids) == 0 {
		return "-"
	}
	if len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	return strings.Join(ids, " ")
}

func truncatePath(p string, max int) string {
	if len(p) <= max {
		return p
	}
	return "..." + p[len(p)-(max-3):]
}

func formatSince(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d > 24*time.Hour:
		return "> 1d"
	}
	return d.Round(time.Second).String()
}
