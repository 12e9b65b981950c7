package tui

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/relay-dev/relay/internal/tunnel"
)

const (
	maxTrafficEntries = 100
	minSplitWidth     = 100
	leftPanelPct      = 35
)

type focusedPanel int

const (
	panelLeft focusedPanel = iota
	panelRight
)

// Model is the root Bubble Tea model for the relay client TUI.
type Model struct {
	client    *tunnel.Client
	port      int
	status    tunnel.Status
	url       string
	lastError string
	fatalErr  error

	traffic   []string
	spinner   spinner.Model
	trafficVP viewport.Model // right panel: scrollable traffic log
	ready     bool
	quitting  bool
	interrupt bool
	width     int
	height    int

	// Split-pane state
	focus     focusedPanel
	showSplit bool
}

// NewModel creates a TUI model for one tunnel client forwarding to port.
func NewModel(client *tunnel.Client, port int) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	return Model{
		client:  client,
		port:    port,
		status:  tunnel.StatusConnecting,
		traffic: make([]string, 0, maxTrafficEntries),
		spinner: s,
		focus:   panelRight, // default focus on traffic
	}
}

// Interrupted reports whether the user quit with ctrl+c.
func (m Model) Interrupted() bool {
	return m.interrupt
}

// FatalErr returns the error that forced the TUI to quit, if any.
func (m Model) FatalErr() error {
	return m.fatalErr
}

// renderFooter builds the footer string.
func (m Model) renderFooter() string {
	if m.showSplit {
		hint := "  q quit | b open browser | tab switch panel"
		if m.focus == panelRight && m.ready && len(m.traffic) > 0 {
			pct := m.trafficVP.ScrollPercent()
			hint += fmt.Sprintf(" | ↑↓ scroll | %3.0f%%", pct*100)
		}
		return dimStyle.Render(hint)
	}
	return dimStyle.Render("  q quit | b open browser")
}

// syncLayout recalculates viewport dimensions based on terminal size.
func (m *Model) syncLayout() {
	if m.width == 0 || m.height == 0 {
		return
	}

	m.showSplit = m.width >= minSplitWidth

	if !m.showSplit {
		// Narrow mode: no viewport needed, just the status card
		return
	}

	// Split mode: left panel (tunnel info) + right panel (traffic viewport)
	const footerLines = 1
	borderV := 2 // top + bottom border
	borderH := 2 // left + right border

	leftWidth := m.width * leftPanelPct / 100
	rightWidth := m.width - leftWidth

	bodyHeight := m.height - footerLines

	vpWidth := rightWidth - borderH
	vpHeight := bodyHeight - borderV
	if vpWidth < 1 {
		vpWidth = 1
	}
	if vpHeight < 1 {
		vpHeight = 1
	}

	if !m.ready {
		m.trafficVP = viewport.New(
			viewport.WithWidth(vpWidth),
			viewport.WithHeight(vpHeight),
		)
		m.trafficVP.MouseWheelEnabled = true
		m.trafficVP.MouseWheelDelta = 3
		m.updateViewportContent()
		m.ready = true
	} else {
		m.trafficVP.SetWidth(vpWidth)
		m.trafficVP.SetHeight(vpHeight)
	}
}

// Init sets up the event listener and the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, listenForEvents(m.client))
}

// Update handles messages and updates model state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.interrupt = true
			m.quitting = true
			m.client.Disconnect()
			return m, tea.Quit
		case "q":
			m.quitting = true
			m.client.Disconnect()
			return m, tea.Quit
		case "b":
			if m.status == tunnel.StatusConnected && m.url != "" {
				return m, openBrowser(m.url)
			}
		case "tab":
			if m.showSplit {
				if m.focus == panelLeft {
					m.focus = panelRight
				} else {
					m.focus = panelLeft
				}
			}
		}

	case openBrowserMsg:
		// Browser launch failures are not surfaced in the UI.

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.syncLayout()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tunnelEventMsg:
		ev := msg.event

		switch ev.Type {
		case "status":
			m.status = ev.Status

		case "registered":
			if ev.Registered != nil {
				m.url = ev.Registered.PublicURL
				m.status = tunnel.StatusConnected
				m.lastError = ""
			}

		case "traffic":
			if ev.Traffic != nil {
				method := ev.Traffic.Method
				if ev.Traffic.WebSocket {
					method = "WS"
				}
				line := RenderTrafficLine(
					method,
					ev.Traffic.Path,
					ev.Traffic.Status,
					ev.Traffic.Duration,
					ev.Traffic.Timestamp,
				)
				m.traffic = append(m.traffic, line)
				if len(m.traffic) > maxTrafficEntries {
					m.traffic = m.traffic[len(m.traffic)-maxTrafficEntries:]
				}
				if m.ready {
					m.updateViewportContent()
					m.trafficVP.GotoBottom()
				}
			}

		case "error":
			if ev.Error != nil {
				m.lastError = ev.Error.Error()
				if ev.Fatal {
					m.fatalErr = ev.Error
					m.quitting = true
					return m, tea.Quit
				}
			}
		}

		cmds = append(cmds, listenForEvents(m.client))
	}

	// Forward to viewport for scroll handling (only when focused on traffic)
	if m.ready && m.showSplit && m.focus == panelRight {
		var vpCmd tea.Cmd
		m.trafficVP, vpCmd = m.trafficVP.Update(msg)
		cmds = append(cmds, vpCmd)
	}

	return m, tea.Batch(cmds...)
}

// updateViewportContent sets the viewport content from the traffic log.
func (m *Model) updateViewportContent() {
	if !m.ready {
		return
	}
	content := strings.Join(m.traffic, "\n")
	if len(m.traffic) == 0 {
		content = dimStyle.Render(" Waiting for requests...")
	}
	m.trafficVP.SetContent(content)
}

// View renders the TUI display.
func (m Model) View() tea.View {
	if m.quitting {
		return tea.NewView("")
	}

	var content string
	if !m.showSplit {
		content = m.renderNarrowView()
	} else {
		content = m.renderSplitView()
	}

	if m.height > 0 {
		content = lipgloss.PlaceVertical(m.height, lipgloss.Top, content)
	}

	v := tea.NewView(content)
	v.AltScreen = true
	v.MouseMode = tea.MouseModeCellMotion
	return v
}

// renderNarrowView renders the compact single-column view for narrow terminals.
func (m Model) renderNarrowView() string {
	card := RenderTunnelCard(m.url, m.port, string(m.status), m.lastError, m.spinner.View())
	footer := m.renderFooter()
	return lipgloss.JoinVertical(lipgloss.Left, card, "", footer)
}

// renderSplitView renders the two-panel layout for wide terminals.
func (m Model) renderSplitView() string {
	const footerLines = 1
	borderV := 2 // top + bottom border
	borderH := 2 // left + right border

	leftWidth := m.width * leftPanelPct / 100
	rightWidth := m.width - leftWidth
	bodyHeight := m.height - footerLines

	leftContent := RenderTunnelCard(m.url, m.port, string(m.status), m.lastError, m.spinner.View())

	var rightContent string
	if m.ready {
		rightContent = m.trafficVP.View()
	} else {
		rightContent = dimStyle.Render(" Initializing...")
	}

	// Choose border styles based on focus
	leftStyle := blurredBorderStyle()
	rightStyle := blurredBorderStyle()
	leftTitle := dimStyle.Render(" Tunnel ")
	rightTitle := dimStyle.Render(" Traffic ")

	if m.focus == panelLeft {
		leftStyle = focusedBorderStyle()
		leftTitle = panelTitleStyle.Render(" Tunnel ")
	} else {
		rightStyle = focusedBorderStyle()
		rightTitle = panelTitleStyle.Render(" Traffic ")
	}

	// Inner content dimensions = outer - border.
	leftInnerW := leftWidth - borderH
	leftInnerH := bodyHeight - borderV
	rightInnerW := rightWidth - borderH
	rightInnerH := bodyHeight - borderV

	if leftInnerW < 1 {
		leftInnerW = 1
	}
	if leftInnerH < 1 {
		leftInnerH = 1
	}
	if rightInnerW < 1 {
		rightInnerW = 1
	}
	if rightInnerH < 1 {
		rightInnerH = 1
	}

	leftPanel := leftStyle.
		Width(leftInnerW).
		Height(leftInnerH).
		BorderTop(true).
		BorderBottom(true).
		BorderLeft(true).
		BorderRight(true).
		Render(leftContent)

	leftPanel = injectBorderTitle(leftPanel, leftTitle)

	rightPanel := rightStyle.
		Width(rightInnerW).
		Height(rightInnerH).
		BorderTop(true).
		BorderBottom(true).
		BorderLeft(true).
		BorderRight(true).
		Render(rightContent)

	rightPanel = injectBorderTitle(rightPanel, rightTitle)

	body := lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
	footer := m.renderFooter()

	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

// injectBorderTitle replaces the beginning of the first line (after the corner)
// with a styled title string, producing a "─ Title ─────" border top.
func injectBorderTitle(rendered string, title string) string {
	lines := strings.SplitN(rendered, "\n", 2)
	if len(lines) == 0 {
		return rendered
	}

	topLine := lines[0]
	runes := []rune(topLine)
	titleRunes := []rune(title)

	if len(runes) < len(titleRunes)+2 {
		return rendered // too narrow for title
	}

	// Place title after the corner char
	copy(runes[1:], titleRunes)

	lines[0] = string(runes)
	return strings.Join(lines, "\n")
}

// ViewString returns the View content as a plain string (for testing).
func (m Model) ViewString() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	switch m.status {
	case tunnel.StatusConnected:
		b.WriteString(RenderBanner(m.url, m.port))
	default:
		b.WriteString(fmt.Sprintf("\n  %s\n", StyledTunnelStatus(string(m.status))))
	}

	for _, line := range m.traffic {
		b.WriteString(line + "\n")
	}
	return b.String()
}
