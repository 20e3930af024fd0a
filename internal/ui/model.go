package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fifth-community/authgate/internal/account"
	"github.com/fifth-community/authgate/internal/store"
)

// Model is the live account header
type Model struct {
	snapshot func() account.Snapshot
	current  account.Snapshot

	spinner spinner.Model

	// Recent state changes and session checks
	recent    []string
	maxRecent int

	// Set once the session is gone; the user must log in again
	loginRequired bool
	lastCheck     time.Time

	quitting bool
	onQuit   func()
}

// Message types
type StateChangedMsg store.Change
type MonitorMsg account.MonitorEvent
type TickMsg time.Time

// NewModel creates a model reading state through snapshot
func NewModel(snapshot func() account.Snapshot, onQuit func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(highlightColor)

	return Model{
		snapshot:  snapshot,
		current:   snapshot(),
		spinner:   s,
		recent:    make([]string, 0, 10),
		maxRecent: 5,
		onQuit:    onQuit,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}

	case StateChangedMsg:
		change := store.Change(msg)
		m.current = m.snapshot()
		if reason := changeReason(change); reason != "" {
			m.addRecent(reason)
		}
		m.loginRequired = !m.current.Authenticated
		return m, nil

	case MonitorMsg:
		ev := account.MonitorEvent(msg)
		m.lastCheck = ev.Time
		if ev.Err != nil {
			m.addRecent("session check failed: " + ev.Err.Error())
			m.loginRequired = true
		}
		m.current = m.snapshot()
		return m, nil

	case TickMsg:
		// Token expiry countdown
		m.current = m.snapshot()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) addRecent(line string) {
	stamped := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), line)
	m.recent = append([]string{stamped}, m.recent...)
	if len(m.recent) > m.maxRecent {
		m.recent = m.recent[:m.maxRecent]
	}
}

// View renders the UI
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(TitleStyle.Render(" authgate ") + "\n\n")
	b.WriteString(RenderHeader(m.current) + "\n")

	if m.loginRequired {
		b.WriteString("\n" + LoginRequiredStyle.Render("✗ Login required: run `authgate login`") + "\n")
	} else if m.current.Authenticated {
		status := m.spinner.View() + " watching session"
		if !m.lastCheck.IsZero() {
			status += MutedStyle.Render(fmt.Sprintf(" (last check %s)", m.lastCheck.Format("15:04:05")))
		}
		b.WriteString("\n" + status + "\n")
	}

	if len(m.recent) > 0 {
		b.WriteString("\n" + MutedStyle.Render("Recent:") + "\n")
		for _, line := range m.recent {
			b.WriteString("  " + line + "\n")
		}
	}

	b.WriteString(FooterStyle.Render("Press 'q' to quit"))

	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}

// Helper commands
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
