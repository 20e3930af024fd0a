package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fifth-community/authgate/internal/account"
	"github.com/fifth-community/authgate/internal/store"
)

// App wraps the Bubble Tea program
type App struct {
	program *tea.Program
}

// NewApp creates a new UI application. Messages sent before Run wait for
// the program to start.
func NewApp(snapshot func() account.Snapshot, onQuit func(), opts ...tea.ProgramOption) *App {
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	return &App{program: tea.NewProgram(NewModel(snapshot, onQuit), opts...)}
}

// Run starts the UI and blocks until it exits
func (a *App) Run() error {
	if _, err := a.program.Run(); err != nil {
		return fmt.Errorf("UI error: %w", err)
	}

	return nil
}

// Send sends a message to the UI
func (a *App) Send(msg tea.Msg) {
	a.program.Send(msg)
}

// Quit quits the UI
func (a *App) Quit() {
	a.program.Quit()
}

// StateChanged implements store.Observer, refreshing the header
func (a *App) StateChanged(c store.Change) {
	a.Send(StateChangedMsg(c))
}

// MonitorHandler forwards session checks to the UI
func (a *App) MonitorHandler(ev account.MonitorEvent) {
	a.Send(MonitorMsg(ev))
}
