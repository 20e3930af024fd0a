package ui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	primaryColor   = lipgloss.Color("205")
	successColor   = lipgloss.Color("42")
	errorColor     = lipgloss.Color("196")
	warningColor   = lipgloss.Color("214")
	mutedColor     = lipgloss.Color("240")
	highlightColor = lipgloss.Color("86")

	// Title style
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(primaryColor).
			Padding(0, 2)

	SuccessStyle = lipgloss.NewStyle().Foreground(successColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)

	// Account header: a bordered bar whose border follows the login state
	HeaderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(successColor).
			Padding(0, 1)
	LoggedOutHeaderStyle = HeaderStyle.
				BorderForeground(mutedColor)

	// Header segments
	OnlineDotStyle   = lipgloss.NewStyle().Foreground(successColor).SetString("●")
	OfflineDotStyle  = lipgloss.NewStyle().Foreground(mutedColor).SetString("○")
	AccountNameStyle = lipgloss.NewStyle().Foreground(highlightColor).Bold(true)
	AccountMetaStyle = lipgloss.NewStyle().Foreground(mutedColor).PaddingLeft(2)
	VariantTagStyle  = lipgloss.NewStyle().Foreground(primaryColor).PaddingLeft(2)

	// Token lifetime, switching to the warning style in the last minute
	ExpiryStyle        = lipgloss.NewStyle().Foreground(mutedColor).PaddingLeft(2)
	ExpiryWarningStyle = ExpiryStyle.Foreground(warningColor).Bold(true)

	// Why the header was redrawn
	ChangeReasonStyle = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	// Shown once local state is gone and a new login is needed
	LoginRequiredStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	// Footer style
	FooterStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)
