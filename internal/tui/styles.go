package tui

import "github.com/charmbracelet/lipgloss"

// Colors used throughout the TUI.
var (
	colorRed     = lipgloss.Color("#FF5F5F")
	colorGreen   = lipgloss.Color("#5FD75F")
	colorYellow  = lipgloss.Color("#FFD75F")
	colorCyan    = lipgloss.Color("#5FD7FF")
	colorGray    = lipgloss.Color("#808080")
	colorDimGray = lipgloss.Color("#4E4E4E")
	colorMagenta = lipgloss.Color("#D787FF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	recordingStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	idleStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	doneStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	activeStyle = lipgloss.NewStyle().
			Foreground(colorMagenta).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	errorTextStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	noticeStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Italic(true)

	scoreStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	dividerStyle = lipgloss.NewStyle().
			Foreground(colorDimGray)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	footerDescStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	levelGreenStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	levelYellowStyle = lipgloss.NewStyle().
				Foreground(colorYellow)

	levelRedStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	levelEmptyStyle = lipgloss.NewStyle().
			Foreground(colorDimGray)
)
