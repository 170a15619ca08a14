package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Teal-accented theme for the gateway CLI.
var (
	ColorTeal  = lipgloss.Color("#14b8a6")
	ColorWhite = lipgloss.Color("#fafaf9")
	ColorMuted = lipgloss.Color("#78716c")
	ColorGreen = lipgloss.Color("#10b981")
	ColorRed   = lipgloss.Color("#f43f5e")
	ColorGray  = lipgloss.Color("#a8a29e")
)

var sectionStyle = lipgloss.NewStyle().
	Foreground(ColorTeal).
	Bold(true)

// gatewayStyles returns charmbracelet/log styles with the teal theme.
func gatewayStyles() *log.Styles {
	styles := log.DefaultStyles()

	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().
		SetString("INFO").
		Foreground(ColorTeal).
		Bold(true)

	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().
		SetString("WARN").
		Foreground(lipgloss.Color("#eab308")).
		Bold(true)

	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR").
		Foreground(ColorRed).
		Bold(true)

	styles.Levels[log.DebugLevel] = lipgloss.NewStyle().
		SetString("DEBUG").
		Foreground(ColorMuted)

	styles.Timestamp = lipgloss.NewStyle().Foreground(ColorMuted)
	styles.Key = lipgloss.NewStyle().Foreground(ColorTeal)
	styles.Value = lipgloss.NewStyle().Foreground(ColorGray)

	return styles
}
