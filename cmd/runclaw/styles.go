package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/sipeed/runclaw/pkg/models"
)

// Color palette.
var (
	colorAccent  = lipgloss.Color("#7B68EE") // medium slate blue
	colorSuccess = lipgloss.Color("#50C878") // emerald
	colorWarning = lipgloss.Color("#FFB347") // pastel orange
	colorError   = lipgloss.Color("#FF6961") // pastel red
	colorMuted   = lipgloss.Color("#808080") // gray
)

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	accentStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Bold(true)
)

// statusIcon returns a colored glyph for a command status.
func statusIcon(status models.Status) string {
	switch status {
	case models.StatusCompleted:
		return successStyle.Render("✓")
	case models.StatusFailed, models.StatusTimeout:
		return errorStyle.Render("✗")
	case models.StatusCancelled:
		return warnStyle.Render("!")
	case models.StatusRunning:
		return accentStyle.Render("▶")
	case models.StatusPending:
		return warnStyle.Render("?")
	default:
		return mutedStyle.Render("•")
	}
}
