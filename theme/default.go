package theme

import (
	"github.com/pterm/pterm"
)

// Theme defines the colour scheme and styling for the application
type Theme struct {
	// Log level colours
	Debug *pterm.Style
	Info  *pterm.Style
	Warn  *pterm.Style
	Error *pterm.Style
	Fatal *pterm.Style

	// Component colours
	Success   *pterm.Style
	Highlight *pterm.Style
	Muted     *pterm.Style
	Accent    *pterm.Style

	// Forwarding colours
	Provider pterm.Color
	Endpoint pterm.Color
	Vendor   pterm.Color
	Numbers  pterm.Color

	// Breaker state colours
	BreakerClosed   pterm.Color
	BreakerOpen     pterm.Color
	BreakerHalfOpen pterm.Color
}

// Default returns the default application theme
func Default() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgGreen),
		Warn:  pterm.NewStyle(pterm.FgYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgRed, pterm.Bold),
		Fatal: pterm.NewStyle(pterm.FgWhite, pterm.BgRed, pterm.Bold),

		Success:   pterm.NewStyle(pterm.FgGreen, pterm.Bold),
		Highlight: pterm.NewStyle(pterm.FgCyan, pterm.Bold),
		Muted:     pterm.NewStyle(pterm.FgGray),
		Accent:    pterm.NewStyle(pterm.FgMagenta),

		Provider: pterm.FgCyan,
		Endpoint: pterm.FgBlue,
		Vendor:   pterm.FgMagenta,
		Numbers:  pterm.FgLightWhite,

		BreakerClosed:   pterm.FgGreen,
		BreakerOpen:     pterm.FgRed,
		BreakerHalfOpen: pterm.FgYellow,
	}
}

// Dark returns a dark theme variant with muted level colours
func Dark() *Theme {
	t := Default()
	t.Info = pterm.NewStyle(pterm.FgLightGreen)
	t.Muted = pterm.NewStyle(pterm.FgDarkGray)
	t.Endpoint = pterm.FgLightBlue
	return t
}

// GetTheme resolves a theme by name, falling back to the default
func GetTheme(name string) *Theme {
	switch name {
	case "dark":
		return Dark()
	default:
		return Default()
	}
}
