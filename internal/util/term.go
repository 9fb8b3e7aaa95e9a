package util

import (
	"os"
	"strings"

	"golang.org/x/term"
)

/*
   references:
   - https://no-color.org/
*/

// IsTerminal checks if stdout is attached to a terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColors determines if coloured output should be used
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if appColors := os.Getenv("ARBITER_FORCE_COLORS"); appColors != "" {
		return strings.ToLower(appColors) == "true"
	}

	return IsTerminal()
}
