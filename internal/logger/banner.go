package logger

import (
	"github.com/pterm/pterm"

	"github.com/ralphm/mimir/internal/buildinfo"
)

// PrintBanner renders a short startup banner for a daemon, matching
// the teacher's own printStartupBanner convention but through pterm
// instead of hand-rolled ANSI escape codes.
func PrintBanner(daemon string, verbosity int) {
	pterm.DefaultBigText.WithLetters(
		pterm.NewLettersFromStringWithStyle("mimir", pterm.NewStyle(pterm.FgCyan)),
	).Render()

	info := buildinfo.Get()
	pterm.DefaultBox.WithTitle(daemon).WithTitleTopCenter().Println(
		pterm.Sprintf("version   %s (%s)\nverbosity %s", info.Version, info.Short(), levelName(verbosity)),
	)
}

func levelName(verbosity int) string {
	switch {
	case verbosity <= VerbosityUser:
		return "user"
	case verbosity == VerbosityInfo:
		return "info (-v)"
	default:
		return "debug (-vv)"
	}
}
