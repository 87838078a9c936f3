package output

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Title   *color.Color
	Rule    *color.Color
	Label   *color.Color
	Value   *color.Color
	Dim     *color.Color
	Success *color.Color
	Warn    *color.Color
	Error   *color.Color
	Stage   *color.Color
	Latency *color.Color
}

// NewColorScheme returns the default scheme with colors forced on or off.
// The fatih/color global NoColor setting is ignored either way, so the
// decision made by ColorEnabled is the only one that applies.
func NewColorScheme(enabled bool) *ColorScheme {
	s := &ColorScheme{
		Title:   color.New(color.Bold),
		Rule:    color.New(color.FgCyan),
		Label:   color.New(color.Bold),
		Value:   color.New(color.FgCyan),
		Dim:     color.New(color.Faint),
		Success: color.New(color.FgGreen),
		Warn:    color.New(color.FgYellow),
		Error:   color.New(color.FgRed),
		Stage:   color.New(color.FgMagenta),
		Latency: color.New(color.FgBlue),
	}
	for _, c := range []*color.Color{s.Title, s.Rule, s.Label, s.Value, s.Dim, s.Success, s.Warn, s.Error, s.Stage, s.Latency} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// ColorEnabled reports whether output to w should be colored. NO_COLOR and
// an explicit noColor always win; otherwise color needs a terminal.
func ColorEnabled(w io.Writer, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if term := os.Getenv("TERM"); term == "dumb" {
		return false
	}
	return IsTerminal(w)
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Icons for pass, fail and no-data outcomes.
const (
	iconPass   = "✓"
	iconFail   = "✗"
	iconNoData = "–"
)

func (s *ColorScheme) passIcon() string   { return s.Success.Sprint(iconPass) }
func (s *ColorScheme) failIcon() string   { return s.Error.Sprint(iconFail) }
func (s *ColorScheme) noDataIcon() string { return s.Dim.Sprint(iconNoData) }
