package utils

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

var (
	RedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc0000"))
	LightOrangeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#ff9a59"))
	OrangeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff7c28"))
	YellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc9500"))
	GreenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06cc00"))
	LightBlueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3cc5ff"))
	GrayStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#adadad"))

	// KernelStateStyles colours kernel lifecycle state names in log output.
	KernelStateStyles = map[string]lipgloss.Style{
		"idle":       GrayStyle,
		"starting":   LightBlueStyle,
		"connecting": YellowStyle,
		"running":    GreenStyle,
		"error":      RedStyle,
		"closed":     LightOrangeStyle,
	}
)

// RenderState renders the given kernel state name with its style, if it has one.
func RenderState(state string) string {
	if style, ok := KernelStateStyles[state]; ok {
		return style.Render(state)
	}

	return state
}
