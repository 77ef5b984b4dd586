package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorUpcoming = lipgloss.Color("33")  // blue
	colorActive   = lipgloss.Color("46")  // green
	colorExpired  = lipgloss.Color("240") // gray

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			PaddingLeft(1).
			PaddingRight(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginTop(1)

	watchStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("cyan"))

	claimedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func statusIcon(status string) string {
	switch status {
	case "upcoming":
		return "◌"
	case "active":
		return "●"
	case "expired":
		return "○"
	default:
		return "?"
	}
}

func statusColor(status string) lipgloss.Color {
	switch status {
	case "upcoming":
		return colorUpcoming
	case "active":
		return colorActive
	case "expired":
		return colorExpired
	default:
		return lipgloss.Color("252")
	}
}
