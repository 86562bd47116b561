package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

var (
	// Triage colors
	colorDraft       = lipgloss.Color("240") // gray
	colorConflicting = lipgloss.Color("196") // red
	colorBehind      = lipgloss.Color("220") // yellow
	colorUnstable    = lipgloss.Color("208") // orange-red
	colorChanges     = lipgloss.Color("214") // orange
	colorNeedsReview = lipgloss.Color("33")  // blue
	colorBlocked     = lipgloss.Color("135") // purple
	colorReady       = lipgloss.Color("46")  // green

	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			PaddingLeft(1).
			PaddingRight(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginTop(1).
			MarginBottom(0)

	repoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("cyan"))

	prStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("252"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Background(lipgloss.Color("237"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(0, 1)

	statLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Width(22)

	statValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252"))
)

func triageIcon(t domain.Triage) string {
	switch t {
	case domain.TriageDraft:
		return "📝"
	case domain.TriageConflicting:
		return "⚠️"
	case domain.TriageBehind:
		return "⏪"
	case domain.TriageUnstable:
		return "🔨"
	case domain.TriageChanges:
		return "🔧"
	case domain.TriageNeedsReview:
		return "👀"
	case domain.TriageBlocked:
		return "📋"
	case domain.TriageApproved, domain.TriageReady:
		return "✅"
	default:
		return "❓"
	}
}

func triageColor(t domain.Triage) lipgloss.Color {
	switch t {
	case domain.TriageDraft:
		return colorDraft
	case domain.TriageConflicting:
		return colorConflicting
	case domain.TriageBehind:
		return colorBehind
	case domain.TriageUnstable:
		return colorUnstable
	case domain.TriageChanges:
		return colorChanges
	case domain.TriageNeedsReview:
		return colorNeedsReview
	case domain.TriageBlocked:
		return colorBlocked
	case domain.TriageApproved, domain.TriageReady:
		return colorReady
	default:
		return lipgloss.Color("252")
	}
}

// repoHeaderStyle uses the repository's configured color as background.
func repoHeaderStyle(color string) lipgloss.Style {
	if color == "" {
		return repoStyle
	}
	return repoStyle.
		Foreground(lipgloss.Color("231")).
		Background(lipgloss.Color(color)).
		PaddingLeft(1).
		PaddingRight(1)
}
