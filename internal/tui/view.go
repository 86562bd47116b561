package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/marcin-skalski/pr-watcher/internal/metrics"
)

const maxTitleWidth = 60

func (m Model) renderList() string {
	snap := m.snapshot
	var b strings.Builder

	b.WriteString(renderHeader(snap))
	b.WriteString("\n")

	if snap.SSO != nil {
		b.WriteString(renderSSOBanner(snap.SSO))
		b.WriteString("\n")
	} else if snap.LastError != "" {
		b.WriteString(errorStyle.Render("⚠ " + snap.LastError))
		b.WriteString("\n")
	}

	b.WriteString(renderTree(snap, m.cursor, snap.Timestamp))
	b.WriteString(m.renderFooter())
	return b.String()
}

func renderHeader(snap Snapshot) string {
	visible := 0
	for _, r := range snap.Repos {
		if r.Selected {
			visible++
		}
	}
	header := fmt.Sprintf("pr-watcher │ %d/%d repos │ %d PRs", visible, len(snap.Repos), len(visiblePRs(snap)))
	if snap.Phase == PhaseLoading {
		header += " │ loading…"
	} else if snap.InFlight > 0 {
		header += fmt.Sprintf(" │ fetching %d", snap.InFlight)
	}
	return headerStyle.Render(header)
}

func renderSSOBanner(sso *SSOState) string {
	var b strings.Builder
	b.WriteString(errorStyle.Render(fmt.Sprintf("Token not authorized for the %q organization (SAML SSO)", sso.Owner)))
	for i, step := range sso.Steps {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, step))
	}
	return bannerStyle.Render(b.String())
}

func renderTree(snap Snapshot, cursor int, now time.Time) string {
	var b strings.Builder
	idx := 0
	shown := 0

	for _, repo := range snap.Repos {
		if !repo.Selected {
			continue
		}
		shown++

		b.WriteString("\n")
		b.WriteString(repoHeaderStyle(repo.Color).Render(repo.Name))
		b.WriteString(dimStyle.Render(fmt.Sprintf(" %s [%d PRs │ %s]", repo.FullName, len(repo.PRs), lastUpdate(repo, now))))
		b.WriteString("\n")

		if len(repo.PRs) == 0 {
			b.WriteString(emptyStyle.Render("   (no open PRs)"))
			b.WriteString("\n")
			continue
		}

		for j, pr := range repo.PRs {
			prefix := "├─"
			if j == len(repo.PRs)-1 {
				prefix = "└─"
			}
			line := fmt.Sprintf("%s %s #%d %s", prefix, triageIcon(pr.Triage), pr.Number, truncate(pr.Title))
			style := prStyle
			if idx == cursor {
				style = selectedStyle
			}
			b.WriteString(style.Render(line))
			b.WriteString("\n")
			b.WriteString(renderPRDetails(pr, now))
			b.WriteString("\n")
			idx++
		}
	}

	if shown == 0 {
		return emptyStyle.Render("  (no repositories selected)") + "\n"
	}
	return b.String()
}

func renderPRDetails(pr PRState, now time.Time) string {
	parts := []string{
		lipgloss.NewStyle().Foreground(triageColor(pr.Triage)).Render(string(pr.Triage)),
		"@" + pr.Author,
	}
	if len(pr.Assignees) > 0 {
		parts = append(parts, "→ "+strings.Join(pr.Assignees, ", "))
	} else {
		parts = append(parts, "unassigned")
	}
	parts = append(parts, fmt.Sprintf("💬 %d", pr.Comments))
	if pr.Approvals > 0 {
		parts = append(parts, fmt.Sprintf("✔ %d", pr.Approvals))
	}
	if !pr.UpdatedAt.IsZero() {
		parts = append(parts, "updated "+humanize.RelTime(pr.UpdatedAt, now, "ago", "from now"))
	}
	return dimStyle.Render("│     ") + strings.Join(parts, dimStyle.Render(" · "))
}

func lastUpdate(repo RepoState, now time.Time) string {
	switch {
	case repo.Fetching:
		return "fetching…"
	case repo.LastUpdate.IsZero():
		return "never updated"
	default:
		return "updated " + humanize.RelTime(repo.LastUpdate, now, "ago", "from now")
	}
}

func truncate(title string) string {
	if runewidth.StringWidth(title) > maxTitleWidth {
		return runewidth.Truncate(title, maxTitleWidth-3, "...")
	}
	return title
}

func (m Model) renderFooter() string {
	var b strings.Builder
	if m.status != "" {
		b.WriteString("\n")
		if m.statusErr {
			b.WriteString(errorStyle.Render(m.status))
		} else {
			b.WriteString(statusStyle.Render(m.status))
		}
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("Last updated: %s", m.snapshot.Timestamp.Format("15:04:05"))))
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderPicker() string {
	var b strings.Builder
	pr, _ := m.selected()
	b.WriteString(headerStyle.Render(fmt.Sprintf("Assign #%d %s", pr.Number, truncate(pr.Title))))
	b.WriteString("\n\n")

	for i, u := range m.snapshot.Users {
		mark := "[ ]"
		if hasString(pr.Assignees, u.Username) {
			mark = "[x]"
		}
		name := u.Username
		if u.Name != "" {
			name = fmt.Sprintf("%s (%s)", u.Name, u.Username)
		}
		line := fmt.Sprintf("%s %s", mark, name)
		if i == m.pick {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(prStyle.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString(footerStyle.Render("enter: toggle assignment │ esc: back"))
	return b.String()
}

func (m Model) renderFilter() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Repositories shown (none checked = all)"))
	b.WriteString("\n\n")

	for i, r := range m.snapshot.Repos {
		mark := "[ ]"
		if m.filter[r.URL] {
			mark = "[x]"
		}
		line := fmt.Sprintf("%s %s (%d)", mark, r.Name, len(r.PRs))
		if i == m.filterC {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(prStyle.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString(footerStyle.Render("space: toggle │ enter: save │ esc: cancel"))
	return b.String()
}

func (m Model) renderStatsView() string {
	var b strings.Builder
	b.WriteString(RenderStats(m.timeRange, m.stats.overview, m.stats.users, m.stats.repos))
	if m.status != "" {
		b.WriteString("\n")
		if m.statusErr {
			b.WriteString(errorStyle.Render(m.status))
		} else {
			b.WriteString(statusStyle.Render(m.status))
		}
	}
	hint := "t: time range │ r: fetch all PRs │ esc: back"
	if m.busy {
		hint = "loading… │ " + hint
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(hint))
	return b.String()
}

// RenderStats renders the three reports for a time range.
func RenderStats(r metrics.TimeRange, o *metrics.OverviewStats, users []metrics.UserStats, repos []metrics.RepoStats) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Statistics │ last %d days", r.Days())))
	b.WriteString("\n")

	if o != nil {
		b.WriteString(sectionStyle.Render("Overview"))
		b.WriteString("\n")
		rows := []struct {
			label string
			value string
		}{
			{"Total PRs", fmt.Sprint(o.Total)},
			{"Open", fmt.Sprint(o.Open)},
			{"Pending review", fmt.Sprint(o.PendingReview)},
			{"Draft", fmt.Sprint(o.Draft)},
			{"Merged", fmt.Sprint(o.Merged)},
			{"Closed unmerged", fmt.Sprint(o.Closed)},
			{"Stale (>30d open)", fmt.Sprint(o.Stale)},
			{"Avg. first review", formatLatency(o.AvgTimeToFirstReview)},
			{"Avg. time to merge", formatLatency(o.AvgTimeToMerge)},
		}
		for _, row := range rows {
			b.WriteString(statLabelStyle.Render(row.label))
			b.WriteString(statValueStyle.Render(row.value))
			b.WriteString("\n")
		}
	}

	b.WriteString(sectionStyle.Render("Team"))
	b.WriteString("\n")
	if len(users) == 0 {
		b.WriteString(emptyStyle.Render("  (no users configured)"))
		b.WriteString("\n")
	} else {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%-20s %8s %8s %9s %8s %10s", "user", "authored", "reviews", "approvals", "assigned", "oldest(d)")))
		b.WriteString("\n")
		for _, u := range users {
			b.WriteString(fmt.Sprintf("%-20s %8d %8d %9d %8d %10d\n",
				runewidth.Truncate(u.User.Username, 20, "…"), u.Authored, u.ReviewsGiven, u.ApprovalsGiven, u.Assigned, u.OldestOpenDays))
		}
	}

	b.WriteString(sectionStyle.Render("Repositories"))
	b.WriteString("\n")
	if len(repos) == 0 {
		b.WriteString(emptyStyle.Render("  (no repositories)"))
		b.WriteString("\n")
	} else {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%-30s %6s %6s %7s %7s %6s %8s", "repository", "total", "open", "closed", "merged", "draft", "pending")))
		b.WriteString("\n")
		for _, r := range repos {
			b.WriteString(fmt.Sprintf("%-30s %6d %6d %7d %7d %6d %8d\n",
				runewidth.Truncate(r.Owner+"/"+r.Name, 30, "…"), r.Total, r.Open, r.Closed, r.Merged, r.Draft, r.PendingReview))
		}
	}
	return b.String()
}

func formatLatency(d time.Duration) string {
	if d == 0 {
		return "n/a"
	}
	if d >= 24*time.Hour {
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
	return formatDuration(d)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func renderSetup() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("pr-watcher │ setup required"))
	b.WriteString("\n\n")
	b.WriteString("No GitHub token is configured.\n\n")
	b.WriteString("  • run `pr-watcher setup` to store one, or\n")
	b.WriteString("  • export GITHUB_TOKEN (or GH_TOKEN) and restart.\n\n")
	b.WriteString(dimStyle.Render("The token needs the `repo` scope; organizations with SAML SSO also need it authorized."))
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("q: quit"))
	return b.String()
}
