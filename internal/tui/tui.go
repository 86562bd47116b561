package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
	"github.com/marcin-skalski/pr-watcher/internal/metrics"
)

// Controller is what the dashboard drives. The daemon implements it.
type Controller interface {
	GetSnapshot() Snapshot
	Cycle(ctx context.Context, force bool) error
	RefreshPR(ctx context.Context, key domain.PRKey) (closed bool, err error)
	Assign(ctx context.Context, key domain.PRKey, login string) error
	Unassign(ctx context.Context, key domain.PRKey, login string) error
	RefreshStats(ctx context.Context) error
	Overview(r metrics.TimeRange) *metrics.OverviewStats
	UserStats(r metrics.TimeRange) []metrics.UserStats
	RepoStats(r metrics.TimeRange) []metrics.RepoStats
	SetRepoFilter(ctx context.Context, urls []string) error
	RepoFilter() []string
}

type viewMode int

const (
	viewModeList viewMode = iota
	viewModePicker
	viewModeStats
	viewModeFilter
)

type statsData struct {
	overview *metrics.OverviewStats
	users    []metrics.UserStats
	repos    []metrics.RepoStats
}

type Model struct {
	ctx             context.Context
	ctrl            Controller
	snapshot        Snapshot
	refreshInterval time.Duration
	keys            KeyMap
	help            help.Model

	mode    viewMode
	cursor  int // index into visiblePRs
	pick    int // index into snapshot.Users
	filterC int // index into snapshot.Repos
	filter  map[string]bool

	timeRange metrics.TimeRange
	stats     statsData
	busy      bool

	status    string
	statusErr bool
}

type tickMsg time.Time

type actionDoneMsg struct {
	text string
	err  error
}

type statsLoadedMsg struct {
	err error
}

func NewModel(ctx context.Context, ctrl Controller, refreshInterval time.Duration) Model {
	return Model{
		ctx:             ctx,
		ctrl:            ctrl,
		snapshot:        ctrl.GetSnapshot(),
		refreshInterval: refreshInterval,
		keys:            NewKeyMap(),
		help:            help.New(),
		mode:            viewModeList,
		timeRange:       metrics.Range30d,
	}
}

func (m Model) Init() tea.Cmd {
	return tickCmd(m.refreshInterval)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) && msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.mode {
		case viewModeList:
			return m.updateList(msg)
		case viewModePicker:
			return m.updatePicker(msg)
		case viewModeStats:
			return m.updateStats(msg)
		case viewModeFilter:
			return m.updateFilter(msg)
		}

	case actionDoneMsg:
		m.busy = false
		m.setStatus(msg.text, msg.err)
		m.snapshot = m.ctrl.GetSnapshot()
		return m, nil

	case statsLoadedMsg:
		m.busy = false
		m.loadStats()
		if msg.err != nil {
			m.setStatus("stats partially loaded", msg.err)
		} else {
			m.setStatus("stats refreshed", nil)
		}
		return m, nil

	case tickMsg:
		m.snapshot = m.ctrl.GetSnapshot()
		m.clampCursor()
		return m, tickCmd(m.refreshInterval)
	}

	return m, nil
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	prs := visiblePRs(m.snapshot)

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(prs)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Reload):
		if m.snapshot.Phase == PhaseSetupRequired {
			return m, nil
		}
		m.busy = true
		m.setStatus("reloading…", nil)
		return m, m.run("reloaded", func(ctx context.Context) error {
			return m.ctrl.Cycle(ctx, true)
		})
	case key.Matches(msg, m.keys.RefreshPR):
		if pr, ok := m.selected(); ok {
			m.busy = true
			return m, m.refreshPR(pr.Key)
		}
	case key.Matches(msg, m.keys.Assign):
		if _, ok := m.selected(); ok && len(m.snapshot.Users) > 0 {
			m.mode = viewModePicker
			m.pick = 0
		}
	case key.Matches(msg, m.keys.Stats):
		m.mode = viewModeStats
		m.loadStats()
	case key.Matches(msg, m.keys.Filter):
		m.mode = viewModeFilter
		m.filterC = 0
		m.filter = make(map[string]bool)
		for _, u := range m.ctrl.RepoFilter() {
			m.filter[u] = true
		}
	}
	return m, nil
}

// updatePicker toggles the chosen user on the selected PR: assigned users are
// unassigned, everyone else is assigned.
func (m Model) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Quit):
		m.mode = viewModeList
	case key.Matches(msg, m.keys.Up):
		if m.pick > 0 {
			m.pick--
		}
	case key.Matches(msg, m.keys.Down):
		if m.pick < len(m.snapshot.Users)-1 {
			m.pick++
		}
	case key.Matches(msg, m.keys.Confirm), key.Matches(msg, m.keys.Toggle):
		pr, ok := m.selected()
		if !ok || m.pick >= len(m.snapshot.Users) {
			m.mode = viewModeList
			return m, nil
		}
		login := m.snapshot.Users[m.pick].Username
		m.mode = viewModeList
		m.busy = true
		if hasString(pr.Assignees, login) {
			return m, m.run(fmt.Sprintf("unassigned %s from #%d", login, pr.Number), func(ctx context.Context) error {
				return m.ctrl.Unassign(ctx, pr.Key, login)
			})
		}
		return m, m.run(fmt.Sprintf("assigned %s to #%d", login, pr.Number), func(ctx context.Context) error {
			return m.ctrl.Assign(ctx, pr.Key, login)
		})
	}
	return m, nil
}

func (m Model) updateStats(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Stats):
		m.mode = viewModeList
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Range):
		m.timeRange = m.timeRange.Next()
		m.loadStats()
	case key.Matches(msg, m.keys.Reload):
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.setStatus("fetching all PRs for statistics…", nil)
		ctx, ctrl := m.ctx, m.ctrl
		return m, func() tea.Msg {
			return statsLoadedMsg{err: ctrl.RefreshStats(ctx)}
		}
	}
	return m, nil
}

func (m Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Quit):
		m.mode = viewModeList
	case key.Matches(msg, m.keys.Up):
		if m.filterC > 0 {
			m.filterC--
		}
	case key.Matches(msg, m.keys.Down):
		if m.filterC < len(m.snapshot.Repos)-1 {
			m.filterC++
		}
	case key.Matches(msg, m.keys.Toggle):
		if m.filterC < len(m.snapshot.Repos) {
			url := m.snapshot.Repos[m.filterC].URL
			if m.filter[url] {
				delete(m.filter, url)
			} else {
				m.filter[url] = true
			}
		}
	case key.Matches(msg, m.keys.Confirm):
		var urls []string
		for _, r := range m.snapshot.Repos {
			if m.filter[r.URL] {
				urls = append(urls, r.URL)
			}
		}
		m.mode = viewModeList
		m.cursor = 0
		return m, m.run("filter saved", func(ctx context.Context) error {
			return m.ctrl.SetRepoFilter(ctx, urls)
		})
	}
	return m, nil
}

func (m Model) run(done string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		if err := fn(ctx); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{text: done}
	}
}

func (m Model) refreshPR(k domain.PRKey) tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		closed, err := ctrl.RefreshPR(ctx, k)
		switch {
		case err != nil:
			return actionDoneMsg{err: err}
		case closed:
			return actionDoneMsg{text: fmt.Sprintf("#%d was closed and removed from the list", k.Number)}
		default:
			return actionDoneMsg{text: fmt.Sprintf("#%d refreshed", k.Number)}
		}
	}
}

func (m *Model) loadStats() {
	m.stats = statsData{
		overview: m.ctrl.Overview(m.timeRange),
		users:    m.ctrl.UserStats(m.timeRange),
		repos:    m.ctrl.RepoStats(m.timeRange),
	}
}

func (m *Model) setStatus(text string, err error) {
	m.statusErr = err != nil
	if err == nil {
		m.status = text
		return
	}
	var merr *domain.MutationError
	if errors.As(err, &merr) {
		m.status = fmt.Sprintf("%s failed, list reloaded from GitHub: %v", merr.Action, merr.Err)
		return
	}
	m.status = err.Error()
}

func (m *Model) clampCursor() {
	n := len(visiblePRs(m.snapshot))
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) selected() (PRState, bool) {
	prs := visiblePRs(m.snapshot)
	if m.cursor < 0 || m.cursor >= len(prs) {
		return PRState{}, false
	}
	return prs[m.cursor], true
}

func (m Model) View() string {
	switch {
	case m.snapshot.Phase == PhaseSetupRequired:
		return renderSetup()
	case m.mode == viewModeStats:
		return m.renderStatsView()
	case m.mode == viewModePicker:
		return m.renderPicker()
	case m.mode == viewModeFilter:
		return m.renderFilter()
	}
	return m.renderList()
}

// visiblePRs flattens the PRs of the selected repositories in display order.
func visiblePRs(snap Snapshot) []PRState {
	var out []PRState
	for _, r := range snap.Repos {
		if r.Selected {
			out = append(out, r.PRs...)
		}
	}
	return out
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
