package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	rand "math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcin-skalski/pr-watcher/internal/config"
	"github.com/marcin-skalski/pr-watcher/internal/domain"
	"github.com/marcin-skalski/pr-watcher/internal/fetch"
	"github.com/marcin-skalski/pr-watcher/internal/metrics"
	"github.com/marcin-skalski/pr-watcher/internal/scheduler"
	"github.com/marcin-skalski/pr-watcher/internal/state"
	"github.com/marcin-skalski/pr-watcher/internal/tui"
)

// Store is the persistence the daemon needs: refresh state plus the
// preferences blob.
type Store interface {
	state.Persister
	LoadPreferences(ctx context.Context) (domain.Preferences, error)
	SavePreferences(ctx context.Context, p domain.Preferences) error
}

type Daemon struct {
	cfg      *config.Config
	settings *config.Settings
	repos    []domain.Repository
	users    []domain.User
	remote   fetch.Remote
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	tick     time.Duration

	sched   *scheduler.Scheduler
	fetcher *fetch.Coordinator
	state   *state.Store
	metrics *metrics.Engine

	mu       sync.Mutex
	inFlight map[string]time.Time // repo URL -> fetch start
	phase    tui.Phase
	lastErr  error
	prefs    domain.Preferences

	statsMu sync.Mutex
	stats   []domain.PullRequest // all-state corpus, nil until the first stats refresh
}

func New(cfg *config.Config, settings *config.Settings, repos *config.RepoList, users []domain.User, remote fetch.Remote, st Store, logger *slog.Logger) *Daemon {
	seed := uint64(time.Now().UnixNano())
	return newDaemon(cfg, settings, repos, users, remote, st, logger, rand.New(rand.NewPCG(seed, seed>>1|1)))
}

func newDaemon(cfg *config.Config, settings *config.Settings, repos *config.RepoList, users []domain.User, remote fetch.Remote, st Store, logger *slog.Logger, rng *rand.Rand) *Daemon {
	tick := cfg.TickInterval
	if settings.RefreshSource != config.SourceDefault && settings.RefreshInterval > 0 {
		tick = time.Duration(settings.RefreshInterval) * time.Second
	}

	phase := tui.PhaseLoading
	if !settings.HasToken() {
		phase = tui.PhaseSetupRequired
	}

	return &Daemon{
		cfg:      cfg,
		settings: settings,
		repos:    repos.Repos,
		users:    users,
		remote:   remote,
		store:    st,
		logger:   logger,
		now:      time.Now,
		tick:     tick,
		sched:    scheduler.New(repos.DefaultRefreshInterval, cfg.MaxBatch, rng),
		fetcher: fetch.New(remote, fetch.Options{
			RepoConcurrency: cfg.Fetch.RepoConcurrency,
			PRConcurrency:   cfg.Fetch.PRConcurrency,
		}, logger),
		state:    state.New(st, logger),
		metrics:  metrics.New(cfg.Metrics.CacheTTL, time.Now, logger),
		inFlight: make(map[string]time.Time),
		phase:    phase,
	}
}

// Run restores cached state, performs a forced first load and then refreshes
// due repositories every tick until ctx is done. Without a token nothing is
// fetched and the daemon only waits.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.settings.HasToken() {
		d.logger.Warn("no GitHub token configured, run `pr-watcher setup`", "settings", d.cfg.SettingsFile)
		<-ctx.Done()
		return nil
	}

	d.logger.Info("daemon started",
		"tick", d.tick,
		"repos", len(d.repos),
		"users", len(d.users),
		"token", d.settings.GitHubToken,
		"token_source", d.settings.TokenSource)

	d.Restore(ctx)

	if err := d.Cycle(ctx, true); err != nil {
		d.logger.Error("initial load failed", "err", err)
	}
	d.setPhase(tui.PhaseReady)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopped")
			return nil
		case <-ticker.C:
			if err := d.Cycle(ctx, false); err != nil && ctx.Err() == nil {
				d.logger.Error("refresh cycle failed", "err", err)
			}
		}
	}
}

// Restore loads the cached PRs and preferences so the UI has data before the
// first fetch completes.
func (d *Daemon) Restore(ctx context.Context) {
	d.state.Restore(ctx)

	prefs, err := d.store.LoadPreferences(ctx)
	if err != nil {
		d.logger.Warn("load preferences failed", "err", err)
		return
	}
	d.mu.Lock()
	d.prefs = prefs
	d.mu.Unlock()
}

// Cycle refreshes the due repositories. Repositories still being fetched by
// an earlier cycle are skipped; if that leaves nothing and force is set the
// result is domain.ErrFetchInProgress.
func (d *Daemon) Cycle(ctx context.Context, force bool) error {
	log := d.logger.With("cycle", uuid.NewString())
	now := d.now()
	previous := d.state.LastUpdates()

	due := d.sched.Due(d.repos, previous, now, force)
	if len(due) == 0 {
		log.Debug("nothing due")
		return nil
	}

	claimed, busy := d.claim(due, now)
	if len(busy) > 0 {
		log.Debug("skipping repos already in flight", "repos", len(busy))
	}
	if len(claimed) == 0 {
		if force {
			return domain.ErrFetchInProgress
		}
		return nil
	}
	defer d.release(claimed)

	log.Info("refreshing", "repos", len(claimed), "force", force)
	start := time.Now()
	batch := d.fetcher.FetchOpen(ctx, claimed)

	refreshed := make(map[string]time.Time)
	for _, res := range batch.Succeeded() {
		ts := now
		if _, seen := previous[res.Repo.URL]; force && !seen {
			ts = d.sched.Backdate(res.Repo, now)
		}
		refreshed[res.Repo.URL] = ts
	}
	d.state.Merge(ctx, refreshed, batch.PullRequests())

	err := batch.Err()
	d.setLastErr(err)

	log.Info("refresh done",
		"succeeded", len(refreshed),
		"failed", len(batch.Failed()),
		"prs", len(batch.PullRequests()),
		"took", time.Since(start).Round(time.Millisecond))
	return err
}

// RefreshRepo refreshes one repository regardless of its schedule.
func (d *Daemon) RefreshRepo(ctx context.Context, url string) error {
	repo, err := d.repo(url)
	if err != nil {
		return err
	}

	now := d.now()
	claimed, _ := d.claim([]domain.Repository{repo}, now)
	if len(claimed) == 0 {
		return domain.ErrFetchInProgress
	}
	defer d.release(claimed)

	prs, err := d.fetcher.FetchRepo(ctx, repo)
	if err != nil {
		d.setLastErr(err)
		return fmt.Errorf("refresh %s: %w", repo.FullName(), err)
	}
	d.state.Merge(ctx, map[string]time.Time{repo.URL: now}, prs)
	d.logger.Info("repository refreshed", "repo", repo.FullName(), "prs", len(prs))
	return nil
}

// RefreshPR re-reads a single PR. closed reports that it was closed or merged
// since the last fetch and has been removed from the live set.
func (d *Daemon) RefreshPR(ctx context.Context, key domain.PRKey) (closed bool, err error) {
	repo, err := d.repo(key.RepoURL)
	if err != nil {
		return false, err
	}

	pr, err := d.fetcher.FetchPR(ctx, repo, key.Number)
	if err != nil {
		d.setLastErr(err)
		return false, err
	}

	closed = d.state.ReplacePR(ctx, *pr)
	if closed {
		d.logger.Info("PR closed, removed from list", "pr", key.String())
	}
	return closed, nil
}

// Assign adds login to the PR locally right away, then on GitHub. If GitHub
// rejects the change the local edit is reverted, a forced reload fetches the
// server's view and a *domain.MutationError is returned.
func (d *Daemon) Assign(ctx context.Context, key domain.PRKey, login string) error {
	return d.mutate(ctx, "assign", key, login, d.state.Assign, d.remote.AddAssignees)
}

func (d *Daemon) Unassign(ctx context.Context, key domain.PRKey, login string) error {
	return d.mutate(ctx, "unassign", key, login, d.state.Unassign, d.remote.RemoveAssignees)
}

type remoteMutation func(ctx context.Context, owner, repo string, number int, usernames []string) error

func (d *Daemon) mutate(ctx context.Context, action string, key domain.PRKey, login string, local func(domain.PRKey, string) (domain.PullRequest, error), remote remoteMutation) error {
	repo, err := d.repo(key.RepoURL)
	if err != nil {
		return err
	}
	prev, err := local(key, login)
	if err != nil {
		return err
	}

	if err := remote(ctx, repo.Owner(), repo.Repo(), key.Number, []string{login}); err != nil {
		d.logger.Error("assignee change failed, reloading", "action", action, "pr", key.String(), "user", login, "err", err)
		d.state.Revert(ctx, key, prev)
		if rerr := d.Cycle(ctx, true); rerr != nil {
			d.logger.Warn("reload after failed "+action, "err", rerr)
		}
		merr := &domain.MutationError{Action: action, Key: key, Login: login, Err: err}
		d.setLastErr(merr)
		return merr
	}

	d.logger.Info("assignees updated", "action", action, "pr", key.String(), "user", login)
	return nil
}

// RefreshStats fetches every PR in every state for the statistics view and
// drops memoized reports.
func (d *Daemon) RefreshStats(ctx context.Context) error {
	start := time.Now()
	batch := d.fetcher.FetchAll(ctx, d.repos)

	d.statsMu.Lock()
	d.stats = batch.PullRequests()
	d.statsMu.Unlock()
	d.metrics.ClearCache()

	d.logger.Info("stats corpus refreshed",
		"prs", len(batch.PullRequests()),
		"failed", len(batch.Failed()),
		"took", time.Since(start).Round(time.Millisecond))
	return batch.Err()
}

// corpus is the all-state corpus once loaded, the live set before that.
func (d *Daemon) corpus() []domain.PullRequest {
	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()
	if stats != nil {
		return stats
	}
	return d.state.PullRequests()
}

func (d *Daemon) Overview(r metrics.TimeRange) *metrics.OverviewStats {
	return d.metrics.Overview(d.corpus(), r)
}

func (d *Daemon) UserStats(r metrics.TimeRange) []metrics.UserStats {
	return d.metrics.Users(d.corpus(), d.users, r)
}

func (d *Daemon) RepoStats(r metrics.TimeRange) []metrics.RepoStats {
	return d.metrics.Repos(d.corpus(), d.repos, r)
}

func (d *Daemon) CacheInfo() metrics.CacheInfo {
	return d.metrics.CacheInfo()
}

// SetRepoFilter limits the live view to urls and persists the choice. An
// empty list shows every repository.
func (d *Daemon) SetRepoFilter(ctx context.Context, urls []string) error {
	for _, u := range urls {
		if _, err := d.repo(u); err != nil {
			return err
		}
	}
	prefs := domain.Preferences{SelectedRepos: append([]string(nil), urls...)}

	d.mu.Lock()
	d.prefs = prefs
	d.mu.Unlock()

	if err := d.store.SavePreferences(ctx, prefs); err != nil {
		d.logger.Warn("save preferences failed", "err", err)
	}
	return nil
}

func (d *Daemon) RepoFilter() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.prefs.SelectedRepos...)
}

func (d *Daemon) Repositories() []domain.Repository {
	return append([]domain.Repository(nil), d.repos...)
}

func (d *Daemon) Users() []domain.User {
	return append([]domain.User(nil), d.users...)
}

// PullRequests returns the live set.
func (d *Daemon) PullRequests() []domain.PullRequest {
	return d.state.PullRequests()
}

// LastError is the error of the most recent fetch or mutation, nil after a
// clean cycle.
func (d *Daemon) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Daemon) claim(repos []domain.Repository, now time.Time) (claimed, busy []domain.Repository) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range repos {
		if _, ok := d.inFlight[r.URL]; ok {
			busy = append(busy, r)
			continue
		}
		d.inFlight[r.URL] = now
		claimed = append(claimed, r)
	}
	return claimed, busy
}

func (d *Daemon) release(repos []domain.Repository) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range repos {
		delete(d.inFlight, r.URL)
	}
}

func (d *Daemon) setPhase(p tui.Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = p
}

func (d *Daemon) setLastErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = err
}

func (d *Daemon) repo(url string) (domain.Repository, error) {
	for _, r := range d.repos {
		if r.URL == url {
			return r, nil
		}
	}
	return domain.Repository{}, fmt.Errorf("%w: %s", domain.ErrRepoNotFound, url)
}

// GetSnapshot copies everything the UI renders.
func (d *Daemon) GetSnapshot() tui.Snapshot {
	d.mu.Lock()
	phase := d.phase
	lastErr := d.lastErr
	prefs := d.prefs
	inFlight := make(map[string]bool, len(d.inFlight))
	for url := range d.inFlight {
		inFlight[url] = true
	}
	d.mu.Unlock()

	lastUpdates := d.state.LastUpdates()
	byRepo := make(map[string][]domain.PullRequest)
	for _, pr := range d.state.PullRequests() {
		byRepo[pr.RepoURL] = append(byRepo[pr.RepoURL], pr)
	}

	repos := make([]tui.RepoState, 0, len(d.repos))
	for _, repo := range d.repos {
		prs := byRepo[repo.URL]
		sort.SliceStable(prs, func(i, j int) bool { return prs[i].CreatedAt.After(prs[j].CreatedAt) })

		prStates := make([]tui.PRState, 0, len(prs))
		for _, pr := range prs {
			prStates = append(prStates, d.prState(pr))
		}

		repos = append(repos, tui.RepoState{
			URL:        repo.URL,
			Name:       repo.Name,
			FullName:   repo.FullName(),
			Color:      repo.BackgroundColor,
			LastUpdate: lastUpdates[repo.URL],
			Fetching:   inFlight[repo.URL],
			Selected:   prefs.Selected(repo.URL),
			PRs:        prStates,
		})
	}

	users := make([]tui.UserState, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, tui.UserState{Username: u.Username, Name: u.Name})
	}

	snap := tui.Snapshot{
		Timestamp: time.Now(),
		Phase:     phase,
		Repos:     repos,
		Users:     users,
		InFlight:  len(inFlight),
		Filtered:  len(prefs.SelectedRepos) > 0,
	}
	if lastErr != nil {
		snap.LastError = lastErr.Error()
		var sso *domain.SSOError
		if errors.As(lastErr, &sso) {
			snap.SSO = &tui.SSOState{Owner: sso.Owner, Steps: sso.Remediation()}
		}
	}
	return snap
}

func (d *Daemon) prState(pr domain.PullRequest) tui.PRState {
	assignees := make([]string, 0, len(pr.Assignees))
	for _, a := range pr.Assignees {
		assignees = append(assignees, a.Login)
	}
	approvals := 0
	for _, r := range pr.LatestReviews() {
		if r.State == domain.ReviewApproved {
			approvals++
		}
	}
	refreshed, _ := d.state.PRUpdatedAt(pr.Key())

	return tui.PRState{
		Key:         pr.Key(),
		Number:      pr.Number,
		Title:       pr.Title,
		Author:      pr.Author.Login,
		Assignees:   assignees,
		Triage:      pr.Triage(),
		Comments:    pr.Comments + pr.ReviewComments,
		Reviews:     len(pr.Reviews),
		Approvals:   approvals,
		CreatedAt:   pr.CreatedAt,
		UpdatedAt:   pr.UpdatedAt,
		RefreshedAt: refreshed,
		URL:         pr.HTMLURL,
	}
}
