package daemon

import (
	"context"
	"errors"
	rand "math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/pr-watcher/internal/config"
	"github.com/marcin-skalski/pr-watcher/internal/domain"
	"github.com/marcin-skalski/pr-watcher/internal/logging"
	"github.com/marcin-skalski/pr-watcher/internal/metrics"
	"github.com/marcin-skalski/pr-watcher/internal/store"
	"github.com/marcin-skalski/pr-watcher/internal/tui"
)

const (
	gatewayURL = "https://github.com/acme/gateway"
	billingURL = "https://github.com/acme/billing"
)

var created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeGitHub keeps server-side truth per owner/repo and applies assignee
// changes to it, so a reload observes what GitHub would report.
type fakeGitHub struct {
	mu        sync.Mutex
	prs       map[string][]domain.PullRequest
	listErr   map[string]error
	mutateErr error
	onMutate  func()
	lists     int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{prs: make(map[string][]domain.PullRequest), listErr: make(map[string]error)}
}

func (f *fakeGitHub) add(repoURL string, pr domain.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := domain.Repository{URL: repoURL}.FullName()
	pr.RepoURL = repoURL
	f.prs[name] = append(f.prs[name], pr)
}

func (f *fakeGitHub) list(owner, repo string, all bool) ([]domain.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	name := owner + "/" + repo
	if err := f.listErr[name]; err != nil {
		return nil, err
	}
	var out []domain.PullRequest
	for _, pr := range f.prs[name] {
		if all || pr.IsOpen() {
			out = append(out, pr.Clone())
		}
	}
	return out, nil
}

func (f *fakeGitHub) ListOpenPullRequests(_ context.Context, owner, repo string) ([]domain.PullRequest, error) {
	return f.list(owner, repo, false)
}

func (f *fakeGitHub) ListAllPullRequests(_ context.Context, owner, repo string) ([]domain.PullRequest, error) {
	return f.list(owner, repo, true)
}

func (f *fakeGitHub) GetPullRequest(_ context.Context, owner, repo string, number int) (*domain.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.prs[owner+"/"+repo] {
		if pr.Number == number {
			c := pr.Clone()
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeGitHub) ListReviews(_ context.Context, owner, repo string, number int) ([]domain.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.prs[owner+"/"+repo] {
		if pr.Number == number {
			return append([]domain.Review(nil), pr.Reviews...), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeGitHub) AddAssignees(_ context.Context, owner, repo string, number int, usernames []string) error {
	return f.mutate(owner, repo, number, func(pr *domain.PullRequest) {
		for _, u := range usernames {
			pr.AddAssignee(u)
		}
	})
}

func (f *fakeGitHub) RemoveAssignees(_ context.Context, owner, repo string, number int, usernames []string) error {
	return f.mutate(owner, repo, number, func(pr *domain.PullRequest) {
		for _, u := range usernames {
			pr.RemoveAssignee(u)
		}
	})
}

func (f *fakeGitHub) mutate(owner, repo string, number int, apply func(*domain.PullRequest)) error {
	if f.onMutate != nil {
		f.onMutate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	prs := f.prs[owner+"/"+repo]
	for i := range prs {
		if prs[i].Number == number {
			apply(&prs[i])
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeGitHub) setState(repoURL string, number int, st domain.PRState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prs := f.prs[domain.Repository{URL: repoURL}.FullName()]
	for i := range prs {
		if prs[i].Number == number {
			prs[i].State = st
		}
	}
}

func openPR(number int, author string) domain.PullRequest {
	return domain.PullRequest{
		ID:        int64(number),
		Number:    number,
		Title:     "change",
		State:     domain.PRStateOpen,
		Author:    domain.Account{Login: author},
		CreatedAt: created,
	}
}

type harness struct {
	d     *Daemon
	gh    *fakeGitHub
	store *store.SQLiteStore
	path  string
}

func newHarness(t *testing.T, gh *fakeGitHub, token string) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(path, logging.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &harness{d: build(st, gh, token), gh: gh, store: st, path: path}
}

func build(st *store.SQLiteStore, gh *fakeGitHub, token string) *Daemon {
	cfg := &config.Config{
		SettingsFile: "settings.yaml",
		TickInterval: time.Hour,
		MaxBatch:     50,
		Fetch:        config.FetchConfig{RepoConcurrency: 4, PRConcurrency: 4},
		Metrics:      config.MetricsConfig{CacheTTL: 5 * time.Minute},
	}
	settings := &config.Settings{GitHubToken: config.Secret(token), RefreshInterval: 60, RefreshSource: config.SourceDefault}
	repos := &config.RepoList{
		Repos: []domain.Repository{
			{URL: gatewayURL, Name: "Gateway", BackgroundColor: "#1f6feb"},
			{URL: billingURL, Name: "Billing"},
		},
		DefaultRefreshInterval: 3600,
	}
	users := []domain.User{{Username: "alice", Name: "Alice"}, {Username: "bob", Name: "Bob"}}
	return newDaemon(cfg, settings, repos, users, gh, st, logging.NewDiscard(), rand.New(rand.NewPCG(7, 15)))
}

func live(d *Daemon, key domain.PRKey) (domain.PullRequest, bool) {
	for _, pr := range d.PullRequests() {
		if pr.Key() == key {
			return pr, true
		}
	}
	return domain.PullRequest{}, false
}

func TestCycle_ForcedFirstLoadBackdates(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	gh.add(billingURL, openPR(2, "bob"))
	h := newHarness(t, gh, "ghp_test")
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	h.d.now = func() time.Time { return now }

	require.NoError(t, h.d.Cycle(context.Background(), true))

	assert.Len(t, h.d.PullRequests(), 2)
	for url, ts := range h.d.state.LastUpdates() {
		assert.False(t, ts.After(now), url)
		assert.True(t, ts.After(now.Add(-time.Hour)), url)
	}
	assert.NoError(t, h.d.LastError())
}

func TestCycle_NotDueDoesNotFetch(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	h := newHarness(t, gh, "ghp_test")
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	h.d.now = func() time.Time { return now }
	require.NoError(t, h.d.Cycle(context.Background(), false))
	lists := gh.lists

	h.d.now = func() time.Time { return now.Add(time.Minute) }
	require.NoError(t, h.d.Cycle(context.Background(), false))

	assert.Equal(t, lists, gh.lists)
}

func TestCycle_FailedRepoKeepsCachedPRs(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	gh.add(billingURL, openPR(2, "bob"))
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()
	require.NoError(t, h.d.Cycle(ctx, true))
	before := h.d.state.LastUpdates()[billingURL]

	gh.listErr["acme/billing"] = errors.New("502 bad gateway")
	gh.add(gatewayURL, openPR(3, "alice"))
	err := h.d.Cycle(ctx, true)

	require.Error(t, err)
	assert.Len(t, h.d.PullRequests(), 3)
	_, ok := live(h.d, domain.PRKey{RepoURL: billingURL, Number: 2})
	assert.True(t, ok)
	assert.Equal(t, before, h.d.state.LastUpdates()[billingURL])
}

func TestCycle_SSOErrorTakesPrecedence(t *testing.T) {
	gh := newFakeGitHub()
	gh.listErr["acme/gateway"] = errors.New("connection reset")
	gh.listErr["acme/billing"] = &domain.SSOError{Owner: "acme", Repo: "billing", Err: errors.New("SAML enforcement")}
	h := newHarness(t, gh, "ghp_test")

	err := h.d.Cycle(context.Background(), true)

	require.Error(t, err)
	assert.True(t, domain.IsSSO(err))
	snap := h.d.GetSnapshot()
	require.NotNil(t, snap.SSO)
	assert.Equal(t, "acme", snap.SSO.Owner)
	assert.NotEmpty(t, snap.SSO.Steps)
}

func TestCycle_InFlightGuard(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()

	claimed, busy := h.d.claim(h.d.repos, time.Now())
	require.Len(t, claimed, 2)
	require.Empty(t, busy)

	assert.ErrorIs(t, h.d.Cycle(ctx, true), domain.ErrFetchInProgress)
	assert.ErrorIs(t, h.d.RefreshRepo(ctx, gatewayURL), domain.ErrFetchInProgress)
	assert.Zero(t, gh.lists)
	assert.Equal(t, 2, h.d.GetSnapshot().InFlight)

	h.d.release(claimed)
	require.NoError(t, h.d.RefreshRepo(ctx, gatewayURL))
	assert.Len(t, h.d.PullRequests(), 1)
}

func TestAssign_OptimisticThenConfirmed(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()
	require.NoError(t, h.d.Cycle(ctx, true))
	key := domain.PRKey{RepoURL: gatewayURL, Number: 1}

	var seenLocally bool
	gh.onMutate = func() {
		pr, _ := live(h.d, key)
		seenLocally = pr.HasAssignee("bob")
	}

	require.NoError(t, h.d.Assign(ctx, key, "bob"))
	assert.True(t, seenLocally, "assignee visible before the remote call returns")

	pr, _ := live(h.d, key)
	assert.True(t, pr.HasAssignee("bob"))
	assert.Equal(t, domain.DefaultAvatarURL("bob"), pr.Assignees[0].AvatarURL)

	require.NoError(t, h.d.Unassign(ctx, key, "bob"))
	pr, _ = live(h.d, key)
	assert.False(t, pr.HasAssignee("bob"))
}

func TestAssign_RemoteFailureRollsBack(t *testing.T) {
	gh := newFakeGitHub()
	truth := openPR(1, "alice")
	truth.Assignees = []domain.Account{{Login: "carol"}}
	gh.add(gatewayURL, truth)
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()
	require.NoError(t, h.d.Cycle(ctx, true))
	key := domain.PRKey{RepoURL: gatewayURL, Number: 1}

	var seenLocally bool
	gh.onMutate = func() {
		pr, _ := live(h.d, key)
		seenLocally = pr.HasAssignee("bob")
	}
	gh.mutateErr = errors.New("HTTP 422: validation failed")

	err := h.d.Assign(ctx, key, "bob")

	var merr *domain.MutationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "assign", merr.Action)
	assert.True(t, seenLocally)

	pr, ok := live(h.d, key)
	require.True(t, ok)
	assert.False(t, pr.HasAssignee("bob"))
	assert.True(t, pr.HasAssignee("carol"))
	assert.Contains(t, h.d.GetSnapshot().LastError, "validation failed")
}

func TestAssign_RemoteAndReloadFailureRevertsLocalEdit(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	gh.add(billingURL, openPR(2, "bob"))
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()
	require.NoError(t, h.d.Cycle(ctx, true))
	key := domain.PRKey{RepoURL: gatewayURL, Number: 1}

	gh.mutateErr = errors.New("dial tcp: network is unreachable")
	gh.listErr["acme/gateway"] = errors.New("dial tcp: network is unreachable")

	var merr *domain.MutationError
	require.ErrorAs(t, h.d.Assign(ctx, key, "bob"), &merr)

	pr, ok := live(h.d, key)
	require.True(t, ok)
	assert.False(t, pr.HasAssignee("bob"))

	require.NoError(t, h.d.RefreshRepo(ctx, billingURL))
	saved, err := h.store.LoadRefreshState(ctx)
	require.NoError(t, err)
	require.Len(t, saved.CachedPRs[gatewayURL], 1)
	assert.False(t, saved.CachedPRs[gatewayURL][0].HasAssignee("bob"))
}

func TestUnassign_RemoteFailureRevertsWhileRepoInFlight(t *testing.T) {
	gh := newFakeGitHub()
	truth := openPR(1, "alice")
	truth.Assignees = []domain.Account{{Login: "bob"}}
	gh.add(gatewayURL, truth)
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()
	require.NoError(t, h.d.Cycle(ctx, true))
	key := domain.PRKey{RepoURL: gatewayURL, Number: 1}

	claimed, _ := h.d.claim(h.d.repos, time.Now())
	defer h.d.release(claimed)
	gh.mutateErr = errors.New("HTTP 502")

	require.Error(t, h.d.Unassign(ctx, key, "bob"))

	pr, ok := live(h.d, key)
	require.True(t, ok)
	assert.True(t, pr.HasAssignee("bob"))
}

func TestAssign_UnknownPR(t *testing.T) {
	h := newHarness(t, newFakeGitHub(), "ghp_test")

	err := h.d.Assign(context.Background(), domain.PRKey{RepoURL: gatewayURL, Number: 9}, "bob")
	assert.ErrorIs(t, err, domain.ErrPRNotFound)

	err = h.d.Assign(context.Background(), domain.PRKey{RepoURL: "https://github.com/acme/nope", Number: 1}, "bob")
	assert.ErrorIs(t, err, domain.ErrRepoNotFound)
}

func TestRefreshPR_RemovesClosed(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	gh.add(gatewayURL, openPR(2, "alice"))
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()
	require.NoError(t, h.d.Cycle(ctx, true))

	closed, err := h.d.RefreshPR(ctx, domain.PRKey{RepoURL: gatewayURL, Number: 1})
	require.NoError(t, err)
	assert.False(t, closed)

	gh.setState(gatewayURL, 2, domain.PRStateClosed)
	closed, err = h.d.RefreshPR(ctx, domain.PRKey{RepoURL: gatewayURL, Number: 2})
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Len(t, h.d.PullRequests(), 1)
}

func TestRefreshStats_UsesAllStates(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	mergedPR := openPR(2, "bob")
	mergedPR.State = domain.PRStateClosed
	mergedAt := created.Add(time.Hour)
	mergedPR.MergedAt = &mergedAt
	gh.add(gatewayURL, mergedPR)
	h := newHarness(t, gh, "ghp_test")
	h.d.metrics = metrics.New(time.Minute, func() time.Time { return created.Add(24 * time.Hour) }, logging.NewDiscard())
	ctx := context.Background()

	require.NoError(t, h.d.Cycle(ctx, true))
	assert.Equal(t, 1, h.d.Overview(metrics.Range7d).Total)

	require.NoError(t, h.d.RefreshStats(ctx))
	overview := h.d.Overview(metrics.Range7d)
	assert.Equal(t, 2, overview.Total)
	assert.Equal(t, 1, overview.Merged)

	users := h.d.UserStats(metrics.Range7d)
	require.Len(t, users, 2)
	assert.Equal(t, 1, users[1].Authored)

	repos := h.d.RepoStats(metrics.Range7d)
	require.Len(t, repos, 2)
	assert.Equal(t, 2, repos[0].Total)
}

func TestRepoFilter_PersistsAcrossRestart(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	h := newHarness(t, gh, "ghp_test")
	ctx := context.Background()
	require.NoError(t, h.d.Cycle(ctx, true))

	assert.ErrorIs(t, h.d.SetRepoFilter(ctx, []string{"https://github.com/acme/nope"}), domain.ErrRepoNotFound)
	require.NoError(t, h.d.SetRepoFilter(ctx, []string{billingURL}))

	restarted := build(h.store, gh, "ghp_test")
	restarted.Restore(ctx)

	assert.Equal(t, []string{billingURL}, restarted.RepoFilter())
	assert.Len(t, restarted.PullRequests(), 1, "cached PRs restored before any fetch")
	snap := restarted.GetSnapshot()
	assert.True(t, snap.Filtered)
	assert.False(t, snap.Repos[0].Selected)
	assert.True(t, snap.Repos[1].Selected)
}

func TestRun_WithoutTokenWaitsForSetup(t *testing.T) {
	gh := newFakeGitHub()
	h := newHarness(t, gh, "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	assert.Equal(t, tui.PhaseSetupRequired, h.d.GetSnapshot().Phase)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, gh.lists)
}

func TestRun_LoadsThenReady(t *testing.T) {
	gh := newFakeGitHub()
	gh.add(gatewayURL, openPR(1, "alice"))
	h := newHarness(t, gh, "ghp_test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.d.GetSnapshot().Phase == tui.PhaseReady
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.d.GetSnapshot().PRCount())

	cancel()
	require.NoError(t, <-done)
}

func TestSnapshot(t *testing.T) {
	gh := newFakeGitHub()
	pr := openPR(1, "alice")
	pr.Assignees = []domain.Account{{Login: "bob"}}
	pr.Reviews = []domain.Review{{User: domain.Account{Login: "bob"}, State: domain.ReviewApproved, SubmittedAt: created.Add(time.Hour)}}
	pr.Comments = 2
	pr.ReviewComments = 3
	gh.add(gatewayURL, pr)
	h := newHarness(t, gh, "ghp_test")
	require.NoError(t, h.d.Cycle(context.Background(), true))

	snap := h.d.GetSnapshot()

	require.Len(t, snap.Repos, 2)
	gw := snap.Repos[0]
	assert.Equal(t, "acme/gateway", gw.FullName)
	assert.Equal(t, "#1f6feb", gw.Color)
	assert.False(t, gw.LastUpdate.IsZero())
	require.Len(t, gw.PRs, 1)
	got := gw.PRs[0]
	assert.Equal(t, []string{"bob"}, got.Assignees)
	assert.Equal(t, 1, got.Approvals)
	assert.Equal(t, 5, got.Comments)
	assert.False(t, got.RefreshedAt.IsZero())
	assert.Len(t, snap.Users, 2)
	assert.Empty(t, snap.LastError)
}
