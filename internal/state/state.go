// Package state holds the canonical pull request set and reconciles fetch
// results and optimistic edits into it.
package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

// Persister is the durable side of the refresh state.
type Persister interface {
	LoadRefreshState(ctx context.Context) (*domain.RefreshState, error)
	SaveRefreshState(ctx context.Context, st *domain.RefreshState) error
}

// Store owns the canonical PR set, the per-repository refresh timestamps and
// the per-PR timestamps. Every mutation replaces the whole collection under
// mu, so a merge and an optimistic edit can never lose each other's update.
type Store struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	prs         []domain.PullRequest
	lastUpdates map[string]time.Time
	prUpdates   map[domain.PRKey]time.Time

	persistMu sync.Mutex // serializes writes so an older snapshot never lands last
}

func New(persister Persister, logger *slog.Logger) *Store {
	return &Store{
		persister:   persister,
		logger:      logger,
		now:         time.Now,
		lastUpdates: make(map[string]time.Time),
		prUpdates:   make(map[domain.PRKey]time.Time),
	}
}

// Restore loads the persisted state for a cold start. A load failure leaves
// the store empty and is only logged.
func (s *Store) Restore(ctx context.Context) {
	st, err := s.persister.LoadRefreshState(ctx)
	if err != nil {
		s.logger.Warn("load refresh state failed, starting empty", "err", err)
		return
	}

	lastUpdates := st.Timestamps()
	var prs []domain.PullRequest
	prUpdates := make(map[domain.PRKey]time.Time)
	for repoURL, cached := range st.CachedPRs {
		for _, pr := range cached {
			pr.RepoURL = repoURL
			prs = append(prs, pr)
			if ts, ok := lastUpdates[repoURL]; ok {
				prUpdates[pr.Key()] = ts
			}
		}
	}
	prs = dedupe(prs)
	sortPRs(prs)

	s.mu.Lock()
	s.prs = prs
	s.lastUpdates = lastUpdates
	s.prUpdates = prUpdates
	s.mu.Unlock()

	s.logger.Info("restored cached state", "repos", len(lastUpdates), "prs", len(prs))
}

// Merge replaces the PRs of every repository in refreshed with fresh, keeps
// everything else untouched, records the refresh timestamps and persists.
// Timestamps never move backwards.
func (s *Store) Merge(ctx context.Context, refreshed map[string]time.Time, fresh []domain.PullRequest) {
	now := s.now()

	s.mu.Lock()
	next := make([]domain.PullRequest, 0, len(s.prs)+len(fresh))
	for _, pr := range s.prs {
		if _, ok := refreshed[pr.RepoURL]; !ok {
			next = append(next, pr)
		}
	}
	for _, pr := range fresh {
		if _, ok := refreshed[pr.RepoURL]; !ok {
			s.logger.Warn("dropping PR outside refreshed set", "pr", pr.Key().String())
			continue
		}
		next = append(next, pr.Clone())
	}
	next = dedupe(next)
	sortPRs(next)

	lastUpdates := copyTimes(s.lastUpdates)
	for url, ts := range refreshed {
		if prev, ok := lastUpdates[url]; !ok || ts.After(prev) {
			lastUpdates[url] = ts
		}
	}

	prUpdates := make(map[domain.PRKey]time.Time, len(next))
	for _, pr := range next {
		key := pr.Key()
		if _, ok := refreshed[pr.RepoURL]; ok {
			prUpdates[key] = now
		} else if ts, ok := s.prUpdates[key]; ok {
			prUpdates[key] = ts
		}
	}

	s.prs = next
	s.lastUpdates = lastUpdates
	s.prUpdates = prUpdates
	s.mu.Unlock()

	s.persist(ctx)
}

// ReplacePR applies a single-PR refresh. A PR that is no longer open is
// removed from the set and removed is true.
func (s *Store) ReplacePR(ctx context.Context, pr domain.PullRequest) (removed bool) {
	key := pr.Key()

	s.mu.Lock()
	next := make([]domain.PullRequest, 0, len(s.prs)+1)
	found := false
	for _, existing := range s.prs {
		if existing.Key() != key {
			next = append(next, existing)
			continue
		}
		found = true
		if pr.IsOpen() {
			next = append(next, pr.Clone())
		}
	}
	if !found && pr.IsOpen() {
		next = append(next, pr.Clone())
		sortPRs(next)
	}

	prUpdates := make(map[domain.PRKey]time.Time, len(s.prUpdates))
	for k, v := range s.prUpdates {
		prUpdates[k] = v
	}
	if pr.IsOpen() {
		prUpdates[key] = s.now()
	} else {
		delete(prUpdates, key)
	}

	s.prs = next
	s.prUpdates = prUpdates
	s.mu.Unlock()

	s.persist(ctx)
	return !pr.IsOpen()
}

// Assign optimistically adds login to the PR's assignees and returns the PR
// as it was before the edit.
func (s *Store) Assign(key domain.PRKey, login string) (domain.PullRequest, error) {
	return s.mutate(key, func(pr *domain.PullRequest) { pr.AddAssignee(login) })
}

// Unassign optimistically removes login from the PR's assignees and returns
// the PR as it was before the edit.
func (s *Store) Unassign(key domain.PRKey, login string) (domain.PullRequest, error) {
	return s.mutate(key, func(pr *domain.PullRequest) { pr.RemoveAssignee(login) })
}

func (s *Store) mutate(key domain.PRKey, apply func(pr *domain.PullRequest)) (domain.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.index(key)
	if idx < 0 {
		return domain.PullRequest{}, domain.ErrPRNotFound
	}

	prev := s.prs[idx].Clone()
	next := make([]domain.PullRequest, len(s.prs))
	copy(next, s.prs)
	edited := next[idx].Clone()
	apply(&edited)
	next[idx] = edited
	s.prs = next
	return prev, nil
}

// Revert puts prev's assignees back on the PR after a rejected optimistic
// edit. It reports false when the PR has left the set in the meantime.
func (s *Store) Revert(ctx context.Context, key domain.PRKey, prev domain.PullRequest) bool {
	s.mu.Lock()
	idx := s.index(key)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]domain.PullRequest, len(s.prs))
	copy(next, s.prs)
	reverted := next[idx].Clone()
	reverted.Assignees = prev.Clone().Assignees
	next[idx] = reverted
	s.prs = next
	s.mu.Unlock()

	s.persist(ctx)
	return true
}

func (s *Store) index(key domain.PRKey) int {
	for i, pr := range s.prs {
		if pr.Key() == key {
			return i
		}
	}
	return -1
}

// PullRequests returns a copy of the canonical set.
func (s *Store) PullRequests() []domain.PullRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PullRequest, len(s.prs))
	for i, pr := range s.prs {
		out[i] = pr.Clone()
	}
	return out
}

func (s *Store) Get(key domain.PRKey) (domain.PullRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pr := range s.prs {
		if pr.Key() == key {
			return pr.Clone(), true
		}
	}
	return domain.PullRequest{}, false
}

func (s *Store) LastUpdates() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTimes(s.lastUpdates)
}

func (s *Store) PRUpdatedAt(key domain.PRKey) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.prUpdates[key]
	return ts, ok
}

// persist writes the current state grouped by repository. Failures are
// warnings: the in-memory state stays authoritative.
func (s *Store) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	st := domain.NewRefreshState()
	for url, ts := range s.lastUpdates {
		st.LastUpdates[url] = ts.UnixMilli()
	}
	for _, pr := range s.prs {
		st.CachedPRs[pr.RepoURL] = append(st.CachedPRs[pr.RepoURL], pr.Clone())
	}
	s.mu.RUnlock()

	if err := s.persister.SaveRefreshState(ctx, st); err != nil {
		s.logger.Warn("persist refresh state failed", "err", err)
	}
}

// dedupe keeps the last occurrence of every key.
func dedupe(prs []domain.PullRequest) []domain.PullRequest {
	index := make(map[domain.PRKey]int, len(prs))
	out := make([]domain.PullRequest, 0, len(prs))
	for _, pr := range prs {
		if i, ok := index[pr.Key()]; ok {
			out[i] = pr
			continue
		}
		index[pr.Key()] = len(out)
		out = append(out, pr)
	}
	return out
}

// sortPRs orders newest first, then by repository and number for stability.
func sortPRs(prs []domain.PullRequest) {
	sort.SliceStable(prs, func(i, j int) bool {
		if !prs[i].CreatedAt.Equal(prs[j].CreatedAt) {
			return prs[i].CreatedAt.After(prs[j].CreatedAt)
		}
		if prs[i].RepoURL != prs[j].RepoURL {
			return prs[i].RepoURL < prs[j].RepoURL
		}
		return prs[i].Number < prs[j].Number
	})
}

func copyTimes(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
