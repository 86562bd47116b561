// Package scheduler decides which repositories are due for a refresh.
//
// Due is a pure function of (repositories, last updates, now, force) plus the
// random source, so the whole policy is testable without timers.
package scheduler

import (
	rand "math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

const (
	DefaultMaxBatch = 50
	Jitter          = 0.1
)

type Scheduler struct {
	defaultInterval int // seconds
	maxBatch        int

	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a scheduler. defaultInterval is in seconds; zero means
// domain.DefaultRefreshInterval. A nil rng uses a time-seeded source.
func New(defaultInterval, maxBatch int, rng *rand.Rand) *Scheduler {
	if defaultInterval <= 0 {
		defaultInterval = domain.DefaultRefreshInterval
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Scheduler{defaultInterval: defaultInterval, maxBatch: maxBatch, rng: rng}
}

// Interval is the nominal refresh interval of repo.
func (s *Scheduler) Interval(repo domain.Repository) time.Duration {
	return repo.Interval(s.defaultInterval)
}

// Due returns the repositories to refresh now, in configured order. With
// force every repository is due. Otherwise a repository is due when it was
// never updated or when the time since its last update reaches its interval
// scaled by a fresh jitter in [-10%, +10%]. At most maxBatch repositories are
// returned either way; the rest stay pending for later cycles.
func (s *Scheduler) Due(repos []domain.Repository, lastUpdates map[string]time.Time, now time.Time, force bool) []domain.Repository {
	if force {
		return s.oldest(repos, lastUpdates)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]domain.Repository, 0, min(len(repos), s.maxBatch))
	for _, repo := range repos {
		if len(due) >= s.maxBatch {
			break
		}
		last, ok := lastUpdates[repo.URL]
		if !ok || last.IsZero() {
			due = append(due, repo)
			continue
		}
		if now.Sub(last) >= s.jittered(s.Interval(repo)) {
			due = append(due, repo)
		}
	}
	return due
}

// oldest picks up to maxBatch repositories, never-updated first and then by
// least recent update, and returns them in configured order.
func (s *Scheduler) oldest(repos []domain.Repository, lastUpdates map[string]time.Time) []domain.Repository {
	if len(repos) <= s.maxBatch {
		return append([]domain.Repository(nil), repos...)
	}

	idx := make([]int, len(repos))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return lastUpdates[repos[a].URL].Compare(lastUpdates[repos[b].URL])
	})
	idx = idx[:s.maxBatch]
	slices.Sort(idx)

	due := make([]domain.Repository, len(idx))
	for i, j := range idx {
		due[i] = repos[j]
	}
	return due
}

// Backdate returns the timestamp to record for a repository refreshed for the
// first time during a forced load: now minus a uniform offset in
// [0, interval), so later due times are spread out instead of aligned.
func (s *Scheduler) Backdate(repo domain.Repository, now time.Time) time.Time {
	interval := s.Interval(repo)

	s.mu.Lock()
	offset := time.Duration(s.rng.Int64N(int64(interval)))
	s.mu.Unlock()

	return now.Add(-offset)
}

func (s *Scheduler) jittered(interval time.Duration) time.Duration {
	j := (s.rng.Float64()*2 - 1) * Jitter
	return time.Duration(float64(interval) * (1 + j))
}
