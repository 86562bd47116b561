package scheduler

import (
	"fmt"
	rand "math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

func makeRepos(n int) []domain.Repository {
	repos := make([]domain.Repository, n)
	for i := range repos {
		repos[i] = domain.Repository{URL: fmt.Sprintf("https://github.com/acme/repo-%03d", i)}
	}
	return repos
}

func TestInterval_FallsBackToDefault(t *testing.T) {
	s := New(3600, 0, seeded(1))

	assert.Equal(t, time.Hour, s.Interval(domain.Repository{}))
	assert.Equal(t, 10*time.Minute, s.Interval(domain.Repository{RefreshInterval: 600}))
	assert.Equal(t, domain.DefaultRefreshInterval*time.Second, New(0, 0, seeded(1)).Interval(domain.Repository{}))
}

func TestDue_JitterBounds(t *testing.T) {
	repo := domain.Repository{URL: "https://github.com/acme/gateway", RefreshInterval: 1000}
	interval := 1000 * time.Second
	s := New(0, 0, seeded(42))

	tests := []struct {
		name     string
		elapsed  time.Duration
		wantAll  bool
		wantNone bool
	}{
		{"well before lower bound", interval / 2, false, true},
		{"just below lower bound", time.Duration(float64(interval)*0.9) - time.Second, false, true},
		{"at upper bound", time.Duration(float64(interval) * 1.1), true, false},
		{"far past", 3 * interval, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := map[string]time.Time{repo.URL: now.Add(-tt.elapsed)}
			hits := 0
			for range 500 {
				hits += len(s.Due([]domain.Repository{repo}, last, now, false))
			}
			if tt.wantAll {
				assert.Equal(t, 500, hits)
			}
			if tt.wantNone {
				assert.Zero(t, hits)
			}
		})
	}
}

func TestDue_JitterIsRedrawnEachCall(t *testing.T) {
	repo := domain.Repository{URL: "https://github.com/acme/gateway", RefreshInterval: 1000}
	last := map[string]time.Time{repo.URL: now.Add(-1000 * time.Second)}
	s := New(0, 0, seeded(7))

	hits := 0
	for range 1000 {
		hits += len(s.Due([]domain.Repository{repo}, last, now, false))
	}

	assert.Greater(t, hits, 300, "at nominal interval roughly half the draws are due")
	assert.Less(t, hits, 700)
}

func TestDue_NeverUpdatedIsDue(t *testing.T) {
	s := New(0, 0, seeded(1))
	repos := makeRepos(2)

	due := s.Due(repos, map[string]time.Time{repos[1].URL: now}, now, false)

	require.Len(t, due, 1)
	assert.Equal(t, repos[0].URL, due[0].URL)
}

func TestDue_BatchCapLeavesRestPending(t *testing.T) {
	s := New(0, DefaultMaxBatch, seeded(3))
	repos := makeRepos(120)
	last := map[string]time.Time{}

	seen := map[string]bool{}
	for cycle := 0; cycle < 3; cycle++ {
		due := s.Due(repos, last, now, false)
		assert.LessOrEqual(t, len(due), DefaultMaxBatch)
		for _, r := range due {
			assert.False(t, seen[r.URL], "repo scheduled twice before its interval elapsed")
			seen[r.URL] = true
			last[r.URL] = now
		}
	}

	assert.Len(t, seen, 120, "every pending repo is picked up by a later cycle")
	assert.Empty(t, s.Due(repos, last, now, false))
}

func TestDue_ForceReturnsEverythingWithinCap(t *testing.T) {
	s := New(0, DefaultMaxBatch, seeded(3))
	repos := makeRepos(30)
	last := map[string]time.Time{}
	for _, r := range repos {
		last[r.URL] = now
	}

	due := s.Due(repos, last, now, true)

	assert.Len(t, due, 30)
	assert.Equal(t, repos[0].URL, due[0].URL)
}

func TestDue_ForcedLoadIsCappedAndRestFollow(t *testing.T) {
	s := New(7200, DefaultMaxBatch, seeded(3))
	repos := makeRepos(120)
	last := map[string]time.Time{}

	due := s.Due(repos, last, now, true)
	require.Len(t, due, DefaultMaxBatch)
	assert.Equal(t, repos[:50], due)
	for _, r := range due {
		last[r.URL] = now
	}

	next := s.Due(repos, last, now.Add(30*time.Second), false)
	require.Len(t, next, DefaultMaxBatch)
	assert.Equal(t, repos[50:100], next)
	for _, r := range next {
		last[r.URL] = now.Add(30 * time.Second)
	}

	rest := s.Due(repos, last, now.Add(time.Minute), false)
	assert.Equal(t, repos[100:], rest)
}

func TestDue_ForcedReloadPrefersStalest(t *testing.T) {
	s := New(0, DefaultMaxBatch, seeded(5))
	repos := makeRepos(80)
	last := map[string]time.Time{}
	for i, r := range repos {
		last[r.URL] = now.Add(-time.Duration(i) * time.Minute)
	}

	due := s.Due(repos, last, now, true)

	require.Len(t, due, DefaultMaxBatch)
	assert.Equal(t, repos[30:], due)
}

func TestDue_DeterministicWithSeed(t *testing.T) {
	repos := makeRepos(30)
	last := map[string]time.Time{}
	for _, r := range repos {
		last[r.URL] = now.Add(-domain.DefaultRefreshInterval * time.Second)
	}

	a := New(0, 0, seeded(99)).Due(repos, last, now, false)
	b := New(0, 0, seeded(99)).Due(repos, last, now, false)

	assert.Equal(t, a, b)
}

func TestBackdate_WithinInterval(t *testing.T) {
	s := New(0, 0, seeded(5))
	repo := domain.Repository{RefreshInterval: 600}

	distinct := map[time.Time]bool{}
	for range 200 {
		ts := s.Backdate(repo, now)
		assert.False(t, ts.After(now))
		assert.True(t, ts.After(now.Add(-600*time.Second)))
		distinct[ts] = true
	}
	assert.Greater(t, len(distinct), 1, "offsets are spread")
}
