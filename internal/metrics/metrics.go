// Package metrics derives team statistics from a pull request corpus.
package metrics

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

// DefaultCacheTTL is how long a computed report is served from memory.
const DefaultCacheTTL = 5 * time.Minute

// StaleAfter is the age at which an open PR counts as stale.
const StaleAfter = 30 * 24 * time.Hour

type TimeRange string

const (
	Range7d  TimeRange = "7d"
	Range30d TimeRange = "30d"
	Range3m  TimeRange = "3m"
	Range6m  TimeRange = "6m"
)

// TimeRanges lists the selectable ranges in display order.
var TimeRanges = []TimeRange{Range7d, Range30d, Range3m, Range6m}

func (r TimeRange) Days() int {
	switch r {
	case Range7d:
		return 7
	case Range30d:
		return 30
	case Range3m:
		return 90
	case Range6m:
		return 180
	}
	return 0
}

func (r TimeRange) Duration() time.Duration {
	return time.Duration(r.Days()) * 24 * time.Hour
}

// Next cycles through TimeRanges.
func (r TimeRange) Next() TimeRange {
	for i, tr := range TimeRanges {
		if tr == r {
			return TimeRanges[(i+1)%len(TimeRanges)]
		}
	}
	return Range30d
}

func ParseTimeRange(s string) (TimeRange, error) {
	r := TimeRange(strings.ToLower(strings.TrimSpace(s)))
	if r.Days() == 0 {
		return "", fmt.Errorf("invalid time range %q (want 7d, 30d, 3m or 6m)", s)
	}
	return r, nil
}

type OverviewStats struct {
	Total         int
	Open          int
	Closed        int
	Merged        int
	Draft         int
	PendingReview int
	Stale         int

	AvgTimeToFirstReview time.Duration
	AvgTimeToMerge       time.Duration
}

type UserStats struct {
	User           domain.User
	Authored       int
	ReviewsGiven   int
	ApprovalsGiven int
	Assigned       int
	OldestOpenDays int
}

type RepoStats struct {
	Repository    domain.Repository
	Owner         string
	Name          string
	Total         int
	Open          int
	Closed        int
	Merged        int
	Draft         int
	PendingReview int
}

type CacheInfo struct {
	Size int
	Keys []string
}

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// Engine computes reports on demand and memoizes them by report kind, time
// range and corpus size.
type Engine struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(ttl time.Duration, clock func() time.Time, logger *slog.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		ttl:    ttl,
		now:    clock,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// ClearCache drops every memoized report.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cacheEntry)
}

func (e *Engine) CacheInfo() CacheInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.cache))
	for k := range e.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return CacheInfo{Size: len(keys), Keys: keys}
}

func (e *Engine) cached(kind string, r TimeRange, n int, compute func() any) any {
	key := fmt.Sprintf("%s-%s-%d", kind, r, n)
	now := e.now()

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && now.Sub(entry.storedAt) < e.ttl {
		e.mu.Unlock()
		return entry.value
	}
	e.mu.Unlock()

	value := compute()

	e.mu.Lock()
	e.cache[key] = cacheEntry{value: value, storedAt: now}
	e.mu.Unlock()
	return value
}

func (e *Engine) inRange(prs []domain.PullRequest, r TimeRange) []domain.PullRequest {
	cutoff := e.now().Add(-r.Duration())
	out := make([]domain.PullRequest, 0, len(prs))
	for _, pr := range prs {
		if !pr.CreatedAt.Before(cutoff) {
			out = append(out, pr)
		}
	}
	return out
}

// Overview summarizes the corpus. Stale ignores the range filter.
func (e *Engine) Overview(prs []domain.PullRequest, r TimeRange) *OverviewStats {
	return e.cached("overview", r, len(prs), func() any {
		return e.overview(prs, r)
	}).(*OverviewStats)
}

func (e *Engine) overview(prs []domain.PullRequest, r TimeRange) *OverviewStats {
	now := e.now()
	stats := &OverviewStats{}

	var reviewWait, mergeWait time.Duration
	var reviewSamples, mergeSamples int

	for _, pr := range e.inRange(prs, r) {
		stats.Total++
		switch {
		case pr.IsMerged():
			stats.Merged++
			mergeWait += pr.MergedAt.Sub(pr.CreatedAt)
			mergeSamples++
		case !pr.IsOpen():
			stats.Closed++
		case !pr.Draft:
			stats.Open++
			if len(pr.Reviews) == 0 {
				stats.PendingReview++
			}
		}
		if pr.Draft {
			stats.Draft++
		}
		if first, ok := pr.FirstReviewAt(); ok && first.After(pr.CreatedAt) {
			reviewWait += first.Sub(pr.CreatedAt)
			reviewSamples++
		}
	}

	for _, pr := range prs {
		if pr.IsOpen() && now.Sub(pr.CreatedAt) > StaleAfter {
			stats.Stale++
		}
	}

	if reviewSamples > 0 {
		stats.AvgTimeToFirstReview = reviewWait / time.Duration(reviewSamples)
	}
	if mergeSamples > 0 {
		stats.AvgTimeToMerge = mergeWait / time.Duration(mergeSamples)
	}
	return stats
}

// Users reports per known user, in the order users are given.
func (e *Engine) Users(prs []domain.PullRequest, users []domain.User, r TimeRange) []UserStats {
	return e.cached("users", r, len(prs), func() any {
		return e.users(prs, users, r)
	}).([]UserStats)
}

func (e *Engine) users(prs []domain.PullRequest, users []domain.User, r TimeRange) []UserStats {
	now := e.now()
	filtered := e.inRange(prs, r)
	out := make([]UserStats, 0, len(users))

	for _, u := range users {
		st := UserStats{User: u}
		var oldest time.Time
		for _, pr := range filtered {
			if pr.Author.Login == u.Username {
				st.Authored++
				if pr.IsOpen() && (oldest.IsZero() || pr.CreatedAt.Before(oldest)) {
					oldest = pr.CreatedAt
				}
			}
			for _, rv := range pr.Reviews {
				if rv.User.Login != u.Username {
					continue
				}
				st.ReviewsGiven++
				if rv.State == domain.ReviewApproved {
					st.ApprovalsGiven++
				}
			}
			if pr.HasAssignee(u.Username) {
				st.Assigned++
			}
		}
		if !oldest.IsZero() {
			st.OldestOpenDays = int(now.Sub(oldest) / (24 * time.Hour))
		}
		out = append(out, st)
	}
	return out
}

// Repos reports per repository over the whole corpus; r only keys the cache.
// Repositories whose URL does not yield an owner and name are skipped.
func (e *Engine) Repos(prs []domain.PullRequest, repos []domain.Repository, r TimeRange) []RepoStats {
	return e.cached("repos", r, len(prs), func() any {
		return e.repos(prs, repos)
	}).([]RepoStats)
}

func (e *Engine) repos(prs []domain.PullRequest, repos []domain.Repository) []RepoStats {
	out := make([]RepoStats, 0, len(repos))

	for _, repo := range repos {
		if err := repo.Validate(); err != nil {
			e.logger.Warn("skipping repository in stats", "url", repo.URL, "err", err)
			continue
		}
		st := RepoStats{Repository: repo, Owner: repo.Owner(), Name: repo.Repo()}
		full := repo.FullName()
		for _, pr := range prs {
			if !belongsTo(pr, repo, full) {
				continue
			}
			st.Total++
			switch {
			case pr.IsMerged():
				st.Merged++
				st.Closed++
			case !pr.IsOpen():
				st.Closed++
			default:
				st.Open++
				if !pr.Draft {
					st.PendingReview++
				}
			}
			if pr.Draft {
				st.Draft++
			}
		}
		out = append(out, st)
	}
	return out
}

// belongsTo matches on the base repository's full name, falling back to the
// repository URL for PRs fetched without base details.
func belongsTo(pr domain.PullRequest, repo domain.Repository, fullName string) bool {
	if pr.Base.Repo.FullName != "" {
		return strings.EqualFold(pr.Base.Repo.FullName, fullName)
	}
	return pr.RepoURL == repo.URL
}
