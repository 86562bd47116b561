package domain

import "time"

// RefreshState is what survives a restart: per-repository last successful
// update (epoch millis) and the last known PRs grouped by repository URL.
type RefreshState struct {
	LastUpdates map[string]int64         `json:"lastUpdates"`
	CachedPRs   map[string][]PullRequest `json:"cachedPRs"`
}

func NewRefreshState() *RefreshState {
	return &RefreshState{
		LastUpdates: make(map[string]int64),
		CachedPRs:   make(map[string][]PullRequest),
	}
}

// Timestamps converts LastUpdates to times.
func (s *RefreshState) Timestamps() map[string]time.Time {
	out := make(map[string]time.Time, len(s.LastUpdates))
	for url, ms := range s.LastUpdates {
		out[url] = time.UnixMilli(ms)
	}
	return out
}

// Preferences is the small UI preference blob kept apart from refresh state.
type Preferences struct {
	SelectedRepos []string `json:"selectedRepos"`
}

// Selected reports whether repoURL passes the filter. An empty filter selects everything.
func (p Preferences) Selected(repoURL string) bool {
	if len(p.SelectedRepos) == 0 {
		return true
	}
	for _, u := range p.SelectedRepos {
		if u == repoURL {
			return true
		}
	}
	return false
}
