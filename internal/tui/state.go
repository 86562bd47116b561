package tui

import (
	"time"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

type Phase string

const (
	PhaseSetupRequired Phase = "setup_required"
	PhaseLoading       Phase = "loading"
	PhaseReady         Phase = "ready"
)

type Snapshot struct {
	Timestamp time.Time
	Phase     Phase
	Repos     []RepoState
	Users     []UserState
	LastError string
	SSO       *SSOState
	InFlight  int
	Filtered  bool // a repository filter is active
}

type RepoState struct {
	URL        string
	Name       string
	FullName   string
	Color      string
	LastUpdate time.Time
	Fetching   bool
	Selected   bool
	PRs        []PRState
}

type PRState struct {
	Key         domain.PRKey
	Number      int
	Title       string
	Author      string
	Assignees   []string
	Triage      domain.Triage
	Comments    int
	Reviews     int
	Approvals   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RefreshedAt time.Time
	URL         string
}

type UserState struct {
	Username string
	Name     string
}

// SSOState carries what the user needs to authorize the token.
type SSOState struct {
	Owner string
	Steps []string
}

// PRCount returns the number of PRs across all repositories.
func (s Snapshot) PRCount() int {
	n := 0
	for _, r := range s.Repos {
		n += len(r.PRs)
	}
	return n
}
