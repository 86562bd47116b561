package domain

import (
	"fmt"
	"sort"
	"time"
)

type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
)

// MergeableState mirrors GitHub's mergeable_state field.
type MergeableState string

const (
	MergeableClean    MergeableState = "clean"
	MergeableDirty    MergeableState = "dirty"
	MergeableUnstable MergeableState = "unstable"
	MergeableBlocked  MergeableState = "blocked"
	MergeableBehind   MergeableState = "behind"
	MergeableDraft    MergeableState = "draft"
	MergeableUnknown  MergeableState = "unknown"
)

// ParseMergeableState maps unrecognised or empty values to MergeableUnknown.
func ParseMergeableState(s string) MergeableState {
	switch MergeableState(s) {
	case MergeableClean, MergeableDirty, MergeableUnstable, MergeableBlocked, MergeableBehind, MergeableDraft:
		return MergeableState(s)
	default:
		return MergeableUnknown
	}
}

type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewDismissed        ReviewState = "DISMISSED"
)

// Review is one review event on a pull request.
type Review struct {
	ID          int64       `json:"id"`
	User        Account     `json:"user"`
	State       ReviewState `json:"state"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

type BaseRepo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

type BaseRef struct {
	Ref  string   `json:"ref"`
	Repo BaseRepo `json:"repo"`
}

// PRKey identifies a pull request across repositories.
type PRKey struct {
	RepoURL string
	Number  int
}

func (k PRKey) String() string {
	return fmt.Sprintf("%s#%d", k.RepoURL, k.Number)
}

// PullRequest is the canonical pull request record. List-level and
// detail-level fetches both produce this type; detail-only fields keep their
// zero values until Upgrade fills them.
type PullRequest struct {
	ID             int64          `json:"id"`
	Number         int            `json:"number"`
	Title          string         `json:"title"`
	State          PRState        `json:"state"`
	Draft          bool           `json:"draft"`
	Author         Account        `json:"user"`
	Assignees      []Account      `json:"assignees"`
	Base           BaseRef        `json:"base"`
	HeadRef        string         `json:"head_ref"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	MergedAt       *time.Time     `json:"merged_at,omitempty"`
	Comments       int            `json:"comments"`
	ReviewComments int            `json:"review_comments"`
	HTMLURL        string         `json:"html_url"`
	RepoURL        string         `json:"repo_url"`
	Reviews        []Review       `json:"reviews"`
	Mergeable      *bool          `json:"mergeable"`
	MergeableState MergeableState `json:"mergeable_state"`
}

func (p PullRequest) Key() PRKey {
	return PRKey{RepoURL: p.RepoURL, Number: p.Number}
}

func (p PullRequest) IsOpen() bool   { return p.State == PRStateOpen }
func (p PullRequest) IsMerged() bool { return p.MergedAt != nil }

// Upgrade copies detail-only fields from a single-PR fetch.
func (p *PullRequest) Upgrade(detail PullRequest) {
	p.Comments = detail.Comments
	p.ReviewComments = detail.ReviewComments
	p.Mergeable = detail.Mergeable
	p.MergeableState = ParseMergeableState(string(detail.MergeableState))
	if detail.MergedAt != nil {
		p.MergedAt = detail.MergedAt
	}
	if !detail.UpdatedAt.IsZero() {
		p.UpdatedAt = detail.UpdatedAt
	}
	if detail.Assignees != nil {
		p.Assignees = detail.Assignees
	}
	p.State = detail.State
	p.Draft = detail.Draft
}

// Degrade resets detail-only fields to the list-level fallback.
func (p *PullRequest) Degrade() {
	p.Comments = 0
	p.ReviewComments = 0
	p.Reviews = []Review{}
	if p.MergeableState == "" {
		p.MergeableState = MergeableUnknown
	}
}

// Clone returns a deep copy so callers cannot alias slices of the canonical set.
func (p PullRequest) Clone() PullRequest {
	c := p
	if p.Assignees != nil {
		c.Assignees = append([]Account(nil), p.Assignees...)
	}
	if p.Reviews != nil {
		c.Reviews = append([]Review(nil), p.Reviews...)
	}
	if p.MergedAt != nil {
		t := *p.MergedAt
		c.MergedAt = &t
	}
	if p.Mergeable != nil {
		b := *p.Mergeable
		c.Mergeable = &b
	}
	return c
}

func (p PullRequest) HasAssignee(login string) bool {
	for _, a := range p.Assignees {
		if a.Login == login {
			return true
		}
	}
	return false
}

// AddAssignee appends login with the default avatar. Returns false if already assigned.
func (p *PullRequest) AddAssignee(login string) bool {
	if p.HasAssignee(login) {
		return false
	}
	p.Assignees = append(p.Assignees, Account{Login: login, AvatarURL: DefaultAvatarURL(login)})
	return true
}

// RemoveAssignee returns false if login was not assigned.
func (p *PullRequest) RemoveAssignee(login string) bool {
	out := make([]Account, 0, len(p.Assignees))
	removed := false
	for _, a := range p.Assignees {
		if a.Login == login {
			removed = true
			continue
		}
		out = append(out, a)
	}
	p.Assignees = out
	return removed
}

// LatestReviews returns the most recent review of every reviewer, newest first.
func (p PullRequest) LatestReviews() []Review {
	sorted := append([]Review(nil), p.Reviews...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SubmittedAt.After(sorted[j].SubmittedAt)
	})
	seen := make(map[string]bool, len(sorted))
	latest := make([]Review, 0, len(sorted))
	for _, r := range sorted {
		if seen[r.User.Login] {
			continue
		}
		seen[r.User.Login] = true
		latest = append(latest, r)
	}
	return latest
}

// FirstReviewAt returns the earliest review submission, if any.
func (p PullRequest) FirstReviewAt() (time.Time, bool) {
	var first time.Time
	for _, r := range p.Reviews {
		if r.SubmittedAt.IsZero() {
			continue
		}
		if first.IsZero() || r.SubmittedAt.Before(first) {
			first = r.SubmittedAt
		}
	}
	return first, !first.IsZero()
}
