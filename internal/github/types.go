package github

import (
	"time"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

type account struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type pull struct {
	ID             int64      `json:"id"`
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	State          string     `json:"state"`
	Draft          bool       `json:"draft"`
	User           account    `json:"user"`
	Assignees      []account  `json:"assignees"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	MergedAt       *time.Time `json:"merged_at"`
	Comments       int        `json:"comments"`
	ReviewComments int        `json:"review_comments"`
	HTMLURL        string     `json:"html_url"`
	Mergeable      *bool      `json:"mergeable"`
	MergeableState string     `json:"mergeable_state"`
	Base           struct {
		Ref  string `json:"ref"`
		Repo struct {
			Name     string `json:"name"`
			FullName string `json:"full_name"`
			HTMLURL  string `json:"html_url"`
		} `json:"repo"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (p pull) toDomain() domain.PullRequest {
	assignees := make([]domain.Account, 0, len(p.Assignees))
	for _, a := range p.Assignees {
		assignees = append(assignees, domain.Account(a))
	}
	return domain.PullRequest{
		ID:        p.ID,
		Number:    p.Number,
		Title:     p.Title,
		State:     domain.PRState(p.State),
		Draft:     p.Draft,
		Author:    domain.Account(p.User),
		Assignees: assignees,
		Base: domain.BaseRef{
			Ref:  p.Base.Ref,
			Repo: domain.BaseRepo{Name: p.Base.Repo.Name, FullName: p.Base.Repo.FullName},
		},
		HeadRef:        p.Head.Ref,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		MergedAt:       p.MergedAt,
		Comments:       p.Comments,
		ReviewComments: p.ReviewComments,
		HTMLURL:        p.HTMLURL,
		RepoURL:        p.Base.Repo.HTMLURL,
		Reviews:        []domain.Review{},
		Mergeable:      p.Mergeable,
		MergeableState: domain.ParseMergeableState(p.MergeableState),
	}
}

type review struct {
	ID          int64     `json:"id"`
	User        account   `json:"user"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (r review) toDomain() domain.Review {
	return domain.Review{
		ID:          r.ID,
		User:        domain.Account(r.User),
		State:       domain.ReviewState(r.State),
		SubmittedAt: r.SubmittedAt,
	}
}
