package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

// Remote is the GitHub capability the coordinator and the daemon consume.
type Remote interface {
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]domain.PullRequest, error)
	ListAllPullRequests(ctx context.Context, owner, repo string) ([]domain.PullRequest, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*domain.PullRequest, error)
	ListReviews(ctx context.Context, owner, repo string, number int) ([]domain.Review, error)
	AddAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error
	RemoveAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error
}

type Options struct {
	RepoConcurrency int
	PRConcurrency   int
}

type Coordinator struct {
	remote Remote
	opts   Options
	logger *slog.Logger
}

func New(remote Remote, opts Options, logger *slog.Logger) *Coordinator {
	if opts.RepoConcurrency <= 0 {
		opts.RepoConcurrency = 8
	}
	if opts.PRConcurrency <= 0 {
		opts.PRConcurrency = 10
	}
	return &Coordinator{remote: remote, opts: opts, logger: logger}
}

type listFunc func(ctx context.Context, owner, repo string) ([]domain.PullRequest, error)

// FetchOpen fetches open PRs with details for the live view.
func (c *Coordinator) FetchOpen(ctx context.Context, repos []domain.Repository) *Batch {
	return c.fetchBatch(ctx, repos, c.remote.ListOpenPullRequests)
}

// FetchAll fetches every PR regardless of state for statistics. Much heavier
// than FetchOpen on old repositories.
func (c *Coordinator) FetchAll(ctx context.Context, repos []domain.Repository) *Batch {
	return c.fetchBatch(ctx, repos, c.remote.ListAllPullRequests)
}

// FetchRepo fetches the open PRs of a single repository.
func (c *Coordinator) FetchRepo(ctx context.Context, repo domain.Repository) ([]domain.PullRequest, error) {
	return c.fetchRepo(ctx, repo, c.remote.ListOpenPullRequests)
}

// FetchPR fetches the current detail and reviews of one PR. Unlike batch
// fetches, a detail failure is returned to the caller.
func (c *Coordinator) FetchPR(ctx context.Context, repo domain.Repository, number int) (*domain.PullRequest, error) {
	pr, err := c.remote.GetPullRequest(ctx, repo.Owner(), repo.Repo(), number)
	if err != nil {
		return nil, fmt.Errorf("fetch %s#%d: %w", repo.FullName(), number, err)
	}
	pr.RepoURL = repo.URL
	if pr.MergeableState == "" {
		pr.MergeableState = domain.MergeableUnknown
	}

	reviews, err := c.remote.ListReviews(ctx, repo.Owner(), repo.Repo(), number)
	if err != nil {
		c.logger.Warn("list reviews failed", "repo", repo.FullName(), "pr", number, "err", err)
		reviews = []domain.Review{}
	}
	pr.Reviews = reviews
	return pr, nil
}

// fetchBatch runs every repository to completion; one failure never cancels the others.
func (c *Coordinator) fetchBatch(ctx context.Context, repos []domain.Repository, list listFunc) *Batch {
	results := make([]RepoResult, len(repos))

	var g errgroup.Group
	g.SetLimit(c.opts.RepoConcurrency)
	for i, repo := range repos {
		g.Go(func() error {
			prs, err := c.fetchRepo(ctx, repo, list)
			if err != nil {
				c.logger.Warn("fetch repo failed", "repo", repo.FullName(), "err", err)
			}
			results[i] = RepoResult{Repo: repo, PRs: prs, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return &Batch{Results: results}
}

func (c *Coordinator) fetchRepo(ctx context.Context, repo domain.Repository, list listFunc) ([]domain.PullRequest, error) {
	owner, name := repo.Owner(), repo.Repo()

	prs, err := list(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(c.opts.PRConcurrency)
	for i := range prs {
		g.Go(func() error {
			c.fillDetail(ctx, repo, &prs[i])
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("fetched repo", "repo", repo.FullName(), "prs", len(prs))
	return prs, nil
}

// fillDetail upgrades a list-level PR in place, degrading instead of failing.
func (c *Coordinator) fillDetail(ctx context.Context, repo domain.Repository, pr *domain.PullRequest) {
	pr.RepoURL = repo.URL

	detail, err := c.remote.GetPullRequest(ctx, repo.Owner(), repo.Repo(), pr.Number)
	if err != nil {
		c.logger.Warn("PR detail failed, using list data", "repo", repo.FullName(), "pr", pr.Number, "err", err)
		pr.Degrade()
		return
	}
	pr.Upgrade(*detail)

	reviews, err := c.remote.ListReviews(ctx, repo.Owner(), repo.Repo(), pr.Number)
	if err != nil {
		c.logger.Warn("list reviews failed", "repo", repo.FullName(), "pr", pr.Number, "err", err)
		reviews = []domain.Review{}
	}
	pr.Reviews = reviews
}

type RepoResult struct {
	Repo domain.Repository
	PRs  []domain.PullRequest
	Err  error
}

// Batch holds the settled outcome of every repository in one fetch.
type Batch struct {
	Results []RepoResult
}

func (b *Batch) Succeeded() []RepoResult {
	var ok []RepoResult
	for _, r := range b.Results {
		if r.Err == nil {
			ok = append(ok, r)
		}
	}
	return ok
}

func (b *Batch) Failed() []RepoResult {
	var failed []RepoResult
	for _, r := range b.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// PullRequests concatenates the PRs of every successful repository.
func (b *Batch) PullRequests() []domain.PullRequest {
	var prs []domain.PullRequest
	for _, r := range b.Results {
		if r.Err == nil {
			prs = append(prs, r.PRs...)
		}
	}
	return prs
}

// Err returns the first SSO error in repository order if there is one,
// otherwise every failure joined, otherwise nil.
func (b *Batch) Err() error {
	var errs []error
	for _, r := range b.Results {
		if r.Err == nil {
			continue
		}
		if domain.IsSSO(r.Err) {
			return r.Err
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Repo.FullName(), r.Err))
	}
	return errors.Join(errs...)
}
