package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

// runner executes gh with extra environment and returns stdout.
type runner func(ctx context.Context, env []string, args ...string) ([]byte, error)

// Client talks to the GitHub REST API through the gh CLI. The token is passed
// via GH_TOKEN so gh never falls back to its own stored credentials.
type Client struct {
	token  string
	logger *slog.Logger
	run    runner
}

func NewClient(token string, logger *slog.Logger) *Client {
	return &Client{token: token, logger: logger, run: execGH}
}

func (c *Client) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]domain.PullRequest, error) {
	return c.listPulls(ctx, owner, repo, "open", false)
}

// ListAllPullRequests pages through every pull request regardless of state.
func (c *Client) ListAllPullRequests(ctx context.Context, owner, repo string) ([]domain.PullRequest, error) {
	return c.listPulls(ctx, owner, repo, "all", true)
}

func (c *Client) listPulls(ctx context.Context, owner, repo, state string, paginate bool) ([]domain.PullRequest, error) {
	args := []string{
		"api", "-X", "GET",
		fmt.Sprintf("repos/%s/%s/pulls", owner, repo),
		"-f", "state=" + state,
		"-f", "per_page=100",
	}
	if paginate {
		args = append(args, "--paginate")
	}

	out, err := c.gh(ctx, owner, repo, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s PRs: %w", state, err)
	}

	var pulls []pull
	if err := decodePages(out, &pulls); err != nil {
		return nil, fmt.Errorf("parse PRs: %w", err)
	}

	prs := make([]domain.PullRequest, 0, len(pulls))
	for _, p := range pulls {
		prs = append(prs, p.toDomain())
	}
	return prs, nil
}

func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*domain.PullRequest, error) {
	out, err := c.gh(ctx, owner, repo, "api", fmt.Sprintf("repos/%s/%s/pulls/%d", owner, repo, number))
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}

	var p pull
	if err := json.Unmarshal(out, &p); err != nil {
		return nil, fmt.Errorf("parse PR #%d: %w", number, err)
	}

	pr := p.toDomain()
	return &pr, nil
}

func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]domain.Review, error) {
	out, err := c.gh(ctx, owner, repo,
		"api", "-X", "GET",
		fmt.Sprintf("repos/%s/%s/pulls/%d/reviews", owner, repo, number),
		"-f", "per_page=100",
	)
	if err != nil {
		return nil, fmt.Errorf("list reviews PR #%d: %w", number, err)
	}

	var raw []review
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse reviews PR #%d: %w", number, err)
	}

	reviews := make([]domain.Review, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, r.toDomain())
	}
	return reviews, nil
}

func (c *Client) AddAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error {
	return c.assignees(ctx, "POST", owner, repo, number, usernames)
}

func (c *Client) RemoveAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error {
	return c.assignees(ctx, "DELETE", owner, repo, number, usernames)
}

func (c *Client) assignees(ctx context.Context, method, owner, repo string, number int, usernames []string) error {
	args := []string{
		"api", "-X", method,
		fmt.Sprintf("repos/%s/%s/issues/%d/assignees", owner, repo, number),
	}
	for _, u := range usernames {
		args = append(args, "-f", "assignees[]="+u)
	}

	if _, err := c.gh(ctx, owner, repo, args...); err != nil {
		return fmt.Errorf("%s assignees PR #%d: %w", strings.ToLower(method), number, err)
	}
	return nil
}

func (c *Client) gh(ctx context.Context, owner, repo string, args ...string) ([]byte, error) {
	c.logger.Debug("gh", "args", strings.Join(args, " "))
	out, err := c.run(ctx, []string{"GH_TOKEN=" + c.token}, args...)
	if err != nil {
		return nil, classify(owner, repo, err)
	}
	return out, nil
}

func execGH(ctx context.Context, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

// classify maps gh error output onto the domain error taxonomy. SSO wins
// over everything else because it needs the user to act.
func classify(owner, repo string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "SAML") || strings.Contains(msg, "SSO"):
		return &domain.SSOError{Owner: owner, Repo: repo, Err: err}
	case strings.Contains(lower, "rate limit"):
		return fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
	case strings.Contains(msg, "HTTP 401") || strings.Contains(lower, "bad credentials"):
		return fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	case strings.Contains(msg, "HTTP 404"):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	default:
		return err
	}
}

// decodePages reads one JSON array or several concatenated ones, which is
// what gh api --paginate prints.
func decodePages[T any](data []byte, out *[]T) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var page []T
		if err := dec.Decode(&page); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		*out = append(*out, page...)
	}
}
