package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
	"github.com/marcin-skalski/pr-watcher/internal/fetch/mocks"
	"github.com/marcin-skalski/pr-watcher/internal/logging"
)

var (
	gateway = domain.Repository{URL: "https://github.com/acme/gateway", Name: "gateway"}
	nexus   = domain.Repository{URL: "https://github.com/acme/nexus", Name: "nexus"}
	legacy  = domain.Repository{URL: "https://github.com/acme/legacy", Name: "legacy"}
)

func newCoordinator(t *testing.T) (*Coordinator, *mocks.Remote) {
	remote := mocks.NewRemote(t)
	return New(remote, Options{RepoConcurrency: 2, PRConcurrency: 2}, logging.NewDiscard()), remote
}

func listed(numbers ...int) []domain.PullRequest {
	prs := make([]domain.PullRequest, len(numbers))
	for i, n := range numbers {
		prs[i] = domain.PullRequest{Number: n, Title: "list", State: domain.PRStateOpen}
	}
	return prs
}

func TestFetchOpen_UpgradesWithDetailAndReviews(t *testing.T) {
	c, remote := newCoordinator(t)
	yes := true

	remote.On("ListOpenPullRequests", mock.Anything, "acme", "gateway").Return(listed(1), nil)
	remote.On("GetPullRequest", mock.Anything, "acme", "gateway", 1).Return(&domain.PullRequest{
		Number: 1, State: domain.PRStateOpen, Comments: 5, ReviewComments: 2,
		Mergeable: &yes, MergeableState: domain.MergeableClean,
	}, nil)
	remote.On("ListReviews", mock.Anything, "acme", "gateway", 1).Return([]domain.Review{
		{ID: 1, User: domain.Account{Login: "bob"}, State: domain.ReviewApproved},
	}, nil)

	batch := c.FetchOpen(context.Background(), []domain.Repository{gateway})

	require.NoError(t, batch.Err())
	prs := batch.PullRequests()
	require.Len(t, prs, 1)
	assert.Equal(t, gateway.URL, prs[0].RepoURL)
	assert.Equal(t, "list", prs[0].Title)
	assert.Equal(t, 5, prs[0].Comments)
	assert.Equal(t, domain.MergeableClean, prs[0].MergeableState)
	assert.Len(t, prs[0].Reviews, 1)
}

func TestFetchOpen_DetailFailureDegrades(t *testing.T) {
	c, remote := newCoordinator(t)

	basic := listed(1, 2)
	basic[0].Comments = 9
	remote.On("ListOpenPullRequests", mock.Anything, "acme", "gateway").Return(basic, nil)
	remote.On("GetPullRequest", mock.Anything, "acme", "gateway", 1).Return(nil, errors.New("timeout"))
	remote.On("GetPullRequest", mock.Anything, "acme", "gateway", 2).Return(&domain.PullRequest{Number: 2, State: domain.PRStateOpen, Comments: 1}, nil)
	remote.On("ListReviews", mock.Anything, "acme", "gateway", 2).Return(nil, errors.New("boom"))

	batch := c.FetchOpen(context.Background(), []domain.Repository{gateway})

	require.NoError(t, batch.Err())
	prs := batch.PullRequests()
	require.Len(t, prs, 2, "a failed detail fetch never drops the PR")
	assert.Zero(t, prs[0].Comments)
	assert.Zero(t, prs[0].ReviewComments)
	assert.Empty(t, prs[0].Reviews)
	assert.Equal(t, 1, prs[1].Comments)
	assert.NotNil(t, prs[1].Reviews)
	assert.Empty(t, prs[1].Reviews)
	remote.AssertNotCalled(t, "ListReviews", mock.Anything, "acme", "gateway", 1)
}

func TestFetchOpen_RepoFailureIsIsolated(t *testing.T) {
	c, remote := newCoordinator(t)

	remote.On("ListOpenPullRequests", mock.Anything, "acme", "gateway").Return(nil, errors.New("connection reset"))
	remote.On("ListOpenPullRequests", mock.Anything, "acme", "nexus").Return([]domain.PullRequest{}, nil)

	batch := c.FetchOpen(context.Background(), []domain.Repository{gateway, nexus})

	require.Len(t, batch.Succeeded(), 1)
	assert.Equal(t, nexus.URL, batch.Succeeded()[0].Repo.URL)
	require.Len(t, batch.Failed(), 1)
	assert.Equal(t, gateway.URL, batch.Failed()[0].Repo.URL)
	assert.ErrorContains(t, batch.Err(), "acme/gateway")
	assert.False(t, domain.IsSSO(batch.Err()))
}

func TestFetchOpen_SSOErrorTakesPrecedence(t *testing.T) {
	c, remote := newCoordinator(t)

	sso := &domain.SSOError{Owner: "acme", Repo: "nexus", Err: errors.New("SAML enforcement")}
	remote.On("ListOpenPullRequests", mock.Anything, "acme", "gateway").Return(nil, errors.New("network unreachable"))
	remote.On("ListOpenPullRequests", mock.Anything, "acme", "nexus").Return(nil, sso)
	remote.On("ListOpenPullRequests", mock.Anything, "acme", "legacy").Return([]domain.PullRequest{}, nil)

	batch := c.FetchOpen(context.Background(), []domain.Repository{gateway, nexus, legacy})

	var got *domain.SSOError
	require.True(t, errors.As(batch.Err(), &got))
	assert.Equal(t, "nexus", got.Repo)
	assert.Len(t, batch.Succeeded(), 1)
}

func TestFetchAll_UsesAllStateListing(t *testing.T) {
	c, remote := newCoordinator(t)

	closed := listed(3)
	closed[0].State = domain.PRStateClosed
	remote.On("ListAllPullRequests", mock.Anything, "acme", "gateway").Return(closed, nil)
	remote.On("GetPullRequest", mock.Anything, "acme", "gateway", 3).Return(&closed[0], nil)
	remote.On("ListReviews", mock.Anything, "acme", "gateway", 3).Return([]domain.Review{}, nil)

	batch := c.FetchAll(context.Background(), []domain.Repository{gateway})

	require.NoError(t, batch.Err())
	require.Len(t, batch.PullRequests(), 1)
	assert.Equal(t, domain.PRStateClosed, batch.PullRequests()[0].State)
	remote.AssertNotCalled(t, "ListOpenPullRequests", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchPR(t *testing.T) {
	c, remote := newCoordinator(t)

	remote.On("GetPullRequest", mock.Anything, "acme", "gateway", 4).Return(&domain.PullRequest{Number: 4, State: domain.PRStateClosed}, nil).Once()
	remote.On("ListReviews", mock.Anything, "acme", "gateway", 4).Return([]domain.Review{}, nil).Once()
	remote.On("GetPullRequest", mock.Anything, "acme", "gateway", 5).Return(nil, domain.ErrNotFound).Once()

	pr, err := c.FetchPR(context.Background(), gateway, 4)
	require.NoError(t, err)
	assert.Equal(t, gateway.URL, pr.RepoURL)
	assert.Equal(t, domain.MergeableUnknown, pr.MergeableState)

	_, err = c.FetchPR(context.Background(), gateway, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
