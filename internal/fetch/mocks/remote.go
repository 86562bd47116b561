package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

// Remote is a testify mock of fetch.Remote.
type Remote struct {
	mock.Mock
}

func NewRemote(t interface {
	mock.TestingT
	Cleanup(func())
}) *Remote {
	m := &Remote{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Remote) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]domain.PullRequest, error) {
	args := m.Called(ctx, owner, repo)
	prs, _ := args.Get(0).([]domain.PullRequest)
	return clonePRs(prs), args.Error(1)
}

func (m *Remote) ListAllPullRequests(ctx context.Context, owner, repo string) ([]domain.PullRequest, error) {
	args := m.Called(ctx, owner, repo)
	prs, _ := args.Get(0).([]domain.PullRequest)
	return clonePRs(prs), args.Error(1)
}

func (m *Remote) GetPullRequest(ctx context.Context, owner, repo string, number int) (*domain.PullRequest, error) {
	args := m.Called(ctx, owner, repo, number)
	pr, _ := args.Get(0).(*domain.PullRequest)
	if pr != nil {
		c := pr.Clone()
		pr = &c
	}
	return pr, args.Error(1)
}

func (m *Remote) ListReviews(ctx context.Context, owner, repo string, number int) ([]domain.Review, error) {
	args := m.Called(ctx, owner, repo, number)
	reviews, _ := args.Get(0).([]domain.Review)
	return reviews, args.Error(1)
}

func (m *Remote) AddAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error {
	return m.Called(ctx, owner, repo, number, usernames).Error(0)
}

func (m *Remote) RemoveAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error {
	return m.Called(ctx, owner, repo, number, usernames).Error(0)
}

// clonePRs keeps callers from mutating the slice registered with Return.
func clonePRs(prs []domain.PullRequest) []domain.PullRequest {
	if prs == nil {
		return nil
	}
	out := make([]domain.PullRequest, len(prs))
	for i, p := range prs {
		out[i] = p.Clone()
	}
	return out
}
