package gitcoord

import (
	"context"

	"github.com/google/go-github/v68/github"
)

// githubClient is the subset of the GitHub API the coordinator needs to
// open and look up pull requests.
type githubClient interface {
	// GetPullRequestByBranch returns the URL of an open PR with the given
	// head branch, or "" if none exists.
	GetPullRequestByBranch(ctx context.Context, owner, repo, branch string) (string, error)
	// CreateDraftPullRequest opens a draft PR and returns its URL.
	CreateDraftPullRequest(ctx context.Context, owner, repo, base, head, title, body string) (string, error)
}

type githubPRClient struct {
	gh *github.Client
}

// NewGitHubClient constructs a githubClient authenticated with a personal
// access token. Returns nil if token is empty, matching the pack's
// "absent credential disables the feature" convention.
func NewGitHubClient(token string) githubClient {
	if token == "" {
		return nil
	}
	return &githubPRClient{gh: github.NewClient(nil).WithAuthToken(token)}
}

func (c *githubPRClient) GetPullRequestByBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return "", err
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].GetHTMLURL(), nil
}

func (c *githubPRClient) CreateDraftPullRequest(ctx context.Context, owner, repo, base, head, title, body string) (string, error) {
	draft := true
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
		Draft: &draft,
	})
	if err != nil {
		return "", err
	}
	return pr.GetHTMLURL(), nil
}
