// internal/github/commits.go
package github

import (
	"context"
	"time"

	"github.com/google/go-github/v62/github"

	"github-activity-aggregator/internal/model"
)

// ListCommits fetches all commits for one repository inside a date window,
// optionally filtered by author. It handles API pagination transparently and
// annotates every commit with the owner/name it came from. Errors propagate
// raw; the aggregator decides the degrade policy.
func (c *Client) ListCommits(ctx context.Context, owner, repo string, since, until time.Time, author string) ([]model.Commit, error) {
	fullName := owner + "/" + repo
	var all []model.Commit

	opts := &github.CommitsListOptions{
		Since:       since,
		Until:       until,
		Author:      author,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		c.logger.Debug("Fetching commits page", "repo", fullName, "page", opts.Page, "author", author)

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		c.limiter.UpdateFromResponse(resp.Response)

		for _, commit := range commits {
			all = append(all, toCommit(commit, fullName))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// toCommit translates a github.RepositoryCommit to our internal model.
func toCommit(c *github.RepositoryCommit, repoFullName string) model.Commit {
	return model.Commit{
		SHA:          c.GetSHA(),
		AuthorName:   c.GetCommit().GetAuthor().GetName(),
		AuthorLogin:  c.GetAuthor().GetLogin(),
		AuthorEmail:  c.GetCommit().GetAuthor().GetEmail(),
		Message:      c.GetCommit().GetMessage(),
		HTMLURL:      c.GetHTMLURL(),
		CommitDate:   c.GetCommit().GetAuthor().GetDate().Time,
		RepoFullName: repoFullName,
	}
}
