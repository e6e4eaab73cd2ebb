// internal/aggregator/aggregator.go
package aggregator

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github-activity-aggregator/internal/github"
	"github-activity-aggregator/internal/model"
)

// defaultBatchSize bounds how many repositories are fetched concurrently
// within one batch.
const defaultBatchSize = 5

// UserGroupKey is the partition key for repositories fetched with the user
// token.
const UserGroupKey = "user"

// InstallationGroupKey builds the partition key for repositories fetched
// through an installation.
func InstallationGroupKey(id int64) string {
	return "installation:" + strconv.FormatInt(id, 10)
}

// Group binds one credential's client to the repositories it should fetch.
type Group struct {
	Client *github.Client
	Repos  []model.Repository
}

// Aggregator fetches commits across many repositories in fixed-size
// concurrent batches, with a progressive author-filter fallback.
type Aggregator struct {
	logger    *slog.Logger
	batchSize int
}

// New creates an Aggregator. A non-positive batchSize falls back to the
// default.
func New(logger *slog.Logger, batchSize int) *Aggregator {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Aggregator{logger: logger, batchSize: batchSize}
}

// FetchForRepository fetches one repository's commits for the window. It
// never propagates a failure: a broken or inaccessible repository logs an
// error and contributes nothing, so one bad repository cannot sink a
// multi-repository sweep. Callers who need fail-loud semantics use the
// discovery APIs instead.
func (a *Aggregator) FetchForRepository(ctx context.Context, client *github.Client, owner, repo string, since, until time.Time, author string) []model.Commit {
	commits, err := client.ListCommits(ctx, owner, repo, since, until, author)
	if err != nil {
		a.logger.Error("Fetching commits failed, continuing without this repository",
			"owner", owner, "repo", repo, "author", author, "error", err)
		return nil
	}
	return commits
}

// pass is one full sweep over all target repositories with a fixed author
// strategy.
type pass struct {
	name   string
	author string
}

// buildPasses returns the author-fallback ladder for one aggregation call.
// With no requested author there is nothing to relax, so a single
// unfiltered pass suffices. Otherwise: the requested author, then the owner
// login of the first repository, then no filter at all. The owner-login pass
// trades precision for recall: commit-author identities often differ from
// the platform login but match the repository owner. It can also attribute
// someone else's commits in repositories owned by the requested user, which
// is accepted behavior here.
func buildPasses(requested, fallbackOwner string) []pass {
	if requested == "" {
		return []pass{{name: "unfiltered"}}
	}
	passes := []pass{{name: "requested-author", author: requested}}
	if fallbackOwner != "" && fallbackOwner != requested {
		passes = append(passes, pass{name: "owner-login", author: fallbackOwner})
	}
	return append(passes, pass{name: "unfiltered"})
}

// FetchForRepositories fetches commits for every repository in the mapping
// over the date window. Passes run sequentially and stop at the first one
// that yields commits; repositories within one batch run concurrently,
// batches run one after another. Result order follows batch completion, not
// the input repository order. An all-passes-empty outcome returns an empty
// list, never an error.
func (a *Aggregator) FetchForRepositories(ctx context.Context, groups map[string]Group, since, until time.Time, author string) []model.Commit {
	keys := sortedKeys(groups)

	total := 0
	for _, key := range keys {
		total += len(groups[key].Repos)
	}
	if total == 0 {
		return []model.Commit{}
	}

	for _, p := range buildPasses(author, a.fallbackOwner(groups, keys)) {
		a.logger.Info("Starting aggregation pass",
			"pass", p.name, "author", p.author, "repositories", total)

		commits := a.sweep(ctx, groups, keys, since, until, p.author)
		if len(commits) > 0 {
			a.logger.Info("Aggregation pass yielded commits",
				"pass", p.name, "count", len(commits))
			return commits
		}
		if ctx.Err() != nil {
			break
		}
		a.logger.Info("Aggregation pass yielded no commits", "pass", p.name)
	}

	return []model.Commit{}
}

// fallbackOwner picks the owner login used by the owner-login pass: the
// first repository of the first group in sorted key order, so the choice is
// deterministic across runs.
func (a *Aggregator) fallbackOwner(groups map[string]Group, keys []string) string {
	for _, key := range keys {
		if repos := groups[key].Repos; len(repos) > 0 {
			return repos[0].Owner
		}
	}
	return ""
}

// sweep runs one pass over every group's repositories in batches. Batch
// members fetch concurrently and merge their results under a lock; batches
// themselves run sequentially so peak concurrency stays bounded.
func (a *Aggregator) sweep(ctx context.Context, groups map[string]Group, keys []string, since, until time.Time, author string) []model.Commit {
	var (
		mu  sync.Mutex
		all []model.Commit
	)

	for _, key := range keys {
		group := groups[key]
		for start := 0; start < len(group.Repos); start += a.batchSize {
			if ctx.Err() != nil {
				return all
			}
			end := min(start+a.batchSize, len(group.Repos))

			g, gctx := errgroup.WithContext(ctx)
			for _, repo := range group.Repos[start:end] {
				repo := repo
				g.Go(func() error {
					commits := a.FetchForRepository(gctx, group.Client, repo.Owner, repo.Name, since, until, author)
					if len(commits) == 0 {
						return nil
					}
					mu.Lock()
					all = append(all, commits...)
					mu.Unlock()
					return nil
				})
			}
			_ = g.Wait() // members never return errors, they degrade
		}
	}

	return all
}

// PartitionByInstallation splits discovered repositories into credential
// groups: repositories whose owner has an installation go under that
// installation's key, everything else defaults to the user-token group.
func PartitionByInstallation(repos []model.Repository, installationByOwner map[string]int64) map[string][]model.Repository {
	out := make(map[string][]model.Repository)
	for _, r := range repos {
		key := UserGroupKey
		if id, ok := installationByOwner[r.Owner]; ok {
			key = InstallationGroupKey(id)
		}
		out[key] = append(out[key], r)
	}
	return out
}

func sortedKeys(groups map[string]Group) []string {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
