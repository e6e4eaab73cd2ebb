// internal/github/repos.go
package github

import (
	"context"
	"strings"

	"github.com/google/go-github/v62/github"

	custom_errors "github-activity-aggregator/internal/errors"
	"github-activity-aggregator/internal/model"
)

const perPage = 100

// mandatoryScope must be granted for user-token discovery; orgScope is
// advisory only.
const (
	mandatoryScope = "repo"
	orgScope       = "read:org"
)

// ListForUser returns every repository visible to the user token: the union
// of owned, collaborator, and organization-member repositories, plus a
// best-effort sweep of each organization's repository list, deduplicated by
// full name with the first occurrence winning.
func (c *Client) ListForUser(ctx context.Context, validateScopes bool) ([]model.Repository, error) {
	if validateScopes {
		if err := c.requireMandatoryScope(ctx); err != nil {
			return nil, err
		}
	}

	affiliated, err := c.listAffiliated(ctx)
	if err != nil {
		return nil, err
	}

	orgRepos := c.listOrganizationRepos(ctx)

	return dedupeByFullName(append(affiliated, orgRepos...)), nil
}

// ListForInstallation returns the repositories accessible to the
// installation the client is bound to. The API guarantees uniqueness, so no
// deduplication is applied.
func (c *Client) ListForInstallation(ctx context.Context) ([]model.Repository, error) {
	var all []model.Repository
	opts := &github.ListOptions{PerPage: perPage}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := c.gh.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, custom_errors.Classify(c.logger, "ListForInstallation", err, map[string]any{
				"page": opts.Page,
			})
		}
		c.limiter.UpdateFromResponse(resp.Response)

		for _, r := range repos.Repositories {
			all = append(all, toRepository(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ListAllRepositories dispatches discovery by credential. The installation
// path takes priority when a caller holds both a user token and a
// discovered installation.
func (p *Provider) ListAllRepositories(ctx context.Context, cred Credential) ([]model.Repository, error) {
	if cred.InstallationID != 0 {
		client, err := p.InstallationClient(ctx, cred.InstallationID)
		if err != nil {
			return nil, err
		}
		return client.ListForInstallation(ctx)
	}
	return p.UserClient(cred.UserToken).ListForUser(ctx, p.cfg.ValidateScopes)
}

// requireMandatoryScope fails fast with an auth error when the token lacks
// the repo scope. A missing read:org scope is only a warning: the org sweep
// degrades, it does not break.
func (c *Client) requireMandatoryScope(ctx context.Context) error {
	scopes, err := c.tokenScopes(ctx)
	if err != nil {
		return err
	}
	// Fine-grained tokens report no classic scopes at all; the scope gate
	// only applies when the header carried something to check.
	if len(scopes) == 0 {
		c.logger.Debug("Token reports no OAuth scopes, skipping scope validation")
		return nil
	}
	if ok, missing := ValidateScopes(scopes, []string{mandatoryScope}); !ok {
		return custom_errors.NewAuth(
			"token is missing the required \""+mandatoryScope+"\" scope (missing: "+strings.Join(missing, ", ")+")",
			0, nil,
		)
	}
	if ok, _ := ValidateScopes(scopes, []string{orgScope}); !ok {
		c.logger.Warn("Token is missing the read:org scope, organization repositories may be incomplete")
	}
	return nil
}

// listAffiliated pages through the combined-affiliation repository listing.
func (c *Client) listAffiliated(ctx context.Context) ([]model.Repository, error) {
	var all []model.Repository
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Visibility:  "all",
		Affiliation: "owner,collaborator,organization_member",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, custom_errors.Classify(c.logger, "listAffiliated", err, map[string]any{
				"page": opts.Page,
			})
		}
		c.limiter.UpdateFromResponse(resp.Response)

		for _, r := range repos {
			all = append(all, toRepository(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// listOrganizationRepos enumerates the user's organizations and lists each
// one's repositories. The whole step is best-effort: a failure for one
// organization (or for the org listing itself) is logged and skipped so a
// single restrictive org never sinks discovery.
func (c *Client) listOrganizationRepos(ctx context.Context) []model.Repository {
	var all []model.Repository

	orgOpts := &github.ListOptions{PerPage: perPage}
	var orgs []*github.Organization
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return all
		}
		page, resp, err := c.gh.Organizations.List(ctx, "", orgOpts)
		if err != nil {
			c.logger.Warn("Listing organizations failed, skipping org repository sweep", "error", err)
			return all
		}
		c.limiter.UpdateFromResponse(resp.Response)
		orgs = append(orgs, page...)
		if resp.NextPage == 0 {
			break
		}
		orgOpts.Page = resp.NextPage
	}

	for _, org := range orgs {
		login := org.GetLogin()
		repos, err := c.listByOrg(ctx, login)
		if err != nil {
			c.logger.Warn("Listing repositories for organization failed, skipping", "org", login, "error", err)
			continue
		}
		all = append(all, repos...)
	}
	return all
}

func (c *Client) listByOrg(ctx context.Context, org string) ([]model.Repository, error) {
	var all []model.Repository
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := c.gh.Repositories.ListByOrg(ctx, org, opts)
		if err != nil {
			return nil, err
		}
		c.limiter.UpdateFromResponse(resp.Response)

		for _, r := range repos {
			all = append(all, toRepository(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// dedupeByFullName drops later duplicates, first occurrence wins.
func dedupeByFullName(repos []model.Repository) []model.Repository {
	seen := make(map[string]struct{}, len(repos))
	out := make([]model.Repository, 0, len(repos))
	for _, r := range repos {
		if _, ok := seen[r.FullName]; ok {
			continue
		}
		seen[r.FullName] = struct{}{}
		out = append(out, r)
	}
	return out
}

// toRepository translates a github.Repository to our internal model.
func toRepository(r *github.Repository) model.Repository {
	return model.Repository{
		ID:          r.GetID(),
		FullName:    r.GetFullName(),
		Owner:       r.GetOwner().GetLogin(),
		Name:        r.GetName(),
		Private:     r.GetPrivate(),
		HTMLURL:     r.GetHTMLURL(),
		Description: r.Description,
		Language:    r.Language,
		UpdatedAt:   r.GetUpdatedAt().Time,
	}
}
