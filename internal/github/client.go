// internal/github/client.go
package github

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github-activity-aggregator/internal/config"
	custom_errors "github-activity-aggregator/internal/errors"
	"github-activity-aggregator/internal/model"
)

// installationTokenTTL is the fixed lifetime GitHub grants installation
// access tokens. The ghinstallation transport renews tokens on its own; the
// expiry recorded on the client exists so callers can honor the
// one-aggregation-call credential lifetime rule.
const installationTokenTTL = time.Hour

// Credential selects exactly one authentication path for an aggregation
// session: a user access token, or a GitHub App installation. When both are
// set, the installation takes priority.
type Credential struct {
	UserToken      string
	InstallationID int64
}

// Client is a wrapper around the go-github client bound to one credential.
// It is borrowed by discovery and aggregation for the duration of a single
// call and holds no mutable state beyond the rate limiter.
type Client struct {
	gh      *github.Client
	logger  *slog.Logger
	limiter *RateLimiter

	// TokenExpiry is zero for user-token clients. Installation clients are
	// invalid after it passes.
	TokenExpiry time.Time
}

// Provider constructs authenticated clients from credentials. It owns the
// GitHub App identity; nothing else in the module reads the private key.
type Provider struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewProvider creates a credential provider.
func NewProvider(cfg *config.Config, logger *slog.Logger) *Provider {
	return &Provider{cfg: cfg, logger: logger}
}

// UserClient wraps a user access token in a bearer-authenticated client.
// No network call is made; this cannot fail.
func (p *Provider) UserClient(token string) *Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return &Client{
		gh:      p.newGithubClient(tc),
		logger:  p.logger,
		limiter: NewRateLimiter(),
	}
}

// InstallationClient exchanges the configured App identity for a short-lived
// installation access token and returns a client bound to it. The exchange
// is forced eagerly so a rejected installation surfaces here rather than on
// the first discovery call.
func (p *Provider) InstallationClient(ctx context.Context, installationID int64) (*Client, error) {
	if !p.cfg.HasAppCredentials() {
		return nil, custom_errors.NewConfig("GitHub App credentials are not configured (GITHUB_APP_ID and GITHUB_APP_PRIVATE_KEY are required)")
	}

	transport, err := ghinstallation.New(http.DefaultTransport, p.cfg.GithubAppID, installationID, []byte(p.cfg.PrivateKeyPEM))
	if err != nil {
		return nil, custom_errors.NewConfig("GitHub App private key could not be parsed: " + err.Error())
	}
	if p.cfg.GithubAPIBaseURL != "" {
		transport.BaseURL = strings.TrimSuffix(p.cfg.GithubAPIBaseURL, "/")
	}

	if _, err := transport.Token(ctx); err != nil {
		return nil, custom_errors.NewAuth("installation access token exchange was rejected", http.StatusUnauthorized, err)
	}

	return &Client{
		gh:          p.newGithubClient(&http.Client{Transport: transport}),
		logger:      p.logger,
		limiter:     NewRateLimiter(),
		TokenExpiry: time.Now().Add(installationTokenTTL),
	}, nil
}

// ResolveInstallations lists the installations visible to a user token,
// filtered to installations of this App. An empty result is not an error.
func (p *Provider) ResolveInstallations(ctx context.Context, userToken string) ([]model.Installation, error) {
	client := p.UserClient(userToken)

	var all []model.Installation
	opts := &github.ListOptions{PerPage: 100}
	for {
		if err := client.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		installations, resp, err := client.gh.Apps.ListUserInstallations(ctx, opts)
		if err != nil {
			return nil, custom_errors.Classify(p.logger, "ResolveInstallations", err, map[string]any{
				"page": opts.Page,
			})
		}
		client.limiter.UpdateFromResponse(resp.Response)

		for _, inst := range installations {
			if !p.ownsInstallation(inst) {
				continue
			}
			all = append(all, toInstallation(inst))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// CheckInstallation returns the id of the first installation of this App
// visible to the user token, or nil when there is none.
func (p *Provider) CheckInstallation(ctx context.Context, userToken string) (*int64, error) {
	installations, err := p.ResolveInstallations(ctx, userToken)
	if err != nil {
		return nil, err
	}
	if len(installations) == 0 {
		return nil, nil
	}
	return &installations[0].ID, nil
}

// ownsInstallation reports whether an installation belongs to this App,
// matched by app id, or by app slug when no id is configured.
func (p *Provider) ownsInstallation(inst *github.Installation) bool {
	if p.cfg.GithubAppID != 0 {
		return inst.GetAppID() == p.cfg.GithubAppID
	}
	if p.cfg.GithubAppSlug != "" {
		return inst.GetAppSlug() == p.cfg.GithubAppSlug
	}
	return false
}

// newGithubClient builds a go-github client, pointed at the configured API
// base URL when one is set (used against GitHub Enterprise and in tests).
func (p *Provider) newGithubClient(httpClient *http.Client) *github.Client {
	client := github.NewClient(httpClient)
	if p.cfg.GithubAPIBaseURL != "" {
		if base, err := url.Parse(strings.TrimSuffix(p.cfg.GithubAPIBaseURL, "/") + "/"); err == nil {
			client.BaseURL = base
		}
	}
	return client
}

// toInstallation translates a github.Installation to our internal model.
func toInstallation(inst *github.Installation) model.Installation {
	return model.Installation{
		ID:            inst.GetID(),
		AccountLogin:  inst.GetAccount().GetLogin(),
		AccountType:   inst.GetAccount().GetType(),
		AppID:         inst.GetAppID(),
		RepoSelection: inst.GetRepositorySelection(),
	}
}
