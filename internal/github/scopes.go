// internal/github/scopes.go
package github

import (
	"context"
	"strings"

	custom_errors "github-activity-aggregator/internal/errors"
)

// scopesHeader is the OAuth scopes header GitHub attaches to responses made
// with classic tokens.
const scopesHeader = "X-OAuth-Scopes"

// ParseScopes splits a comma-delimited scopes header into a list. An empty
// header yields an empty list.
func ParseScopes(headerValue string) []string {
	if strings.TrimSpace(headerValue) == "" {
		return []string{}
	}
	parts := strings.Split(headerValue, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// ValidateScopes reports whether every required scope is granted, and which
// are missing. Pure function, no I/O.
func ValidateScopes(scopes, required []string) (bool, []string) {
	granted := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		granted[s] = struct{}{}
	}

	missing := []string{}
	for _, r := range required {
		if _, ok := granted[r]; !ok {
			missing = append(missing, r)
		}
	}
	return len(missing) == 0, missing
}

// tokenScopes fetches the scopes granted to the client's token by reading
// the scopes header off a cheap authenticated call.
func (c *Client) tokenScopes(ctx context.Context) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	_, resp, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return nil, custom_errors.Classify(c.logger, "tokenScopes", err, nil)
	}
	c.limiter.UpdateFromResponse(resp.Response)
	return ParseScopes(resp.Header.Get(scopesHeader)), nil
}
