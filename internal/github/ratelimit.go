// internal/github/ratelimit.go
package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github-activity-aggregator/internal/model"
)

const (
	// defaultQuota is the authenticated core API quota (5000/hour).
	defaultQuota = 5000

	// proactiveRate throttles outgoing requests to ~1.2 req/sec so a long
	// aggregation run stays under the hourly quota on its own.
	proactiveRate = 1.2

	// minBuffer is the remaining-quota floor below which the limiter waits
	// for the reset instead of spending the reserve.
	minBuffer = 100

	// lowQuotaWarning is the advisory threshold for CheckRateLimit.
	lowQuotaWarning = 250

	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateReset     = "X-RateLimit-Reset"
)

// RateLimiter combines a proactive token bucket with reactive state fed from
// GitHub's rate-limit response headers.
type RateLimiter struct {
	mu        sync.Mutex
	remaining int
	limit     int
	resetTime time.Time
	bucket    *rate.Limiter
}

// NewRateLimiter creates a limiter that assumes a full quota until the first
// response headers arrive. The bucket allows a short burst so one batch of
// concurrent fetches is not serialized.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		remaining: defaultQuota,
		limit:     defaultQuota,
		bucket:    rate.NewLimiter(rate.Limit(proactiveRate), 10),
	}
}

// Wait blocks until it is safe to make a request. When the tracked remaining
// quota is below the reserve, it waits out the reset window.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.bucket.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	remaining := r.remaining
	resetTime := r.resetTime
	r.mu.Unlock()

	if remaining < minBuffer && time.Now().Before(resetTime) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(resetTime)):
		}
	}

	return nil
}

// UpdateFromResponse folds rate-limit headers from a response into the
// limiter's reactive state.
func (r *RateLimiter) UpdateFromResponse(resp *http.Response) {
	if resp == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v := resp.Header.Get(headerRateRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.remaining = n
		}
	}
	if v := resp.Header.Get(headerRateLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.limit = n
		}
	}
	if v := resp.Header.Get(headerRateReset); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.resetTime = time.Unix(unix, 0)
		}
	}
}

// Remaining returns the tracked remaining quota.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// CheckRateLimit fetches the current core quota. It is advisory: on any
// failure it logs a warning and returns nil so the caller's larger operation
// is never failed by telemetry.
func (c *Client) CheckRateLimit(ctx context.Context, label string) *model.RateLimitStatus {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		c.logger.Warn("Rate limit check failed", "label", label, "error", err)
		return nil
	}

	core := limits.GetCore()
	if core == nil {
		c.logger.Warn("Rate limit response had no core bucket", "label", label)
		return nil
	}

	status := &model.RateLimitStatus{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetAt:   core.Reset.Time,
	}

	if status.Remaining < lowQuotaWarning {
		c.logger.Warn("GitHub API quota is running low",
			"label", label,
			"remaining", status.Remaining,
			"limit", status.Limit,
			"reset_at", status.ResetAt,
		)
	} else {
		c.logger.Debug("GitHub API quota checked",
			"label", label,
			"remaining", status.Remaining,
			"limit", status.Limit,
		)
	}

	return status
}
