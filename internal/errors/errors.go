// internal/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
)

// Kind identifies one of the six classified failure categories. The set is
// closed; callers switch on it to decide whether to retry, re-authenticate,
// or surface the failure.
type Kind string

const (
	KindConfig    Kind = "config"
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindRateLimit Kind = "rate_limit"
	KindAPI       Kind = "api_error"
	KindGeneric   Kind = "generic"
)

// ClassifiedError is the typed outcome of running any GitHub API failure
// through Classify. Status is set for Auth and API kinds, ResetAt for
// RateLimit (zero when the platform did not report one).
type ClassifiedError struct {
	Kind    Kind
	Message string
	Status  int
	ResetAt time.Time
	Cause   error
	Context map[string]any
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// NewConfig reports a missing or invalid operator-supplied setting. It is
// raised before any network call is attempted.
func NewConfig(message string) *ClassifiedError {
	return &ClassifiedError{Kind: KindConfig, Message: message}
}

// NewAuth reports a rejected or under-scoped credential.
func NewAuth(message string, status int, cause error) *ClassifiedError {
	return &ClassifiedError{Kind: KindAuth, Message: message, Status: status, Cause: cause}
}

// secretKeyFragments marks context keys whose values must never reach logs.
var secretKeyFragments = []string{"token", "secret", "key", "authorization", "password"}

// SanitizeContext returns a copy of ctx with credential-bearing values
// replaced. The original map is never mutated.
func SanitizeContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		lower := strings.ToLower(k)
		redacted := false
		for _, frag := range secretKeyFragments {
			if strings.Contains(lower, frag) {
				redacted = true
				break
			}
		}
		if redacted {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}

// Classify converts any failure from the GitHub API into a ClassifiedError.
// Already-classified errors pass through unchanged. fn names the operation
// that failed and appears in the log line alongside the sanitized context;
// the logging is observability only, callers rely solely on the returned
// error.
func Classify(logger *slog.Logger, fn string, err error, ctx map[string]any) *ClassifiedError {
	if logger == nil {
		logger = slog.Default()
	}
	safeCtx := SanitizeContext(ctx)

	var classified *ClassifiedError
	if stderrors.As(err, &classified) {
		logClassified(logger, fn, classified, safeCtx)
		return classified
	}

	classified = classifyRaw(err)
	classified.Context = safeCtx
	logClassified(logger, fn, classified, safeCtx)
	return classified
}

func logClassified(logger *slog.Logger, fn string, ce *ClassifiedError, ctx map[string]any) {
	logger.Error("GitHub API error classified",
		"fn", fn,
		"kind", string(ce.Kind),
		"message", ce.Message,
		"status", ce.Status,
		"context", ctx,
	)
}

func classifyRaw(err error) *ClassifiedError {
	// go-github surfaces primary rate limiting as a dedicated type.
	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) {
		return &ClassifiedError{
			Kind:    KindRateLimit,
			Message: "GitHub API rate limit exceeded",
			ResetAt: rateErr.Rate.Reset.Time,
			Cause:   err,
		}
	}

	// Secondary (abuse) limits carry a Retry-After duration instead of a
	// reset timestamp.
	var abuseErr *github.AbuseRateLimitError
	if stderrors.As(err, &abuseErr) {
		ce := &ClassifiedError{
			Kind:    KindRateLimit,
			Message: "GitHub API secondary rate limit hit",
			Cause:   err,
		}
		if abuseErr.RetryAfter != nil {
			ce.ResetAt = time.Now().Add(*abuseErr.RetryAfter)
		}
		return ce
	}

	var ghErr *github.ErrorResponse
	if stderrors.As(err, &ghErr) && ghErr.Response != nil {
		return classifyResponse(ghErr.Response.StatusCode, ghErr.Response.Header, ghErr.Message, err)
	}

	if err == nil {
		return &ClassifiedError{Kind: KindGeneric, Message: "unknown error"}
	}
	return &ClassifiedError{Kind: KindGeneric, Message: err.Error(), Cause: err}
}

func classifyResponse(status int, headers http.Header, message string, cause error) *ClassifiedError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if resetAt, ok := exhaustedQuotaReset(headers); ok {
			return &ClassifiedError{
				Kind:    KindRateLimit,
				Message: "GitHub API rate limit exceeded",
				ResetAt: resetAt,
				Cause:   cause,
			}
		}
		if mentionsScope(message) {
			return &ClassifiedError{
				Kind:    KindAuth,
				Message: "token is missing a required scope or permission: " + message,
				Status:  status,
				Cause:   cause,
			}
		}
		return &ClassifiedError{
			Kind:    KindAuth,
			Message: "GitHub rejected the credential",
			Status:  status,
			Cause:   cause,
		}
	case status == http.StatusNotFound:
		return &ClassifiedError{Kind: KindNotFound, Message: "resource not found", Status: status, Cause: cause}
	case status == http.StatusTooManyRequests:
		ce := &ClassifiedError{
			Kind:    KindRateLimit,
			Message: "GitHub API rate limit exceeded",
			Cause:   cause,
		}
		if resetAt, ok := parseResetHeader(headers); ok {
			ce.ResetAt = resetAt
		}
		return ce
	case status >= 400 && status < 600:
		return &ClassifiedError{
			Kind:    KindAPI,
			Message: fmt.Sprintf("GitHub API request failed with status %d", status),
			Status:  status,
			Cause:   cause,
		}
	default:
		msg := message
		if msg == "" && cause != nil {
			msg = cause.Error()
		}
		return &ClassifiedError{Kind: KindGeneric, Message: msg, Cause: cause}
	}
}

// exhaustedQuotaReset reports whether the headers carry the zero-remaining
// rate limit signal, and the reset time when they do.
func exhaustedQuotaReset(headers http.Header) (time.Time, bool) {
	if headers.Get("X-RateLimit-Remaining") != "0" {
		return time.Time{}, false
	}
	return parseResetHeader(headers)
}

func parseResetHeader(headers http.Header) (time.Time, bool) {
	reset := headers.Get("X-RateLimit-Reset")
	if reset == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

func mentionsScope(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "scope") || strings.Contains(lower, "permission")
}
