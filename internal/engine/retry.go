package engine

import (
	"context"
	"strings"
	"time"

	"github.com/atniptw/stepflow/pkg/schema"
)

const defaultBackoffMs = 1000

// ClassifyError maps an error message onto a retry pattern by ordered,
// case-insensitive substring matching. The order matters: "connection
// timeout" classifies as timeout, not network_error. Unmatched errors
// fall through to temporary_failure.
func ClassifyError(err error) schema.ErrorPattern {
	if err == nil {
		return schema.ErrorPatternTemporaryFailure
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"):
		return schema.ErrorPatternTimeout
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return schema.ErrorPatternNetwork
	case strings.Contains(msg, "rate limit"):
		return schema.ErrorPatternRateLimit
	case strings.Contains(msg, "server error"), strings.Contains(msg, "500"):
		return schema.ErrorPatternServerError
	case strings.Contains(msg, "auth"):
		return schema.ErrorPatternAuthentication
	case strings.Contains(msg, "validation"):
		return schema.ErrorPatternValidation
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "busy"):
		return schema.ErrorPatternResourceUnavailable
	default:
		return schema.ErrorPatternTemporaryFailure
	}
}

// shouldRetry reports whether the policy covers another attempt for this
// error. retryCount is the number of retries already taken.
func shouldRetry(policy *schema.RetryPolicy, err error, retryCount int) bool {
	if policy == nil || retryCount >= policy.MaxAttempts {
		return false
	}
	if len(policy.RetryOn) == 0 {
		return true
	}
	pattern := ClassifyError(err)
	for _, p := range policy.RetryOn {
		if p == pattern {
			return true
		}
	}
	return false
}

// Backoff returns the delay before the next retry: backoffMs doubled per
// retry already taken. A missing backoffMs defaults to one second.
func Backoff(policy *schema.RetryPolicy, retryCount int) time.Duration {
	ms := defaultBackoffMs
	if policy != nil && policy.BackoffMs != nil {
		ms = *policy.BackoffMs
	}
	return time.Duration(ms) * time.Millisecond << uint(retryCount)
}

// waitBackoff sleeps for the delay unless the context ends first.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
