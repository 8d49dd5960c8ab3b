package completion

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryPolicy controls how throttled and failing calls are retried. Each slice
// holds the wait before the next attempt; its length bounds the retries.
type RetryPolicy struct {
	RateLimitWaits   []time.Duration
	ServerErrorWaits []time.Duration
}

// DefaultRetryPolicy mirrors the waits hosted providers ask for under load.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitWaits:   []time.Duration{20 * time.Second, 40 * time.Second},
		ServerErrorWaits: []time.Duration{2 * time.Second, 10 * time.Second},
	}
}

type retryService struct {
	next   Service
	policy RetryPolicy
}

// WithRetry wraps svc so rate-limit and server errors are retried per policy.
func WithRetry(svc Service, policy RetryPolicy) Service {
	return &retryService{next: svc, policy: policy}
}

func (r *retryService) Complete(ctx context.Context, req Request) (string, error) {
	var rateLimited, serverErrors int
	for {
		out, err := r.next.Complete(ctx, req)
		if err == nil {
			return out, nil
		}

		var wait time.Duration
		switch {
		case isRateLimitError(err):
			if rateLimited >= len(r.policy.RateLimitWaits) {
				return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
			wait = r.policy.RateLimitWaits[rateLimited]
			rateLimited++
		case isServerError(err):
			if serverErrors >= len(r.policy.ServerErrorWaits) {
				return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			wait = r.policy.ServerErrorWaits[serverErrors]
			serverErrors++
		default:
			return "", err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "resource_exhausted") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error") ||
		strings.Contains(errStr, "unavailable")
}
