// Package retry runs operations again after transient failures.
package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/user/resumechat/pkg/backend"
)

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	// Linear waits InitialDelay * attempt.
	Linear Backoff = iota
	// Exponential waits InitialDelay * Multiplier^(attempt-1).
	Exponential
)

// Policy controls how failed operations are retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Backoff      Backoff
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultPolicy is used for opening reply streams: 3 attempts, waiting
// 1s then 2s.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Backoff:      Linear,
		MaxDelay:     30 * time.Second,
	}
}

// ExponentialPolicy returns 3 attempts, 1s initial delay, 2x multiplier,
// 30s max delay.
func ExponentialPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Backoff:      Exponential,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt > p.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// IsRetryable classifies errors as transient or permanent. Auth failures,
// client errors and cancellation are permanent. Unknown errors default to
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, backend.ErrUnauthorized) {
		return false
	}
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") {
		return true
	}

	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}

	return true
}

// NextDelay returns the delay after the given attempt (1-indexed), capped
// at MaxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	var delay float64
	switch p.Backoff {
	case Exponential:
		delay = float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	default:
		delay = float64(p.InitialDelay) * float64(attempt)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between attempts. fn
// always runs at least once, even when MaxAttempts is zero or negative.
// Returns nil on success, or the last error if all attempts fail, the
// error is permanent, or ctx is done while waiting.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := max(p.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		if attempt < maxAttempts {
			timer := time.NewTimer(p.NextDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
	}
	return lastErr
}
