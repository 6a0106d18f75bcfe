package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/user/resumechat/pkg/backend"
)

func TestPolicyLinearDelays(t *testing.T) {
	policy := DefaultPolicy()

	if !policy.ShouldRetry(errors.New("connection refused"), 1) {
		t.Error("expected connection error to be retryable")
	}
	if policy.ShouldRetry(errors.New("error"), 4) {
		t.Error("should not retry after max attempts")
	}

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 3 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestPolicyExponentialDelays(t *testing.T) {
	policy := ExponentialPolicy()

	if d := policy.NextDelay(3); d != 4*time.Second {
		t.Errorf("expected 4s delay, got %v", d)
	}

	policy.Multiplier = 10
	if d := policy.NextDelay(5); d > policy.MaxDelay {
		t.Errorf("delay %v exceeds max delay %v", d, policy.MaxDelay)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("invalid request"), false},
		{errors.New("unauthorized"), false},
		{errors.New("forbidden"), false},
		{context.Canceled, false},
		{fmt.Errorf("open stream: %w", backend.ErrUnauthorized), false},
		{&backend.StatusError{StatusCode: 422}, false},
		{&backend.StatusError{StatusCode: 503}, true},
		{fmt.Errorf("sending request: %w", errors.New("dial tcp: connection refused")), true},
		{errors.New("something odd"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestExecuteSuccessAfterRetries(t *testing.T) {
	policy := &Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	calls := 0

	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteNonRetryable(t *testing.T) {
	policy := DefaultPolicy()
	calls := 0

	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("invalid request")
	})

	if err == nil {
		t.Error("expected error for non-retryable failure")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestExecuteAllFail(t *testing.T) {
	policy := &Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	calls := 0

	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("timeout")
	})

	if err == nil {
		t.Error("expected error after all attempts exhausted")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestExecuteStopsOnCancel(t *testing.T) {
	policy := &Policy{MaxAttempts: 5, InitialDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- policy.Execute(ctx, func(context.Context) error {
			calls++
			return errors.New("timeout")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the last error")
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestExecuteRunsOnceWithoutAttempts(t *testing.T) {
	for _, attempts := range []int{0, -1} {
		policy := &Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond}
		calls := 0

		err := policy.Execute(context.Background(), func(context.Context) error {
			calls++
			return errors.New("timeout")
		})

		if err == nil {
			t.Errorf("MaxAttempts=%d: expected the error", attempts)
		}
		if calls != 1 {
			t.Errorf("MaxAttempts=%d: expected 1 call, got %d", attempts, calls)
		}
	}
}
