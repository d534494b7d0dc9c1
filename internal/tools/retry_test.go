package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradegate/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_Context(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_GateError(t *testing.T) {
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStageInvocation, "upstream 502")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "slow")))

	for _, code := range []string{
		schema.ErrCodeInvalidInput,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeToolUnavailable,
		schema.ErrCodeConflict,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), "expected %s to be non-retryable", code)
	}
}

func TestIsRetryableError_WrappedCancel(t *testing.T) {
	err := schema.NewError(schema.ErrCodeStageInvocation, "aborted").WithCause(context.Canceled)
	assert.False(t, IsRetryableError(err))
}

func TestIsRetryableError_PlainError(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("something odd")))
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"zero delay", RetryPolicy{Backoff: BackoffExponential}, 3, 0},
		{"constant", RetryPolicy{Delay: 100 * time.Millisecond, Backoff: BackoffConstant}, 4, 100 * time.Millisecond},
		{"none", RetryPolicy{Delay: 50 * time.Millisecond, Backoff: BackoffNone}, 2, 50 * time.Millisecond},
		{"linear", RetryPolicy{Delay: 100 * time.Millisecond, Backoff: BackoffLinear}, 2, 300 * time.Millisecond},
		{"exponential", RetryPolicy{Delay: 100 * time.Millisecond, Backoff: BackoffExponential}, 3, 800 * time.Millisecond},
		{"capped", RetryPolicy{Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 3 * time.Second}, 5, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestDefaultRetryPolicies_ExecuteNeverRetries(t *testing.T) {
	p := DefaultRetryPolicies()
	assert.Equal(t, 0, p[schema.StageExecute].Retries)
	assert.Equal(t, 2, p[schema.StageAnalyze].Retries)
}

func TestBreakers_OpenAndRecover(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow("analyze"))
	assert.Equal(t, CircuitClosed, b.Failure("analyze"))
	assert.Equal(t, CircuitOpen, b.Failure("analyze"))

	err := b.Allow("analyze")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))

	// Other stages are independent.
	require.NoError(t, b.Allow("execute"))

	now = now.Add(time.Minute)
	require.NoError(t, b.Allow("analyze"), "first probe after cooldown")
	assert.Error(t, b.Allow("analyze"), "second probe while half-open")

	b.Success("analyze")
	assert.Equal(t, CircuitClosed, b.State("analyze"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	b.Failure("execute")
	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State("execute"))
	require.NoError(t, b.Allow("execute"))
	assert.Equal(t, CircuitOpen, b.Failure("execute"))

	snap := b.Snapshot()
	require.Contains(t, snap, "execute")
	assert.Equal(t, "open", snap["execute"].(map[string]any)["state"])
}
