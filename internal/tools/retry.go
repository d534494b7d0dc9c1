package tools

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/tradegate/pkg/schema"
)

// Backoff strategies understood by RetryPolicy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds how often a stage invocation is repeated.
type RetryPolicy struct {
	Retries  int           `koanf:"retries" json:"retries"`
	Delay    time.Duration `koanf:"delay" json:"delay"`
	Backoff  string        `koanf:"backoff" json:"backoff"`
	MaxDelay time.Duration `koanf:"max_delay" json:"max_delay"`
}

// DefaultRetryPolicies returns the per-stage policies used when none are configured.
// Execute has side effects and is never repeated.
func DefaultRetryPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		schema.StageAnalyze:  {Retries: 2, Delay: 200 * time.Millisecond, Backoff: BackoffExponential, MaxDelay: 2 * time.Second},
		schema.StageContext:  {Retries: 1, Delay: 200 * time.Millisecond, Backoff: BackoffConstant},
		schema.StageExecute:  {Retries: 0},
		schema.StageFinalize: {Retries: 1, Delay: 100 * time.Millisecond, Backoff: BackoffConstant},
	}
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"too many requests",
}

// IsRetryableError classifies whether a failed invocation may be repeated.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means the caller is gone.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if ge, ok := schema.AsGateError(err); ok && !ge.IsRetryable() {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (zero based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay << uint(attempt)
		if delay <= 0 {
			delay = policy.MaxDelay
		}
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
