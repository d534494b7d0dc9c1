package tools

import (
	"context"
	"log/slog"
)

// ResilienceConfig holds retry and breaker settings for stage invocations.
type ResilienceConfig struct {
	Retry   map[string]RetryPolicy `koanf:"retry"`
	Breaker BreakerConfig          `koanf:"breaker"`
}

// Resilient wraps an Invoker with per-stage retries and circuit breakers.
type Resilient struct {
	next     Invoker
	policies map[string]RetryPolicy
	breakers *Breakers
	logger   *slog.Logger
}

// NewResilient wraps next. Stages missing from cfg.Retry use DefaultRetryPolicies.
func NewResilient(next Invoker, cfg ResilienceConfig, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	policies := DefaultRetryPolicies()
	for stage, p := range cfg.Retry {
		policies[stage] = p
	}
	return &Resilient{
		next:     next,
		policies: policies,
		breakers: NewBreakers(cfg.Breaker),
		logger:   logger,
	}
}

// Breakers exposes the per-stage breaker set.
func (r *Resilient) Breakers() *Breakers { return r.breakers }

// Invoke calls the wrapped invoker, retrying transient failures per the stage policy.
func (r *Resilient) Invoke(ctx context.Context, stage string, input map[string]any) (map[string]any, error) {
	if err := r.breakers.Allow(stage); err != nil {
		return nil, err
	}

	policy := r.policies[stage]
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		attempts++
		out, err := r.next.Invoke(ctx, stage, input)
		if err == nil {
			r.breakers.Success(stage)
			return out, nil
		}
		lastErr = err

		if attempt == policy.Retries || !IsRetryableError(err) {
			break
		}
		delay := ComputeBackoff(policy, attempt)
		r.logger.Warn("stage invocation failed, retrying",
			slog.String("stage", stage),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			lastErr = werr
			break
		}
	}

	if state := r.breakers.Failure(stage); state == CircuitOpen {
		r.logger.Error("circuit opened", slog.String("stage", stage))
	}

	ge := stageError(stage, lastErr)
	if ge.Details == nil {
		ge.Details = map[string]any{}
	}
	ge.Details["attempts"] = attempts
	return nil, ge
}
