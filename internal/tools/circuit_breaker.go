package tools

import (
	"sync"
	"time"

	"github.com/rendis/tradegate/pkg/schema"
)

// CircuitState represents the state of a stage circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-stage circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `koanf:"failure_threshold"`
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration `koanf:"cooldown"`
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int `koanf:"half_open_max"`
}

// DefaultBreakerConfig returns the breaker settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	probes    int
	threshold int
	cooldown  time.Duration
	probeMax  int
}

// Breakers manages one circuit breaker per stage.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set. Zero fields fall back to DefaultBreakerConfig.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow returns nil when a call to stage may proceed, or CIRCUIT_OPEN.
func (r *Breakers) Allow(stage string) error {
	cb := r.get(stage)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.openedAt)
		if elapsed >= cb.cooldown {
			cb.state = CircuitHalfOpen
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open after %d consecutive failures", cb.failures).
			WithStage(stage).
			WithDetails(map[string]any{
				"consecutive_failures": cb.failures,
				"cooldown_remaining":   (cb.cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.probes >= cb.probeMax {
			return schema.NewError(schema.ErrCodeCircuitOpen, "circuit half-open: probe in flight").WithStage(stage)
		}
		cb.probes++
	}
	return nil
}

// Success closes the circuit for stage.
func (r *Breakers) Success(stage string) {
	cb := r.get(stage)
	cb.mu.Lock()
	cb.failures = 0
	cb.probes = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()
}

// Failure records a failed call and returns the resulting state.
func (r *Breakers) Failure(stage string) CircuitState {
	cb := r.get(stage)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
	}
	return cb.state
}

// State returns the current state for stage.
func (r *Breakers) State(stage string) CircuitState {
	cb := r.get(stage)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// Snapshot returns diagnostic information for every stage seen so far.
func (r *Breakers) Snapshot() map[string]any {
	r.mu.Lock()
	stages := make([]string, 0, len(r.breakers))
	for s := range r.breakers {
		stages = append(stages, s)
	}
	r.mu.Unlock()

	out := make(map[string]any, len(stages))
	for _, s := range stages {
		cb := r.get(s)
		cb.mu.Lock()
		out[s] = map[string]any{
			"state":                cb.state.String(),
			"consecutive_failures": cb.failures,
			"failure_threshold":    cb.threshold,
		}
		cb.mu.Unlock()
	}
	return out
}

func (r *Breakers) get(stage string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[stage]
	if !ok {
		cb = &breaker{
			threshold: r.cfg.FailureThreshold,
			cooldown:  r.cfg.Cooldown,
			probeMax:  r.cfg.HalfOpenMax,
		}
		r.breakers[stage] = cb
	}
	return cb
}
