// Copyright 2026 Sage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/sageerr"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Failing - reject requests immediately
	StateHalfOpen                     // Testing - allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of failures inside MonitoringWindow
	// that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit rejects calls before
	// admitting a half-open probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that closes
	// the circuit.
	SuccessThreshold int
	// MonitoringWindow bounds the sliding failure window; older failure
	// timestamps are dropped.
	MonitoringWindow time.Duration
	// CountedKinds limits which error kinds count as breaker failures.
	// Empty means every error counts.
	CountedKinds []sageerr.Kind
	// OnStateChange is invoked on every state transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns the service-wide defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		MonitoringWindow: 60 * time.Second,
	}
}

// CircuitBreaker gates a named downstream operation with a
// closed/open/half-open state machine over a sliding failure window.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger *zap.Logger
	clock  func() time.Time

	mu           sync.Mutex
	state        CircuitState
	failures     []time.Time // failure timestamps inside the window
	successCount int         // half-open successes
	lastFailure  time.Time
	lastAttempt  time.Time
}

// NewCircuitBreaker creates a breaker with the given name and config.
func NewCircuitBreaker(name string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = 60 * time.Second
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		clock:  time.Now,
	}
}

// Execute runs op if the breaker admits the call. While open and inside
// the recovery timeout, it returns a KindBreakerOpen error without
// invoking op. The first call after the timeout transitions to half-open
// and probes.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := op(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.lastAttempt = now

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if now.Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			cb.successCount = 0
			return nil
		}
		remaining := cb.config.RecoveryTimeout - now.Sub(cb.lastFailure)
		return sageerr.Newf(sageerr.KindBreakerOpen,
			"circuit breaker %q open, retry after %s", cb.name, remaining.Round(time.Millisecond)).
			WithDetails(map[string]interface{}{"breaker": cb.name})
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
		return
	}
	if !cb.counts(err) {
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) counts(err error) bool {
	if len(cb.config.CountedKinds) == 0 {
		return true
	}
	kind := sageerr.KindOf(err)
	for _, k := range cb.config.CountedKinds {
		if kind == k {
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		// nothing to do; window failures age out on their own
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.failures = nil
			cb.successCount = 0
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	now := cb.clock()
	cb.lastFailure = now

	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneWindow(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during the probe reopens immediately.
		cb.successCount = 0
		cb.transition(StateOpen)
	}
}

// pruneWindow drops failure timestamps older than the monitoring window.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.config.MonitoringWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Info("circuit breaker state change",
		zap.String("breaker", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot of breaker state.
type Stats struct {
	Name         string       `json:"name"`
	State        CircuitState `json:"-"`
	StateName    string       `json:"state"`
	WindowCount  int          `json:"failures_in_window"`
	SuccessCount int          `json:"half_open_successes"`
	LastFailure  time.Time    `json:"last_failure,omitempty"`
	LastAttempt  time.Time    `json:"last_attempt,omitempty"`
}

// GetStats returns a snapshot of the breaker.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneWindow(cb.clock())
	return Stats{
		Name:         cb.name,
		State:        cb.state,
		StateName:    cb.state.String(),
		WindowCount:  len(cb.failures),
		SuccessCount: cb.successCount,
		LastFailure:  cb.lastFailure,
		LastAttempt:  cb.lastAttempt,
	}
}

// Reset forces the breaker back to closed with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = nil
	cb.successCount = 0
	cb.lastFailure = time.Time{}
	if from != StateClosed {
		cb.logger.Info("circuit breaker manually reset",
			zap.String("breaker", cb.name),
			zap.String("previous_state", from.String()),
		)
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.name, from, StateClosed)
		}
	}
}

// Registry maps breaker names to per-process singletons.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	logger   *zap.Logger
}

// NewRegistry creates a registry applying config to new breakers.
func NewRegistry(config BreakerConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, r.config, r.logger)
	r.breakers[name] = cb
	return cb
}

// Reset resets the named breaker. Unknown names are a no-op.
func (r *Registry) Reset(name string) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		cb.Reset()
	}
}

// ResetAll resets every registered breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// AllStats returns a snapshot of every registered breaker.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.GetStats()
	}
	return stats
}

// Guard composes a breaker around a retry policy. The breaker admits the
// call into the retry loop; exhausted retries count as a single breaker
// failure, so partial retries never open the circuit.
type Guard struct {
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

// Execute runs op through the breaker-wrapped retry loop.
func (g Guard) Execute(ctx context.Context, op Operation) error {
	return g.Breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Retry.Execute(ctx, op)
	})
}
