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
// Package resilience provides retry policies and circuit breakers for
// outbound database and HTTP calls.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/sageerr"
)

// Strategy selects how the backoff delay grows between attempts.
type Strategy int

const (
	StrategyFixed Strategy = iota
	StrategyLinear
	StrategyExponential
	StrategyFibonacci
)

func (s Strategy) String() string {
	switch s {
	case StrategyFixed:
		return "fixed"
	case StrategyLinear:
		return "linear"
	case StrategyExponential:
		return "exponential"
	case StrategyFibonacci:
		return "fibonacci"
	default:
		return "unknown"
	}
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// RetryPolicy retries an operation with configurable backoff. Errors are
// retried only when their kind matches RetryableKinds, does not match
// NonRetryableKinds, and the optional Predicate accepts them. On the final
// attempt the original error propagates unchanged.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Strategy        Strategy
	ExponentialBase float64
	Jitter          bool

	// RetryableKinds limits retries to the listed error kinds.
	// Empty means every kind is eligible.
	RetryableKinds []sageerr.Kind
	// NonRetryableKinds always short-circuits the retry loop.
	NonRetryableKinds []sageerr.Kind
	// Predicate, when set, must also accept the error for a retry to happen.
	Predicate func(error) bool

	// OnRetry is invoked before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// OnExhausted is invoked once when all attempts failed.
	OnExhausted func(attempts int, err error)

	Logger *zap.Logger
}

// DatabaseRetry returns the default policy for database operations:
// 5 attempts, 0.5s-30s exponential backoff, connection/timeout kinds only.
func DatabaseRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Strategy:        StrategyExponential,
		ExponentialBase: 2.0,
		RetryableKinds:  []sageerr.Kind{sageerr.KindDatabaseConnection, sageerr.KindTimeout},
	}
}

// NetworkRetry returns the default policy for HTTP backends:
// 3 attempts, 1s-10s exponential backoff with jitter.
func NetworkRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        10 * time.Second,
		Strategy:        StrategyExponential,
		ExponentialBase: 2.0,
		Jitter:          true,
		RetryableKinds:  []sageerr.Kind{sageerr.KindEmbeddingService, sageerr.KindTimeout},
	}
}

// Execute runs op, retrying per the policy. The context cancels backoff
// waits; a cancelled context returns ctx.Err() immediately.
func (p RetryPolicy) Execute(ctx context.Context, op Operation) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts || !p.shouldRetry(lastErr) {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}
		if p.Logger != nil {
			p.Logger.Debug("retrying operation",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if p.OnExhausted != nil {
		p.OnExhausted(attempts, lastErr)
	}
	return lastErr
}

// Delay computes the backoff before the next attempt. attempt is 1-indexed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case StrategyExponential:
		base := p.ExponentialBase
		if base <= 1 {
			base = 2.0
		}
		d = time.Duration(float64(p.InitialDelay) * math.Pow(base, float64(attempt-1)))
	case StrategyFibonacci:
		d = p.InitialDelay * time.Duration(fib(attempt))
	default:
		d = p.InitialDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		// uniform in [0.5, 1.0)
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}

func (p RetryPolicy) shouldRetry(err error) bool {
	kind := sageerr.KindOf(err)
	for _, k := range p.NonRetryableKinds {
		if kind == k {
			return false
		}
	}
	if len(p.RetryableKinds) > 0 {
		matched := false
		for _, k := range p.RetryableKinds {
			if kind == k {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if p.Predicate != nil && !p.Predicate(err) {
		return false
	}
	return true
}

// fib returns the nth Fibonacci number with fib(1) = fib(2) = 1.
func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
