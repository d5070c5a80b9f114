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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sagecore/sage/pkg/sageerr"
)

func testConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
		MonitoringWindow: time.Minute,
	}
}

// fakeClock lets tests drive breaker time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	cb := NewCircuitBreaker("test", testConfig(), nil)
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	cb.clock = clk.Now
	return cb, clk
}

func fail(ctx context.Context) error    { return errors.New("boom") }
func succeed(ctx context.Context) error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if cb.State() != StateClosed {
			t.Fatalf("breaker opened early at failure %d", i)
		}
		_ = cb.Execute(ctx, fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}
}

func TestOpenBreakerRejectsWithoutCalling(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !sageerr.IsKind(err, sageerr.KindBreakerOpen) {
		t.Fatalf("expected breaker-open error, got %v", err)
	}
	if called {
		t.Fatal("operation must not run while breaker is open")
	}
}

func TestHalfOpenProbeAfterRecoveryTimeout(t *testing.T) {
	cb, clk := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clk.Advance(61 * time.Second)

	// First probe succeeds; breaker is half-open, needs 2 successes to close.
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe should run: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", cb.State())
	}
	if got := cb.GetStats().WindowCount; got != 0 {
		t.Errorf("expected empty failure window after close, got %d", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clk.Advance(61 * time.Second)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected reopen after half-open failure, got %v", cb.State())
	}

	// Timer restarted: still rejecting before the new timeout elapses.
	clk.Advance(30 * time.Second)
	err := cb.Execute(ctx, succeed)
	if !sageerr.IsKind(err, sageerr.KindBreakerOpen) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestSlidingWindowDropsOldFailures(t *testing.T) {
	cb, clk := newTestBreaker(t)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clk.Advance(2 * time.Minute) // both failures age out
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Fatalf("aged-out failures must not open the breaker, got %v", cb.State())
	}
}

func TestCountedKindsFilter(t *testing.T) {
	cfg := testConfig()
	cfg.CountedKinds = []sageerr.Kind{sageerr.KindDatabaseConnection}
	cb := NewCircuitBreaker("filtered", cfg, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error {
			return sageerr.New(sageerr.KindValidation, "not counted")
		})
	}
	if cb.State() != StateClosed {
		t.Fatalf("uncounted kinds must not open the breaker, got %v", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestRegistrySingletonsAndResetAll(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	a := r.Get("database_fetch")
	b := r.Get("database_fetch")
	if a != b {
		t.Fatal("registry must return the same breaker per name")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = a.Execute(ctx, fail)
	}
	if a.State() != StateOpen {
		t.Fatal("setup: breaker should be open")
	}

	r.ResetAll()
	if a.State() != StateClosed {
		t.Fatalf("expected closed after ResetAll, got %v", a.State())
	}

	stats := r.AllStats()
	if _, ok := stats["database_fetch"]; !ok {
		t.Error("AllStats missing registered breaker")
	}
}

func TestGuardCountsExhaustedRetriesOnce(t *testing.T) {
	cb, _ := newTestBreaker(t)
	retry := RetryPolicy{
		MaxAttempts:    4,
		InitialDelay:   time.Millisecond,
		Strategy:       StrategyFixed,
		RetryableKinds: []sageerr.Kind{sageerr.KindDatabaseConnection},
	}
	g := Guard{Breaker: cb, Retry: retry}

	calls := 0
	_ = g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return sageerr.New(sageerr.KindDatabaseConnection, "down")
	})

	if calls != 4 {
		t.Errorf("expected 4 inner attempts, got %d", calls)
	}
	// Four inner failures count as ONE breaker failure.
	if got := cb.GetStats().WindowCount; got != 1 {
		t.Errorf("expected 1 breaker failure, got %d", got)
	}
	if cb.State() != StateClosed {
		t.Errorf("partial retries must not open the breaker, got %v", cb.State())
	}
}

func TestGuardOpenBreakerSkipsRetryLoop(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	g := Guard{Breaker: cb, Retry: DatabaseRetry()}
	calls := 0
	err := g.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !sageerr.IsKind(err, sageerr.KindBreakerOpen) {
		t.Fatalf("expected breaker-open, got %v", err)
	}
	if calls != 0 {
		t.Errorf("open breaker must not admit the retry loop, calls=%d", calls)
	}
}
