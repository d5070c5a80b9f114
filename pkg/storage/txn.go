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
package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/sageerr"
)

// IsolationLevel selects the transaction isolation for a scope.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "read_uncommitted"
	ReadCommitted   IsolationLevel = "read_committed"
	RepeatableRead  IsolationLevel = "repeatable_read"
	Serializable    IsolationLevel = "serializable"
)

func (l IsolationLevel) pgx() pgx.TxIsoLevel {
	switch l {
	case ReadUncommitted:
		return pgx.ReadUncommitted
	case RepeatableRead:
		return pgx.RepeatableRead
	case Serializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

type txContextKey struct{}

// withTx threads a transaction through the context so nested scopes and
// the SQL primitives reuse it instead of the pool.
func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok
}

// TxnManager opens transaction scopes against the pool and tracks the
// active set so shutdown can wait for in-flight work.
type TxnManager struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	nextID atomic.Int64
	mu     sync.Mutex
	active map[int64]time.Time
}

func newTxnManager(pool *pgxpool.Pool, logger *zap.Logger) *TxnManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TxnManager{
		pool:   pool,
		logger: logger,
		active: make(map[int64]time.Time),
	}
}

// WithinTransaction runs fn inside a transaction scope at the given
// isolation. If a transaction is already threaded through ctx the scope
// nests: fn runs on the existing transaction and the outer scope owns
// commit/rollback. Otherwise a new transaction is opened, committed when
// fn returns nil, and rolled back when it errors. A rollback failure is
// logged and never masks fn's error.
func (m *TxnManager) WithinTransaction(ctx context.Context, level IsolationLevel, fn func(ctx context.Context) error) error {
	// a nil manager (pool not connected, or racing shutdown) degrades
	// to running fn without a transaction scope
	if m == nil {
		return fn(ctx)
	}
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: level.pgx()})
	if err != nil {
		return sageerr.Wrap(sageerr.KindDatabaseConnection, "begin transaction", err)
	}

	id := m.nextID.Add(1)
	m.register(id)
	defer m.deregister(id)

	if err := fn(withTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			m.logger.Error("transaction rollback failed",
				zap.Int64("txn_id", id),
				zap.Error(rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return sageerr.Wrap(sageerr.KindDatabaseConnection, "commit transaction", err)
	}
	return nil
}

func (m *TxnManager) register(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = time.Now()
}

func (m *TxnManager) deregister(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// ActiveCount returns the number of open transaction scopes.
func (m *TxnManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// WaitForAll polls until every active scope has exited or the timeout
// elapses, returning a Timeout error in the latter case.
func (m *TxnManager) WaitForAll(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.ActiveCount() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return sageerr.Newf(sageerr.KindTimeout,
				"%d transactions still active after %s", m.ActiveCount(), timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
