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
// Package storage implements the Postgres-backed memory store: a lazily
// connected pool with schema bootstrap, transaction scopes, and the
// deduplicating write path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sagecore/sage/internal/pgxdriver"
	"github.com/sagecore/sage/pkg/config"
	"github.com/sagecore/sage/pkg/resilience"
	"github.com/sagecore/sage/pkg/sageerr"
)

// shutdownTxnWait bounds how long Close waits for in-flight transactions.
const shutdownTxnWait = 30 * time.Second

// querier is the subset of pgx shared by pools and transactions, so the
// same SQL helpers run inside or outside a transaction scope.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB owns the connection pool and exposes the four SQL primitives, each
// wrapped in the database retry policy and a named circuit breaker.
type DB struct {
	cfg       config.DatabaseConfig
	dimension int
	logger    *zap.Logger

	mu   sync.Mutex
	pool *pgxpool.Pool
	txns *TxnManager

	cmdTimeout time.Duration

	execGuard     resilience.Guard
	fetchGuard    resilience.Guard
	fetchRowGuard resilience.Guard
	fetchValGuard resilience.Guard
}

// NewDB creates a DB for the given configuration. dimension sizes the
// embedding column in the bootstrap schema. The pool is not opened until
// Connect or the first query.
func NewDB(cfg config.DatabaseConfig, dimension int, breakers *resilience.Registry, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := func(name string) resilience.Guard {
		policy := resilience.DatabaseRetry()
		policy.Logger = logger
		return resilience.Guard{Breaker: breakers.Get(name), Retry: policy}
	}
	return &DB{
		cfg:           cfg,
		dimension:     dimension,
		logger:        logger,
		cmdTimeout:    pgxdriver.CommandTimeout(cfg),
		execGuard:     guard("database_execute"),
		fetchGuard:    guard("database_fetch"),
		fetchRowGuard: guard("database_fetch_row"),
		fetchValGuard: guard("database_fetch_val"),
	}
}

// Connect opens the pool and bootstraps the schema. It is idempotent and
// safe for concurrent callers; the first winner does the work.
func (db *DB) Connect(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.pool != nil {
		return nil
	}

	pool, err := pgxdriver.NewPool(ctx, db.cfg)
	if err != nil {
		return sageerr.Wrap(sageerr.KindDatabaseConnection, "connect to postgres", err)
	}

	if err := db.bootstrap(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	db.pool = pool
	db.txns = newTxnManager(pool, db.logger)
	db.logger.Info("database connected",
		zap.String("host", db.cfg.Host),
		zap.String("database", db.cfg.Name),
	)
	return nil
}

// bootstrap creates the memories table and its indexes. The vector
// extension itself is ensured per-connection by the pool driver.
func (db *DB) bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id                 UUID PRIMARY KEY,
			session_id         TEXT,
			user_input         TEXT NOT NULL,
			assistant_response TEXT NOT NULL,
			embedding          VECTOR(%d),
			metadata           JSONB DEFAULT '{}',
			is_agent_report    BOOLEAN DEFAULT FALSE,
			agent_metadata     JSONB,
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		)`, db.dimension),
		`CREATE INDEX IF NOT EXISTS idx_memories_session_id ON memories (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_is_agent_report ON memories (is_agent_report)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_metadata ON memories USING GIN (agent_metadata)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_name ON memories ((agent_metadata->>'agent_name'))`,
	}
	// No IVFFLAT/HNSW index: pgvector caps indexable dimensions below the
	// embedding size, and sequential scan is fine at the expected row count.
	for _, stmt := range statements {
		cctx, cancel := context.WithTimeout(ctx, db.cmdTimeout)
		_, err := pool.Exec(cctx, stmt)
		cancel()
		if err != nil {
			return sageerr.Wrap(sageerr.KindDatabaseConnection, "bootstrap schema", err)
		}
	}
	return nil
}

// Txns returns the transaction manager. Connect must have succeeded.
func (db *DB) Txns() *TxnManager {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.txns
}

// Connected reports whether the pool is open.
func (db *DB) Connected() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool != nil
}

// Close waits up to 30 seconds for in-flight transactions, then closes
// the pool. A wait timeout is logged, not returned; the pool closes
// regardless.
func (db *DB) Close(ctx context.Context) {
	db.mu.Lock()
	pool := db.pool
	txns := db.txns
	db.pool = nil
	db.txns = nil
	db.mu.Unlock()

	if pool == nil {
		return
	}
	if txns != nil {
		if err := txns.WaitForAll(ctx, shutdownTxnWait); err != nil {
			db.logger.Warn("closing pool with transactions still active", zap.Error(err))
		}
	}
	pool.Close()
	db.logger.Info("database pool closed")
}

// ensure lazily connects and returns the querier for ctx: the threaded
// transaction if one is in scope, the pool otherwise.
func (db *DB) ensure(ctx context.Context) (querier, error) {
	if tx, ok := txFrom(ctx); ok {
		return tx, nil
	}
	if err := db.Connect(ctx); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool, nil
}

// Execute runs a statement with no result rows.
func (db *DB) Execute(ctx context.Context, sql string, args ...any) error {
	return db.execGuard.Execute(ctx, func(ctx context.Context) error {
		q, err := db.ensure(ctx)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, db.cmdTimeout)
		defer cancel()
		_, err = q.Exec(cctx, sql, args...)
		return classify("execute", err)
	})
}

// Fetch runs a query and hands the rows to scan. The rows are closed
// when scan returns; scan must consume them fully.
func (db *DB) Fetch(ctx context.Context, sql string, args []any, scan func(pgx.Rows) error) error {
	return db.fetchGuard.Execute(ctx, func(ctx context.Context) error {
		q, err := db.ensure(ctx)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, db.cmdTimeout)
		defer cancel()
		rows, err := q.Query(cctx, sql, args...)
		if err != nil {
			return classify("fetch", err)
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return classify("fetch", rows.Err())
	})
}

// FetchRow runs a query expected to return at most one row. A missing
// row surfaces as pgx.ErrNoRows from scan.
func (db *DB) FetchRow(ctx context.Context, sql string, args []any, scan func(pgx.Row) error) error {
	return db.fetchRowGuard.Execute(ctx, func(ctx context.Context) error {
		q, err := db.ensure(ctx)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, db.cmdTimeout)
		defer cancel()
		if err := scan(q.QueryRow(cctx, sql, args...)); err != nil {
			return classify("fetch_row", err)
		}
		return nil
	})
}

// FetchVal runs a single-value query and scans the result into dest.
func (db *DB) FetchVal(ctx context.Context, sql string, args []any, dest ...any) error {
	return db.fetchValGuard.Execute(ctx, func(ctx context.Context) error {
		q, err := db.ensure(ctx)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, db.cmdTimeout)
		defer cancel()
		if err := q.QueryRow(cctx, sql, args...).Scan(dest...); err != nil {
			return classify("fetch_val", err)
		}
		return nil
	})
}

// classify maps driver errors to retryable kinds. Server-reported SQL
// errors are not connection failures and must not be retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sageerr.Wrap(sageerr.KindTimeout, "database "+op+" timed out", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return sageerr.Wrap(sageerr.KindRuntime, "database "+op+" failed", err)
	}
	return sageerr.Wrap(sageerr.KindDatabaseConnection, "database "+op+" failed", err)
}
