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

// Package service assembles the memory service: configuration, breaker
// registry, storage, model clients, cache, and the manager, and exposes
// them as MCP tools.
package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/cache"
	"github.com/sagecore/sage/pkg/config"
	"github.com/sagecore/sage/pkg/embedding"
	"github.com/sagecore/sage/pkg/generator"
	"github.com/sagecore/sage/pkg/memory"
	"github.com/sagecore/sage/pkg/resilience"
	"github.com/sagecore/sage/pkg/sageerr"
	"github.com/sagecore/sage/pkg/storage"
)

// Core owns every long-lived component of the service. Construct with
// New, then Initialize exactly once before serving.
type Core struct {
	logger *zap.Logger

	mu          sync.RWMutex
	initialized bool

	cfg      *config.Config
	breakers *resilience.Registry
	db       *storage.DB
	store    *storage.Store
	embedder *embedding.Client
	gen      *generator.Client
	recent   *cache.RecentCache
	manager  *memory.Manager
}

// New creates an uninitialized core.
func New(logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{logger: logger}
}

// Initialize wires every component and connects the database. A second
// call on an initialized core is a no-op.
//
// Breakers only count backend connectivity and timeout failures;
// validation errors and empty result sets never open a circuit.
func (c *Core) Initialize(ctx context.Context, cfg *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	if cfg == nil {
		return sageerr.New(sageerr.KindConfiguration, "configuration is required")
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.CountedKinds = []sageerr.Kind{
		sageerr.KindDatabaseConnection,
		sageerr.KindEmbeddingService,
		sageerr.KindTimeout,
	}
	breakers := resilience.NewRegistry(breakerCfg, c.logger)

	db := storage.NewDB(cfg.Database, cfg.Embedding.Dimension, breakers, c.logger)
	if err := db.Connect(ctx); err != nil {
		return err
	}

	c.cfg = cfg
	c.breakers = breakers
	c.db = db
	c.store = storage.NewStore(db, cfg.Embedding.Dimension, c.logger)
	c.embedder = embedding.NewClient(cfg.Embedding, breakers, c.logger)
	c.gen = generator.NewClient(cfg.Generator, cfg.Embedding.APIKey, breakers, c.logger)
	c.recent = cache.New(cfg.Redis, c.logger)
	c.manager = memory.NewManager(db, c.store, c.embedder, c.gen, c.recent, cfg.Memory.MaxResults, c.logger)
	c.initialized = true

	c.logger.Info("service initialized",
		zap.String("session_id", c.manager.Sessions().Current()),
		zap.Int("dimension", cfg.Embedding.Dimension),
		zap.Bool("redis_cache", c.recent != nil),
	)
	return nil
}

// Manager returns the memory manager, or an error before Initialize.
func (c *Core) Manager() (*memory.Manager, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return nil, sageerr.New(sageerr.KindRuntime, "service not initialized")
	}
	return c.manager, nil
}

// Config returns the loaded configuration, nil before Initialize.
func (c *Core) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Breakers returns the breaker registry, nil before Initialize.
func (c *Core) Breakers() *resilience.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.breakers
}

// Healthy reports whether the core is initialized with a live database
// connection. Used by the HTTP health endpoint.
func (c *Core) Healthy(_ context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized && c.db.Connected()
}

// Status describes the runtime state of every component.
type Status struct {
	Initialized      bool                        `json:"initialized"`
	DatabaseReady    bool                        `json:"database_ready"`
	EmbeddingReady   bool                        `json:"embedding_ready"`
	GeneratorReady   bool                        `json:"generator_ready"`
	CacheReady       bool                        `json:"cache_ready"`
	CurrentSession   string                      `json:"current_session,omitempty"`
	EmbeddingModel   string                      `json:"embedding_model,omitempty"`
	Dimension        int                         `json:"dimension,omitempty"`
	TotalMemories    int64                       `json:"total_memories"`
	SessionCount     int64                       `json:"session_count"`
	StatisticsError  string                      `json:"statistics_error,omitempty"`
	Breakers         map[string]resilience.Stats `json:"circuit_breakers,omitempty"`
	ActiveTxns       int                         `json:"active_transactions"`
}

// GetStatus reports component readiness and storage counts. Statistics
// failures degrade the report rather than failing it.
func (c *Core) GetStatus(ctx context.Context) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{Initialized: c.initialized}
	if !c.initialized {
		return status
	}

	status.DatabaseReady = c.db.Connected()
	status.EmbeddingReady = c.embedder != nil
	status.GeneratorReady = c.gen != nil
	status.CacheReady = c.recent.Ping(ctx)
	status.CurrentSession = c.manager.Sessions().Current()
	status.EmbeddingModel = c.cfg.Embedding.Model
	status.Dimension = c.cfg.Embedding.Dimension
	status.Breakers = c.breakers.AllStats()
	if txns := c.db.Txns(); txns != nil {
		status.ActiveTxns = txns.ActiveCount()
	}

	stats, err := c.manager.Statistics(ctx)
	if err != nil {
		status.StatisticsError = err.Error()
	} else {
		status.TotalMemories = stats.Total
		status.SessionCount = stats.SessionCount
	}
	return status
}

// ResetBreaker resets one named breaker, or all of them.
func (c *Core) ResetBreaker(name string, all bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return sageerr.New(sageerr.KindRuntime, "service not initialized")
	}
	if all {
		c.breakers.ResetAll()
		c.logger.Info("all circuit breakers reset")
		return nil
	}
	if name == "" {
		return sageerr.New(sageerr.KindValidation, "breaker_name is required unless all is set")
	}
	c.breakers.Reset(name)
	c.logger.Info("circuit breaker reset", zap.String("breaker", name))
	return nil
}

// Cleanup waits for in-flight transactions, then releases the database
// pool and the cache connection. The core cannot be reused afterwards.
func (c *Core) Cleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}

	c.db.Close(ctx)
	c.recent.Close()
	c.initialized = false
	c.logger.Info("service cleaned up")
}
