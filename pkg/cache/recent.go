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
// Package cache provides an optional Redis-backed cache of each
// session's most recent records. The store stays authoritative: every
// cache path degrades silently to a miss.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/config"
	"github.com/sagecore/sage/pkg/types"
)

const (
	keyPrefix     = "sage:recent:"
	perSessionCap = 50
	entryTTL      = 24 * time.Hour
)

// RecentCache holds the newest records per session in a Redis list.
// A nil *RecentCache is valid and behaves as a permanent miss, so
// callers need no enabled/disabled branching.
type RecentCache struct {
	client *redis.Client
	logger *zap.Logger
}

// New returns a RecentCache, or nil when no Redis address is configured.
func New(cfg config.RedisConfig, logger *zap.Logger) *RecentCache {
	if cfg.Addr == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecentCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: logger,
	}
}

// Put prepends a record to its session's list, write-through style.
// Failures are logged and swallowed.
func (c *RecentCache) Put(ctx context.Context, sessionID string, rec types.Record) {
	if c == nil || sessionID == "" {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := keyPrefix + sessionID
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, perSessionCap-1)
	pipe.Expire(ctx, key, entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("recent cache write failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Recent returns up to limit newest records for the session. The second
// return is false on a miss or any cache failure.
func (c *RecentCache) Recent(ctx context.Context, sessionID string, limit int) ([]types.Record, bool) {
	if c == nil || sessionID == "" || limit < 1 {
		return nil, false
	}
	raws, err := c.client.LRange(ctx, keyPrefix+sessionID, 0, int64(limit-1)).Result()
	if err != nil || len(raws) == 0 {
		return nil, false
	}
	records := make([]types.Record, 0, len(raws))
	for _, raw := range raws {
		var rec types.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, false
		}
		records = append(records, rec)
	}
	return records, true
}

// InvalidateSession drops a session's cached list, used after purges.
func (c *RecentCache) InvalidateSession(ctx context.Context, sessionID string) {
	if c == nil || sessionID == "" {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		c.logger.Debug("recent cache invalidate failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Ping reports cache reachability for status output.
func (c *RecentCache) Ping(ctx context.Context) bool {
	if c == nil {
		return false
	}
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the Redis connection.
func (c *RecentCache) Close() {
	if c == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.Debug("recent cache close failed", zap.Error(err))
	}
}
