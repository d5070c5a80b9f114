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
// Package memory orchestrates the embedding client and the record store
// into the save/search/context surface: vectorize-and-insert inside one
// transaction, hybrid retrieval strategies, and the context formatter.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/cache"
	"github.com/sagecore/sage/pkg/embedding"
	"github.com/sagecore/sage/pkg/generator"
	"github.com/sagecore/sage/pkg/sageerr"
	"github.com/sagecore/sage/pkg/storage"
	"github.com/sagecore/sage/pkg/types"
)

// noMemoriesLine is returned by GetContext when nothing matches.
const noMemoriesLine = "没有找到相关的历史记忆。"

const contextSeparator = "----------------------------------------"

// exportSessionCap bounds how many records an export reads.
const exportSessionCap = 1000

// Manager composes the embedding client and the store.
type Manager struct {
	db         *storage.DB
	store      *storage.Store
	embedder   *embedding.Client
	generator  *generator.Client
	recent     *cache.RecentCache
	sessions   *SessionManager
	maxResults int
	logger     *zap.Logger
}

// NewManager wires the memory manager. recent may be nil.
func NewManager(db *storage.DB, store *storage.Store, embedder *embedding.Client, gen *generator.Client, recent *cache.RecentCache, maxResults int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxResults < 1 {
		maxResults = 10
	}
	return &Manager{
		db:         db,
		store:      store,
		embedder:   embedder,
		generator:  gen,
		recent:     recent,
		sessions:   NewSessionManager(),
		maxResults: maxResults,
		logger:     logger,
	}
}

// Sessions returns the session manager.
func (m *Manager) Sessions() *SessionManager {
	return m.sessions
}

// Save vectorizes the conversation pair and persists it. Embedding and
// insert share one transaction scope: a failed insert rolls back and the
// embedding cost is sunk. A nil session id defaults to the current
// session.
func (m *Manager) Save(ctx context.Context, req types.SaveRequest) (string, error) {
	if req.SessionID == nil {
		current := m.sessions.Current()
		req.SessionID = &current
	}
	combined := req.UserInput + "\n" + req.AssistantResponse

	var id string
	save := func(ctx context.Context) error {
		vec, err := m.embedder.Embed(ctx, combined)
		if err != nil {
			return err
		}
		id, err = m.store.Save(ctx, req, vec)
		return err
	}

	var err error
	if txns := m.db.Txns(); txns != nil {
		err = txns.WithinTransaction(ctx, storage.ReadCommitted, save)
	} else {
		// degraded mode before the pool connected a manager
		err = save(ctx)
	}
	if err != nil {
		return "", err
	}

	m.recent.Put(ctx, *req.SessionID, types.Record{
		ID:                id,
		SessionID:         req.SessionID,
		UserInput:         req.UserInput,
		AssistantResponse: req.AssistantResponse,
		Metadata:          req.Metadata,
		CreatedAt:         time.Now(),
	})

	m.logger.Info("memory saved",
		zap.String("memory_id", id),
		zap.String("session_id", *req.SessionID),
	)
	return id, nil
}

// Search retrieves records for the query using the requested strategy.
func (m *Manager) Search(ctx context.Context, query string, opts types.SearchOptions) ([]types.SearchResult, error) {
	limit := opts.Limit
	if limit < 1 {
		limit = m.maxResults
	}

	switch opts.Strategy {
	case types.StrategySemantic:
		return m.semanticSearch(ctx, query, limit, opts.SessionID)
	case types.StrategyRecent:
		return m.recentSearch(ctx, limit, opts.SessionID)
	default:
		return m.hybridSearch(ctx, query, limit, opts.SessionID)
	}
}

func (m *Manager) semanticSearch(ctx context.Context, query string, limit int, sessionID *string) ([]types.SearchResult, error) {
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return m.store.SearchByVector(ctx, vec, limit, sessionID)
}

func (m *Manager) recentSearch(ctx context.Context, limit int, sessionID *string) ([]types.SearchResult, error) {
	if sessionID != nil {
		if cached, ok := m.recent.Recent(ctx, *sessionID, limit); ok {
			return asResults(cached), nil
		}
		records, err := m.store.GetBySession(ctx, *sessionID, limit)
		if err != nil {
			return nil, err
		}
		return asResults(records), nil
	}
	records, err := m.store.RecentGlobal(ctx, limit)
	if err != nil {
		return nil, err
	}
	return asResults(records), nil
}

// hybridSearch runs the default strategy: vector results first, then up
// to limit/2 text matches not already present, sorted by similarity
// where available and recency otherwise, truncated to limit.
func (m *Manager) hybridSearch(ctx context.Context, query string, limit int, sessionID *string) ([]types.SearchResult, error) {
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := m.store.SearchByVector(ctx, vec, limit, sessionID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		seen[res.ID] = struct{}{}
	}

	textHits, err := m.store.SearchByText(ctx, query, limit, sessionID)
	if err != nil {
		return nil, err
	}
	budget := limit / 2
	var added []types.SearchResult
	for _, hit := range textHits {
		if budget == 0 {
			break
		}
		if _, dup := seen[hit.ID]; dup {
			continue
		}
		seen[hit.ID] = struct{}{}
		added = append(added, hit)
		budget--
	}

	// vector rank is preserved; text additions follow, newest first
	sort.SliceStable(added, func(i, j int) bool {
		return added[i].CreatedAt.After(added[j].CreatedAt)
	})
	results = append(results, added...)

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func asResults(records []types.Record) []types.SearchResult {
	results := make([]types.SearchResult, 0, len(records))
	for _, rec := range records {
		results = append(results, types.SearchResult{Record: rec})
	}
	return results
}

// GetContext runs the default strategy against the current session and
// formats the hits as the context blob. A record's relevance line only
// appears when a similarity score exists.
func (m *Manager) GetContext(ctx context.Context, query string, maxResults int) (string, error) {
	if maxResults < 1 {
		maxResults = m.maxResults
	}
	current := m.sessions.Current()
	results, err := m.Search(ctx, query, types.SearchOptions{
		Limit:     maxResults,
		Strategy:  types.StrategyDefault,
		SessionID: &current,
	})
	if err != nil {
		return "", err
	}
	return FormatContext(results), nil
}

// FormatContext renders search results as the numbered context blob.
func FormatContext(results []types.SearchResult) string {
	if len(results) == 0 {
		return noMemoriesLine
	}
	var sb strings.Builder
	sb.WriteString("相关历史记忆：\n")
	for i, res := range results {
		fmt.Fprintf(&sb, "\n[记忆 %d]\n", i+1)
		fmt.Fprintf(&sb, "时间：%s\n", res.CreatedAt.Format(time.RFC3339))
		if res.Similarity != nil {
			fmt.Fprintf(&sb, "相关度：%.2f\n", *res.Similarity)
		}
		fmt.Fprintf(&sb, "用户：%s\n", res.UserInput)
		fmt.Fprintf(&sb, "助手：%s\n", res.AssistantResponse)
		sb.WriteString(contextSeparator + "\n")
	}
	return sb.String()
}

// GeneratePrompt turns a context blob into a styled prompt through the
// summarizer, degrading to the local template when it is unreachable.
func (m *Manager) GeneratePrompt(ctx context.Context, contextText, style string) string {
	instruction := styleInstruction(style)
	fragments := []generator.Fragment{{Role: "助手", Content: contextText}}
	text, summarized := m.generator.Summarize(ctx, "", fragments, instruction)
	if !summarized {
		m.logger.Warn("prompt generation degraded to local summary", zap.String("style", style))
	}
	return text
}

func styleInstruction(style string) string {
	switch style {
	case "concise":
		return "请基于以上背景信息，生成一个简洁的任务提示词，不超过三句话。"
	case "detailed":
		return "请基于以上背景信息，生成一个详细的任务提示词，包含相关背景和约束。"
	default:
		return "请基于以上背景信息，生成一个清晰的任务提示词。"
	}
}

// CreateSession mints and activates a new session.
func (m *Manager) CreateSession() string {
	id := m.sessions.Create()
	m.logger.Info("session created", zap.String("session_id", id))
	return id
}

// SwitchSession activates an existing session id.
func (m *Manager) SwitchSession(id string) error {
	if err := m.sessions.Switch(id); err != nil {
		return err
	}
	m.logger.Info("session switched", zap.String("session_id", id))
	return nil
}

// SessionInfo returns statistics for one session, defaulting to the
// current one.
func (m *Manager) SessionInfo(ctx context.Context, sessionID string) (*types.Statistics, error) {
	if sessionID == "" {
		sessionID = m.sessions.Current()
	}
	return m.store.Statistics(ctx, &sessionID)
}

// ListSessions enumerates every known session.
func (m *Manager) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	return m.store.ListSessions(ctx)
}

// Statistics returns global storage counts.
func (m *Manager) Statistics(ctx context.Context) (*types.Statistics, error) {
	return m.store.Statistics(ctx, nil)
}

// DeleteMemory removes a single record by id.
func (m *Manager) DeleteMemory(ctx context.Context, id string) (bool, error) {
	return m.store.Delete(ctx, id)
}

// PurgeSession removes every record in a session and invalidates its
// cache entry.
func (m *Manager) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	count, err := m.store.PurgeSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	m.recent.InvalidateSession(ctx, sessionID)
	m.logger.Info("session purged",
		zap.String("session_id", sessionID),
		zap.Int64("records", count),
	)
	return count, nil
}

// ExportSession renders a session's records as raw JSON or a Markdown
// document.
func (m *Manager) ExportSession(ctx context.Context, sessionID, format string) (string, error) {
	if sessionID == "" {
		sessionID = m.sessions.Current()
	}
	records, err := m.store.GetBySession(ctx, sessionID, exportSessionCap)
	if err != nil {
		return "", err
	}

	switch format {
	case "", "json":
		raw, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return "", sageerr.Wrap(sageerr.KindRuntime, "serialize session export", err)
		}
		return string(raw), nil
	case "markdown":
		return formatMarkdownExport(sessionID, records), nil
	default:
		return "", sageerr.Newf(sageerr.KindValidation, "unsupported export format %q", format)
	}
}

func formatMarkdownExport(sessionID string, records []types.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session %s\n\n", sessionID)
	fmt.Fprintf(&sb, "%d memories, exported %s\n", len(records), time.Now().Format(time.RFC3339))
	for i, rec := range records {
		fmt.Fprintf(&sb, "\n## Memory %d\n\n", i+1)
		fmt.Fprintf(&sb, "- id: `%s`\n- created: %s\n\n", rec.ID, rec.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "**用户：** %s\n\n**助手：** %s\n", rec.UserInput, rec.AssistantResponse)
	}
	return sb.String()
}
