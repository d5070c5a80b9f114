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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/sageerr"
	"github.com/sagecore/sage/pkg/types"
)

const (
	// maxMetadataBytes triggers normalization of oversized metadata.
	maxMetadataBytes = 100 * 1024
	// truncateLimit caps individual text fields during normalization.
	truncateLimit = 1000
	// maxToolCalls caps the tool_calls list during normalization.
	maxToolCalls = 10

	truncationSuffix = "...[truncated]"

	// dedupWindow is how far back the duplicate probe looks.
	dedupWindow = "2 hours"

	recordColumns = `id, session_id, user_input, assistant_response,
		metadata, is_agent_report, agent_metadata, created_at, updated_at`
)

// Store is the memory record store over a DB. Writes deduplicate by
// content fingerprint inside a transaction scope; reads cover vector
// KNN, text match, and the session views.
type Store struct {
	db        *DB
	dimension int
	logger    *zap.Logger

	// clock feeds the dedup time window; injected for tests.
	clock func() time.Time
}

// NewStore creates a Store writing D-dimensional embeddings to db.
func NewStore(db *DB, dimension int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, dimension: dimension, logger: logger, clock: time.Now}
}

// Fingerprint derives the dedup triple for a conversation pair:
// the content hash, the hour bucket, and the time-aware hash binding
// the two.
func Fingerprint(userInput, assistantResponse string, now time.Time) (contentHash, timeAwareHash, timeWindow string) {
	sum := sha256.Sum256([]byte(userInput + assistantResponse))
	contentHash = hex.EncodeToString(sum[:])
	timeWindow = now.UTC().Format("2006010215")
	aware := sha256.Sum256([]byte(contentHash + timeWindow))
	timeAwareHash = hex.EncodeToString(aware[:])
	return contentHash, timeAwareHash, timeWindow
}

// Save persists one conversation pair and returns the row id. When an
// equivalent record exists in the same session within the dedup window,
// the existing id is returned and nothing is written. The probe,
// normalization, and insert run in one transaction, reusing a threaded
// scope when the caller opened one.
func (s *Store) Save(ctx context.Context, req types.SaveRequest, embedding []float32) (string, error) {
	if strings.TrimSpace(req.UserInput) == "" && strings.TrimSpace(req.AssistantResponse) == "" {
		return "", sageerr.New(sageerr.KindValidation, "user input and assistant response are both empty")
	}
	if embedding == nil {
		return "", sageerr.New(sageerr.KindValidation, "embedding is required")
	}
	if len(embedding) != s.dimension {
		return "", sageerr.Newf(sageerr.KindValidation,
			"embedding dimension %d does not match expected %d", len(embedding), s.dimension)
	}
	if req.SessionID != nil && *req.SessionID == "" {
		return "", sageerr.New(sageerr.KindValidation, "session id must not be empty")
	}

	meta := req.Metadata
	contentHash, timeAwareHash, timeWindow := Fingerprint(req.UserInput, req.AssistantResponse, s.clock())
	meta.ContentHash = contentHash
	meta.TimeAwareHash = timeAwareHash
	meta.TimeWindow = timeWindow
	if req.SessionID != nil {
		meta.SessionID = *req.SessionID
	}

	var id string
	write := func(ctx context.Context) error {
		existingID, ok, err := s.dedupProbe(ctx, contentHash, timeAwareHash, req.SessionID, meta)
		if err != nil {
			return err
		}
		if ok {
			s.logger.Info("duplicate conversation, reusing existing record",
				zap.String("memory_id", existingID),
				zap.String("content_hash", contentHash),
			)
			id = existingID
			return nil
		}

		isAgentReport, agentMetadata := resolveAgentReport(&meta, req.IsAgentReport, req.AgentMetadata)
		meta = normalizeMetadata(meta)

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return sageerr.Wrap(sageerr.KindValidation, "serialize metadata", err)
		}
		var agentJSON any
		if agentMetadata != nil {
			b, err := json.Marshal(agentMetadata)
			if err != nil {
				return sageerr.Wrap(sageerr.KindValidation, "serialize agent metadata", err)
			}
			agentJSON = b
		}

		id = uuid.NewString()
		return s.db.Execute(ctx,
			`INSERT INTO memories
				(id, session_id, user_input, assistant_response, embedding,
				 metadata, is_agent_report, agent_metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, req.SessionID, req.UserInput, req.AssistantResponse,
			pgvector.NewVector(embedding), metaJSON, isAgentReport, agentJSON)
	}

	// degraded mode: no transaction manager yet, run the probe and
	// insert sequentially on the pool
	var err error
	if txns := s.db.Txns(); txns != nil {
		err = txns.WithinTransaction(ctx, ReadCommitted, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// dedupProbe looks for an equivalent record in the same session within
// the dedup window. A fingerprint match whose compared metadata keys
// differ is new information and does not count as a duplicate.
func (s *Store) dedupProbe(ctx context.Context, contentHash, timeAwareHash string, sessionID *string, incoming types.Metadata) (string, bool, error) {
	var (
		existingID   string
		existingMeta []byte
	)
	err := s.db.FetchRow(ctx,
		`SELECT id, metadata FROM memories
		 WHERE (metadata->>'content_hash' = $1 OR metadata->>'time_aware_hash' = $2)
		   AND session_id IS NOT DISTINCT FROM $3
		   AND created_at > NOW() - INTERVAL '`+dedupWindow+`'
		 ORDER BY created_at DESC LIMIT 1`,
		[]any{contentHash, timeAwareHash, sessionID},
		func(row pgx.Row) error {
			return row.Scan(&existingID, &existingMeta)
		})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var existing map[string]interface{}
	if err := json.Unmarshal(existingMeta, &existing); err != nil {
		return "", false, nil
	}
	if !dedupEquivalent(existing, incoming.ToMap()) {
		return "", false, nil
	}
	return existingID, true, nil
}

// dedupCompareKeys are the metadata keys whose change defeats dedup.
var dedupCompareKeys = []string{types.KeyToolCalls, types.KeyMessageCount, types.KeyThinkingContent}

func dedupEquivalent(existing, incoming map[string]interface{}) bool {
	for _, key := range dedupCompareKeys {
		if !jsonEqual(existing[key], incoming[key]) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

// resolveAgentReport decides the is_agent_report flag and the
// agent_metadata column value. An explicit agentMetadata argument wins;
// the metadata-carried mapping is the backward-compatible path and gets
// lifted out of the metadata object.
func resolveAgentReport(meta *types.Metadata, explicit bool, agentMetadata map[string]interface{}) (bool, map[string]interface{}) {
	if agentMetadata != nil {
		return true, agentMetadata
	}
	if meta.AgentMetadata != nil {
		lifted := meta.AgentMetadata
		meta.AgentMetadata = nil
		return true, lifted
	}
	if meta.IsAgentReport != nil && *meta.IsAgentReport {
		return true, nil
	}
	return explicit, nil
}

// normalizeMetadata shrinks metadata that serializes above the 100 KiB
// cap: essential keys survive unchanged, the tool-call list is capped,
// and long text fields are truncated. Small metadata passes through.
func normalizeMetadata(m types.Metadata) types.Metadata {
	raw, err := json.Marshal(m)
	if err == nil && len(raw) <= maxMetadataBytes {
		return m
	}

	out := types.Metadata{
		ContentHash:   m.ContentHash,
		TimeAwareHash: m.TimeAwareHash,
		TimeWindow:    m.TimeWindow,
		SessionID:     m.SessionID,
		MessageCount:  m.MessageCount,
		ToolCallCount: m.ToolCallCount,
		IsAgentReport: m.IsAgentReport,
	}
	if m.ToolCalls != nil {
		if len(m.ToolCalls) > maxToolCalls {
			out.ToolCalls = m.ToolCalls[:maxToolCalls]
			out.ToolCallsTruncated = len(m.ToolCalls)
		} else {
			out.ToolCalls = m.ToolCalls
		}
	}
	out.ThinkingContent = truncateText(m.ThinkingContent)
	out.ErrorMessage = truncateText(m.ErrorMessage)
	out.Notes = truncateText(m.Notes)

	for key, val := range m.Extra {
		s, ok := val.(string)
		if !ok {
			// non-string extras can be arbitrarily nested; drop them
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]interface{})
		}
		out.Extra[key] = truncateText(s)
	}
	return out
}

// truncateText caps a string at truncateLimit runes. Cutting on a rune
// boundary keeps multibyte text valid UTF-8.
func truncateText(s string) string {
	if utf8.RuneCountInString(s) <= truncateLimit {
		return s
	}
	return string([]rune(s)[:truncateLimit]) + truncationSuffix
}

// SearchByVector returns the limit nearest records by cosine distance,
// optionally scoped to a session. Similarity is 1 - distance; ties
// break by row id so result order is deterministic.
func (s *Store) SearchByVector(ctx context.Context, vec []float32, limit int, sessionID *string) ([]types.SearchResult, error) {
	if len(vec) != s.dimension {
		return nil, sageerr.Newf(sageerr.KindValidation,
			"query vector dimension %d does not match expected %d", len(vec), s.dimension)
	}
	sql := `SELECT ` + recordColumns + `,
			1 - (embedding <=> $1::vector) AS similarity
		FROM memories`
	args := []any{pgvector.NewVector(vec)}
	if sessionID != nil {
		sql += ` WHERE session_id = $2`
		args = append(args, *sessionID)
	}
	sql += ` ORDER BY embedding <=> $1::vector, id LIMIT ` + itoa(limit)

	var results []types.SearchResult
	err := s.db.Fetch(ctx, sql, args, func(rows pgx.Rows) error {
		for rows.Next() {
			var (
				res        types.SearchResult
				similarity float64
			)
			if err := scanRecord(rows, &res.Record, &similarity); err != nil {
				return err
			}
			res.Similarity = &similarity
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SearchByText returns records whose input or response contains the
// query, newest first. No similarity is reported for text hits.
func (s *Store) SearchByText(ctx context.Context, query string, limit int, sessionID *string) ([]types.SearchResult, error) {
	pattern := "%" + query + "%"
	sql := `SELECT ` + recordColumns + ` FROM memories
		WHERE (user_input ILIKE $1 OR assistant_response ILIKE $1)`
	args := []any{pattern}
	if sessionID != nil {
		sql += ` AND session_id = $2`
		args = append(args, *sessionID)
	}
	sql += ` ORDER BY created_at DESC LIMIT ` + itoa(limit)

	var results []types.SearchResult
	err := s.db.Fetch(ctx, sql, args, func(rows pgx.Rows) error {
		for rows.Next() {
			var res types.SearchResult
			if err := scanRecord(rows, &res.Record, nil); err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetByID returns one record, or nil when the id is unknown.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Record, error) {
	var rec types.Record
	err := s.db.FetchRow(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE id = $1`,
		[]any{id},
		func(row pgx.Row) error {
			return scanRecord(row, &rec, nil)
		})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetBySession returns a session's records, newest first.
func (s *Store) GetBySession(ctx context.Context, sessionID string, limit int) ([]types.Record, error) {
	return s.fetchRecords(ctx,
		`SELECT `+recordColumns+` FROM memories
		 WHERE session_id = $1 ORDER BY created_at DESC LIMIT `+itoa(limit),
		[]any{sessionID})
}

// RecentGlobal returns the newest records across every session.
func (s *Store) RecentGlobal(ctx context.Context, limit int) ([]types.Record, error) {
	return s.fetchRecords(ctx,
		`SELECT `+recordColumns+` FROM memories
		 ORDER BY created_at DESC LIMIT `+itoa(limit), nil)
}

func (s *Store) fetchRecords(ctx context.Context, sql string, args []any) ([]types.Record, error) {
	var records []types.Record
	err := s.db.Fetch(ctx, sql, args, func(rows pgx.Rows) error {
		for rows.Next() {
			var rec types.Record
			if err := scanRecord(rows, &rec, nil); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListSessions groups records by session id, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	var sessions []types.SessionInfo
	err := s.db.Fetch(ctx,
		`SELECT session_id, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM memories WHERE session_id IS NOT NULL
		 GROUP BY session_id ORDER BY MAX(created_at) DESC`,
		nil,
		func(rows pgx.Rows) error {
			for rows.Next() {
				var info types.SessionInfo
				if err := rows.Scan(&info.SessionID, &info.MemoryCount, &info.FirstMemory, &info.LastMemory); err != nil {
					return err
				}
				sessions = append(sessions, info)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Statistics reports counts for one session, or globally when sessionID
// is nil.
func (s *Store) Statistics(ctx context.Context, sessionID *string) (*types.Statistics, error) {
	stats := &types.Statistics{}
	if sessionID != nil {
		stats.Scope = "session"
		stats.SessionID = *sessionID
		err := s.db.FetchVal(ctx,
			`SELECT COUNT(*), MIN(created_at), MAX(created_at)
			 FROM memories WHERE session_id = $1`,
			[]any{*sessionID},
			&stats.Total, &stats.FirstMemory, &stats.LastMemory)
		if err != nil {
			return nil, err
		}
		return stats, nil
	}

	stats.Scope = "global"
	err := s.db.FetchVal(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT session_id), MIN(created_at), MAX(created_at)
		 FROM memories`,
		nil,
		&stats.Total, &stats.SessionCount, &stats.FirstMemory, &stats.LastMemory)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Delete removes one record, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	var deleted string
	err := s.db.FetchVal(ctx,
		`DELETE FROM memories WHERE id = $1 RETURNING id`,
		[]any{id}, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeSession removes every record in a session and returns how many
// rows were dropped.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.Fetch(ctx,
		`DELETE FROM memories WHERE session_id = $1 RETURNING id`,
		[]any{sessionID},
		func(rows pgx.Rows) error {
			for rows.Next() {
				count++
			}
			return nil
		})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// scanRecord scans the recordColumns list (plus an optional trailing
// similarity column) into rec.
func scanRecord(row pgx.Row, rec *types.Record, similarity *float64) error {
	var (
		metaRaw  []byte
		agentRaw []byte
	)
	dest := []any{
		&rec.ID, &rec.SessionID, &rec.UserInput, &rec.AssistantResponse,
		&metaRaw, &rec.IsAgentReport, &agentRaw, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if similarity != nil {
		dest = append(dest, similarity)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &rec.Metadata); err != nil {
			return err
		}
	}
	if len(agentRaw) > 0 {
		if err := json.Unmarshal(agentRaw, &rec.AgentMetadata); err != nil {
			return err
		}
	}
	return nil
}

// itoa renders a positive limit for inlining into a LIMIT clause.
func itoa(n int) string {
	if n < 1 {
		n = 1
	}
	return strconv.Itoa(n)
}
