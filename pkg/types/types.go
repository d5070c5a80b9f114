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
// Package types defines the shared data shapes of the memory service.
package types

import (
	"encoding/json"
	"time"
)

// Record is the atomic unit of conversational memory.
type Record struct {
	ID                string                 `json:"id"`
	SessionID         *string                `json:"session_id,omitempty"`
	UserInput         string                 `json:"user_input"`
	AssistantResponse string                 `json:"assistant_response"`
	Embedding         []float32              `json:"-"`
	Metadata          Metadata               `json:"metadata"`
	IsAgentReport     bool                   `json:"is_agent_report"`
	AgentMetadata     map[string]interface{} `json:"agent_metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Metadata is a typed view over the record's free-form metadata mapping.
// Known keys are fields; everything else rides in Extra. The wire form is
// a single flat JSON object with snake_case keys.
type Metadata struct {
	ContentHash     string        `json:"-"`
	TimeAwareHash   string        `json:"-"`
	TimeWindow      string        `json:"-"`
	SessionID       string        `json:"-"`
	ToolCalls       []interface{} `json:"-"`
	// ToolCallsTruncated records the original list length when ToolCalls
	// was cut during normalization. Zero means not truncated.
	ToolCallsTruncated int                    `json:"-"`
	ToolCallCount      *int                   `json:"-"`
	MessageCount       *int                   `json:"-"`
	ThinkingContent    string                 `json:"-"`
	ErrorMessage       string                 `json:"-"`
	Notes              string                 `json:"-"`
	IsAgentReport      *bool                  `json:"-"`
	AgentMetadata      map[string]interface{} `json:"-"`
	Extra              map[string]interface{} `json:"-"`
}

// Wire keys for the metadata object.
const (
	KeyContentHash        = "content_hash"
	KeyTimeAwareHash      = "time_aware_hash"
	KeyTimeWindow         = "time_window"
	KeySessionID          = "session_id"
	KeyToolCalls          = "tool_calls"
	KeyToolCallsTruncated = "tool_calls_truncated"
	KeyToolCallCount      = "tool_call_count"
	KeyMessageCount       = "message_count"
	KeyThinkingContent    = "thinking_content"
	KeyErrorMessage       = "error_message"
	KeyNotes              = "notes"
	KeyIsAgentReport      = "is_agent_report"
	KeyAgentMetadata      = "agent_metadata"
)

// ToMap flattens the metadata into a single JSON-ready map. Known fields
// override same-named Extra keys.
func (m Metadata) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(m.Extra)+8)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.ContentHash != "" {
		out[KeyContentHash] = m.ContentHash
	}
	if m.TimeAwareHash != "" {
		out[KeyTimeAwareHash] = m.TimeAwareHash
	}
	if m.TimeWindow != "" {
		out[KeyTimeWindow] = m.TimeWindow
	}
	if m.SessionID != "" {
		out[KeySessionID] = m.SessionID
	}
	if m.ToolCalls != nil {
		out[KeyToolCalls] = m.ToolCalls
	}
	if m.ToolCallsTruncated > 0 {
		out[KeyToolCallsTruncated] = m.ToolCallsTruncated
	}
	if m.ToolCallCount != nil {
		out[KeyToolCallCount] = *m.ToolCallCount
	}
	if m.MessageCount != nil {
		out[KeyMessageCount] = *m.MessageCount
	}
	if m.ThinkingContent != "" {
		out[KeyThinkingContent] = m.ThinkingContent
	}
	if m.ErrorMessage != "" {
		out[KeyErrorMessage] = m.ErrorMessage
	}
	if m.Notes != "" {
		out[KeyNotes] = m.Notes
	}
	if m.IsAgentReport != nil {
		out[KeyIsAgentReport] = *m.IsAgentReport
	}
	if m.AgentMetadata != nil {
		out[KeyAgentMetadata] = m.AgentMetadata
	}
	return out
}

// MarshalJSON emits the flat wire object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON splits known keys out of the flat wire object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = MetadataFromMap(raw)
	return nil
}

// MetadataFromMap builds a typed Metadata from a flat mapping.
func MetadataFromMap(raw map[string]interface{}) Metadata {
	m := Metadata{Extra: make(map[string]interface{})}
	for k, v := range raw {
		switch k {
		case KeyContentHash:
			m.ContentHash, _ = v.(string)
		case KeyTimeAwareHash:
			m.TimeAwareHash, _ = v.(string)
		case KeyTimeWindow:
			m.TimeWindow, _ = v.(string)
		case KeySessionID:
			m.SessionID, _ = v.(string)
		case KeyToolCalls:
			if list, ok := v.([]interface{}); ok {
				m.ToolCalls = list
			}
		case KeyToolCallsTruncated:
			if n, ok := toInt(v); ok {
				m.ToolCallsTruncated = n
			}
		case KeyToolCallCount:
			if n, ok := toInt(v); ok {
				m.ToolCallCount = &n
			}
		case KeyMessageCount:
			if n, ok := toInt(v); ok {
				m.MessageCount = &n
			}
		case KeyThinkingContent:
			m.ThinkingContent, _ = v.(string)
		case KeyErrorMessage:
			m.ErrorMessage, _ = v.(string)
		case KeyNotes:
			m.Notes, _ = v.(string)
		case KeyIsAgentReport:
			if b, ok := v.(bool); ok {
				m.IsAgentReport = &b
			}
		case KeyAgentMetadata:
			if mm, ok := v.(map[string]interface{}); ok {
				m.AgentMetadata = mm
			}
		default:
			m.Extra[k] = v
		}
	}
	if len(m.Extra) == 0 {
		m.Extra = nil
	}
	return m
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// SearchResult is a record with an optional similarity score.
// Similarity is nil for text and recency hits.
type SearchResult struct {
	Record
	Similarity *float64 `json:"similarity,omitempty"`
}

// SearchStrategy selects the retrieval path.
type SearchStrategy string

const (
	StrategyDefault  SearchStrategy = "default"
	StrategySemantic SearchStrategy = "semantic"
	StrategyRecent   SearchStrategy = "recent"
)

// SearchOptions configures a memory search.
type SearchOptions struct {
	Limit     int
	Strategy  SearchStrategy
	SessionID *string
}

// SaveRequest is the write-path input.
type SaveRequest struct {
	UserInput         string
	AssistantResponse string
	Metadata          Metadata
	SessionID         *string
	IsAgentReport     bool
	AgentMetadata     map[string]interface{}
}

// SessionInfo summarizes one session.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	MemoryCount int       `json:"memory_count"`
	FirstMemory time.Time `json:"first_memory"`
	LastMemory  time.Time `json:"last_memory"`
}

// Statistics reports storage counts for a session or globally.
type Statistics struct {
	Scope        string     `json:"scope"`
	SessionID    string     `json:"session_id,omitempty"`
	Total        int64      `json:"total"`
	SessionCount int64      `json:"session_count,omitempty"`
	FirstMemory  *time.Time `json:"first_memory,omitempty"`
	LastMemory   *time.Time `json:"last_memory,omitempty"`
}
