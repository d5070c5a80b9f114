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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecore/sage/pkg/types"
)

func TestFingerprint(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	contentHash, timeAwareHash, timeWindow := Fingerprint("What is a B-tree?", "A self-balancing search tree.", now)

	sum := sha256.Sum256([]byte("What is a B-tree?A self-balancing search tree."))
	assert.Equal(t, hex.EncodeToString(sum[:]), contentHash)
	assert.Equal(t, "2026031415", timeWindow)

	aware := sha256.Sum256([]byte(contentHash + "2026031415"))
	assert.Equal(t, hex.EncodeToString(aware[:]), timeAwareHash)
}

func TestFingerprintUsesUTCHourBucket(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	local := time.Date(2026, 1, 1, 7, 30, 0, 0, loc) // 2025-12-31 23:30 UTC
	_, _, window := Fingerprint("a", "b", local)
	assert.Equal(t, "2025123123", window)
}

func TestFingerprintChangesAcrossHours(t *testing.T) {
	t1 := time.Date(2026, 3, 14, 15, 59, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC)
	c1, a1, _ := Fingerprint("u", "a", t1)
	c2, a2, _ := Fingerprint("u", "a", t2)
	assert.Equal(t, c1, c2, "content hash is time independent")
	assert.NotEqual(t, a1, a2, "time-aware hash changes with the hour bucket")
}

func TestNormalizeMetadataPassthrough(t *testing.T) {
	mc := 3
	m := types.Metadata{
		ContentHash:  "abc",
		MessageCount: &mc,
		Notes:        "short note",
		Extra:        map[string]interface{}{"custom": "value"},
	}
	out := normalizeMetadata(m)
	assert.Equal(t, m, out, "small metadata must pass through untouched")
}

func TestNormalizeMetadataOversized(t *testing.T) {
	big := strings.Repeat("x", 200*1024)
	calls := make([]interface{}, 15)
	for i := range calls {
		calls[i] = map[string]interface{}{"tool": "t"}
	}
	mc := 7
	m := types.Metadata{
		ContentHash:     "hash",
		TimeAwareHash:   "aware",
		TimeWindow:      "2026031415",
		SessionID:       "s1",
		MessageCount:    &mc,
		ToolCalls:       calls,
		ThinkingContent: big,
		ErrorMessage:    big,
		Notes:           big,
		Extra:           map[string]interface{}{"huge": big, "nested": map[string]interface{}{"a": 1}},
	}

	out := normalizeMetadata(m)

	// essential keys survive
	assert.Equal(t, "hash", out.ContentHash)
	assert.Equal(t, "aware", out.TimeAwareHash)
	assert.Equal(t, "2026031415", out.TimeWindow)
	assert.Equal(t, "s1", out.SessionID)
	require.NotNil(t, out.MessageCount)
	assert.Equal(t, 7, *out.MessageCount)

	// tool calls capped with the original length recorded
	assert.Len(t, out.ToolCalls, maxToolCalls)
	assert.Equal(t, 15, out.ToolCallsTruncated)

	// long text truncated with the marker suffix
	assert.Len(t, out.ThinkingContent, truncateLimit+len(truncationSuffix))
	assert.True(t, strings.HasSuffix(out.ThinkingContent, truncationSuffix))
	assert.True(t, strings.HasSuffix(out.ErrorMessage, truncationSuffix))
	assert.True(t, strings.HasSuffix(out.Notes, truncationSuffix))

	// string extras truncated, nested extras dropped
	assert.True(t, strings.HasSuffix(out.Extra["huge"].(string), truncationSuffix))
	assert.NotContains(t, out.Extra, "nested")

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Less(t, len(raw), maxMetadataBytes)
}

func TestDedupEquivalent(t *testing.T) {
	mc := 2
	incoming := types.Metadata{
		ContentHash:  "same",
		MessageCount: &mc,
	}

	existing := map[string]interface{}{
		"content_hash":  "same",
		"message_count": float64(2), // jsonb round-trip yields float64
	}
	assert.True(t, dedupEquivalent(existing, incoming.ToMap()))

	// a changed compared key defeats dedup
	changed := map[string]interface{}{
		"content_hash":  "same",
		"message_count": float64(3),
	}
	assert.False(t, dedupEquivalent(changed, incoming.ToMap()))

	// new tool calls on the incoming side defeat dedup
	incoming.ToolCalls = []interface{}{map[string]interface{}{"tool": "x"}}
	assert.False(t, dedupEquivalent(existing, incoming.ToMap()))
}

func TestDedupIgnoresUncomparedKeys(t *testing.T) {
	incoming := types.Metadata{Notes: "fresh note"}
	existing := map[string]interface{}{"notes": "old note"}
	assert.True(t, dedupEquivalent(existing, incoming.ToMap()),
		"keys outside the compare set must not defeat dedup")
}

func TestResolveAgentReportExplicitArgumentWins(t *testing.T) {
	meta := types.Metadata{
		AgentMetadata: map[string]interface{}{"agent_name": "from-meta"},
	}
	arg := map[string]interface{}{"agent_name": "from-arg"}

	isReport, agentMeta := resolveAgentReport(&meta, false, arg)
	assert.True(t, isReport)
	assert.Equal(t, "from-arg", agentMeta["agent_name"])
	// metadata-carried mapping untouched when the argument wins
	assert.NotNil(t, meta.AgentMetadata)
}

func TestResolveAgentReportLiftsFromMetadata(t *testing.T) {
	meta := types.Metadata{
		AgentMetadata: map[string]interface{}{"agent_name": "coder", "task_id": "t-1"},
	}
	isReport, agentMeta := resolveAgentReport(&meta, false, nil)
	assert.True(t, isReport)
	assert.Equal(t, "coder", agentMeta["agent_name"])
	assert.Nil(t, meta.AgentMetadata, "mapping must be lifted out of metadata")
}

func TestResolveAgentReportFlagFallback(t *testing.T) {
	flag := true
	meta := types.Metadata{IsAgentReport: &flag}
	isReport, agentMeta := resolveAgentReport(&meta, false, nil)
	assert.True(t, isReport)
	assert.Nil(t, agentMeta)

	plain := types.Metadata{}
	isReport, _ = resolveAgentReport(&plain, false, nil)
	assert.False(t, isReport)

	isReport, _ = resolveAgentReport(&plain, true, nil)
	assert.True(t, isReport)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short"))

	long := strings.Repeat("a", truncateLimit+5)
	out := truncateText(long)
	assert.Len(t, out, truncateLimit+len(truncationSuffix))
	assert.True(t, strings.HasSuffix(out, truncationSuffix))
}

func TestTruncateTextMultibyte(t *testing.T) {
	// byte length exceeds the limit but the rune count does not
	under := strings.Repeat("汉", 400)
	assert.Equal(t, under, truncateText(under))

	over := strings.Repeat("汉", truncateLimit+200)
	out := truncateText(over)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, truncateLimit, utf8.RuneCountInString(strings.TrimSuffix(out, truncationSuffix)))
	assert.True(t, strings.HasSuffix(out, truncationSuffix))
}
