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
package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecore/sage/pkg/sageerr"
	"github.com/sagecore/sage/pkg/types"
)

func result(user, assistant string, created time.Time, similarity *float64) types.SearchResult {
	return types.SearchResult{
		Record: types.Record{
			UserInput:         user,
			AssistantResponse: assistant,
			CreatedAt:         created,
		},
		Similarity: similarity,
	}
}

func TestFormatContextEmpty(t *testing.T) {
	assert.Equal(t, noMemoriesLine, FormatContext(nil))
}

func TestFormatContextNumberedSections(t *testing.T) {
	sim := 0.87
	created := time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("UTC+8", 8*3600))
	results := []types.SearchResult{
		result("What is a B-tree?", "A self-balancing search tree.", created, &sim),
		result("second question", "second answer", created, nil),
	}

	out := FormatContext(results)

	assert.True(t, strings.HasPrefix(out, "相关历史记忆：\n"))
	assert.Contains(t, out, "[记忆 1]")
	assert.Contains(t, out, "[记忆 2]")
	assert.Contains(t, out, "用户：What is a B-tree?")
	assert.Contains(t, out, "助手：A self-balancing search tree.")
	assert.Contains(t, out, "相关度：0.87")
	assert.Contains(t, out, "时间：2026-03-14T15:09:26+08:00", "timestamps carry the offset")
	assert.Equal(t, 2, strings.Count(out, contextSeparator))
}

func TestFormatContextRelevanceOnlyWithSimilarity(t *testing.T) {
	out := FormatContext([]types.SearchResult{
		result("u", "a", time.Now(), nil),
	})
	assert.NotContains(t, out, "相关度", "no relevance line on non-semantic hits")
}

func TestSessionManagerLifecycle(t *testing.T) {
	s := NewSessionManager()
	initial := s.Current()
	require.NotEmpty(t, initial)

	created := s.Create()
	assert.NotEqual(t, initial, created)
	assert.Equal(t, created, s.Current())

	require.NoError(t, s.Switch(initial))
	assert.Equal(t, initial, s.Current())

	err := s.Switch("")
	require.Error(t, err)
	assert.True(t, sageerr.IsKind(err, sageerr.KindValidation))
	assert.Equal(t, initial, s.Current(), "failed switch leaves current unchanged")
}

func TestAsResultsCarriesNoSimilarity(t *testing.T) {
	results := asResults([]types.Record{{ID: "a"}, {ID: "b"}})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Nil(t, res.Similarity)
	}
}

func TestStyleInstruction(t *testing.T) {
	assert.NotEqual(t, styleInstruction("concise"), styleInstruction("detailed"))
	assert.Equal(t, styleInstruction(""), styleInstruction("unknown"))
}
