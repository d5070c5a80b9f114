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
// Package embedding calls the external embedding endpoint and turns
// arbitrary-length text into fixed-dimension vectors. Oversized inputs
// are chunked on paragraph and sentence boundaries and mean-pooled;
// transport failures degrade to a deterministic hash-seeded vector.
package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/config"
	"github.com/sagecore/sage/pkg/resilience"
	"github.com/sagecore/sage/pkg/sageerr"
)

var sentenceBoundary = regexp.MustCompile(`[.!?。！？]+`)

// Client embeds text through the configured endpoint.
type Client struct {
	api       *openai.Client
	model     string
	dimension int
	chunkSize int
	chunking  bool
	guard     resilience.Guard
	logger    *zap.Logger
}

// NewClient builds a Client from config. Chunking is enabled by default.
func NewClient(cfg config.EmbeddingConfig, breakers *resilience.Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	policy := resilience.NetworkRetry()
	policy.Logger = logger

	return &Client{
		api:       openai.NewClientWithConfig(apiCfg),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		chunkSize: cfg.ChunkSize,
		chunking:  true,
		guard:     resilience.Guard{Breaker: breakers.Get("embedding_service"), Retry: policy},
		logger:    logger,
	}
}

// SetChunking toggles chunking of oversized inputs.
func (c *Client) SetChunking(enabled bool) {
	c.chunking = enabled
}

// Dimension returns the fixed output dimension D.
func (c *Client) Dimension() int {
	return c.dimension
}

// Embed returns a D-dimensional vector for text. Inputs above the chunk
// size are split and mean-pooled, so oversized input never errors. The
// only hard failure is a dimension mismatch from the server.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.chunking || runeLen(text) <= c.chunkSize {
		return c.embedSingle(ctx, text)
	}

	chunks := chunkText(text, c.chunkSize)
	c.logger.Debug("embedding oversized input in chunks",
		zap.Int("chars", runeLen(text)),
		zap.Int("chunks", len(chunks)),
	)
	vectors := make([][]float32, 0, len(chunks))
	for _, chunk := range chunks {
		vec, err := c.embedSingle(ctx, chunk)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	return meanPool(vectors), nil
}

// EmbedBatch embeds each text independently.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (c *Client) embedSingle(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := c.guard.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input:          []string{text},
			Model:          openai.EmbeddingModel(c.model),
			EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		})
		if err != nil {
			return classifyTransport(err)
		}
		if len(resp.Data) == 0 {
			return sageerr.New(sageerr.KindEmbeddingService, "embedding response contains no data")
		}
		vec = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		if isTransportFailure(err) {
			c.logger.Warn("embedding endpoint unavailable, using deterministic fallback vector",
				zap.Int("chars", runeLen(text)),
				zap.Error(err),
			)
			return c.FallbackVector(text), nil
		}
		return nil, err
	}

	// A wrong-sized vector is a server contract violation, not a
	// transport fault; it must never trigger the fallback.
	if len(vec) != c.dimension {
		return nil, sageerr.Newf(sageerr.KindRuntime,
			"embedding dimension %d does not match expected %d", len(vec), c.dimension)
	}
	return vec, nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sageerr.Wrap(sageerr.KindTimeout, "embedding request timed out", err)
	}
	return sageerr.Wrap(sageerr.KindEmbeddingService, "embedding request failed", err)
}

func isTransportFailure(err error) bool {
	switch sageerr.KindOf(err) {
	case sageerr.KindEmbeddingService, sageerr.KindTimeout, sageerr.KindBreakerOpen:
		return true
	}
	return false
}

// FallbackVector derives a deterministic unit vector from the text: the
// generator is seeded with hash(text) mod 2^32, D standard normals are
// drawn and L2-normalized. Identical text always maps to the identical
// vector.
func (c *Client) FallbackVector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64() % (1 << 32)

	rng := rand.New(rand.NewSource(int64(seed))) // #nosec G404 -- deterministic fallback, not crypto
	vec := make([]float32, c.dimension)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// chunkText splits text into chunks of at most chunkSize characters,
// preserving paragraph boundaries first and sentence boundaries within
// oversized paragraphs. Chunk sizes are measured in runes so multibyte
// text never splits mid-character.
func chunkText(text string, chunkSize int) []string {
	paragraphs := strings.Split(text, "\n\n")
	if len(paragraphs) == 1 && runeLen(text) > chunkSize {
		return forceSplit(text, chunkSize)
	}

	var (
		chunks  []string
		current strings.Builder
		curLen  int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			curLen = 0
		}
	}
	add := func(piece string) {
		n := runeLen(piece)
		if curLen > 0 && curLen+n+2 > chunkSize {
			flush()
		}
		if curLen > 0 {
			current.WriteString("\n\n")
			curLen += 2
		}
		current.WriteString(piece)
		curLen += n
	}

	for _, para := range paragraphs {
		if para == "" {
			continue
		}
		if runeLen(para) <= chunkSize {
			add(para)
			continue
		}
		flush()
		for _, sentence := range sentenceBoundary.Split(para, -1) {
			if sentence == "" {
				continue
			}
			if runeLen(sentence) <= chunkSize {
				add(sentence)
				continue
			}
			flush()
			chunks = append(chunks, forceSplit(sentence, chunkSize)...)
		}
	}
	flush()

	if len(chunks) == 0 {
		chunks = []string{text}
	}
	return chunks
}

// forceSplit cuts text into fixed-size rune windows.
func forceSplit(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// meanPool averages the vectors element-wise.
func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) == 1 {
		return vectors[0]
	}
	dim := len(vectors[0])
	out := make([]float32, dim)
	for _, vec := range vectors {
		for i, v := range vec {
			out[i] += v
		}
	}
	n := float32(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
