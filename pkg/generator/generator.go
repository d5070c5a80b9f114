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
// Package generator compresses retrieved memory fragments into a
// context blob via the chat-completion endpoint. It degrades to a
// deterministic local summary and never fails the caller.
package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sagecore/sage/pkg/config"
	"github.com/sagecore/sage/pkg/resilience"
	"github.com/sagecore/sage/pkg/sageerr"
)

// PassagesPlaceholder is the literal slot in a fusion template that
// receives the numbered fragments.
const PassagesPlaceholder = "{retrieved_passages}"

// DefaultFusionTemplate is the built-in memory fusion prompt.
const DefaultFusionTemplate = `你是一个记忆整理助手。下面是从历史对话中检索到的片段：

{retrieved_passages}

请基于这些片段，用简洁的中文提炼与用户当前问题相关的背景信息。只保留有用的事实，不要编造内容。`

// fallbackFragmentLimit caps each fragment in the local summary.
const fallbackFragmentLimit = 500

// Fragment is one retrieved passage with its speaker role.
type Fragment struct {
	Role    string // "用户" or "助手"
	Content string
}

// Client calls the chat-completion endpoint.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
	topP        float32
	guard       resilience.Guard
	logger      *zap.Logger
}

// NewClient builds a Client from config, sharing the embedding API key.
func NewClient(cfg config.GeneratorConfig, apiKey string, breakers *resilience.Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	apiCfg := openai.DefaultConfig(apiKey)
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
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		guard:       resilience.Guard{Breaker: breakers.Get("generator_service"), Retry: policy},
		logger:      logger,
	}
}

// BuildPrompt substitutes numbered fragments into the template's
// passages placeholder and trims the result to maxTokens*4 characters.
func BuildPrompt(template string, fragments []Fragment, maxTokens int) string {
	var sb strings.Builder
	for i, frag := range fragments {
		fmt.Fprintf(&sb, "<fragment_%02d>\n[%s] %s\n</fragment_%02d>\n", i+1, frag.Role, frag.Content, i+1)
	}
	prompt := strings.ReplaceAll(template, PassagesPlaceholder, strings.TrimRight(sb.String(), "\n"))

	if maxTokens > 0 {
		limit := maxTokens * 4
		if runes := []rune(prompt); len(runes) > limit {
			prompt = string(runes[:limit])
		}
	}
	return prompt
}

// Summarize compresses the fragments into a context blob for the query.
// It returns the blob and whether the remote summarizer produced it;
// false means the deterministic local fallback ran. It never returns an
// error.
func (c *Client) Summarize(ctx context.Context, template string, fragments []Fragment, query string) (string, bool) {
	if template == "" {
		template = DefaultFusionTemplate
	}
	system := BuildPrompt(template, fragments, c.maxTokens)

	var text string
	err := c.guard.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: query},
			},
			Stream:      false,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			TopP:        c.topP,
		})
		if err != nil {
			return classifyTransport(err)
		}
		if len(resp.Choices) == 0 {
			return sageerr.New(sageerr.KindEmbeddingService, "chat response contains no choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		c.logger.Warn("generator endpoint unavailable, using local summary",
			zap.Int("fragments", len(fragments)),
			zap.Error(err),
		)
		return LocalSummary(fragments), false
	}
	return text, true
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sageerr.Wrap(sageerr.KindTimeout, "chat request timed out", err)
	}
	return sageerr.Wrap(sageerr.KindEmbeddingService, "chat request failed", err)
}

// LocalSummary concatenates truncated fragments under headings. It is
// the deterministic stand-in when the summarizer is unreachable, and
// the output is labeled as unsummarized.
func LocalSummary(fragments []Fragment) string {
	if len(fragments) == 0 {
		return "没有可用的历史记忆片段。"
	}
	var sb strings.Builder
	sb.WriteString("以下是相关的历史记忆片段（未经摘要）：\n")
	for i, frag := range fragments {
		content := frag.Content
		if runes := []rune(content); len(runes) > fallbackFragmentLimit {
			content = string(runes[:fallbackFragmentLimit]) + "…"
		}
		fmt.Fprintf(&sb, "\n【片段 %d】[%s] %s\n", i+1, frag.Role, content)
	}
	return sb.String()
}
