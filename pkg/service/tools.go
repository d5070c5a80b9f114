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

package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sagecore/sage/pkg/mcp/protocol"
	"github.com/sagecore/sage/pkg/sageerr"
	"github.com/sagecore/sage/pkg/types"
)

// Tools adapts the core into the MCP ToolProvider.
type Tools struct {
	core *Core
}

// NewTools creates the tool provider for a core.
func NewTools(core *Core) *Tools {
	return &Tools{core: core}
}

func objSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

var toolDefs = []protocol.Tool{
	{
		Name:        "save_conversation",
		Description: "保存一轮对话到长期记忆。内容会被向量化并按内容指纹去重。",
		InputSchema: objSchema(map[string]interface{}{
			"user_prompt":        strProp("用户输入内容"),
			"assistant_response": strProp("助手回复内容"),
			"session_id":         strProp("会话 ID，缺省为当前会话"),
			"metadata":           map[string]interface{}{"type": "object", "description": "附加元数据"},
			"is_agent_report":    boolProp("是否为子代理执行报告"),
			"agent_metadata":     map[string]interface{}{"type": "object", "description": "子代理报告元数据"},
		}, "user_prompt", "assistant_response"),
	},
	{
		Name:        "get_context",
		Description: "检索与查询相关的历史记忆并格式化为上下文文本。",
		InputSchema: objSchema(map[string]interface{}{
			"query":       strProp("检索查询"),
			"max_results": intProp("最多返回的记忆条数"),
		}, "query"),
	},
	{
		Name:        "search_memory",
		Description: "按指定策略检索记忆，返回结构化结果。",
		InputSchema: objSchema(map[string]interface{}{
			"query": strProp("检索查询"),
			"limit": intProp("最多返回条数"),
			"strategy": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"default", "semantic", "recent"},
				"description": "检索策略",
			},
			"session_id": strProp("限定会话 ID"),
		}, "query"),
	},
	{
		Name:        "manage_session",
		Description: "会话管理：创建、切换、查询信息、列出全部会话、清空会话记忆。",
		InputSchema: objSchema(map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"create", "switch", "info", "list", "purge"},
				"description": "操作类型",
			},
			"session_id": strProp("目标会话 ID（switch/purge 必填，info 缺省为当前会话）"),
		}, "action"),
	},
	{
		Name:        "generate_prompt",
		Description: "基于给定的上下文内容生成任务提示词。",
		InputSchema: objSchema(map[string]interface{}{
			"context": strProp("历史记忆上下文内容"),
			"style": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"default", "concise", "detailed"},
				"description": "提示词风格",
			},
		}, "context"),
	},
	{
		Name:        "get_status",
		Description: "查询服务各组件状态、存储统计与熔断器状态。",
		InputSchema: objSchema(map[string]interface{}{}),
	},
	{
		Name:        "reset_circuit_breaker",
		Description: "重置指定熔断器，或重置全部熔断器。",
		InputSchema: objSchema(map[string]interface{}{
			"breaker_name": strProp("熔断器名称"),
			"all":          boolProp("重置全部熔断器"),
		}),
	},
	{
		Name:        "delete_memory",
		Description: "按 ID 删除一条记忆。",
		InputSchema: objSchema(map[string]interface{}{
			"memory_id": strProp("记忆 ID"),
		}, "memory_id"),
	},
	{
		Name:        "export_session",
		Description: "导出会话记忆为 JSON 或 Markdown 文档。",
		InputSchema: objSchema(map[string]interface{}{
			"session_id": strProp("会话 ID，缺省为当前会话"),
			"format": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"json", "markdown"},
				"description": "导出格式",
			},
		}),
	},
}

// ListTools returns every tool definition.
func (t *Tools) ListTools(_ context.Context) ([]protocol.Tool, error) {
	return toolDefs, nil
}

// CallTool validates arguments against the tool's schema and dispatches.
// Unknown tools surface as method-not-found; argument and input
// failures as invalid-params; everything else as a tool-level error
// result.
func (t *Tools) CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.CallToolResult, error) {
	tool, ok := findTool(name)
	if !ok {
		return nil, protocol.NewError(protocol.MethodNotFound, fmt.Sprintf("unknown tool: %s", name), nil)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := protocol.ValidateToolArguments(tool, args); err != nil {
		return nil, protocol.NewError(protocol.InvalidParams, err.Error(), nil)
	}

	text, err := t.dispatch(ctx, name, args)
	if err != nil {
		if code := sageerr.RPCCode(err); code == sageerr.CodeInvalidParams {
			return nil, protocol.NewError(protocol.InvalidParams, err.Error(), nil)
		}
		return nil, err
	}
	return protocol.TextResult(text), nil
}

func findTool(name string) (protocol.Tool, bool) {
	for _, tool := range toolDefs {
		if tool.Name == name {
			return tool, true
		}
	}
	return protocol.Tool{}, false
}

func (t *Tools) dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "get_status":
		return t.getStatus(ctx)
	case "reset_circuit_breaker":
		return t.resetBreaker(args)
	}

	mgr, err := t.core.Manager()
	if err != nil {
		return "", err
	}

	switch name {
	case "save_conversation":
		return t.saveConversation(ctx, args)
	case "get_context":
		return mgr.GetContext(ctx, stringArg(args, "query"), intArg(args, "max_results"))
	case "search_memory":
		return t.searchMemory(ctx, args)
	case "manage_session":
		return t.manageSession(ctx, args)
	case "generate_prompt":
		return t.generatePrompt(ctx, args)
	case "delete_memory":
		return t.deleteMemory(ctx, args)
	case "export_session":
		return mgr.ExportSession(ctx, stringArg(args, "session_id"), stringArg(args, "format"))
	default:
		return "", protocol.NewError(protocol.MethodNotFound, fmt.Sprintf("unknown tool: %s", name), nil)
	}
}

func (t *Tools) saveConversation(ctx context.Context, args map[string]interface{}) (string, error) {
	mgr, err := t.core.Manager()
	if err != nil {
		return "", err
	}

	req := types.SaveRequest{
		UserInput:         stringArg(args, "user_prompt"),
		AssistantResponse: stringArg(args, "assistant_response"),
		IsAgentReport:     boolArg(args, "is_agent_report"),
	}
	if sid := stringArg(args, "session_id"); sid != "" {
		req.SessionID = &sid
	}
	if raw, ok := args["metadata"].(map[string]interface{}); ok {
		req.Metadata = types.MetadataFromMap(raw)
	}
	if raw, ok := args["agent_metadata"].(map[string]interface{}); ok {
		req.AgentMetadata = raw
	}

	id, err := mgr.Save(ctx, req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("对话已保存，记忆ID: %s", id), nil
}

func (t *Tools) searchMemory(ctx context.Context, args map[string]interface{}) (string, error) {
	mgr, err := t.core.Manager()
	if err != nil {
		return "", err
	}

	opts := types.SearchOptions{
		Limit:    intArg(args, "limit"),
		Strategy: types.SearchStrategy(stringArg(args, "strategy")),
	}
	if sid := stringArg(args, "session_id"); sid != "" {
		opts.SessionID = &sid
	}

	results, err := mgr.Search(ctx, stringArg(args, "query"), opts)
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", sageerr.Wrap(sageerr.KindRuntime, "serialize search results", err)
	}
	return string(raw), nil
}

func (t *Tools) manageSession(ctx context.Context, args map[string]interface{}) (string, error) {
	mgr, err := t.core.Manager()
	if err != nil {
		return "", err
	}

	action := stringArg(args, "action")
	sessionID := stringArg(args, "session_id")

	switch action {
	case "create":
		id := mgr.CreateSession()
		return fmt.Sprintf("已创建并切换到新会话：%s", id), nil
	case "switch":
		if sessionID == "" {
			return "", sageerr.New(sageerr.KindValidation, "session_id is required for switch")
		}
		if err := mgr.SwitchSession(sessionID); err != nil {
			return "", err
		}
		return fmt.Sprintf("已切换到会话：%s", sessionID), nil
	case "info":
		stats, err := mgr.SessionInfo(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return marshalJSON(stats)
	case "list":
		sessions, err := mgr.ListSessions(ctx)
		if err != nil {
			return "", err
		}
		return marshalJSON(sessions)
	case "purge":
		if sessionID == "" {
			return "", sageerr.New(sageerr.KindValidation, "session_id is required for purge")
		}
		count, err := mgr.PurgeSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("已清空会话 %s，删除 %d 条记忆", sessionID, count), nil
	default:
		return "", sageerr.Newf(sageerr.KindValidation, "unknown action %q", action)
	}
}

func (t *Tools) generatePrompt(ctx context.Context, args map[string]interface{}) (string, error) {
	mgr, err := t.core.Manager()
	if err != nil {
		return "", err
	}
	return mgr.GeneratePrompt(ctx, stringArg(args, "context"), stringArg(args, "style")), nil
}

func (t *Tools) deleteMemory(ctx context.Context, args map[string]interface{}) (string, error) {
	mgr, err := t.core.Manager()
	if err != nil {
		return "", err
	}

	id := stringArg(args, "memory_id")
	deleted, err := mgr.DeleteMemory(ctx, id)
	if err != nil {
		return "", err
	}
	if !deleted {
		return fmt.Sprintf("未找到记忆：%s", id), nil
	}
	return fmt.Sprintf("记忆已删除：%s", id), nil
}

func (t *Tools) getStatus(ctx context.Context) (string, error) {
	return marshalJSON(t.core.GetStatus(ctx))
}

func (t *Tools) resetBreaker(args map[string]interface{}) (string, error) {
	all := boolArg(args, "all")
	name := stringArg(args, "breaker_name")
	if err := t.core.ResetBreaker(name, all); err != nil {
		return "", err
	}
	if all {
		return "已重置全部熔断器", nil
	}
	return fmt.Sprintf("已重置熔断器：%s", name), nil
}

func marshalJSON(v interface{}) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", sageerr.Wrap(sageerr.KindRuntime, "serialize result", err)
	}
	return string(raw), nil
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg tolerates the float64 that JSON decoding produces.
func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

func boolArg(args map[string]interface{}, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}
