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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecore/sage/pkg/mcp/protocol"
)

func TestListToolsNames(t *testing.T) {
	tools := NewTools(New(nil))

	defs, err := tools.ListTools(context.Background())
	require.NoError(t, err)

	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		names[def.Name] = true
		assert.NotEmpty(t, def.Description, def.Name)
		assert.NotEmpty(t, def.InputSchema, def.Name)
	}
	for _, want := range []string{
		"save_conversation", "get_context", "search_memory", "manage_session",
		"generate_prompt", "get_status", "reset_circuit_breaker",
		"delete_memory", "export_session",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestCallToolUnknownIsMethodNotFound(t *testing.T) {
	tools := NewTools(New(nil))

	_, err := tools.CallTool(context.Background(), "no_such_tool", nil)
	require.Error(t, err)

	rpcErr, ok := err.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.MethodNotFound, rpcErr.Code)
}

func TestCallToolSchemaRejectsMissingRequired(t *testing.T) {
	tools := NewTools(New(nil))

	// save_conversation requires user_prompt and assistant_response
	_, err := tools.CallTool(context.Background(), "save_conversation", map[string]interface{}{
		"user_prompt": "hello",
	})
	require.Error(t, err)

	rpcErr, ok := err.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
}

func TestCallToolSchemaRejectsWrongType(t *testing.T) {
	tools := NewTools(New(nil))

	_, err := tools.CallTool(context.Background(), "get_context", map[string]interface{}{
		"query":       "q",
		"max_results": "ten",
	})
	require.Error(t, err)

	rpcErr, ok := err.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
}

func TestGetStatusBeforeInitialize(t *testing.T) {
	tools := NewTools(New(nil))

	result, err := tools.CallTool(context.Background(), "get_status", nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	var status Status
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &status))
	assert.False(t, status.Initialized)
	assert.False(t, status.DatabaseReady)
}

func TestToolsRequireInitializedService(t *testing.T) {
	tools := NewTools(New(nil))

	_, err := tools.CallTool(context.Background(), "save_conversation", map[string]interface{}{
		"user_prompt":        "hi",
		"assistant_response": "hello",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service not initialized")
}

func TestResetBreakerBeforeInitialize(t *testing.T) {
	tools := NewTools(New(nil))

	_, err := tools.CallTool(context.Background(), "reset_circuit_breaker", map[string]interface{}{"all": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service not initialized")
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"s":   "text",
		"f":   float64(7),
		"i":   3,
		"n":   json.Number("11"),
		"b":   true,
		"bad": []string{"x"},
	}

	assert.Equal(t, "text", stringArg(args, "s"))
	assert.Equal(t, "", stringArg(args, "missing"))
	assert.Equal(t, "", stringArg(args, "bad"))

	assert.Equal(t, 7, intArg(args, "f"))
	assert.Equal(t, 3, intArg(args, "i"))
	assert.Equal(t, 11, intArg(args, "n"))
	assert.Equal(t, 0, intArg(args, "missing"))

	assert.True(t, boolArg(args, "b"))
	assert.False(t, boolArg(args, "missing"))
}

func TestCoreLifecycleGuards(t *testing.T) {
	core := New(nil)

	_, err := core.Manager()
	require.Error(t, err)

	assert.False(t, core.Healthy(context.Background()))
	assert.Nil(t, core.Config())
	assert.Nil(t, core.Breakers())

	// Cleanup on an uninitialized core is a no-op
	core.Cleanup(context.Background())

	err = core.Initialize(context.Background(), nil)
	require.Error(t, err)
}
