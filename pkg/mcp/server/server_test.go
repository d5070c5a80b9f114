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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecore/sage/pkg/mcp/protocol"
)

type fakeToolProvider struct {
	tools []protocol.Tool
	calls []string
}

func (p *fakeToolProvider) ListTools(context.Context) ([]protocol.Tool, error) {
	return p.tools, nil
}

func (p *fakeToolProvider) CallTool(_ context.Context, name string, args map[string]interface{}) (*protocol.CallToolResult, error) {
	p.calls = append(p.calls, name)
	switch name {
	case "echo":
		return protocol.TextResult(fmt.Sprintf("%v", args["text"])), nil
	case "boom":
		return nil, errors.New("tool exploded")
	default:
		return nil, protocol.NewError(protocol.MethodNotFound, fmt.Sprintf("unknown tool: %s", name), nil)
	}
}

func handle(t *testing.T, s *MCPServer, msg string) *protocol.Response {
	t.Helper()
	raw, err := s.HandleMessage(context.Background(), []byte(msg))
	require.NoError(t, err)
	if raw == nil {
		return nil
	}
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func newTestMCPServer() (*MCPServer, *fakeToolProvider) {
	provider := &fakeToolProvider{
		tools: []protocol.Tool{{Name: "echo", Description: "echoes", InputSchema: map[string]interface{}{"type": "object"}}},
	}
	return NewMCPServer("sage-test", "0.0.1", nil, WithToolProvider(provider)), provider
}

func TestInitializeHandshake(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"cli","version":"1.0"}}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, protocol.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "sage-test", result.ServerInfo.Name)
	assert.NotNil(t, result.Capabilities.Tools)

	require.NotNil(t, s.ClientInfo())
	assert.Equal(t, "cli", s.ClientInfo().Name)
}

func TestParseErrorCode(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ParseError, resp.Error.Code)
}

func TestInvalidRequestCode(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)
}

func TestMethodNotFoundCode(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":7,"method":"no/such"}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
	require.NotNil(t, resp.ID)
	assert.Equal(t, "7", resp.ID.String())
}

func TestUnknownNotificationIgnored(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","method":"no/such"}`)
	assert.Nil(t, resp)
}

func TestToolsList(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result protocol.ToolListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestToolsCallSuccess(t *testing.T) {
	s, provider := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"echo"}, provider.calls)
}

func TestToolsCallFailureBecomesIsError(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"boom","arguments":{}}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "tool exploded")
}

func TestToolsCallUnknownToolIsMethodNotFound(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"nonexistent","arguments":{}}}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
}

func TestToolsCallMissingName(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"arguments":{}}}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

type fakeResourceProvider struct{}

func (fakeResourceProvider) ListResources(context.Context) ([]protocol.Resource, error) {
	return []protocol.Resource{{URI: "sage://status", Name: "Service status"}}, nil
}

func (fakeResourceProvider) ReadResource(_ context.Context, uri string) (*protocol.ReadResourceResult, error) {
	if uri != "sage://status" {
		return nil, protocol.NewError(protocol.InvalidParams, "unknown resource", nil)
	}
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{{URI: uri, Text: "{}"}},
	}, nil
}

func TestResourcesRegisteredAndDispatched(t *testing.T) {
	provider := &fakeToolProvider{}
	s := NewMCPServer("sage-test", "0.0.1", nil,
		WithToolProvider(provider),
		WithResourceProvider(fakeResourceProvider{}),
	)

	// initialize must advertise both capabilities
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var init protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &init))
	assert.NotNil(t, init.Capabilities.Tools)
	assert.NotNil(t, init.Capabilities.Resources)

	resp = handle(t, s, `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var list protocol.ResourceListResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Resources, 1)
	assert.Equal(t, "sage://status", list.Resources[0].URI)

	resp = handle(t, s, `{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"sage://status"}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	var read protocol.ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &read))
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "sage://status", read.Contents[0].URI)
}

func TestPing(t *testing.T) {
	s, _ := newTestMCPServer()

	resp := handle(t, s, `{"jsonrpc":"2.0","id":8,"method":"ping"}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, "{}", string(resp.Result))
}

// chanTransport is an in-memory transport for serve-loop tests.
type chanTransport struct {
	in  chan []byte
	out chan []byte
}

func newChanTransport() *chanTransport {
	return &chanTransport{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (t *chanTransport) Send(_ context.Context, message []byte) error {
	t.out <- message
	return nil
}

func (t *chanTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (t *chanTransport) Close() error { return nil }

func TestServeHandlesRequestsConcurrently(t *testing.T) {
	s, _ := newTestMCPServer()

	release := make(chan struct{})
	s.RegisterHandler("slow", func(context.Context, json.RawMessage, json.RawMessage) (interface{}, error) {
		<-release
		return "slow done", nil
	})
	s.RegisterHandler("fast", func(context.Context, json.RawMessage, json.RawMessage) (interface{}, error) {
		return "fast done", nil
	})

	tr := newChanTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx, tr) }()

	tr.in <- []byte(`{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	tr.in <- []byte(`{"jsonrpc":"2.0","id":2,"method":"fast"}`)

	// the fast response must arrive while the slow handler is blocked
	var first protocol.Response
	select {
	case raw := <-tr.out:
		require.NoError(t, json.Unmarshal(raw, &first))
	case <-time.After(2 * time.Second):
		t.Fatal("no response while slow handler blocked")
	}
	assert.Equal(t, "2", first.ID.String())

	close(release)

	var second protocol.Response
	select {
	case raw := <-tr.out:
		require.NoError(t, json.Unmarshal(raw, &second))
	case <-time.After(2 * time.Second):
		t.Fatal("slow response never arrived")
	}
	assert.Equal(t, "1", second.ID.String())
}
