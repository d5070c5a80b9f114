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
	"fmt"

	"github.com/sagecore/sage/pkg/mcp/protocol"
)

// statusResourceURI exposes the service status report as a resource.
const statusResourceURI = "sage://status"

// Resources adapts the core into the MCP ResourceProvider. The server
// advertises the resources capability; the only resource is the status
// report.
type Resources struct {
	core *Core
}

// NewResources creates the resource provider for a core.
func NewResources(core *Core) *Resources {
	return &Resources{core: core}
}

// ListResources returns the available resources.
func (r *Resources) ListResources(_ context.Context) ([]protocol.Resource, error) {
	return []protocol.Resource{
		{
			URI:         statusResourceURI,
			Name:        "Service status",
			Description: "Component readiness, storage statistics, and circuit breaker states",
			MimeType:    "application/json",
		},
	}, nil
}

// ReadResource reads a resource by URI.
func (r *Resources) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	if uri != statusResourceURI {
		return nil, protocol.NewError(protocol.InvalidParams, fmt.Sprintf("unknown resource URI: %s", uri), nil)
	}

	text, err := marshalJSON(r.core.GetStatus(ctx))
	if err != nil {
		return nil, err
	}
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{
			{URI: uri, MimeType: "application/json", Text: text},
		},
	}, nil
}
