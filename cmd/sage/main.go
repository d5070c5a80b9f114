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

// sage is a conversational memory MCP server.
//
// It persists conversation turns as embeddings in Postgres/pgvector and
// exposes retrieval, session management, and prompt generation as MCP
// tools over stdio (JSON-RPC) or HTTP/SSE.
//
// Usage:
//
//	sage serve-stdio
//	sage serve-http --host 127.0.0.1 --port 17800
//
// Claude Desktop configuration (claude_desktop_config.json):
//
//	{
//	  "mcpServers": {
//	    "sage": {
//	      "command": "/path/to/sage",
//	      "args": ["serve-stdio"]
//	    }
//	  }
//	}
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagecore/sage/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "sage",
		Short:         "Conversational memory MCP server",
		Version:       version.Get(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (env vars take priority)")

	root.AddCommand(newServeStdioCmd())
	root.AddCommand(newServeHTTPCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		os.Exit(1)
	}
}
