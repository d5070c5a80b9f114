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

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// shutdownGrace bounds graceful HTTP shutdown.
const shutdownGrace = 30 * time.Second

// maxRequestBody caps an /mcp request body at 10MB.
const maxRequestBody = 10 * 1024 * 1024

// Handler processes one JSON-RPC message and returns the response
// bytes, nil for notifications.
type Handler func(ctx context.Context, msg []byte) ([]byte, error)

// HTTPServerConfig configures the HTTP/SSE transport.
type HTTPServerConfig struct {
	Host        string
	Port        int
	RequireAuth bool
	AuthToken   string

	// Handler is required; it dispatches JSON-RPC messages.
	Handler Handler
	// Healthy reports whether the core service is up, for /health.
	Healthy func(ctx context.Context) bool
	Logger  *zap.Logger
}

// HTTPServer serves the JSON-RPC tool protocol over HTTP. POST /mcp
// answers with a single JSON body, or an SSE stream when the client
// accepts text/event-stream. GET /health and GET / are unauthenticated.
type HTTPServer struct {
	cfg    HTTPServerConfig
	srv    *http.Server
	logger *zap.Logger
}

// NewHTTPServer creates the HTTP transport.
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &HTTPServer{cfg: cfg, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleIndex)

	s.srv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Addr returns the configured listen address.
func (s *HTTPServer) Addr() string {
	return s.srv.Addr
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed
// after a graceful shutdown is not an error.
func (s *HTTPServer) ListenAndServe() error {
	s.logger.Info("HTTP transport listening",
		zap.String("addr", s.srv.Addr),
		zap.Bool("auth", s.cfg.RequireAuth),
	)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests for up to 30 seconds.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(sctx)
}

func (s *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	if s.cfg.RequireAuth && !s.authorized(r) {
		writeRPCError(w, http.StatusUnauthorized, -32001, "Unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || len(body) == 0 || !json.Valid(body) {
		writeRPCError(w, http.StatusBadRequest, -32700, "Parse error")
		return
	}

	resp, err := s.cfg.Handler(r.Context(), body)
	if err != nil {
		s.logger.Error("mcp handler failed", zap.Error(err))
		writeRPCError(w, http.StatusInternalServerError, -32603, "Internal error")
		return
	}
	if resp == nil {
		// notification: acknowledge with no content
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if wantsSSE(r) {
		s.writeSSE(w, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// writeSSE emits the response as one event frame followed by a [DONE]
// marker.
func (s *HTTPServer) writeSSE(w http.ResponseWriter, resp []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "data: %s\n\n", resp)
	fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.cfg.Healthy == nil || s.cfg.Healthy(r.Context())

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"sageCore":  healthy,
	})
}

func (s *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "sage-mcp",
		"endpoints": map[string]string{
			"POST /mcp":   "JSON-RPC tool protocol (JSON or text/event-stream)",
			"GET /health": "liveness and core status",
			"GET /":       "this listing",
		},
	})
}

func (s *HTTPServer) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return strings.TrimPrefix(auth, prefix) == s.cfg.AuthToken
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeRPCError(w http.ResponseWriter, httpCode, rpcCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    rpcCode,
			"message": message,
		},
	})
}
