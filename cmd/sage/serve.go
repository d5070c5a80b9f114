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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sagecore/sage/internal/log"
	"github.com/sagecore/sage/internal/version"
	"github.com/sagecore/sage/pkg/config"
	"github.com/sagecore/sage/pkg/mcp/server"
	"github.com/sagecore/sage/pkg/mcp/transport"
	"github.com/sagecore/sage/pkg/service"
)

const serverName = "sage-mcp"

// exit code for termination by interrupt, 128+SIGINT
const exitInterrupted = 130

// bootstrap loads config, configures logging, and initializes the core.
func bootstrap(ctx context.Context) (*service.Core, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	// stdout is reserved for the stdio transport; logs go to a file or stderr
	logger, err := log.Setup(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, nil, nil, err
	}

	logger.Info("starting sage",
		zap.String("version", version.Get()),
		zap.String("db_host", cfg.Database.Host),
		zap.String("embedding_model", cfg.Embedding.Model),
	)

	core := service.New(logger)
	if err := core.Initialize(ctx, cfg); err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return nil, nil, nil, err
	}
	return core, cfg, logger, nil
}

func newServeStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-stdio",
		Short: "Serve MCP over stdio (newline-framed JSON-RPC on stdin/stdout)",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServeStdio()
		},
	}
}

func runServeStdio() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, _, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer core.Cleanup(context.Background())

	mcpServer := server.NewMCPServer(serverName, version.Get(), logger,
		server.WithToolProvider(service.NewTools(core)),
		server.WithResourceProvider(service.NewResources(core)),
	)

	stdioTransport := transport.NewStdioServerTransport(os.Stdin, os.Stdout)
	if err := stdioTransport.SignalReady(); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := make(chan struct{})
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		close(interrupted)
		cancel()
	}()

	logger.Info("MCP server ready on stdio")
	err = mcpServer.Serve(ctx, stdioTransport)

	select {
	case <-interrupted:
		core.Cleanup(context.Background())
		_ = logger.Sync()
		os.Exit(exitInterrupted)
	default:
	}

	// client closing stdin is a normal shutdown
	if err == nil || errors.Is(err, io.EOF) || ctx.Err() != nil {
		logger.Info("server stopped gracefully")
		return nil
	}
	return err
}

func newServeHTTPCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Serve MCP over HTTP with optional SSE responses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeHTTP(cmd, host, port)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	return cmd
}

func runServeHTTP(cmd *cobra.Command, host string, port int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer core.Cleanup(context.Background())

	if cmd.Flags().Changed("host") {
		cfg.HTTP.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.HTTP.Port = port
	}

	mcpServer := server.NewMCPServer(serverName, version.Get(), logger,
		server.WithToolProvider(service.NewTools(core)),
		server.WithResourceProvider(service.NewResources(core)),
	)

	httpServer, err := transport.NewHTTPServer(transport.HTTPServerConfig{
		Host:        cfg.HTTP.Host,
		Port:        cfg.HTTP.Port,
		RequireAuth: cfg.HTTP.RequireAuth,
		AuthToken:   cfg.HTTP.AuthToken,
		Handler:     mcpServer.HandleMessage,
		Healthy:     core.Healthy,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
			return err
		}
		return nil
	}

	if err := httpServer.Shutdown(context.Background()); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	logger.Info("server stopped gracefully")
	return nil
}
