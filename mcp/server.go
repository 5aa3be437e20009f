// Package mcp provides an MCP (Model Context Protocol) server for Tapline.
// It lets external AI clients send commands to the agent and inspect the
// screen it drives.
package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"Tapline/pkg/inference"
	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// AgentApp is the agent surface the MCP server needs
type AgentApp interface {
	GetAppVersion() string

	// Commands
	RunCommand(ctx context.Context, text string) (types.Command, types.ActionResult, error)
	GetHistory(limit int) ([]types.HistoryEntry, error)
	GetRecentEvents(limit int) []types.StateEvent

	// Model
	GetState() inference.Info
	LoadModel(ctx context.Context, wait bool) (inference.Info, error)

	// Screen
	GetUIHierarchy(ctx context.Context) (*types.UIHierarchyResult, error)
	FindElement(ctx context.Context, query string) (types.FindResult, error)
}

// MCPServer wraps the MCP server
type MCPServer struct {
	app    AgentApp
	server *server.MCPServer
	stdio  *server.StdioServer

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(app AgentApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"tapline-agent",
		app.GetAppVersion(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}

	s.registerTools()
	s.registerResources()

	return s
}

// registerTools registers all MCP tools
func (s *MCPServer) registerTools() {
	s.registerAgentTools()
	s.registerScreenTools()
}

// registerResources registers all MCP resources
func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"agent://state",
			"Inference state and loaded model",
			mcp.WithMIMEType("application/json"),
		),
		s.handleStateResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"agent://history",
			"Recent commands with their actions and results",
			mcp.WithMIMEType("application/json"),
		),
		s.handleHistoryResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"agent://events",
			"Recent outbound state events",
			mcp.WithMIMEType("application/json"),
		),
		s.handleEventsResource,
	)
}

// Start runs the server on stdin/stdout until stdin closes, Stop is
// called or the process is interrupted
func (s *MCPServer) Start() error {
	return s.Serve(context.Background(), os.Stdin, os.Stdout)
}

// Serve runs the server on the given streams (blocking)
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stdio = server.NewStdioServer(s.server)
	stdio := s.stdio
	s.mu.Unlock()

	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogInfo("mcp").Msg("Tapline MCP server started")
	err := stdio.Listen(ctx, in, out)
	if err != nil && ctx.Err() == nil {
		logger.LogError("mcp").Err(err).Msg("MCP server error")
	}

	s.mu.Lock()
	s.isRunning = false
	s.cancel = nil
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop cancels a running Serve
func (s *MCPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.isRunning = false
}

// IsRunning returns whether the MCP server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
