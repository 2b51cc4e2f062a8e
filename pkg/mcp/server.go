// Package mcp exposes the workflow engine to agents over the Model
// Context Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/atniptw/stepflow/internal/engine"
	"github.com/atniptw/stepflow/internal/state"
)

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Engine *engine.Engine
	Loader engine.WorkflowLoader
	Logger *slog.Logger
}

// StepflowServer wraps an MCP server with stepflow tool handlers.
type StepflowServer struct {
	engine    *engine.Engine
	loader    engine.WorkflowLoader
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a server with the stepflow tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		engine: deps.Engine,
		loader: deps.Loader,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow executes declarative workflows of AI-prompt, script, validation, loop and conditional steps. Use stepflow.run to execute a workflow, stepflow.status to inspect a session, stepflow.resume to continue a paused session, stepflow.list to enumerate sessions, and stepflow.cleanup to remove old finished sessions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: cleanupTool(), Handler: s.handleCleanup},
	}
}

// cleanupOptions is rebuilt per call from tool arguments; exported state
// options stay the single source of defaults.
func cleanupOptions(maxAgeHours int, dryRun bool) state.CleanupOptions {
	opts := state.CleanupOptions{DryRun: dryRun}
	if maxAgeHours > 0 {
		opts.MaxAge = hoursToDuration(maxAgeHours)
	}
	return opts
}
