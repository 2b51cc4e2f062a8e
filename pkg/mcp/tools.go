package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a workflow by ID with the given inputs"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("inputs", mcp.Description("Input values for the workflow")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the state of a workflow session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume a paused workflow session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the paused session")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepflow.list",
		mcp.WithDescription("List workflow sessions, newest first"),
	)
}

func cleanupTool() mcp.Tool {
	return mcp.NewTool("stepflow.cleanup",
		mcp.WithDescription("Remove old completed and failed sessions"),
		mcp.WithNumber("max_age_hours", mcp.Description("Minimum session age in hours (default: 720)")),
		mcp.WithBoolean("dry_run", mcp.Description("Report what would be deleted without deleting")),
	)
}

// --- Handlers ---

func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	workflow, loadErr := s.loader.LoadWorkflowByID(workflowID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", loadErr)), nil
	}

	st, runErr := s.engine.Execute(ctx, workflow, inputs)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(st)
}

func (s *StepflowServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	st, found := s.engine.GetStatus(sessionID)
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("session %s not found", sessionID)), nil
	}
	return marshalResult(st)
}

func (s *StepflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	st, resumeErr := s.engine.Resume(ctx, sessionID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(st)
}

func (s *StepflowServer) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.engine.ListSessions()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"sessions": infos, "count": len(infos)})
}

func (s *StepflowServer) handleCleanup(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxAgeHours := req.GetInt("max_age_hours", 0)
	dryRun := req.GetBool("dry_run", false)

	result, err := s.engine.Cleanup(cleanupOptions(maxAgeHours, dryRun))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", err)), nil
	}
	return marshalResult(result)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func hoursToDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}
