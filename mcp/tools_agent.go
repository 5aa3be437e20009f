package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerAgentTools registers command and model tools
func (s *MCPServer) registerAgentTools() {
	// agent_command - Run a command
	s.server.AddTool(
		mcp.NewTool("agent_command",
			mcp.WithDescription(`Run a natural-language command on the device.
"click <label>" or "press <label>" taps the element with that label, "back" presses back.
Anything else is sent to the local model when it is ready.
Returns: the chosen action and whether it succeeded`),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Command text, e.g. 'click Wi-Fi'"),
			),
		),
		s.handleAgentCommand,
	)

	// agent_state - Inference state
	s.server.AddTool(
		mcp.NewTool("agent_state",
			mcp.WithDescription("Get the inference state (uninitialized, loading, ready, failed) and the loaded model"),
		),
		s.handleAgentState,
	)

	// agent_history - Recent commands
	s.server.AddTool(
		mcp.NewTool("agent_history",
			mcp.WithDescription("List recent commands with their actions and results, oldest first"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of commands (default: 50)"),
			),
		),
		s.handleAgentHistory,
	)

	// model_load - (Re)load the model
	s.server.AddTool(
		mcp.NewTool("model_load",
			mcp.WithDescription("Load the tokenizer and model. Use after placing model files or when the state is failed."),
			mcp.WithBoolean("wait",
				mcp.Description("Wait for the load to finish (default: true)"),
			),
		),
		s.handleModelLoad,
	)
}

// Tool handlers

func (s *MCPServer) handleAgentCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	text, ok := args["text"].(string)
	if !ok {
		return nil, fmt.Errorf("text is required")
	}

	cmd, result, err := s.app.RunCommand(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	status := "✓"
	if !result.Success {
		status = "✗"
	}
	jsonData, _ := json.MarshalIndent(result, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("%s %s: %s\nCommand ID: %s\n\n```json\n%s\n```",
				status, result.Action, result.Detail, cmd.ID, string(jsonData))),
		},
		IsError: !result.Success,
	}, nil
}

func (s *MCPServer) handleAgentState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := s.app.GetState()

	jsonData, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("Inference state: %s\n\n```json\n%s\n```", info.State, string(jsonData))),
		},
	}, nil
}

func (s *MCPServer) handleAgentHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	limit := 50
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	entries, err := s.app.GetHistory(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	if len(entries) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("No commands recorded yet"),
			},
		}, nil
	}

	result := fmt.Sprintf("Last %d command(s):\n\n", len(entries))
	for i, e := range entries {
		mark := "✓"
		if !e.Success {
			mark = "✗"
		}
		result += fmt.Sprintf("%d. %s %q -> %s (%s)\n", i+1, mark, e.RawText, e.Action, e.Detail)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
		},
	}, nil
}

func (s *MCPServer) handleModelLoad(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	wait := true
	if v, ok := args["wait"].(bool); ok {
		wait = v
	}

	info, err := s.app.LoadModel(ctx, wait)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	msg := fmt.Sprintf("Model load started, state: %s", info.State)
	if wait {
		msg = fmt.Sprintf("Model load finished, state: %s", info.State)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: wait && !info.State.Ready(),
	}, nil
}
