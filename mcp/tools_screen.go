package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// maxHierarchyChars truncates large trees in tool output
const maxHierarchyChars = 50000

// registerScreenTools registers read-only screen tools
func (s *MCPServer) registerScreenTools() {
	// ui_tree - Current hierarchy
	s.server.AddTool(
		mcp.NewTool("ui_tree",
			mcp.WithDescription("Get the UI hierarchy of the active window (labels, descriptions, clickability, bounds)"),
		),
		s.handleUITree,
	)

	// ui_find - Resolve a label
	s.server.AddTool(
		mcp.NewTool("ui_find",
			mcp.WithDescription(`Resolve a label the way a click command would, without tapping.
Exact label beats exact description beats label substring beats description substring; case is ignored.
Returns: the matched node and the clickable node a click would land on`),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Label or description to look for"),
			),
		),
		s.handleUIFind,
	)
}

// Tool handlers

func (s *MCPServer) handleUITree(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hierarchy, err := s.app.GetUIHierarchy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get UI hierarchy: %w", err)
	}

	jsonData, err := json.MarshalIndent(hierarchy, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize hierarchy: %w", err)
	}

	result := string(jsonData)
	if len(result) > maxHierarchyChars {
		result = result[:maxHierarchyChars] + "\n... (truncated, hierarchy too large)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("UI hierarchy (%d nodes):\n\n```json\n%s\n```", hierarchy.NodeCount, result)),
		},
	}, nil
}

func (s *MCPServer) handleUIFind(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("query is required")
	}

	found, err := s.app.FindElement(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search UI: %w", err)
	}

	if !found.Found {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(fmt.Sprintf("No element found matching '%s'", query)),
			},
		}, nil
	}

	result := fmt.Sprintf("Found '%s' (match: %s)", query, found.Tier)
	if found.Target != nil && found.Target.Bounds != "" {
		result += fmt.Sprintf(", click target bounds: %s", found.Target.Bounds)
	}
	jsonData, _ := json.MarshalIndent(found, "", "  ")
	result += fmt.Sprintf("\n\n```json\n%s\n```", string(jsonData))

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
		},
	}, nil
}
