package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"Tapline/pkg/types"
)

// ==================== ui_tree ====================

func TestHandleUITree_Success(t *testing.T) {
	mock := NewMockAgentApp()
	mock.GetUIHierarchyResult = SampleHierarchy()
	server := NewMCPServer(mock)

	result, err := server.handleUITree(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	text := getTextContent(result)
	if !strings.Contains(text, "UI hierarchy (4 nodes)") {
		t.Errorf("Expected node count, got: %s", text)
	}
	if !strings.Contains(text, `"label": "Wi-Fi"`) {
		t.Errorf("Expected Wi-Fi node, got: %s", text)
	}
}

func TestHandleUITree_Truncated(t *testing.T) {
	big := &types.UIHierarchyResult{Root: &types.NodeView{}}
	for i := 0; i < 2000; i++ {
		big.Root.Children = append(big.Root.Children, &types.NodeView{
			Label:     strings.Repeat("x", 40),
			Clickable: true,
			Bounds:    "[0,0][1080,100]",
		})
	}
	big.NodeCount = 2001

	mock := NewMockAgentApp()
	mock.GetUIHierarchyResult = big
	server := NewMCPServer(mock)

	result, err := server.handleUITree(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "truncated") {
		t.Error("Large hierarchy should be truncated")
	}
}

func TestHandleUITree_Error(t *testing.T) {
	mock := NewMockAgentApp()
	mock.GetUIHierarchyError = errors.New("no active window")
	server := NewMCPServer(mock)

	_, err := server.handleUITree(context.Background(), makeToolRequest(nil))
	if err == nil || !strings.Contains(err.Error(), "no active window") {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}

// ==================== ui_find ====================

func TestHandleUIFind_Found(t *testing.T) {
	mock := NewMockAgentApp()
	mock.FindElementResult = types.FindResult{
		Query:  "wi-fi",
		Found:  true,
		Tier:   "label",
		Node:   &types.NodeView{Label: "Wi-Fi"},
		Target: &types.NodeView{Clickable: true, Bounds: "[0,300][1080,450]"},
	}
	server := NewMCPServer(mock)

	result, err := server.handleUIFind(context.Background(), makeToolRequest(map[string]interface{}{
		"query": "wi-fi",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	text := getTextContent(result)
	if !strings.Contains(text, "match: label") || !strings.Contains(text, "[0,300][1080,450]") {
		t.Errorf("Unexpected output: %s", text)
	}
}

func TestHandleUIFind_NotFound(t *testing.T) {
	mock := NewMockAgentApp()
	mock.FindElementResult = types.FindResult{Query: "Airplane", Tier: "none"}
	server := NewMCPServer(mock)

	result, err := server.handleUIFind(context.Background(), makeToolRequest(map[string]interface{}{
		"query": "Airplane",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "No element found matching 'Airplane'") {
		t.Errorf("Unexpected output: %s", getTextContent(result))
	}
}

func TestHandleUIFind_MissingQuery(t *testing.T) {
	mock := NewMockAgentApp()
	server := NewMCPServer(mock)

	_, err := server.handleUIFind(context.Background(), makeToolRequest(map[string]interface{}{}))
	if err == nil {
		t.Error("Expected error for missing query")
	}
	if mock.WasMethodCalled("FindElement") {
		t.Error("FindElement should not be called without a query")
	}
}
