package mcp

import (
	"context"
	"sync"

	"Tapline/pkg/inference"
	"Tapline/pkg/types"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockAgentApp is a mock implementation of AgentApp for testing
type MockAgentApp struct {
	mu    sync.Mutex
	Calls []MockCall

	AppVersion string

	// Commands
	RunCommandResult      types.ActionResult
	RunCommandError       error
	GetHistoryResult      []types.HistoryEntry
	GetHistoryError       error
	GetRecentEventsResult []types.StateEvent

	// Model
	GetStateResult  inference.Info
	LoadModelResult inference.Info
	LoadModelError  error

	// Screen
	GetUIHierarchyResult *types.UIHierarchyResult
	GetUIHierarchyError  error
	FindElementResult    types.FindResult
	FindElementError     error
}

// NewMockAgentApp creates a new mock with default values
func NewMockAgentApp() *MockAgentApp {
	return &MockAgentApp{
		Calls:                 make([]MockCall, 0),
		AppVersion:            "1.0.0-test",
		GetHistoryResult:      []types.HistoryEntry{},
		GetRecentEventsResult: []types.StateEvent{},
	}
}

// recordCall records a method call
func (m *MockAgentApp) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns all recorded calls
func (m *MockAgentApp) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.Calls...)
}

// ResetCalls clears all recorded calls
func (m *MockAgentApp) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = make([]MockCall, 0)
}

// WasMethodCalled checks if a method was called
func (m *MockAgentApp) WasMethodCalled(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.Calls {
		if call.Method == method {
			return true
		}
	}
	return false
}

// GetLastCallByMethod returns the last call to a specific method
func (m *MockAgentApp) GetLastCallByMethod(method string) *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Method == method {
			return &m.Calls[i]
		}
	}
	return nil
}

func (m *MockAgentApp) GetAppVersion() string {
	m.recordCall("GetAppVersion")
	return m.AppVersion
}

// === Commands ===

func (m *MockAgentApp) RunCommand(ctx context.Context, text string) (types.Command, types.ActionResult, error) {
	m.recordCall("RunCommand", text)
	return types.NewCommand(text, "mcp"), m.RunCommandResult, m.RunCommandError
}

func (m *MockAgentApp) GetHistory(limit int) ([]types.HistoryEntry, error) {
	m.recordCall("GetHistory", limit)
	return m.GetHistoryResult, m.GetHistoryError
}

func (m *MockAgentApp) GetRecentEvents(limit int) []types.StateEvent {
	m.recordCall("GetRecentEvents", limit)
	return m.GetRecentEventsResult
}

// === Model ===

func (m *MockAgentApp) GetState() inference.Info {
	m.recordCall("GetState")
	return m.GetStateResult
}

func (m *MockAgentApp) LoadModel(ctx context.Context, wait bool) (inference.Info, error) {
	m.recordCall("LoadModel", wait)
	return m.LoadModelResult, m.LoadModelError
}

// === Screen ===

func (m *MockAgentApp) GetUIHierarchy(ctx context.Context) (*types.UIHierarchyResult, error) {
	m.recordCall("GetUIHierarchy")
	return m.GetUIHierarchyResult, m.GetUIHierarchyError
}

func (m *MockAgentApp) FindElement(ctx context.Context, query string) (types.FindResult, error) {
	m.recordCall("FindElement", query)
	return m.FindElementResult, m.FindElementError
}

// === Helpers ===

// SampleHierarchy returns a settings screen with a clickable Wi-Fi row
func SampleHierarchy() *types.UIHierarchyResult {
	return &types.UIHierarchyResult{
		Root: &types.NodeView{
			Children: []*types.NodeView{
				{Label: "Settings"},
				{Clickable: true, Bounds: "[0,300][1080,450]", Children: []*types.NodeView{{Label: "Wi-Fi"}}},
			},
		},
		NodeCount: 4,
	}
}
