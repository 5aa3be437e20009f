package mcp

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// TestNewMCPServer tests server creation
func TestNewMCPServer(t *testing.T) {
	mock := NewMockAgentApp()
	server := NewMCPServer(mock)

	if server == nil {
		t.Fatal("NewMCPServer should not return nil")
	}
	if server.app == nil {
		t.Error("server.app should not be nil")
	}
	if server.server == nil {
		t.Error("server.server (underlying MCP server) should not be nil")
	}

	if !mock.WasMethodCalled("GetAppVersion") {
		t.Error("GetAppVersion should be called during server creation")
	}
}

func TestMCPServer_IsRunning(t *testing.T) {
	server := NewMCPServer(NewMockAgentApp())
	if server.IsRunning() {
		t.Error("Server should not be running initially")
	}
}

func TestMCPServer_Stop(t *testing.T) {
	server := NewMCPServer(NewMockAgentApp())

	// Stop should not panic even when not running
	server.Stop()

	if server.IsRunning() {
		t.Error("Server should not be running after Stop")
	}
}

// TestMCPServer_Serve runs the stdio loop against pipes and stops it
func TestMCPServer_Serve(t *testing.T) {
	server := NewMCPServer(NewMockAgentApp())

	in, inWriter := io.Pipe()
	defer inWriter.Close()
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), in, &out)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !server.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !server.IsRunning() {
		t.Fatal("Server should be running after Serve")
	}

	if err := server.Serve(context.Background(), strings.NewReader(""), io.Discard); err == nil {
		t.Error("Second Serve should fail while running")
	}

	server.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	if server.IsRunning() {
		t.Error("Server should not be running after Serve returns")
	}
}

func TestMockAgentApp_Interface(t *testing.T) {
	var _ AgentApp = (*MockAgentApp)(nil)
}

func TestMockAgentApp_RecordsCalls(t *testing.T) {
	mock := NewMockAgentApp()

	mock.GetState()
	mock.FindElement(context.Background(), "Wi-Fi")

	calls := mock.GetCalls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 calls, got %d", len(calls))
	}
	last := mock.GetLastCallByMethod("FindElement")
	if last == nil || last.Args[0] != "Wi-Fi" {
		t.Errorf("Unexpected FindElement call %+v", last)
	}

	mock.ResetCalls()
	if len(mock.GetCalls()) != 0 {
		t.Error("ResetCalls should clear calls")
	}
}
