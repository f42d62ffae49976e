package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	for _, name := range []string{
		"stepflow.define",
		"stepflow.start",
		"stepflow.run",
		"stepflow.provide_input",
		"stepflow.status",
		"stepflow.diagram",
		"stepflow.query",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"stepflow.define", "Store a new workflow and its step graph"},
		{"stepflow.provide_input", "Answer the pending form of a waiting run"},
		{"stepflow.query", "Query workflows, steps, runs or events"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
