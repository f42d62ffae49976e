package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner *engine.Runner
	// Hub, when set, carries the run events that trigger form notifications.
	// It must be the hub the runner publishes to.
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	runner    *engine.Runner
	store     store.Store
	hub       streaming.EventHub
	sessions  *SessionRegistry
	notifier  UserNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered. Users that call a
// tool with a user_id are notified when a run starts waiting for their form.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner:   deps.Runner,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}
	if deps.Runner != nil {
		s.store = deps.Runner.Store()
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs persisted step-graph workflows. Use stepflow.define to store a workflow, " +
			"stepflow.start to run it, stepflow.provide_input to answer a pending form, stepflow.run to resume a run, " +
			"stepflow.status to inspect it, stepflow.diagram to draw it and stepflow.query to list workflows, runs and events."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		if err := WatchForms(ctx, s.hub, s.notifier, s.logger); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: provideInputTool(), Handler: s.handleProvideInput},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Store a new workflow and its step graph"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique workflow name")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithArray("steps", mcp.Required(),
			mcp.Description("Steps: objects with name, action_name, configuration, next_step, only_if and initial_step"),
			mcp.Items(map[string]any{"type": "object"}),
		),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("stepflow.start",
		mcp.WithDescription("Start a run of a workflow and advance it until it waits or ends"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name of the workflow to run")),
		mcp.WithObject("context", mcp.Description("Initial run context")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user starting the run")),
		mcp.WithBoolean("trace", mcp.Description("Record one trace row per executed step")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Advance an existing run. A run whose wait is not over is left unchanged"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("user_id", mcp.Description("ID of the user driving the run (default: the starter)")),
		mcp.WithBoolean("trace", mcp.Description("Record one trace row per executed step")),
	)
}

func provideInputTool() mcp.Tool {
	return mcp.NewTool("stepflow.provide_input",
		mcp.WithDescription("Answer the pending form of a waiting run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithObject("values", mcp.Description("Answers keyed by variable name")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the answering user")),
		mcp.WithBoolean("advance", mcp.Description("Run onward after storing the answers (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get a run's status, context and pending form"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Draw a workflow. Returns ASCII art, Mermaid flowchart syntax, SVG, or a base64-encoded PNG"),
		mcp.WithString("workflow_name", mcp.Description("Workflow to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw, with its step status overlay")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "svg", "image"),
			mcp.Description("Output format"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepflow.query",
		mcp.WithDescription("Query workflows, steps, runs, events or the available actions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "steps", "runs", "events", "actions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_name, status, started_by, parent_run_id, run_id, event_type, limit)")),
	)
}
