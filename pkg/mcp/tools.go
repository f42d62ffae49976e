package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleDefine stores a workflow with its steps.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	rawSteps, ok := req.GetArguments()["steps"]
	if !ok || rawSteps == nil {
		return mcp.NewToolResultError("steps is required"), nil
	}

	// Round-trip through JSON to decode the step objects.
	stepBytes, err := json.Marshal(rawSteps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid steps: %v", err)), nil
	}
	var steps []*schema.WorkflowStep
	if err := json.Unmarshal(stepBytes, &steps); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid steps: %v", err)), nil
	}

	wf := &schema.Workflow{Name: name, Description: req.GetString("description", "")}
	result, err := s.runner.Steps().DefineWorkflow(ctx, wf, steps)
	if err != nil {
		if result != nil && len(result.Errors) > 0 {
			return marshalError(err, map[string]any{"errors": result.Errors, "warnings": result.Warnings})
		}
		return toolError("define failed", err), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"steps":       len(steps),
		"warnings":    result.Warnings,
	})
}

// handleStart creates a run and advances it.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	runCtx := mcp.ParseStringMap(req, "context", nil)
	opts := engine.RunOptions{Trace: req.GetBool("trace", false)}
	out, err := s.runner.Start(ctx, name, runCtx, &schema.Principal{ID: userID}, opts)
	if err != nil {
		return toolError("start failed", err), nil
	}
	return marshalResult(out)
}

// handleRun advances an existing run.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	principal, err := s.principalFor(ctx, req, runID)
	if err != nil {
		return toolError("run lookup failed", err), nil
	}
	opts := engine.RunOptions{Trace: req.GetBool("trace", false)}
	out, err := s.runner.RunByID(ctx, runID, principal, opts)
	if err != nil {
		return toolError("run failed", err), nil
	}
	return marshalResult(out)
}

// handleProvideInput answers a pending form, and by default runs onward.
func (s *Server) handleProvideInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)
	values := mcp.ParseStringMap(req, "values", map[string]any{})
	principal := &schema.Principal{ID: userID}

	if !req.GetBool("advance", true) {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return toolError("run lookup failed", err), nil
		}
		if !engine.UserAllowedToFillForm(run, principal) {
			return mcp.NewToolResultError(fmt.Sprintf("user %q may not fill the form of run %s", userID, runID)), nil
		}
		if err := s.runner.ProvideFormInput(ctx, runID, values); err != nil {
			return toolError("provide input failed", err), nil
		}
		return marshalResult(map[string]any{"ok": true, "run_id": runID, "advanced": false})
	}

	out, err := s.runner.SubmitForm(ctx, runID, principal, values, engine.RunOptions{})
	if err != nil {
		return toolError("provide input failed", err), nil
	}
	return marshalResult(out)
}

// handleStatus returns a run and, when it waits for a form, what it expects.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	resp := map[string]any{"run": run}
	if run.Status == schema.RunStatusWaiting && run.WaitInfo != nil && run.WaitInfo.Form {
		pending, err := s.runner.GetPendingForm(ctx, runID)
		if err != nil {
			return toolError("status query failed", err), nil
		}
		resp["pending_form"] = pending
	}
	return marshalResult(resp)
}

// handleDiagram renders a workflow, or a run with its status overlay.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "ascii", "mermaid", "svg", "image":
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, svg, or image"), nil
	}

	workflowName := req.GetString("workflow_name", "")
	runID := req.GetString("run_id", "")
	if workflowName == "" && runID == "" {
		return mcp.NewToolResultError("at least one of workflow_name or run_id is required"), nil
	}

	var model *diagram.DiagramModel
	if runID != "" {
		model, err = s.runDiagram(ctx, runID)
	} else {
		model, err = s.workflowDiagram(ctx, workflowName)
	}
	if err != nil {
		return toolError("diagram build failed", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, err := diagram.RenderSVG(model)
		if err != nil {
			return toolError("svg render failed", err), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, err := diagram.RenderImage(model)
		if err != nil {
			return toolError("image render failed", err), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

func (s *Server) workflowDiagram(ctx context.Context, name string) (*diagram.DiagramModel, error) {
	wf, err := s.store.GetWorkflowByName(ctx, name)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	model, err := diagram.Build(steps)
	if err != nil {
		return nil, err
	}
	model.Title = wf.Name
	return model, nil
}

func (s *Server) runDiagram(ctx context.Context, runID string) (*diagram.DiagramModel, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	summaries, err := store.NewEventLog(s.store).ReplayRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return diagram.BuildForRun(steps, summaries, run)
}

// handleQuery lists workflows, steps, runs, events or actions.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "steps":
		return s.querySteps(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "actions":
		return marshalResult(map[string]any{"actions": s.runner.Registry().Catalog()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Limit: extractInt(filter, "limit", 50)})
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *Server) querySteps(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	name := extractString(filter, "workflow_name")
	if name == "" {
		return mcp.NewToolResultError("step query requires 'workflow_name' in filter"), nil
	}
	wf, err := s.store.GetWorkflowByName(ctx, name)
	if err != nil {
		return toolError("query failed", err), nil
	}
	steps, err := s.store.ListSteps(ctx, wf.ID)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"workflow_id": wf.ID, "steps": steps})
}

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		StartedBy:   extractString(filter, "started_by"),
		ParentRunID: extractString(filter, "parent_run_id"),
		Limit:       extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		st := schema.RunStatus(status)
		rf.Status = &st
	}
	if name := extractString(filter, "workflow_name"); name != "" {
		wf, err := s.store.GetWorkflowByName(ctx, name)
		if err != nil {
			return toolError("query failed", err), nil
		}
		rf.WorkflowID = wf.ID
	}

	runs, err := s.store.FindRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		RunID: extractString(filter, "run_id"),
		Step:  extractString(filter, "step"),
		Limit: extractInt(filter, "limit", 100),
	}

	if eventType := extractString(filter, "event_type"); eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, 0)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// principalFor returns the caller named by user_id, or the run's starter.
func (s *Server) principalFor(ctx context.Context, req mcp.CallToolRequest, runID string) (*schema.Principal, error) {
	if userID := req.GetString("user_id", ""); userID != "" {
		s.captureSession(ctx, userID)
		return &schema.Principal{ID: userID}, nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &schema.Principal{ID: run.StartedBy}, nil
}

// captureSession maps the user to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError reports err as a tool-level error.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalError reports err with structured details as an error result.
func marshalError(err error, details map[string]any) (*mcp.CallToolResult, error) {
	details["error"] = err.Error()
	data, mErr := json.Marshal(details)
	if mErr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = true
	return result, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
