package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow's steps. A virtual start
// node links to the initial step.
func Build(steps []*schema.WorkflowStep) (*DiagramModel, error) {
	names := make(map[string]*schema.WorkflowStep, len(steps))
	for _, s := range steps {
		if s == nil || s.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "diagram: step without a name")
		}
		if _, dup := names[s.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "diagram: duplicate step name %q", s.Name)
		}
		names[s.Name] = s
	}

	model := &DiagramModel{}
	model.Nodes = append(model.Nodes, &Node{ID: StartNodeID, Label: "Start", Kind: NodeKindStart})
	initialSeen := false
	for _, s := range steps {
		model.Nodes = append(model.Nodes, stepToNode(s))
		if s.InitialStep && !initialSeen {
			initialSeen = true
			model.Edges = append(model.Edges, Edge{From: StartNodeID, To: s.Name, Kind: EdgeStart})
		}
	}

	for _, s := range steps {
		model.Edges = append(model.Edges, stepEdges(s, names)...)
	}

	loops := LoopLinks(steps)
	for _, s := range steps {
		for _, from := range loops[s.Name] {
			model.Edges = append(model.Edges, Edge{From: from, To: s.Name, Kind: EdgeLoopBack, Label: "next item"})
		}
	}
	return model, nil
}

// BuildForRun builds the diagram of steps coloured by a replayed run: each
// step carries the summary of its events, and the run's current step is
// marked while the run is live.
func BuildForRun(steps []*schema.WorkflowStep, summaries map[string]*store.StepSummary, run *schema.WorkflowRun) (*DiagramModel, error) {
	model, err := Build(steps)
	if err != nil {
		return nil, err
	}
	if run != nil {
		model.Title = fmt.Sprintf("run %s (%s)", run.ID, run.Status)
	}
	for _, n := range model.Nodes {
		if ss, ok := summaries[n.ID]; ok {
			n.Status = &StatusOverlay{Status: ss.Status, Executions: ss.Executions, Error: ss.LastError}
		}
	}
	if run != nil && !run.Status.IsTerminal() && run.CurrentStep != "" {
		if n := model.Node(run.CurrentStep); n != nil {
			if n.Status == nil {
				n.Status = &StatusOverlay{}
			}
			if n.Status.Status != "failed" && n.Status.Status != "waiting" {
				n.Status.Status = "current"
			}
		}
	}
	if run != nil && run.Status == schema.RunStatusError && run.CurrentStep != "" {
		if n := model.Node(run.CurrentStep); n != nil {
			if n.Status == nil {
				n.Status = &StatusOverlay{}
			}
			n.Status.Status = "failed"
			if n.Status.Error == "" {
				n.Status.Error = run.Error
			}
		}
	}
	return model, nil
}

// LoopLinks maps each ForLoop step to the body steps that hand control back
// to it: the steps reachable from the body entry through next_step links
// that have no next_step of their own.
func LoopLinks(steps []*schema.WorkflowStep) map[string][]string {
	names := make(map[string]*schema.WorkflowStep, len(steps))
	for _, s := range steps {
		names[s.Name] = s
	}

	links := map[string][]string{}
	for _, s := range steps {
		if s.ActionName != schema.ActionForLoop {
			continue
		}
		body, ok := names[s.ConfigString("loop_body_initial_step")]
		if !ok {
			continue
		}

		var terminals []string
		seen := map[string]bool{}
		queue := []*schema.WorkflowStep{body}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if seen[cur.Name] || cur.Name == s.Name {
				continue
			}
			seen[cur.Name] = true
			if cur.NextStep == "" {
				terminals = append(terminals, cur.Name)
				continue
			}
			for _, n := range nextTargets(cur, names) {
				queue = append(queue, names[n])
			}
		}
		sort.Strings(terminals)
		if len(terminals) > 0 {
			links[s.Name] = terminals
		}
	}
	return links
}

func stepToNode(s *schema.WorkflowStep) *Node {
	return &Node{
		ID:      s.Name,
		Label:   fmt.Sprintf("%s\n(%s)", s.Name, s.ActionName),
		Action:  s.ActionName,
		Kind:    actionKind(s.ActionName),
		OnlyIf:  s.OnlyIf,
		Initial: s.InitialStep,
	}
}

func actionKind(action string) NodeKind {
	switch action {
	case schema.ActionSetContext:
		return NodeKindContext
	case schema.ActionForLoop:
		return NodeKindLoop
	case schema.ActionSetErrorHandler:
		return NodeKindHandler
	case schema.ActionUserForm:
		return NodeKindForm
	case schema.ActionOutput, schema.ActionDataOutput:
		return NodeKindOutput
	case schema.ActionWaitUntil, schema.ActionWaitNextTick:
		return NodeKindWait
	case schema.ActionRunJSCode, schema.ActionTableQuery:
		return NodeKindAction
	}
	if schema.EngineActions[action] {
		return NodeKindAction
	}
	// Names outside the known kinds are usually workflows invoked by name.
	if expressions.IsIdentifier(action) && !strings.Contains(action, ".") {
		return NodeKindWorkflow
	}
	return NodeKindAction
}

func stepEdges(s *schema.WorkflowStep, names map[string]*schema.WorkflowStep) []Edge {
	var edges []Edge
	if s.NextStep != "" {
		if _, ok := names[s.NextStep]; ok {
			edges = append(edges, Edge{From: s.Name, To: s.NextStep, Kind: EdgeNext})
		} else {
			for _, target := range nextTargets(s, names) {
				edges = append(edges, Edge{From: s.Name, To: target, Kind: EdgeExpr, Label: target})
			}
		}
	}
	switch s.ActionName {
	case schema.ActionForLoop:
		if body := s.ConfigString("loop_body_initial_step"); names[body] != nil {
			edges = append(edges, Edge{From: s.Name, To: body, Kind: EdgeLoopBody, Label: "each " + s.ConfigString("item_variable")})
		}
	case schema.ActionSetErrorHandler:
		if handler := s.ConfigString("error_handling_step"); names[handler] != nil {
			edges = append(edges, Edge{From: s.Name, To: handler, Kind: EdgeOnError, Label: "on error"})
		}
	}
	return edges
}

// nextTargets lists the steps next_step can resolve to: the literal name, or
// every step name used as an identifier in the expression.
func nextTargets(s *schema.WorkflowStep, names map[string]*schema.WorkflowStep) []string {
	if s.NextStep == "" {
		return nil
	}
	if _, ok := names[s.NextStep]; ok {
		return []string{s.NextStep}
	}
	var out []string
	seen := map[string]bool{}
	for _, id := range expressions.Identifiers(s.NextStep) {
		if _, ok := names[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
