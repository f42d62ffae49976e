// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func main() {
	// Approval workflow: collect → loop over items → ask reviewer → branch on decision → notify
	steps := []*schema.WorkflowStep{
		{Name: "guard", ActionName: schema.ActionSetErrorHandler, NextStep: "collect", InitialStep: true,
			Configuration: map[string]any{"error_handling_step": "report-failure"}},
		{Name: "collect", ActionName: schema.ActionSetContext, NextStep: "each-item",
			Configuration: map[string]any{"ctx_values": map[string]any{"total": "0"}}},
		{Name: "each-item", ActionName: schema.ActionForLoop, NextStep: "review",
			Configuration: map[string]any{
				"array_expression":       "items",
				"item_variable":          "item",
				"loop_body_initial_step": "add-item",
			}},
		{Name: "add-item", ActionName: schema.ActionSetContext,
			Configuration: map[string]any{"ctx_values": map[string]any{"total": "total + item.amount"}}},
		{Name: "review", ActionName: schema.ActionUserForm, NextStep: "approved == 'Yes' ? notify : reject",
			Configuration: map[string]any{
				"user_id_expression":  "approver",
				"user_form_questions": []any{
					map[string]any{"qtype": "Yes/No", "var_name": "approved", "label": "Approve order?"},
				},
			}},
		{Name: "reject", ActionName: schema.ActionOutput,
			Configuration: map[string]any{"output_text": "Order rejected"}},
		{Name: "notify", ActionName: schema.ActionOutput,
			Configuration: map[string]any{"output_text": "Order approved for {{total}}"}},
		{Name: "report-failure", ActionName: schema.ActionOutput,
			Configuration: map[string]any{"output_text": "Order failed: {{error_message}}"}},
	}

	summaries := map[string]*store.StepSummary{
		"guard":     {Step: "guard", Status: "completed", Executions: 1},
		"collect":   {Step: "collect", Status: "completed", Executions: 1},
		"each-item": {Step: "each-item", Status: "completed", Executions: 4},
		"add-item":  {Step: "add-item", Status: "completed", Executions: 3},
		"review":    {Step: "review", Status: "waiting", Executions: 1},
	}
	run := &schema.WorkflowRun{
		ID:          "sample",
		StartedAt:   time.Now(),
		Status:      schema.RunStatusWaiting,
		CurrentStep: "review",
	}

	model, err := diagram.BuildForRun(steps, summaries, run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	ascii := diagram.RenderASCII(model)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	svg, svgErr := diagram.RenderSVG(model)
	if svgErr != nil {
		fmt.Fprintf(os.Stderr, "svg error: %v\n", svgErr)
	} else {
		os.WriteFile(filepath.Join(outDir, "diagram-sample.svg"), svg, 0o644)
	}

	png, imgErr := diagram.RenderImage(model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}
