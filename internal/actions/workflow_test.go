package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// wfMockStore embeds store.Store and overrides what workflow actions touch.
type wfMockStore struct {
	store.Store
	workflows map[string]*schema.Workflow
	events    []*store.Event
	appendErr error
}

func (m *wfMockStore) GetWorkflowByName(_ context.Context, name string) (*schema.Workflow, error) {
	wf, ok := m.workflows[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}
	return wf, nil
}

func (m *wfMockStore) AppendEvent(_ context.Context, e *store.Event) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, e)
	return nil
}

func newInterp(t *testing.T) *expressions.Interpolator {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	return expressions.NewInterpolator(ev)
}

func TestSubWorkflow_Subcontext(t *testing.T) {
	var gotCtx map[string]any
	run := func(_ context.Context, name string, childCtx map[string]any, parent ActionInput) (map[string]any, error) {
		assert.Equal(t, "child", name)
		assert.Equal(t, "run-1", parent.RunID)
		gotCtx = childCtx
		childCtx["z"] = childCtx["x"].(float64) + 1
		return childCtx, nil
	}

	action := NewSubWorkflowAction("child", run)
	parentCtx := map[string]any{"x": 1.0, "sub": map[string]any{"x": 10.0}}

	out, err := action.Execute(context.Background(), ActionInput{
		Config:  map[string]any{"subcontext": "sub"},
		Context: parentCtx,
		RunID:   "run-1",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"x": 10.0}, parentCtx["sub"], "parent context is not mutated")
	assert.NotContains(t, gotCtx, "sub")
	assert.Equal(t, map[string]any{"sub": map[string]any{"x": 10.0, "z": 11.0}}, out.Delta)
}

func TestSubWorkflow_MissingSubcontextStartsEmpty(t *testing.T) {
	run := func(_ context.Context, _ string, childCtx map[string]any, _ ActionInput) (map[string]any, error) {
		assert.Empty(t, childCtx)
		return map[string]any{"made": true}, nil
	}

	out, err := NewSubWorkflowAction("child", run).Execute(context.Background(), ActionInput{
		Config:  map[string]any{"subcontext": "fresh"},
		Context: map[string]any{"x": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fresh": map[string]any{"made": true}}, out.Delta)
}

func TestSubWorkflow_NonRecordSubcontext(t *testing.T) {
	_, err := NewSubWorkflowAction("child", func(context.Context, string, map[string]any, ActionInput) (map[string]any, error) {
		t.Fatal("child must not run")
		return nil, nil
	}).Execute(context.Background(), ActionInput{
		Config:  map[string]any{"subcontext": "sub"},
		Context: map[string]any{"sub": "scalar"},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestSubWorkflow_MergeWholesale(t *testing.T) {
	run := func(_ context.Context, _ string, childCtx map[string]any, _ ActionInput) (map[string]any, error) {
		childCtx["y"] = 2.0
		return childCtx, nil
	}

	out, err := NewSubWorkflowAction("child", run).Execute(context.Background(), ActionInput{
		Context: map[string]any{"x": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, out.Delta)
}

func TestSubWorkflow_ChildFailureRaises(t *testing.T) {
	childErr := schema.NewError(schema.ErrCodeSuspended, "child run is waiting")
	run := func(context.Context, string, map[string]any, ActionInput) (map[string]any, error) {
		return nil, childErr
	}

	_, err := NewSubWorkflowAction("child", run).Execute(context.Background(), ActionInput{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.True(t, errors.Is(err, childErr))
	assert.Contains(t, err.Error(), "child run is waiting")
}

func TestSubWorkflow_NoRunner(t *testing.T) {
	_, err := NewSubWorkflowAction("child", nil).Execute(context.Background(), ActionInput{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestSubWorkflow_Validate(t *testing.T) {
	a := NewSubWorkflowAction("child", nil)
	assert.NoError(t, a.Validate(map[string]any{}))
	assert.NoError(t, a.Validate(map[string]any{"subcontext": "s"}))
	assert.Error(t, a.Validate(map[string]any{"subcontext": 3}))
}

func TestWorkflowResolver(t *testing.T) {
	ms := &wfMockStore{workflows: map[string]*schema.Workflow{"child": {ID: "wf-2", Name: "child"}}}
	reg := NewRegistry()
	require.NoError(t, RegisterWorkflowActions(reg, WorkflowActionDeps{Store: ms}))

	a, err := reg.Lookup(context.Background(), "child")
	require.NoError(t, err)
	assert.IsType(t, &SubWorkflowAction{}, a)
	assert.Equal(t, "child", a.Name())

	_, err = reg.Lookup(context.Background(), "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionUnavailable))

	assert.True(t, reg.Has("workflow.emit"))
	assert.True(t, reg.Has("workflow.log"))
	assert.True(t, reg.Has("workflow.fail"))
}

func TestWorkflowEmit(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ms := &wfMockStore{}
	ch, unsub, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: "run-7"})
	require.NoError(t, err)
	defer unsub()

	action := &workflowEmitAction{deps: WorkflowActionDeps{Hub: hub, Store: ms, Interp: newInterp(t)}}
	_, err = action.Execute(context.Background(), ActionInput{
		Config:     map[string]any{"event_type": "order.{{ status }}", "payload": map[string]any{"id": "{{ id }}"}},
		Context:    map[string]any{"status": "paid", "id": 42.0},
		WorkflowID: "wf-1",
		RunID:      "run-7",
		Step:       "notify",
	})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "order.paid", ev.EventType)
		assert.Equal(t, "notify", ev.Step)
		assert.Equal(t, map[string]any{"id": 42.0}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	require.Len(t, ms.events, 1)
	assert.Equal(t, schema.EventCustom, ms.events[0].Type)
	assert.JSONEq(t, `{"event_type":"order.paid","payload":{"id":42}}`, string(ms.events[0].Payload))
}

func TestWorkflowEmit_Errors(t *testing.T) {
	action := &workflowEmitAction{deps: WorkflowActionDeps{}}
	_, err := action.Execute(context.Background(), ActionInput{Config: map[string]any{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = action.Execute(context.Background(), ActionInput{Config: map[string]any{"event_type": "x"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution), "no hub configured")

	failing := &workflowEmitAction{deps: WorkflowActionDeps{
		Hub:   streaming.NewMemoryHub(),
		Store: &wfMockStore{appendErr: errors.New("disk full")},
	}}
	_, err = failing.Execute(context.Background(), ActionInput{Config: map[string]any{"event_type": "x"}, RunID: "r"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestWorkflowLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	action := &workflowLogAction{deps: WorkflowActionDeps{Logger: logger, Interp: newInterp(t)}}
	_, err := action.Execute(context.Background(), ActionInput{
		Config:     map[string]any{"message": "total is {{ total }}", "level": "warn", "data": map[string]any{"k": "v"}},
		Context:    map[string]any{"total": 5.0},
		WorkflowID: "wf-1",
		RunID:      "run-1",
		Step:       "log_it",
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "total is 5", line["msg"])
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "log_it", line["step"])
	assert.Equal(t, map[string]any{"k": "v"}, line["data"])
}

func TestWorkflowLog_MissingMessage(t *testing.T) {
	action := &workflowLogAction{}
	_, err := action.Execute(context.Background(), ActionInput{Config: map[string]any{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestWorkflowFail(t *testing.T) {
	action := &workflowFailAction{deps: WorkflowActionDeps{Interp: newInterp(t)}}
	_, err := action.Execute(context.Background(), ActionInput{
		Config:  map[string]any{"reason": "bad order {{ id }}"},
		Context: map[string]any{"id": "A1"},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "bad order A1")
}
