package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	runIDKey
	stepKey
)

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStep returns a context with the current step name set.
func WithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Step extracts the step name from the context, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// WithRun sets the workflow and run correlation IDs at once.
func WithRun(ctx context.Context, workflowID, runID string) context.Context {
	return WithRunID(WithWorkflowID(ctx, workflowID), runID)
}

// correlationAttrs returns the non-empty correlation IDs carried by ctx.
func correlationAttrs(ctx context.Context) []slog.Attr {
	attrs := make([]slog.Attr, 0, 3)
	for _, f := range [...]struct {
		key string
		get func(context.Context) string
	}{
		{"workflow_id", WorkflowID},
		{"run_id", RunID},
		{"step", Step},
	} {
		if v := f.get(ctx); v != "" {
			attrs = append(attrs, slog.String(f.key, v))
		}
	}
	return attrs
}

// LogWith returns a logger carrying the correlation IDs of ctx as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := correlationAttrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation IDs found in the record's context
// to every record, so logger.InfoContext(ctx, ...) is enough at call sites.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a settings value such as "debug" or "WARN" to a slog
// level. "warning" is accepted as well; anything unknown is info.
func ParseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
