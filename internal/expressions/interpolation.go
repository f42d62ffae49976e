package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Interpolator renders mustache-style templates against a run context.
// {{ expr }} inserts the HTML-escaped value of an expression, {{{ expr }}}
// inserts it raw. Each tag body is evaluated by the Evaluator, so dialect
// prefixes work inside tags too.
type Interpolator struct {
	eval *Evaluator
}

// NewInterpolator creates an Interpolator backed by ev.
func NewInterpolator(ev *Evaluator) *Interpolator {
	return &Interpolator{eval: ev}
}

// Render expands every tag in tmpl. Missing values render as the empty string.
func (interp *Interpolator) Render(ctx context.Context, tmpl string, data map[string]any) (string, error) {
	return interp.render(ctx, tmpl, data, true)
}

// Expand is Render without HTML escaping, for configuration values such as URLs
// and log messages. A template consisting of exactly one tag returns the typed value.
func (interp *Interpolator) Expand(ctx context.Context, tmpl string, data map[string]any) (any, error) {
	if body, ok := singleTag(tmpl); ok {
		return interp.evalTag(ctx, body, data)
	}
	return interp.render(ctx, tmpl, data, false)
}

// ExpandAll walks a configuration value and expands every string inside it.
func (interp *Interpolator) ExpandAll(ctx context.Context, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasInterpolation(val) {
			return val, nil
		}
		return interp.Expand(ctx, val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.ExpandAll(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.ExpandAll(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// render scans for {{ and {{{ tags and resolves them in order.
func (interp *Interpolator) render(ctx context.Context, input string, data map[string]any, escape bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])

		start := i + idx + 2
		closer := "}}"
		raw := strings.HasPrefix(input[start:], "{")
		if raw {
			start++
			closer = "}}}"
		}

		end := strings.Index(input[start:], closer)
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed tag %q", input[i+idx:])
		}
		end += start

		body := strings.TrimSpace(input[start:end])
		if body == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty template tag")
		}

		val, err := interp.evalTag(ctx, body, data)
		if err != nil {
			return "", err
		}
		text := marshalInline(val)
		if escape && !raw {
			text = html.EscapeString(text)
		}
		result.WriteString(text)

		i = end + len(closer)
	}

	return result.String(), nil
}

func (interp *Interpolator) evalTag(ctx context.Context, body string, data map[string]any) (any, error) {
	val, err := interp.eval.Evaluate(ctx, body, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "template tag {{ %s }}: %s", body, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": body})
	}
	return val, nil
}

// singleTag reports whether s is exactly one {{ }} or {{{ }}} tag and returns its body.
func singleTag(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{{{") && strings.HasSuffix(t, "}}}") {
		body := t[3 : len(t)-3]
		if !strings.Contains(body, "{{") && !strings.Contains(body, "}}") {
			return strings.TrimSpace(body), true
		}
		return "", false
	}
	if strings.HasPrefix(t, "{{") && strings.HasSuffix(t, "}}") && len(t) >= 4 {
		body := t[2 : len(t)-2]
		if !strings.Contains(body, "{{") && !strings.Contains(body, "}}") {
			return strings.TrimSpace(body), true
		}
	}
	return "", false
}

// marshalInline converts a resolved value into its inline text representation.
// Strings are embedded as-is, nil as the empty string, aggregates as JSON.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation reports whether s contains a template tag.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "{{")
}
