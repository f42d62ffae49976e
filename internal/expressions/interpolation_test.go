package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newTestInterpolator(t *testing.T) *Interpolator {
	t.Helper()
	return NewInterpolator(newTestEvaluator(t))
}

func TestRender_EscapesDoubleTags(t *testing.T) {
	interp := newTestInterpolator(t)
	out, err := interp.Render(context.Background(), "Hello {{ name }}!", map[string]any{"name": "<b>Ada</b>"})
	require.NoError(t, err)
	assert.Equal(t, "Hello &lt;b&gt;Ada&lt;/b&gt;!", out)
}

func TestRender_TripleTagsAreRaw(t *testing.T) {
	interp := newTestInterpolator(t)
	out, err := interp.Render(context.Background(), "Hello {{{ name }}}!", map[string]any{"name": "<b>Ada</b>"})
	require.NoError(t, err)
	assert.Equal(t, "Hello <b>Ada</b>!", out)
}

func TestRender_Expressions(t *testing.T) {
	interp := newTestInterpolator(t)
	data := map[string]any{"n": 2.0, "items": []any{"a", "b"}}

	out, err := interp.Render(context.Background(), "{{ n * 2 }} items: {{{ items }}} missing:[{{ nope }}]", data)
	require.NoError(t, err)
	assert.Equal(t, `4 items: ["a","b"] missing:[]`, out)
}

func TestRender_NoTags(t *testing.T) {
	interp := newTestInterpolator(t)
	out, err := interp.Render(context.Background(), "plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
	assert.False(t, HasInterpolation("plain text"))
	assert.True(t, HasInterpolation("a {{ b }}"))
}

func TestRender_Errors(t *testing.T) {
	interp := newTestInterpolator(t)
	ctx := context.Background()

	_, err := interp.Render(ctx, "Hello {{ name", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))

	_, err = interp.Render(ctx, "{{ }}", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))

	_, err = interp.Render(ctx, "{{ 1 + }}", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
}

func TestExpand_SingleTagKeepsType(t *testing.T) {
	interp := newTestInterpolator(t)
	ctx := context.Background()
	data := map[string]any{"n": 3, "obj": map[string]any{"k": "v"}, "s": "<x>"}

	out, err := interp.Expand(ctx, "{{ n }}", data)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = interp.Expand(ctx, "{{{ obj }}}", data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)

	out, err = interp.Expand(ctx, "id-{{ n }}-{{ s }}", data)
	require.NoError(t, err)
	assert.Equal(t, "id-3-<x>", out, "Expand never escapes")
}

func TestExpandAll_Nested(t *testing.T) {
	interp := newTestInterpolator(t)
	cfg := map[string]any{
		"url":     "https://api.test/{{ id }}",
		"headers": map[string]any{"X-N": "{{ n }}"},
		"list":    []any{"{{ id }}", 7},
		"literal": "no tags",
	}
	out, err := interp.ExpandAll(context.Background(), cfg, map[string]any{"id": "a1", "n": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"url":     "https://api.test/a1",
		"headers": map[string]any{"X-N": 2},
		"list":    []any{"a1", 7},
		"literal": "no tags",
	}, out)
}
