package expressions

import (
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// defaultCacheSize bounds the compiled programs kept per engine. Workflows
// reuse a small set of expressions; ad-hoc ones past the bound are compiled
// but not kept.
const defaultCacheSize = 4096

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; programs must themselves be safe to share.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
	limit int
}

func newProgramCache[P any](limit int) *programCache[P] {
	return &programCache[P]{progs: make(map[string]P), limit: limit}
}

// get returns the cached program for src, compiling it on a miss. Compile
// errors are not cached.
func (c *programCache[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := compile(src)
	if err != nil {
		return p, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.progs[src]; ok {
		return cached, nil
	}
	if len(c.progs) < c.limit {
		c.progs[src] = p
	}
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// expressionErr wraps a compile or runtime failure of one dialect.
func expressionErr(dialect, phase, expression string, err error) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s failed for %q: %s", dialect, phase, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "dialect": dialect})
}
