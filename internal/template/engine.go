// Package template renders ${...} templates against a context map.
// Templates support variable paths with filter chains, if/endif
// conditionals and foreach/endforeach loops. Compiled ASTs are cached
// per template string.
package template

import (
	"strings"
	"sync"

	"github.com/atniptw/stepflow/internal/expr"
	"github.com/atniptw/stepflow/pkg/schema"
)

// Engine compiles and renders templates. It is safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	cache   map[string][]Node
	filters map[string]filterFunc
}

// NewEngine returns an engine with the built-in filter set.
func NewEngine() *Engine {
	return &Engine{
		cache:   make(map[string][]Node),
		filters: builtinFilters,
	}
}

// Render substitutes the template against the context and returns the
// resulting string. Parse and filter errors carry the template error code.
func (e *Engine) Render(tmpl string, context map[string]any) (string, error) {
	ast, err := e.compile(tmpl)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if err := e.renderNodes(&out, ast, context); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Validate parses the template without rendering it.
func (e *Engine) Validate(tmpl string) error {
	_, err := e.compile(tmpl)
	return err
}

// ClearCache drops all compiled templates.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string][]Node)
}

func (e *Engine) compile(tmpl string) ([]Node, error) {
	e.mu.RLock()
	ast, ok := e.cache[tmpl]
	e.mu.RUnlock()
	if ok {
		return ast, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ast, ok := e.cache[tmpl]; ok {
		return ast, nil
	}

	tokens, err := tokenize(tmpl)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, filters: e.filters}
	ast, err = p.parse()
	if err != nil {
		return nil, err
	}
	e.cache[tmpl] = ast
	return ast, nil
}

func (e *Engine) renderNodes(out *strings.Builder, nodes []Node, context map[string]any) error {
	for _, n := range nodes {
		switch node := n.(type) {
		case TextNode:
			out.WriteString(node.Text)

		case VariableNode:
			s, err := e.renderVariable(node, context)
			if err != nil {
				return err
			}
			out.WriteString(s)

		case ConditionalNode:
			v := resolvePath(context, node.Path)
			if conditionTruthy(v) {
				if err := e.renderNodes(out, node.Body, context); err != nil {
					return err
				}
			} else if len(node.Else) > 0 {
				if err := e.renderNodes(out, node.Else, context); err != nil {
					return err
				}
			}

		case LoopNode:
			items, _ := resolvePath(context, node.Path).([]any)
			for _, item := range items {
				scope := make(map[string]any, len(context)+1)
				for k, v := range context {
					scope[k] = v
				}
				scope[node.Var] = item
				if err := e.renderNodes(out, node.Body, scope); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) renderVariable(node VariableNode, context map[string]any) (string, error) {
	value := expr.Stringify(resolvePath(context, node.Path))
	for _, fc := range node.Filters {
		fn, ok := e.filters[fc.Name]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeTemplate, "unknown filter %q", fc.Name)
		}
		var err error
		value, err = fn(value, fc.Args)
		if err != nil {
			return "", err
		}
	}
	return value, nil
}

// resolvePath resolves a dotted path against the context. The path "."
// refers to the whole context; missing paths resolve to nil.
func resolvePath(context map[string]any, path string) any {
	if path == "." {
		return context
	}
	v, _ := expr.LookupPath(context, path)
	return v
}

// conditionTruthy is the conditional-block truthiness rule. Unlike the
// expression evaluator, an empty array is falsy here so loops guarded by
// an if over the same collection skip cleanly.
func conditionTruthy(v any) bool {
	if arr, ok := v.([]any); ok {
		return len(arr) > 0
	}
	return expr.Truthy(v)
}
