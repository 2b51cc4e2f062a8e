package template

import (
	"regexp"
	"strings"

	"github.com/atniptw/stepflow/pkg/schema"
)

type tokenKind int

const (
	tokenText tokenKind = iota
	tokenExpr
)

type token struct {
	kind  tokenKind
	value string
}

var (
	foreachRe = regexp.MustCompile(`^foreach\s+([A-Za-z_$][A-Za-z0-9_$]*)\s+in\s+(\S+)$`)
	filterRe  = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)(?:\((.*)\))?$`)
)

// tokenize splits a template into text and ${...} expression tokens.
// A literal \${ in the source emits ${ as text without opening an
// expression.
func tokenize(tmpl string) ([]token, error) {
	var tokens []token
	var text strings.Builder

	flush := func() {
		if text.Len() > 0 {
			tokens = append(tokens, token{kind: tokenText, value: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(tmpl); {
		if strings.HasPrefix(tmpl[i:], `\${`) {
			text.WriteString("${")
			i += 3
			continue
		}
		if strings.HasPrefix(tmpl[i:], "${") {
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end == -1 {
				return nil, schema.NewError(schema.ErrCodeTemplate, "unclosed ${ expression")
			}
			flush()
			tokens = append(tokens, token{kind: tokenExpr, value: strings.TrimSpace(tmpl[i+2 : i+2+end])})
			i += 2 + end + 1
			continue
		}
		text.WriteByte(tmpl[i])
		i++
	}
	flush()
	return tokens, nil
}

// parser consumes a token stream into an AST.
type parser struct {
	tokens  []token
	pos     int
	filters map[string]filterFunc
}

func (p *parser) parse() ([]Node, error) {
	return p.parseNodes("")
}

// parseNodes parses until the token stream ends or the given terminator
// expression (endif / endforeach) is consumed. An empty terminator means
// parse to the end of the template.
func (p *parser) parseNodes(terminator string) ([]Node, error) {
	var nodes []Node

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		p.pos++

		if tok.kind == tokenText {
			nodes = append(nodes, TextNode{Text: tok.value})
			continue
		}

		expr := tok.value
		switch {
		case expr == terminator && terminator != "":
			return nodes, nil

		case expr == "endif" || expr == "endforeach":
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "unexpected %s without an open block", expr)

		case strings.HasPrefix(expr, "if ") || expr == "if":
			path := strings.TrimSpace(strings.TrimPrefix(expr, "if"))
			if path == "" {
				return nil, schema.NewError(schema.ErrCodeTemplate, "if block is missing a condition path")
			}
			body, err := p.parseNodes("endif")
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, ConditionalNode{Path: path, Body: body})

		case strings.HasPrefix(expr, "foreach ") || expr == "foreach":
			m := foreachRe.FindStringSubmatch(expr)
			if m == nil {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate,
					"malformed foreach %q: expected 'foreach <name> in <path>'", expr)
			}
			body, err := p.parseNodes("endforeach")
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, LoopNode{Var: m[1], Path: m[2], Body: body})

		default:
			variable, err := p.parseVariable(expr)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, variable)
		}
	}

	if terminator != "" {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "missing %s for open block", terminator)
	}
	return nodes, nil
}

// parseVariable parses "<path>[ | filter[(args)] ...]" and resolves each
// filter name eagerly so unknown filters fail at parse time.
func (p *parser) parseVariable(expr string) (VariableNode, error) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])
	if path == "" {
		return VariableNode{}, schema.NewError(schema.ErrCodeTemplate, "empty variable expression")
	}

	variable := VariableNode{Path: path}
	for _, raw := range parts[1:] {
		m := filterRe.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			return VariableNode{}, schema.NewErrorf(schema.ErrCodeTemplate, "malformed filter %q", strings.TrimSpace(raw))
		}
		name := m[1]
		if _, ok := p.filters[name]; !ok {
			return VariableNode{}, schema.NewErrorf(schema.ErrCodeTemplate, "unknown filter %q", name)
		}
		variable.Filters = append(variable.Filters, FilterCall{Name: name, Args: splitFilterArgs(m[2])})
	}
	return variable, nil
}

// splitFilterArgs splits "a, 'b', 10" into trimmed, unquoted arguments.
func splitFilterArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	args := make([]string, 0, len(parts))
	for _, part := range parts {
		args = append(args, unquote(strings.TrimSpace(part)))
	}
	return args
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
