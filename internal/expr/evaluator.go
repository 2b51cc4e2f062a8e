// Package expr evaluates the boolean condition strings used by validation
// and conditional steps. It is a deliberately small interpreter with no
// code execution surface: conditions are split on logical operators,
// compared with a fixed operator set, and resolved against a variable map.
//
// The splitting on && and || is naive substring splitting. It does not
// respect parenthesis nesting around split points except for the
// fully-wrapped case, which is stripped and re-evaluated. Existing workflow
// definitions depend on this exact behavior, so it must not be upgraded to
// a precedence-correct parser.
package expr

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/atniptw/stepflow/pkg/schema"
)

var (
	// Longest operators first so <= is never misread as < followed by =.
	comparisonRe = regexp.MustCompile(`^(.+?)\s*(===|!==|<=|>=|==|!=|<|>)\s*(.+)$`)
	numericRe    = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	pathRe       = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)
)

// collator is shared; collate.Collator is not safe for concurrent use.
var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und)
)

// Evaluate evaluates a boolean expression against the variable map.
// Supported: comparisons (===, ==, !==, !=, <=, >=, <, >), &&, ||, !,
// parentheses, literals, and dotted variable paths. Returns a validation
// error if the expression cannot be parsed or resolved.
func Evaluate(expression string, variables map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)

	if strings.Contains(expression, "&&") {
		for _, part := range strings.Split(expression, "&&") {
			ok, err := Evaluate(part, variables)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	if strings.Contains(expression, "||") {
		for _, part := range strings.Split(expression, "||") {
			ok, err := Evaluate(part, variables)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if strings.HasPrefix(expression, "!") {
		ok, err := Evaluate(expression[1:], variables)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	if isFullyWrapped(expression) {
		return Evaluate(expression[1:len(expression)-1], variables)
	}

	if m := comparisonRe.FindStringSubmatch(expression); m != nil {
		left, err := resolveValue(m[1], variables)
		if err != nil {
			return false, err
		}
		right, err := resolveValue(m[3], variables)
		if err != nil {
			return false, err
		}
		return applyOperator(m[2], left, right), nil
	}

	v, err := resolveValue(expression, variables)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// isFullyWrapped reports whether the expression is one parenthesized group,
// i.e. the opening paren at position 0 matches the final character.
func isFullyWrapped(s string) bool {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return false
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i == len(s)-1
			}
		}
	}
	return false
}

func applyOperator(op string, left, right any) bool {
	switch op {
	case "==", "===":
		return strictEqual(left, right)
	case "!=", "!==":
		return !strictEqual(left, right)
	case "<":
		return Compare(left, right) < 0
	case "<=":
		return Compare(left, right) <= 0
	case ">":
		return Compare(left, right) > 0
	case ">=":
		return Compare(left, right) >= 0
	}
	return false
}

// resolveValue resolves one side of a comparison (or a bare expression)
// into a value: boolean/null literals, numeric literals, quoted strings,
// or a dotted variable path. Anything else is a validation error.
func resolveValue(raw string, variables map[string]any) (any, error) {
	s := strings.TrimSpace(raw)

	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "undefined":
		return nil, nil
	}

	if numericRe.MatchString(s) {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid number %q in expression", s)
		}
		return n, nil
	}

	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], nil
		}
	}

	if pathRe.MatchString(s) {
		v, _ := LookupPath(variables, s)
		return v, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot resolve expression value %q", raw)
}

// LookupPath resolves a dotted path against a variable map. Missing or
// non-traversable segments resolve to (nil, false) rather than erroring.
func LookupPath(variables map[string]any, path string) (any, bool) {
	var current any = variables
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Truthy applies the evaluator's truthiness rule: false, 0, "" and nil are
// falsy; everything else, including empty arrays and maps, is truthy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case float32:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}

// strictEqual compares two resolved values. Numbers compare numerically
// regardless of concrete type; everything else compares by string form
// when both sides stringify identically and by deep value otherwise.
func strictEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	if aok != bok {
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	if aok != bok {
		return false
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return Stringify(a) == Stringify(b)
}

// Compare orders two values: nil sorts first, numbers compare numerically,
// strings compare with locale-aware collation, and anything else is
// stringified and compared as strings.
func Compare(a, b any) int {
	aNil := a == nil
	bNil := b == nil
	switch {
	case aNil && bNil:
		return 0
	case aNil:
		return -1
	case bNil:
		return 1
	}

	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		collatorMu.Lock()
		defer collatorMu.Unlock()
		return collator.CompareString(as, bs)
	}

	return strings.Compare(Stringify(a), Stringify(b))
}

// asNumber normalizes the numeric types that appear in decoded JSON/YAML.
func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// Stringify renders a value the way it appears in comparisons and
// rendered output: nil becomes "", floats drop trailing zeros.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return stringifyComplex(v)
}
