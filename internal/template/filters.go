package template

import (
	"strconv"
	"strings"

	"github.com/atniptw/stepflow/pkg/schema"
)

// filterFunc transforms the string form of a value during rendering.
type filterFunc func(value string, args []string) (string, error)

const defaultTruncateLength = 50

var builtinFilters = map[string]filterFunc{
	"uppercase": func(v string, _ []string) (string, error) {
		return strings.ToUpper(v), nil
	},
	"lowercase": func(v string, _ []string) (string, error) {
		return strings.ToLower(v), nil
	},
	"capitalize": func(v string, _ []string) (string, error) {
		if v == "" {
			return v, nil
		}
		r := []rune(v)
		return strings.ToUpper(string(r[0])) + strings.ToLower(string(r[1:])), nil
	},
	"trim": func(v string, _ []string) (string, error) {
		return strings.TrimSpace(v), nil
	},
	"truncate": filterTruncate,
	"default":  filterDefault,
}

// filterTruncate shortens the value to n runes and appends "..." when it
// was cut. n defaults to 50.
func filterTruncate(v string, args []string) (string, error) {
	n := defaultTruncateLength
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTemplate, "truncate length %q is not a number", args[0])
		}
		n = parsed
	}
	if n < 0 {
		n = 0
	}
	r := []rune(v)
	if len(r) <= n {
		return v, nil
	}
	return string(r[:n]) + "...", nil
}

// filterDefault substitutes a fallback when the value is empty. The
// fallback defaults to the empty string.
func filterDefault(v string, args []string) (string, error) {
	if v != "" {
		return v, nil
	}
	if len(args) > 0 {
		return args[0], nil
	}
	return "", nil
}
