// Package expr evaluates routing-rule guard conditions against event
// data. Conditions are small boolean expressions with no side effects:
//
//	priority >= 5
//	data.status == "ready" and not data.dry_run
//	agent_id contains "researcher"
//
// Variables resolve by dotted path into the event's data map; a leading
// "data." prefix is accepted and stripped. Unresolvable paths evaluate
// as nil, which is falsy.
package expr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// forbiddenTokens are substrings that must never appear in a condition.
// They have no meaning in this expression language; their presence
// indicates an attempt to smuggle interpreter directives through the
// rule API, so validation rejects them outright.
var forbiddenTokens = []string{"exec", "eval", "__import__", "compile", "open"}

// ForbiddenToken returns the first denylisted token found in the
// condition, or "" if the condition is clean.
func ForbiddenToken(condition string) string {
	lower := strings.ToLower(condition)
	for _, tok := range forbiddenTokens {
		if strings.Contains(lower, tok) {
			return tok
		}
	}
	return ""
}

// Eval evaluates a boolean condition against the given variables.
// Supported operators, in binding order: not/!, and, or, then the
// binary comparisons ==, !=, >=, <=, >, <, contains. A bare term
// evaluates to its truthiness.
func Eval(condition string, vars map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, fmt.Errorf("empty condition")
	}
	return eval(condition, vars)
}

func eval(cond string, vars map[string]any) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false, nil
	}

	if inner, ok := strings.CutPrefix(cond, "not "); ok {
		result, err := eval(inner, vars)
		return !result, err
	}
	if inner, ok := strings.CutPrefix(cond, "!"); ok {
		result, err := eval(inner, vars)
		return !result, err
	}

	if left, right, ok := strings.Cut(cond, " and "); ok {
		l, err := eval(left, vars)
		if err != nil {
			return false, err
		}
		r, err := eval(right, vars)
		if err != nil {
			return false, err
		}
		return l && r, nil
	}
	if left, right, ok := strings.Cut(cond, " or "); ok {
		l, err := eval(left, vars)
		if err != nil {
			return false, err
		}
		r, err := eval(right, vars)
		if err != nil {
			return false, err
		}
		return l || r, nil
	}

	// Binary comparisons. Longer operators first so ">=" is not split
	// at ">".
	ops := []struct {
		token   string
		compare func(l, r any) bool
	}{
		{"==", func(l, r any) bool { return stringify(l) == stringify(r) }},
		{"!=", func(l, r any) bool { return stringify(l) != stringify(r) }},
		{">=", func(l, r any) bool { return toFloat(l) >= toFloat(r) }},
		{"<=", func(l, r any) bool { return toFloat(l) <= toFloat(r) }},
		{">", func(l, r any) bool { return toFloat(l) > toFloat(r) }},
		{"<", func(l, r any) bool { return toFloat(l) < toFloat(r) }},
		{" contains ", func(l, r any) bool { return strings.Contains(stringify(l), stringify(r)) }},
	}
	for _, op := range ops {
		if left, right, ok := strings.Cut(cond, op.token); ok {
			l := resolve(strings.TrimSpace(left), vars)
			r := resolve(strings.TrimSpace(right), vars)
			return op.compare(l, r), nil
		}
	}

	return truthy(resolve(cond, vars)), nil
}

// resolve interprets a term as a quoted string, boolean, null, number,
// or dotted variable path, in that order. An identifier that does not
// resolve returns nil.
func resolve(term string, vars map[string]any) any {
	if len(term) >= 2 {
		if (term[0] == '\'' && term[len(term)-1] == '\'') ||
			(term[0] == '"' && term[len(term)-1] == '"') {
			return term[1 : len(term)-1]
		}
	}

	switch strings.ToLower(term) {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}

	var num json.Number
	if err := json.Unmarshal([]byte(term), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	return lookup(term, vars)
}

// lookup walks a dotted path into nested maps. A leading "data."
// segment is tried both literally and stripped, so "data.status" works
// whether or not the variable map is itself the data map.
func lookup(path string, vars map[string]any) any {
	if vars == nil {
		return nil
	}
	if v, ok := walk(path, vars); ok {
		return v
	}
	if stripped, ok := strings.CutPrefix(path, "data."); ok {
		if v, ok := walk(stripped, vars); ok {
			return v
		}
	}
	return nil
}

func walk(path string, vars map[string]any) (any, bool) {
	current := any(vars)
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

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		f, _ := val.Float64()
		return f
	case string:
		var f float64
		_, _ = fmt.Sscanf(val, "%f", &f)
		return f
	default:
		return 0
	}
}
