package kvstore

import (
	"regexp"
	"strings"
)

// Query is a MongoDB-subset filter document. A nil query matches everything.
// Field names may be dot-paths. A field value that is a map of $-operators is
// treated as a condition set; anything else is an equality test. Equality
// against an array field succeeds when any element matches.
type Query = map[string]any

func matchDoc(doc Doc, query Query) bool {
	if len(query) == 0 {
		return true
	}
	for field, cond := range query {
		switch field {
		case "$or":
			if !matchAny(doc, cond) {
				return false
			}
		case "$and":
			if !matchAll(doc, cond) {
				return false
			}
		default:
			if !matchField(doc, field, cond) {
				return false
			}
		}
	}
	return true
}

func matchAny(doc Doc, cond any) bool {
	for _, sub := range toQueryList(cond) {
		if matchDoc(doc, sub) {
			return true
		}
	}
	return false
}

func matchAll(doc Doc, cond any) bool {
	for _, sub := range toQueryList(cond) {
		if !matchDoc(doc, sub) {
			return false
		}
	}
	return true
}

func toQueryList(cond any) []Query {
	switch v := cond.(type) {
	case []Query:
		// Also covers []map[string]any; Query is an alias.
		return v
	case []any:
		var out []Query
		for _, e := range v {
			if q, ok := e.(map[string]any); ok {
				out = append(out, q)
			}
		}
		return out
	}
	return nil
}

func matchField(doc Doc, field string, cond any) bool {
	value, exists := getPath(doc, field)

	if ops, ok := cond.(map[string]any); ok && isOperatorMap(ops) {
		return matchOps(value, exists, ops)
	}
	if !exists {
		return false
	}
	return valueEquals(value, cond)
}

func isOperatorMap(m map[string]any) bool {
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return len(m) > 0
}

func matchOps(value any, exists bool, ops map[string]any) bool {
	for op, arg := range ops {
		switch op {
		case "$exists":
			want, _ := arg.(bool)
			if exists != want {
				return false
			}
		case "$ne":
			if exists && valueEquals(value, arg) {
				return false
			}
		case "$gt":
			if !exists || compare(value, arg) <= 0 {
				return false
			}
		case "$gte":
			if !exists || compare(value, arg) < 0 {
				return false
			}
		case "$lt":
			if !exists || compare(value, arg) >= 0 {
				return false
			}
		case "$lte":
			if !exists || compare(value, arg) > 0 {
				return false
			}
		case "$in":
			if !exists || !inList(value, arg) {
				return false
			}
		case "$regex":
			pattern, _ := arg.(string)
			str, ok := value.(string)
			if !exists || !ok {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(str) {
				return false
			}
		case "$not":
			sub, ok := arg.(map[string]any)
			if !ok {
				return false
			}
			if matchOps(value, exists, sub) {
				return false
			}
		default:
			// Unknown operator never matches.
			return false
		}
	}
	return true
}

// valueEquals compares a stored value against a query value. Array fields
// compare by membership.
func valueEquals(value, want any) bool {
	if arr, ok := asList(value); ok {
		if _, wantIsList := asList(want); !wantIsList {
			for _, el := range arr {
				if scalarEquals(el, want) {
					return true
				}
			}
			return false
		}
	}
	return scalarEquals(value, want)
}

func scalarEquals(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	if la, ok := asList(a); ok {
		lb, ok := asList(b)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !scalarEquals(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func inList(value, list any) bool {
	elems, ok := asList(list)
	if !ok {
		return false
	}
	for _, el := range elems {
		if valueEquals(value, el) {
			return true
		}
	}
	return false
}

// compare orders two values: numbers numerically, strings lexically.
// Incomparable values order as equal-to-nothing (returns 2).
func compare(a, b any) int {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
		return 2
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb)
	}
	return 2
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// getPath resolves a dot-path field against a document.
func getPath(doc Doc, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a dot-path field into a document, creating intermediate
// objects as needed.
func setPath(doc Doc, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// unsetPath removes a dot-path field. Missing intermediates are a no-op.
func unsetPath(doc Doc, path string) bool {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}
