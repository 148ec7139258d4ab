package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Match reports whether attrs satisfies every clause. A path such as
// "properties.type" is resolved against attrs directly and, when attrs has no
// "properties" key, against attrs with that prefix dropped, so the same
// expression works on full records and on bare property maps.
//
// A missing field satisfies no predicate, including "!=" (SQL NULL semantics).
func (e Expression) Match(attrs map[string]any) bool {
	for _, c := range e.Clauses {
		if !c.match(attrs) {
			return false
		}
	}
	return true
}

func (c Clause) match(attrs map[string]any) bool {
	for _, p := range c.Predicates {
		if p.Match(attrs) {
			return true
		}
	}
	return false
}

func (p Predicate) Match(attrs map[string]any) bool {
	v, ok := lookup(attrs, p.path())
	if !ok || v == nil {
		return false
	}
	if list, isList := v.([]any); isList {
		// a list attribute matches when any element does, except for "!="
		// which must hold for every element
		if p.Op == OpNeq {
			for _, it := range list {
				if !p.matchScalar(it) {
					return false
				}
			}
			return true
		}
		for _, it := range list {
			if p.matchScalar(it) {
				return true
			}
		}
		return false
	}
	return p.matchScalar(v)
}

func (p Predicate) matchScalar(v any) bool {
	switch p.Op {
	case OpEq:
		return equalValue(v, p.Value)
	case OpNeq:
		return !equalValue(v, p.Value)
	case OpLike:
		return like(stringify(v), p.Value)
	}
	n, ok := toFloat(v)
	if !ok {
		return false
	}
	switch p.Op {
	case OpGt:
		return n > p.Num
	case OpLt:
		return n < p.Num
	case OpGte:
		return n >= p.Num
	case OpLte:
		return n <= p.Num
	}
	return false
}

func lookup(attrs map[string]any, path []string) (any, bool) {
	if v, ok := walk(attrs, path); ok {
		return v, true
	}
	if len(path) > 1 && path[0] == "properties" {
		if _, has := attrs["properties"]; !has {
			return walk(attrs, path[1:])
		}
	}
	// flat keys that contain dots
	if v, ok := attrs[strings.Join(path, ".")]; ok {
		return v, true
	}
	return nil, false
}

func walk(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, seg := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValue(v any, want string) bool {
	if s, ok := v.(string); ok {
		return s == want
	}
	if n, ok := toFloat(v); ok {
		w, err := strconv.ParseFloat(want, 64)
		return err == nil && n == w
	}
	return stringify(v) == want
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// like is a case-insensitive substring test; a pattern containing '*' is an
// anchored glob instead.
func like(s, pattern string) bool {
	s = strings.ToLower(s)
	pattern = strings.ToLower(pattern)
	if !strings.Contains(pattern, "*") {
		return strings.Contains(s, pattern)
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := len(parts) - 1
	for i := 1; i < last; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[last])
}
