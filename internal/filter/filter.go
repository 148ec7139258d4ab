// Package filter implements the compact attribute filter language used by tile
// requests and batch selections.
//
// A filter is a list of clauses separated by ';' which are AND-ed together.
// Each clause is `field OP value`:
//
//	properties.type=station,landmark   equality, comma list is OR-ed
//	properties.kind!=temple            negated equality
//	properties.name~Tokyo              case-insensitive substring ('*' globs)
//	properties.height>=120             numeric comparison (> < >= <=)
//
// Values may be quoted with ' or " to carry ',' or ';'.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
)

type Op string

const (
	OpEq   Op = "eq"
	OpNeq  Op = "neq"
	OpLike Op = "like"
	OpGt   Op = "gt"
	OpLt   Op = "lt"
	OpGte  Op = "gte"
	OpLte  Op = "lte"
)

// Symbol returns the operator as written in filter text.
func (o Op) Symbol() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "!="
	case OpLike:
		return "~"
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpGte:
		return ">="
	case OpLte:
		return "<="
	default:
		return "?"
	}
}

// Numeric reports whether the operator compares numbers.
func (o Op) Numeric() bool {
	return o == OpGt || o == OpLt || o == OpGte || o == OpLte
}

// Operators lists the supported operators in a stable order.
func Operators() []Op {
	return []Op{OpEq, OpNeq, OpLike, OpGt, OpLt, OpGte, OpLte}
}

// Predicate is one atomic test against a single field.
type Predicate struct {
	Field string
	Op    Op
	Value string
	Num   float64
}

func (p Predicate) path() []string { return strings.Split(p.Field, ".") }

func (p Predicate) canonical() string {
	return p.Field + p.Op.Symbol() + quoteIfNeeded(p.Value)
}

// Clause is a disjunction: it holds when any predicate holds.
type Clause struct {
	Predicates []Predicate
}

// canonical renders an equality OR list back in the "field=a,b" form so the
// normal text parses to the same expression.
func (c Clause) canonical() string {
	if len(c.Predicates) == 0 {
		return ""
	}
	first := c.Predicates[0]
	sameField := true
	for _, p := range c.Predicates[1:] {
		if p.Field != first.Field || p.Op != first.Op {
			sameField = false
			break
		}
	}
	parts := make([]string, 0, len(c.Predicates))
	if sameField {
		for _, p := range c.Predicates {
			parts = append(parts, quoteIfNeeded(p.Value))
		}
		sort.Strings(parts)
		return first.Field + first.Op.Symbol() + strings.Join(parts, ",")
	}
	for _, p := range c.Predicates {
		parts = append(parts, p.canonical())
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// Expression is a conjunction of clauses. The zero value matches everything.
type Expression struct {
	Clauses []Clause
}

func (e Expression) IsEmpty() bool { return len(e.Clauses) == 0 }

// Normal returns a deterministic text form suitable for cache keys. Clause
// order and value order inside an OR list do not change the result; repeated
// clauses are kept.
func (e Expression) Normal() string {
	if len(e.Clauses) == 0 {
		return ""
	}
	parts := make([]string, 0, len(e.Clauses))
	for _, c := range e.Clauses {
		parts = append(parts, c.canonical())
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func (e Expression) String() string { return e.Normal() }

// Fields returns the distinct field paths referenced, sorted.
func (e Expression) Fields() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range e.Clauses {
		for _, p := range c.Predicates {
			if _, ok := seen[p.Field]; ok {
				continue
			}
			seen[p.Field] = struct{}{}
			out = append(out, p.Field)
		}
	}
	sort.Strings(out)
	return out
}

// ParseError reports malformed filter text. Pos is a byte offset into the input.
type ParseError struct {
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("filter: %s at position %d", e.Reason, e.Pos)
}

func (e *ParseError) ErrorClass() errs.Class { return errs.ClassInvalid }

func quoteIfNeeded(v string) string {
	if v != "" && !strings.ContainsAny(v, ",;'\"|") && strings.TrimSpace(v) == v {
		return v
	}
	if strings.Contains(v, `"`) {
		return "'" + v + "'"
	}
	return `"` + v + `"`
}
