package filter

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Parse turns filter text into an Expression. It performs no I/O and its
// output depends only on text.
func Parse(text string) (Expression, error) {
	var expr Expression
	if strings.TrimSpace(text) == "" {
		return expr, nil
	}
	segs, err := splitClauses(text)
	if err != nil {
		return Expression{}, err
	}
	for _, s := range segs {
		if strings.TrimSpace(s.text) == "" {
			continue
		}
		clauses, err := parseClause(s.text, s.start)
		if err != nil {
			return Expression{}, err
		}
		expr.Clauses = append(expr.Clauses, clauses...)
	}
	return expr, nil
}

// MustParse is Parse for constant filters in tests and defaults.
func MustParse(text string) Expression {
	e, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return e
}

type segment struct {
	text  string
	start int
}

// splits on ';' outside quotes
func splitClauses(text string) ([]segment, error) {
	var out []segment
	start := 0
	var quote byte
	quoteAt := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			quoteAt = i
		case c == ';':
			out = append(out, segment{text: text[start:i], start: start})
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, &ParseError{Pos: quoteAt, Reason: "unterminated clause: missing closing quote"}
	}
	out = append(out, segment{text: text[start:], start: start})
	return out, nil
}

func isFieldChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '_' || c == '-' || c == '.'
}

func isOpChar(c byte) bool {
	return c == '=' || c == '!' || c == '<' || c == '>' || c == '~'
}

func parseClause(s string, base int) ([]Clause, error) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	fieldStart := i
	for i < len(s) && isFieldChar(s[i]) {
		i++
	}
	field := s[fieldStart:i]
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	if i >= len(s) {
		if field == "" {
			return nil, &ParseError{Pos: base + fieldStart, Reason: "empty field path"}
		}
		return nil, &ParseError{Pos: base + len(s), Reason: "unterminated clause: expected operator after " + strconv.Quote(field)}
	}
	if !isOpChar(s[i]) {
		return nil, &ParseError{Pos: base + i, Reason: "unknown operator " + strconv.Quote(string(s[i]))}
	}
	if field == "" {
		return nil, &ParseError{Pos: base + fieldStart, Reason: "empty field path"}
	}
	if err := validatePath(field, base+fieldStart); err != nil {
		return nil, err
	}

	opStart := i
	for i < len(s) && isOpChar(s[i]) {
		i++
	}
	tok := s[opStart:i]
	op, ok := opFromToken(tok)
	if !ok {
		return nil, &ParseError{Pos: base + opStart, Reason: "unknown operator " + strconv.Quote(tok)}
	}

	values, err := splitValues(s[i:], base+i)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, &ParseError{Pos: base + len(s), Reason: "unterminated clause: missing value for " + strconv.Quote(field)}
	}

	switch op {
	case OpEq:
		// OR list inside one clause; duplicates collapse since they are equivalent
		uniq := dedupe(values)
		c := Clause{Predicates: make([]Predicate, 0, len(uniq))}
		for _, v := range uniq {
			c.Predicates = append(c.Predicates, Predicate{Field: field, Op: OpEq, Value: v.text})
		}
		return []Clause{c}, nil
	case OpNeq:
		// "none of": one single-predicate clause per value
		out := make([]Clause, 0, len(values))
		for _, v := range dedupe(values) {
			out = append(out, Clause{Predicates: []Predicate{{Field: field, Op: OpNeq, Value: v.text}}})
		}
		return out, nil
	default:
		if len(values) > 1 {
			return nil, &ParseError{Pos: values[1].pos, Reason: "operator " + strconv.Quote(op.Symbol()) + " takes a single value"}
		}
		p := Predicate{Field: field, Op: op, Value: values[0].text}
		if op.Numeric() {
			n, err := strconv.ParseFloat(values[0].text, 64)
			if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, &ParseError{Pos: values[0].pos, Reason: "non-numeric operand " + strconv.Quote(values[0].text) + " for " + strconv.Quote(op.Symbol())}
			}
			p.Num = n
			p.Value = strconv.FormatFloat(n, 'f', -1, 64)
		}
		return []Clause{{Predicates: []Predicate{p}}}, nil
	}
}

func validatePath(field string, pos int) error {
	off := 0
	for seg := range strings.SplitSeq(field, ".") {
		if seg == "" {
			return &ParseError{Pos: pos + off, Reason: "empty segment in field path " + strconv.Quote(field)}
		}
		off += len(seg) + 1
	}
	return nil
}

func opFromToken(tok string) (Op, bool) {
	switch tok {
	case "=":
		return OpEq, true
	case "!=":
		return OpNeq, true
	case "~":
		return OpLike, true
	case ">":
		return OpGt, true
	case "<":
		return OpLt, true
	case ">=":
		return OpGte, true
	case "<=":
		return OpLte, true
	default:
		return "", false
	}
}

type value struct {
	text string
	pos  int
}

// splits a comma list, honouring quotes; blank input yields no values
func splitValues(s string, base int) ([]value, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []value
	i := 0
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		start := i
		var b strings.Builder
		if i < len(s) && (s[i] == '\'' || s[i] == '"') {
			q := s[i]
			i++
			closed := false
			for i < len(s) {
				if s[i] == q {
					closed = true
					i++
					break
				}
				b.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Pos: base + start, Reason: "unterminated clause: missing closing quote"}
			}
			for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
				i++
			}
			if i < len(s) && s[i] != ',' {
				return nil, &ParseError{Pos: base + i, Reason: "unexpected text after quoted value"}
			}
			out = append(out, value{text: b.String(), pos: base + start})
		} else {
			for i < len(s) && s[i] != ',' {
				b.WriteByte(s[i])
				i++
			}
			v := strings.TrimSpace(b.String())
			if v == "" {
				return nil, &ParseError{Pos: base + start, Reason: "empty value in list"}
			}
			if isOpChar(v[0]) {
				return nil, &ParseError{Pos: base + start, Reason: "unknown operator: unexpected " + strconv.Quote(string(v[0]))}
			}
			out = append(out, value{text: v, pos: base + start})
		}
		if i >= len(s) {
			return out, nil
		}
		// s[i] == ','
		i++
		if strings.TrimSpace(s[i:]) == "" {
			return nil, &ParseError{Pos: base + i, Reason: "empty value in list"}
		}
	}
}

func dedupe(vs []value) []value {
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].text < vs[j].text })
	out := make([]value, 0, len(vs))
	for i, v := range vs {
		if i > 0 && v.text == vs[i-1].text {
			continue
		}
		out = append(out, v)
	}
	return out
}
