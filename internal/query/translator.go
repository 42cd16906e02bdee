// Package query implements the Query Translator of §4.C: it turns a small,
// fixed operator set over column values into a parameterized SQL WHERE
// clause, and the same operator set into an in-memory predicate so server
// and client filtering stay semantically identical (the rationale given in
// §4.C for keeping the operator surface this small).
package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is one of the fixed comparison operators the translator understands.
type Op string

const (
	Eq       Op = "="
	Gt       Op = ">"
	Lt       Op = "<"
	Gte      Op = ">="
	Lte      Op = "<="
	Neq      Op = "!="
	In       Op = "in"
	NotIn    Op = "not in"
	Like     Op = "like"
)

// Clause is one field condition. A bare-scalar condition ("field: v" in
// spec.md's map notation) is represented as Op == Eq; every other operator
// must be given explicitly.
type Clause struct {
	Field string
	Op    Op
	Value any
}

// Query is an ordered list of clauses, ANDed together in the order given.
// It is a slice rather than a map specifically to preserve the key order
// spec.md §4.C and §8 property 3 require — Go map iteration order is
// randomized, which would make "preserving key order" impossible with a
// map-shaped query.
type Query []Clause

// EqClause builds a bare-scalar equality clause.
func EqClause(field string, value any) Clause {
	return Clause{Field: field, Op: Eq, Value: value}
}

// Cond builds an operator clause.
func Cond(field string, op Op, value any) Clause {
	return Clause{Field: field, Op: op, Value: value}
}

// Translate converts q into a parameterized SQL statement selecting
// id, json, date from table, and the positional argument vector for it.
// It never appends LIMIT — find() uses the statement as-is, findOne()
// appends " LIMIT 2" itself at the call site so it can detect duplicates.
func Translate(table string, q Query) (string, []any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, json, date FROM %s", table)

	args := make([]any, 0, len(q))
	if len(q) > 0 {
		sb.WriteString(" WHERE ")
		for i, c := range q {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			clauseSQL, clauseArgs, err := clauseSQL(c)
			if err != nil {
				return "", nil, err
			}
			sb.WriteString(clauseSQL)
			args = append(args, clauseArgs...)
		}
	}
	return sb.String(), args, nil
}

// Explain prepends EXPLAIN QUERY PLAN to a translated statement, for the
// diagnostic path §4.C mentions.
func Explain(sql string) string {
	return "EXPLAIN QUERY PLAN " + sql
}

func clauseSQL(c Clause) (string, []any, error) {
	switch c.Op {
	case "", Eq, Gt, Lt, Gte, Lte, Neq, Like:
		op := c.Op
		if op == "" {
			op = Eq
		}
		return fmt.Sprintf("%s %s ?", c.Field, sqlOp(op)), []any{c.Value}, nil
	case In, NotIn:
		values, err := toSlice(c.Value)
		if err != nil {
			return "", nil, fmt.Errorf("query: %s %s: %w", c.Field, c.Op, err)
		}
		if len(values) == 0 {
			// An empty IN-list matches nothing / NOT IN matches
			// everything; express both without binding zero args.
			if c.Op == In {
				return "0 = 1", nil, nil
			}
			return "1 = 1", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return fmt.Sprintf("%s %s (%s)", c.Field, sqlOp(c.Op), placeholders), values, nil
	default:
		return "", nil, fmt.Errorf("query: unsupported operator %q", c.Op)
	}
}

func sqlOp(op Op) string {
	if op == In || op == NotIn {
		return strings.ToUpper(string(op))
	}
	if op == Like {
		return "LIKE"
	}
	return string(op)
}

func toSlice(v any) ([]any, error) {
	switch vv := v.(type) {
	case []any:
		return vv, nil
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a slice for in/not in, got %T", v)
	}
}

// Matches evaluates q against doc in memory, using the same operator
// semantics Translate compiles to SQL. doc values are compared with the
// ordinary Go comparison operators after a best-effort numeric coercion,
// so "priority > 1" behaves the same whether priority was decoded from
// JSON as a float64 or supplied as an int in the query.
func Matches(doc map[string]any, q Query) bool {
	for _, c := range q {
		if !clauseMatches(doc[c.Field], c) {
			return false
		}
	}
	return true
}

func clauseMatches(actual any, c Clause) bool {
	op := c.Op
	if op == "" {
		op = Eq
	}
	switch op {
	case Eq:
		return compare(actual, c.Value) == 0
	case Neq:
		return compare(actual, c.Value) != 0
	case Gt:
		return compare(actual, c.Value) > 0
	case Lt:
		return compare(actual, c.Value) < 0
	case Gte:
		return compare(actual, c.Value) >= 0
	case Lte:
		return compare(actual, c.Value) <= 0
	case In, NotIn:
		values, err := toSlice(c.Value)
		if err != nil {
			return false
		}
		found := false
		for _, v := range values {
			if compare(actual, v) == 0 {
				found = true
				break
			}
		}
		if op == In {
			return found
		}
		return !found
	case Like:
		pattern, _ := c.Value.(string)
		s, _ := actual.(string)
		return likeMatch(s, pattern)
	default:
		return false
	}
}

// compare returns -1/0/1 comparing a and b, coercing both to float64 when
// both look numeric and falling back to string comparison otherwise.
func compare(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// likeMatch implements SQL LIKE's two wildcards (% and _) against s,
// folding ASCII case the way SQLite's default LIKE does.
func likeMatch(s, pattern string) bool {
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatchRunes(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	default:
		if len(s) == 0 {
			return false
		}
		a, b := s[0], p[0]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	}
}
