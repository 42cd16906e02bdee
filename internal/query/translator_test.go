package query

import "testing"

func TestTranslateBareEquality(t *testing.T) {
	sql, args, err := Translate("todos", Query{EqClause("done", true)})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "SELECT id, json, date FROM todos WHERE done = ?"; sql != want {
		t.Fatalf("sql = %q, want %q", sql, want)
	}
	if len(args) != 1 || args[0] != true {
		t.Fatalf("args = %v", args)
	}
}

func TestTranslatePreservesKeyOrder(t *testing.T) {
	q := Query{
		Cond("priority", Gt, 1),
		EqClause("owner__id", "u1"),
	}
	sql, args, err := Translate("todos", q)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := "SELECT id, json, date FROM todos WHERE priority > ? AND owner__id = ?"
	if sql != want {
		t.Fatalf("sql = %q, want %q", sql, want)
	}
	if len(args) != 2 || args[0] != 1 || args[1] != "u1" {
		t.Fatalf("args = %v", args)
	}
}

func TestTranslateInAndNotIn(t *testing.T) {
	sql, args, err := Translate("todos", Query{Cond("status", In, []any{"open", "blocked"})})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "SELECT id, json, date FROM todos WHERE status IN (?, ?)"; sql != want {
		t.Fatalf("sql = %q, want %q", sql, want)
	}
	if len(args) != 2 {
		t.Fatalf("args = %v", args)
	}
}

func TestTranslateEmptyInNotIn(t *testing.T) {
	sql, args, err := Translate("todos", Query{Cond("status", In, []any{})})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "SELECT id, json, date FROM todos WHERE 0 = 1"; sql != want {
		t.Fatalf("sql = %q, want %q", sql, want)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}

	sql, args, err = Translate("todos", Query{Cond("status", NotIn, []any{})})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "SELECT id, json, date FROM todos WHERE 1 = 1"; sql != want {
		t.Fatalf("sql = %q, want %q", sql, want)
	}
}

func TestTranslateNoClauses(t *testing.T) {
	sql, args, err := Translate("todos", nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "SELECT id, json, date FROM todos"; sql != want {
		t.Fatalf("sql = %q, want %q", sql, want)
	}
	if len(args) != 0 {
		t.Fatalf("args = %v", args)
	}
}

func TestExplainPrefixes(t *testing.T) {
	sql, _, _ := Translate("todos", Query{EqClause("done", true)})
	if got, want := Explain(sql), "EXPLAIN QUERY PLAN "+sql; got != want {
		t.Fatalf("Explain = %q, want %q", got, want)
	}
}

func TestTranslateUnsupportedOperator(t *testing.T) {
	if _, _, err := Translate("todos", Query{Cond("done", Op("~="), true)}); err == nil {
		t.Fatalf("expected error for unsupported operator")
	}
}

func TestMatchesMirrorsSQLSemantics(t *testing.T) {
	doc := map[string]any{"priority": float64(3), "owner__id": "u1", "title": "fix the thing"}

	cases := []struct {
		q    Query
		want bool
	}{
		{Query{EqClause("owner__id", "u1")}, true},
		{Query{EqClause("owner__id", "u2")}, false},
		{Query{Cond("priority", Gt, 1)}, true},
		{Query{Cond("priority", Lte, 2)}, false},
		{Query{Cond("owner__id", In, []any{"u1", "u3"})}, true},
		{Query{Cond("owner__id", NotIn, []any{"u1"})}, false},
		{Query{Cond("title", Like, "%thing")}, true},
		{Query{Cond("title", Like, "fix_the%")}, true},
		{Query{Cond("title", Like, "nope%")}, false},
	}
	for i, c := range cases {
		if got := Matches(doc, c.q); got != c.want {
			t.Fatalf("case %d: Matches = %v, want %v", i, got, c.want)
		}
	}
}
