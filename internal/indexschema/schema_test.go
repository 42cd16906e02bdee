package indexschema

import (
	"context"
	"testing"

	"github.com/beads-labs/docdb/internal/sqlgateway"
)

func openManager(t *testing.T) (*sqlgateway.Gateway, *Manager) {
	t.Helper()
	gw, err := sqlgateway.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw, New(gw)
}

func TestColumnNameMapping(t *testing.T) {
	if got, want := ColumnName("owner.id"), "owner__id"; got != want {
		t.Fatalf("ColumnName = %q, want %q", got, want)
	}
	if got, want := PathFromColumn("owner__id"), "owner.id"; got != want {
		t.Fatalf("PathFromColumn = %q, want %q", got, want)
	}
}

func TestIndexNameSingleAndCompound(t *testing.T) {
	single := NewIndex("done", Boolean, false)
	if got, want := IndexName(single), "done"; got != want {
		t.Fatalf("single IndexName = %q, want %q", got, want)
	}

	compound := NewCompoundIndex(true, Field{Path: "user.id"}, Field{Path: "priority", Type: Int})
	if got, want := IndexName(compound), "user__id___priority"; got != want {
		t.Fatalf("compound IndexName = %q, want %q", got, want)
	}
}

func TestEnsureCollectionCreatesColumnsAndIndexes(t *testing.T) {
	ctx := context.Background()
	gw, m := openManager(t)

	indices := []Index{NewIndex("done", Boolean, false)}
	if err := m.EnsureCollection(ctx, "todos", indices); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	cols, err := m.existingColumns(ctx, "todos")
	if err != nil {
		t.Fatalf("existingColumns: %v", err)
	}
	for _, want := range []string{"id", "json", "date", "done"} {
		if !cols[want] {
			t.Fatalf("missing column %q, have %v", want, cols)
		}
	}

	idxRows, err := gw.Query(ctx, `SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'todos'`)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	found := false
	for _, r := range idxRows {
		if r["name"] == "done" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected index named 'done', got %+v", idxRows)
	}
}

func TestEnsureCollectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, m := openManager(t)
	indices := []Index{NewIndex("done", Boolean, false)}

	if err := m.EnsureCollection(ctx, "todos", indices); err != nil {
		t.Fatalf("first EnsureCollection: %v", err)
	}
	if err := m.EnsureCollection(ctx, "todos", indices); err != nil {
		t.Fatalf("second EnsureCollection: %v", err)
	}
}

func TestEnsureCollectionAddsColumnsIncrementally(t *testing.T) {
	ctx := context.Background()
	_, m := openManager(t)

	if err := m.EnsureCollection(ctx, "todos", []Index{NewIndex("done", Boolean, false)}); err != nil {
		t.Fatalf("first EnsureCollection: %v", err)
	}
	if err := m.EnsureCollection(ctx, "todos", []Index{
		NewIndex("done", Boolean, false),
		NewIndex("priority", Int, false),
	}); err != nil {
		t.Fatalf("second EnsureCollection: %v", err)
	}

	cols, err := m.existingColumns(ctx, "todos")
	if err != nil {
		t.Fatalf("existingColumns: %v", err)
	}
	if !cols["priority"] {
		t.Fatalf("expected priority column to be added, have %v", cols)
	}
}

func TestValidateIdentifierRejectsBadNames(t *testing.T) {
	for _, bad := range []string{"", "1abc", "a;DROP TABLE x", "a b"} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Fatalf("expected error for identifier %q", bad)
		}
	}
}
