package cdctrigger

import (
	"context"
	"testing"

	"github.com/beads-labs/docdb/internal/sqlgateway"
)

func openInstaller(t *testing.T) (*sqlgateway.Gateway, *Installer) {
	t.Helper()
	gw, err := sqlgateway.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	if err := gw.Run(context.Background(),
		`CREATE TABLE todos (id VARCHAR(32) PRIMARY KEY, json TEXT NOT NULL, date INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	in := New(gw)
	if err := in.EnsureEventsTable(context.Background()); err != nil {
		t.Fatalf("EnsureEventsTable: %v", err)
	}
	return gw, in
}

func TestInsertTriggerAppendsEvent(t *testing.T) {
	ctx := context.Background()
	gw, in := openInstaller(t)

	if err := in.Ensure(ctx, "todos", Insert); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := gw.Run(ctx, `INSERT INTO todos (id, json, date) VALUES ('a', '{"id":"a"}', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := gw.Query(ctx, `SELECT col, id, type, before, after FROM _events`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(rows), rows)
	}
	if rows[0]["type"] != "insert" || rows[0]["id"] != "a" || rows[0]["before"] != nil {
		t.Fatalf("unexpected event row: %+v", rows[0])
	}
}

func TestWriteInstallsBothInsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	gw, in := openInstaller(t)

	if err := in.Ensure(ctx, "todos", Write); err != nil {
		t.Fatalf("Ensure write: %v", err)
	}
	if err := gw.Run(ctx, `INSERT INTO todos (id, json, date) VALUES ('a', '{"id":"a"}', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := gw.Run(ctx, `UPDATE todos SET json = '{"id":"a","x":1}', date = 2 WHERE id = 'a'`); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := gw.Query(ctx, `SELECT type FROM _events ORDER BY date`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(rows) != 2 || rows[0]["type"] != "insert" || rows[1]["type"] != "update" {
		t.Fatalf("unexpected events: %+v", rows)
	}
}

func TestDeleteTriggerRecordsBeforeOnly(t *testing.T) {
	ctx := context.Background()
	gw, in := openInstaller(t)

	if err := in.Ensure(ctx, "todos", Delete); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	gw.Run(ctx, `INSERT INTO todos (id, json, date) VALUES ('a', '{"id":"a"}', 1)`)
	if err := gw.Run(ctx, `DELETE FROM todos WHERE id = 'a'`); err != nil {
		t.Fatalf("delete: %v", err)
	}

	row, err := gw.Get(ctx, `SELECT type, before, after FROM _events WHERE type = 'delete'`)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if row == nil {
		t.Fatalf("expected a delete event")
	}
	if row["before"] != `{"id":"a"}` {
		t.Fatalf("expected before to hold the deleted row, got %v", row["before"])
	}
	if row["after"] != nil {
		t.Fatalf("expected nil after, got %v", row["after"])
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, in := openInstaller(t)
	if err := in.Ensure(ctx, "todos", Insert); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if err := in.Ensure(ctx, "todos", Insert); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
}
