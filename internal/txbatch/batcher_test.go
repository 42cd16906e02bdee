package txbatch

import (
	"context"
	"errors"
	"testing"

	"github.com/beads-labs/docdb/internal/sqlgateway"
)

func openGateway(t *testing.T) *sqlgateway.Gateway {
	t.Helper()
	gw, err := sqlgateway.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	if err := gw.Run(context.Background(), `CREATE TABLE widgets (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return gw
}

func TestExecuteCommitsAndClearsQueue(t *testing.T) {
	ctx := context.Background()
	gw := openGateway(t)
	b := New(gw)
	b.Add(`INSERT INTO widgets (id) VALUES (?)`, "a")
	b.Add(`INSERT INTO widgets (id) VALUES (?)`, "b")

	n, err := b.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n != 2 {
		t.Fatalf("committed = %d, want 2", n)
	}
	if b.Len() != 0 {
		t.Fatalf("queue not cleared: %d remain", b.Len())
	}

	rows, err := gw.Query(ctx, `SELECT id FROM widgets ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}

func TestExecuteFailureLeavesQueueIntact(t *testing.T) {
	ctx := context.Background()
	gw := openGateway(t)
	b := New(gw)
	b.Add(`INSERT INTO widgets (id) VALUES (?)`, "a")
	b.Add(`INSERT INTO nonexistent_table (id) VALUES (?)`, "b")

	_, err := b.Execute(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	if b.Len() != 2 {
		t.Fatalf("queue should be left intact after failure, has %d", b.Len())
	}

	rows, _ := gw.Query(ctx, `SELECT id FROM widgets`)
	if len(rows) != 0 {
		t.Fatalf("rollback should have left no rows, got %+v", rows)
	}
}

func TestExecuteBatchFlushesAtBatchSizeAndAtEnd(t *testing.T) {
	ctx := context.Background()
	gw := openGateway(t)
	b := New(gw)

	ids := []string{"a", "b", "c", "d", "e"}
	total, err := ExecuteBatch(ctx, b, ids, func(id string) error {
		b.Add(`INSERT INTO widgets (id) VALUES (?)`, id)
		return nil
	}, 2)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if total != len(ids) {
		t.Fatalf("total = %d, want %d", total, len(ids))
	}

	rows, err := gw.Query(ctx, `SELECT id FROM widgets`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != len(ids) {
		t.Fatalf("got %d rows, want %d", len(rows), len(ids))
	}
}

func TestExecuteBatchStopsOnFnError(t *testing.T) {
	ctx := context.Background()
	gw := openGateway(t)
	b := New(gw)
	boom := errors.New("boom")

	ids := []string{"a", "b", "c"}
	_, err := ExecuteBatch(ctx, b, ids, func(id string) error {
		if id == "b" {
			return boom
		}
		b.Add(`INSERT INTO widgets (id) VALUES (?)`, id)
		return nil
	}, 10)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
}
