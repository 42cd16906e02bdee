// Package sqlgateway is the thin facade over database/sql described in
// §4.A: a small set of verbs (Run, Query, Get, FindOne, Insert, Try,
// Transaction) that every other component in this module builds on instead
// of touching *sql.DB directly. It normalizes result sets to generic Rows
// and swallows the one error (duplicate column) that additive schema
// evolution expects to see.
//
// The driver is modernc.org/sqlite, registered under the name "sqlite",
// matching the pure-Go, CGO-free driver choice used throughout the pack
// this module was grounded on.
package sqlgateway

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one result row, keyed by column name. Document-store callers type
// assert the values they expect (string, int64, float64, []byte, nil);
// that is the same dynamic-typing contract SQLite itself offers.
type Row map[string]any

// Gateway wraps one *sql.DB connection. A Gateway is safe for concurrent
// use by multiple goroutines — the underlying modernc.org/sqlite driver
// serializes writes, and callers needing cross-statement atomicity must use
// Transaction.
type Gateway struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and returns
// a Gateway over it. Pragmas are chosen for single-process embedded use:
// WAL journaling for reader/writer concurrency, a busy timeout so
// lock contention fails slowly instead of immediately, and foreign key
// enforcement.
func Open(ctx context.Context, path string) (*Gateway, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file::memory:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlgateway: create db directory: %w", err)
			}
		}
	}

	dsn := connString(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlgateway: open: %w", err)
	}
	// The modernc.org driver multiplexes goroutines onto one connection
	// poorly under concurrent writers; a single connection plus our own
	// transaction discipline is simpler and matches the single-writer
	// model §5 describes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlgateway: ping: %w", err)
	}
	return &Gateway{db: db}, nil
}

// connString builds a SQLite DSN with the pragmas this module relies on:
// a generous busy timeout (lock contention should wait, not fail) and
// foreign key enforcement. In-memory paths are passed through untouched.
func connString(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") || strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)",
		path, (30 * time.Second).Milliseconds(),
	)
}

// Close releases the underlying connection.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// DB exposes the underlying *sql.DB for callers that need lower-level
// access than this facade offers.
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// Run executes one DDL/DML statement in its own implicit transaction and
// discards the result set. Used for CREATE TABLE/INDEX/TRIGGER and
// single-statement writes that don't need RETURNING.
func (g *Gateway) Run(ctx context.Context, query string, args ...any) error {
	_, err := g.db.ExecContext(ctx, query, args...)
	return wrapSQLError(opSummary("run", query), err)
}

// Query executes query and materializes every row as a Row.
func (g *Gateway) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLError(opSummary("query", query), err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Get executes query and returns its single expected row. It fails with
// ErrCardinality if more than one row is returned, and returns
// (nil, nil) — no error — if the result set is empty.
func (g *Gateway) Get(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := g.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("%s: %w", opSummary("get", query), ErrCardinality)
	}
}

// FindOne executes query and returns its first row, or (nil, nil) if the
// result set is empty. Unlike Get it never errors on a multi-row result —
// callers (Document Store's findOne) decide what, if anything, to do about
// extra rows.
func (g *Gateway) FindOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := g.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Insert executes query (typically an INSERT ... RETURNING) and returns
// the first returned row, if any. It logs a warning if more than one row
// comes back, since an insert is expected to produce at most one.
func (g *Gateway) Insert(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := g.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) > 1 {
		log.Printf("sqlgateway: insert returned %d rows, expected at most 1: %s", len(rows), opSummary("insert", query))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Try runs query like Run but swallows a "duplicate column name" failure,
// reporting it as a clean (false, nil) instead of an error. It exists
// solely for idempotent `ALTER TABLE ... ADD COLUMN` statements (§4.B step
// 4): a concurrent caller that already added the column is not a failure.
func (g *Gateway) Try(ctx context.Context, query string, args ...any) (bool, error) {
	_, err := g.db.ExecContext(ctx, query, args...)
	if err == nil {
		return true, nil
	}
	if isDuplicateColumn(err) {
		log.Printf("sqlgateway: duplicate column ignored: %s", opSummary("try", query))
		return false, nil
	}
	return false, wrapSQLError(opSummary("try", query), err)
}

// Tx is the transaction-scoped counterpart of Gateway, handed to the body
// function passed to Transaction.
type Tx struct {
	tx *sql.Tx
}

// Run executes query inside the enclosing transaction.
func (t *Tx) Run(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return wrapSQLError(opSummary("run", query), err)
}

// Query executes query inside the enclosing transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLError(opSummary("query", query), err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Get behaves like Gateway.Get, scoped to the enclosing transaction.
func (t *Tx) Get(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := t.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("%s: %w", opSummary("get", query), ErrCardinality)
	}
}

// Transaction runs body inside one engine-level transaction. The
// transaction commits if body returns nil and rolls back otherwise; the
// rollback error (if any) is never masked — body's error always wins.
func (g *Gateway) Transaction(ctx context.Context, body func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlgateway: begin transaction: %w", err)
	}

	if err := body(ctx, &Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.Printf("sqlgateway: rollback after body error failed: %v", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlgateway: commit: %w", err)
	}
	return nil
}

// scanRows drains rows into a slice of Row, preserving SQLite's dynamic
// column typing (TEXT/INTEGER/REAL/NULL/BLOB) via sql.Rows.Scan into
// interface{} destinations.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlgateway: columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlgateway: scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(dest[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlgateway: iterate rows: %w", err)
	}
	return out, nil
}

// normalizeValue converts driver-returned []byte (the modernc driver's
// representation of TEXT columns) to string, so callers comparing/printing
// values don't need to special-case byte slices.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// opSummary trims a SQL statement to a short, loggable operation label.
func opSummary(verb, query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > 60 {
		q = q[:60] + "…"
	}
	return fmt.Sprintf("%s %q", verb, q)
}
