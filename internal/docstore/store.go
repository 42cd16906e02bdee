// Package docstore is the Document Store of §4.D: collections of JSON
// documents layered over the SQL Gateway (§4.A), Index Schema Manager
// (§4.B) and Query Translator (§4.C). Every write flows through SQL, so the
// triggers the Trigger Installer attaches to a collection's table always
// see it.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/beads-labs/docdb/internal/idgen"
	"github.com/beads-labs/docdb/internal/indexschema"
	"github.com/beads-labs/docdb/internal/query"
	"github.com/beads-labs/docdb/internal/sqlgateway"
	"github.com/beads-labs/docdb/internal/txbatch"
)

// ErrNotFound is returned by Update when the target id does not exist.
var ErrNotFound = errors.New("docstore: not found")

// Doc is a document as returned to callers: its stored fields plus "id"
// and "saved" (the epoch-millis write time), matching §4.D's get/find
// contract of splicing saved = row.date into the JSON-decoded document.
type Doc map[string]any

// Collection is one document collection: a table plus the set of indices
// that were declared for it when it was opened.
type Collection struct {
	name    string
	gw      *sqlgateway.Gateway
	indices []indexschema.Index
	now     func() int64
}

// New wraps an already-schema-reconciled table as a Collection. now
// supplies the current epoch-millis clock; production callers pass a
// wrapper over time.Now, tests pass a fixed or incrementing stub.
func New(gw *sqlgateway.Gateway, name string, indices []indexschema.Index, now func() int64) *Collection {
	return &Collection{name: name, gw: gw, indices: indices, now: now}
}

// Name returns the collection's table name.
func (c *Collection) Name() string { return c.name }

// Save upserts doc by its "id" field, minting one via idgen if absent, and
// returns the saved document (with id and saved populated). It derives
// index-column values by path-resolving each indexed field on doc — nested
// paths like "user.id" look up doc["user"].(map[string]any)["id"].
func (c *Collection) Save(ctx context.Context, doc Doc) (Doc, error) {
	stmt, args, stamped, date, err := c.buildUpsert(doc)
	if err != nil {
		return nil, err
	}
	if err := c.gw.Run(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("docstore: save %s/%s: %w", c.name, stamped["id"], err)
	}
	stamped["saved"] = date
	return stamped, nil
}

// QueueSave composes the same upsert statement Save issues directly, but
// hands it to b instead of running it — the Batcher's add(collection, doc)
// primitive from §4.H, "computed by the same upsert composer as save". The
// returned document carries the id and saved timestamp it will have once b
// is executed; it is not persisted until then.
func (c *Collection) QueueSave(b *txbatch.Batcher, doc Doc) (Doc, error) {
	stmt, args, stamped, date, err := c.buildUpsert(doc)
	if err != nil {
		return nil, err
	}
	b.Add(stmt, args...)
	stamped["saved"] = date
	return stamped, nil
}

// buildUpsert composes save's INSERT ... ON CONFLICT DO UPDATE statement
// and the stamped copy of doc (id filled in, not yet carrying "saved").
func (c *Collection) buildUpsert(doc Doc) (stmt string, args []any, stamped Doc, date int64, err error) {
	id, _ := doc["id"].(string)
	if id == "" {
		id = idgen.DocumentID()
		doc["id"] = id
	}

	stamped = make(Doc, len(doc))
	for k, v := range doc {
		stamped[k] = v
	}
	stamped["id"] = id

	blob, err := json.Marshal(stamped)
	if err != nil {
		return "", nil, nil, 0, fmt.Errorf("docstore: marshal %s/%s: %w", c.name, id, err)
	}
	date = c.now()

	cols := []string{"id", "json", "date"}
	args = []any{id, string(blob), date}
	updates := []string{"json = excluded.json", "date = excluded.date"}

	for _, col := range c.indexColumns() {
		value := resolvePath(doc, indexschema.PathFromColumn(col))
		cols = append(cols, col)
		args = append(args, value)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt = fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		c.name, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "),
	)
	return stmt, args, stamped, date, nil
}

// indexColumns returns the deduplicated set of materialized column names
// this collection's declared indices require.
func (c *Collection) indexColumns() []string {
	seen := make(map[string]bool)
	var out []string
	for _, idx := range c.indices {
		for _, f := range idx.Fields {
			col := indexschema.ColumnName(f.Path)
			if !seen[col] {
				seen[col] = true
				out = append(out, col)
			}
		}
	}
	return out
}

// resolvePath walks dotted path p ("user.id" -> doc["user"]["id"]) and
// returns the value found, or nil if any segment is missing or not a map.
func resolvePath(doc Doc, p string) any {
	var cur any = map[string]any(doc)
	for _, seg := range strings.Split(p, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// Get returns the document with the given id, or nil if it does not exist.
func (c *Collection) Get(ctx context.Context, id string) (Doc, error) {
	row, err := c.gw.Get(ctx, fmt.Sprintf(`SELECT id, json, date FROM %s WHERE id = ?`, c.name), id)
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", c.name, id, err)
	}
	if row == nil {
		return nil, nil
	}
	return inflate(row)
}

// inflate JSON-decodes row["json"] and splices saved = row["date"] in, per
// §4.D's get/find contract.
func inflate(row sqlgateway.Row) (Doc, error) {
	raw, _ := row["json"].(string)
	var doc Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("docstore: unmarshal: %w", err)
	}
	doc["saved"] = toInt64(row["date"])
	return doc, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// All returns every document in the collection.
func (c *Collection) All(ctx context.Context) ([]Doc, error) {
	rows, err := c.gw.Query(ctx, fmt.Sprintf(`SELECT id, json, date FROM %s`, c.name))
	if err != nil {
		return nil, fmt.Errorf("docstore: all %s: %w", c.name, err)
	}
	return inflateAll(rows)
}

func inflateAll(rows []sqlgateway.Row) ([]Doc, error) {
	out := make([]Doc, 0, len(rows))
	for _, r := range rows {
		doc, err := inflate(r)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Find returns every document matching q.
func (c *Collection) Find(ctx context.Context, q query.Query) ([]Doc, error) {
	stmt, args, err := query.Translate(c.name, q)
	if err != nil {
		return nil, fmt.Errorf("docstore: find %s: %w", c.name, err)
	}
	rows, err := c.gw.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: find %s: %w", c.name, err)
	}
	return inflateAll(rows)
}

// FindOne returns the first document matching q, or nil if none match. If
// more than one row matches, it deletes every row but the first and logs a
// warning — §4.D's duplicate-cleanup contract, which exists because upsert
// identity is by id and an index should never legitimately produce
// duplicates for a well-formed findOne query.
func (c *Collection) FindOne(ctx context.Context, q query.Query) (Doc, error) {
	stmt, args, err := query.Translate(c.name, q)
	if err != nil {
		return nil, fmt.Errorf("docstore: findOne %s: %w", c.name, err)
	}
	rows, err := c.gw.Query(ctx, stmt+" LIMIT 2", args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: findOne %s: %w", c.name, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) > 1 {
		// A second row exists; re-run without LIMIT to find every
		// duplicate and delete all but the first.
		fullStmt, fullArgs, err := query.Translate(c.name, q)
		if err != nil {
			return nil, err
		}
		full, err := c.gw.Query(ctx, fullStmt, fullArgs...)
		if err != nil {
			return nil, fmt.Errorf("docstore: findOne duplicate scan %s: %w", c.name, err)
		}
		var extraIDs []string
		for _, r := range full[1:] {
			id, _ := r["id"].(string)
			extraIDs = append(extraIDs, id)
		}
		if len(extraIDs) > 0 {
			log.Printf("docstore: findOne %s matched %d rows, deleting %d duplicate(s): %v",
				c.name, len(full), len(extraIDs), extraIDs)
			for _, id := range extraIDs {
				if err := c.Delete(ctx, id); err != nil {
					return nil, fmt.Errorf("docstore: findOne duplicate cleanup %s/%s: %w", c.name, id, err)
				}
			}
		}
	}
	return inflate(rows[0])
}

// Delete removes the document with the given id. Deleting an absent id is
// not an error.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if err := c.gw.Run(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.name), id); err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", c.name, id, err)
	}
	return nil
}

// DeleteOne deletes every document matching q. Per §4.D, deleteOne's query
// is equality-only.
func (c *Collection) DeleteOne(ctx context.Context, q query.Query) error {
	for _, cl := range q {
		if cl.Op != "" && cl.Op != query.Eq {
			return fmt.Errorf("docstore: deleteOne %s: operator %q not allowed, equality only", c.name, cl.Op)
		}
	}
	stmt, args, err := query.Translate(c.name, q)
	if err != nil {
		return fmt.Errorf("docstore: deleteOne %s: %w", c.name, err)
	}
	deleteStmt := "DELETE FROM " + strings.TrimPrefix(stmt, "SELECT id, json, date FROM ")
	if err := c.gw.Run(ctx, deleteStmt, args...); err != nil {
		return fmt.Errorf("docstore: deleteOne %s: %w", c.name, err)
	}
	return nil
}

// Wipe deletes every row but keeps the table and its indices.
func (c *Collection) Wipe(ctx context.Context) error {
	if err := c.gw.Run(ctx, fmt.Sprintf(`DELETE FROM %s`, c.name)); err != nil {
		return fmt.Errorf("docstore: wipe %s: %w", c.name, err)
	}
	return nil
}

// Drop removes the collection's table entirely.
func (c *Collection) Drop(ctx context.Context) error {
	if err := c.gw.Run(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, c.name)); err != nil {
		return fmt.Errorf("docstore: drop %s: %w", c.name, err)
	}
	return nil
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	row, err := c.gw.Get(ctx, fmt.Sprintf(`SELECT COUNT(*) AS n FROM %s`, c.name))
	if err != nil {
		return 0, fmt.Errorf("docstore: count %s: %w", c.name, err)
	}
	return toInt64(row["n"]), nil
}

// Describe returns the collection's column info (PRAGMA table_info).
func (c *Collection) Describe(ctx context.Context) ([]sqlgateway.Row, error) {
	return indexschema.New(c.gw).Describe(ctx, c.name)
}

// Explain returns the SQLite query plan for q, via EXPLAIN QUERY PLAN
// (§4.C), for diagnosing which index (if any) a query uses.
func (c *Collection) Explain(ctx context.Context, q query.Query) ([]sqlgateway.Row, error) {
	stmt, args, err := query.Translate(c.name, q)
	if err != nil {
		return nil, fmt.Errorf("docstore: explain %s: %w", c.name, err)
	}
	rows, err := c.gw.Query(ctx, query.Explain(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: explain %s: %w", c.name, err)
	}
	return rows, nil
}

// Update reads the document at id, applies patch on top of it (shallow
// merge, matching the common "partial update" shape the rest of the pack
// uses), and saves the result. It fails with ErrNotFound if id does not
// exist, per §4.D.
func (c *Collection) Update(ctx context.Context, id string, patch Doc) (Doc, error) {
	existing, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("docstore: update %s/%s: %w", c.name, id, ErrNotFound)
	}
	delete(existing, "saved")
	for k, v := range patch {
		existing[k] = v
	}
	existing["id"] = id
	return c.Save(ctx, existing)
}

// DateSaved returns the stored date (epoch millis) for id, or (0, false)
// if id does not exist.
func (c *Collection) DateSaved(ctx context.Context, id string) (int64, bool, error) {
	row, err := c.gw.Get(ctx, fmt.Sprintf(`SELECT date FROM %s WHERE id = ?`, c.name), id)
	if err != nil {
		return 0, false, fmt.Errorf("docstore: dateSaved %s/%s: %w", c.name, id, err)
	}
	if row == nil {
		return 0, false, nil
	}
	return toInt64(row["date"]), true, nil
}

// Transaction returns a Batcher (§4.H) scoped to this collection's table,
// for deferred-write accumulation flushed in one SQL transaction.
func (c *Collection) Transaction() *txbatch.Batcher {
	return txbatch.New(c.gw)
}
