// Package indexschema is the Index Schema Manager of §4.B: it turns index
// specifications into column and index DDL and reconciles a collection's
// materialized schema with its declared indices on open. Re-running
// EnsureCollection is always safe — it never drops a column or an index.
package indexschema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/beads-labs/docdb/internal/sqlgateway"
)

// ColumnType is the declared SQLite affinity for an index column. It has no
// effect on ALTER TABLE (§4.B step 4: "Column type is NOT part of the ADD
// COLUMN statement — columns are type-dynamic"); it exists purely so
// CREATE TABLE-time columns (none, in this design — all index columns are
// added post-hoc) and callers documenting intent have a fixed vocabulary.
type ColumnType string

const (
	V8      ColumnType = "V8"
	V16     ColumnType = "V16"
	V32     ColumnType = "V32"
	Int     ColumnType = "INT"
	Real    ColumnType = "REAL"
	Boolean ColumnType = "BOOLEAN"
	Blob    ColumnType = "BLOB"
	Text    ColumnType = "TEXT"
)

// Field is one path/type pair inside an Index. A single-path index has
// exactly one Field; a compound index has two or more.
type Field struct {
	Path string
	Type ColumnType
}

// Index is a declared secondary index: one or more document paths,
// materialized as columns, optionally unique.
type Index struct {
	Fields []Field
	Unique bool
}

// NewIndex declares a single-path index. Type defaults to V32 when empty,
// matching spec.md §3's "default V32".
func NewIndex(path string, t ColumnType, unique bool) Index {
	if t == "" {
		t = V32
	}
	return Index{Fields: []Field{{Path: path, Type: t}}, Unique: unique}
}

// NewCompoundIndex declares a multi-field index over fields, in order.
func NewCompoundIndex(unique bool, fields ...Field) Index {
	out := make([]Field, len(fields))
	for i, f := range fields {
		if f.Type == "" {
			f.Type = V32
		}
		out[i] = f
	}
	return Index{Fields: out, Unique: unique}
}

// identRe matches the safe subset of SQLite identifiers this module
// accepts for collection names and the column and index names derived from
// document paths: letters, digits, underscore, and dot. The same pattern
// checks every kind of identifier, so a dot in a collection name is not
// rejected.
// Table and column names can't be bound as query parameters, so every
// caller-controlled identifier is validated against this before it is
// interpolated into SQL.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ColumnName maps a dotted document path to its materialized column name
// (§3: "dots in the path are replaced by __").
func ColumnName(path string) string {
	return strings.ReplaceAll(path, ".", "__")
}

// PathFromColumn is ColumnName's inverse, needed wherever a column name
// must be resolved back to the document path it was projected from.
func PathFromColumn(column string) string {
	return strings.ReplaceAll(column, "__", ".")
}

// IndexName returns the column (single-field) or joined-column (compound)
// name used for both the synthesized column set and the SQL index name
// itself (§3: "Compound index column set is... joined pairwise by ___").
func IndexName(idx Index) string {
	names := make([]string, len(idx.Fields))
	for i, f := range idx.Fields {
		names[i] = ColumnName(f.Path)
	}
	return strings.Join(names, "___")
}

// ValidateIdentifier rejects collection names and paths that aren't safe to
// interpolate into SQL identifiers.
func ValidateIdentifier(s string) error {
	if s == "" || !identRe.MatchString(s) {
		return fmt.Errorf("indexschema: invalid identifier %q", s)
	}
	return nil
}

// Manager reconciles collection tables with their declared indices.
type Manager struct {
	gw *sqlgateway.Gateway
}

// New returns a Manager backed by gw.
func New(gw *sqlgateway.Gateway) *Manager {
	return &Manager{gw: gw}
}

// EnsureCollection implements §4.B's five-step procedure. It is idempotent:
// calling it twice with the same (or a growing) set of indices does not
// fail and does not touch columns or indexes it already created.
func (m *Manager) EnsureCollection(ctx context.Context, collection string, indices []Index) error {
	if err := ValidateIdentifier(collection); err != nil {
		return err
	}

	if err := m.gw.Run(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id VARCHAR(32) PRIMARY KEY, json TEXT NOT NULL, date INTEGER NOT NULL)`,
		collection,
	)); err != nil {
		return fmt.Errorf("indexschema: create table %s: %w", collection, err)
	}

	existing, err := m.existingColumns(ctx, collection)
	if err != nil {
		return err
	}

	required := requiredColumns(indices)
	for _, col := range required {
		if err := ValidateIdentifier(col); err != nil {
			return err
		}
		if existing[col] {
			continue
		}
		if _, err := m.gw.Try(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, collection, col)); err != nil {
			return fmt.Errorf("indexschema: add column %s.%s: %w", collection, col, err)
		}
	}

	for _, idx := range indices {
		if err := m.createIndex(ctx, collection, idx); err != nil {
			return err
		}
	}
	return nil
}

// requiredColumns returns the deduplicated set of column names every
// declared index needs, in first-seen order (deterministic DDL ordering is
// not load-bearing, but it keeps logs/tests reproducible).
func requiredColumns(indices []Index) []string {
	seen := make(map[string]bool)
	var out []string
	for _, idx := range indices {
		for _, f := range idx.Fields {
			col := ColumnName(f.Path)
			if !seen[col] {
				seen[col] = true
				out = append(out, col)
			}
		}
	}
	return out
}

func (m *Manager) existingColumns(ctx context.Context, collection string) (map[string]bool, error) {
	rows, err := m.gw.Query(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, collection))
	if err != nil {
		return nil, fmt.Errorf("indexschema: table_info %s: %w", collection, err)
	}
	cols := make(map[string]bool, len(rows))
	for _, r := range rows {
		name, _ := r["name"].(string)
		if name != "" {
			cols[name] = true
		}
	}
	return cols, nil
}

func (m *Manager) createIndex(ctx context.Context, collection string, idx Index) error {
	name := IndexName(idx)
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	cols := make([]string, len(idx.Fields))
	for i, f := range idx.Fields {
		cols[i] = ColumnName(f.Path)
	}

	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)`, unique, name, collection, strings.Join(cols, ", "))
	if err := m.gw.Run(ctx, stmt); err != nil {
		return fmt.Errorf("indexschema: create index %s on %s: %w", name, collection, err)
	}
	return nil
}

// Describe returns PRAGMA table_info for collection, for introspection
// (Document Store's Describe method).
func (m *Manager) Describe(ctx context.Context, collection string) ([]sqlgateway.Row, error) {
	if err := ValidateIdentifier(collection); err != nil {
		return nil, err
	}
	return m.gw.Query(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, collection))
}
