// Package cdctrigger is the Trigger Installer of §4.E: for each
// (collection, event type) ever requested it installs the SQL trigger(s)
// that append a row to the _events table inside the same transaction as
// the document write, so event rows are atomic with the writes that
// produce them.
package cdctrigger

import (
	"context"
	"fmt"

	"github.com/beads-labs/docdb/internal/indexschema"
	"github.com/beads-labs/docdb/internal/sqlgateway"
)

// MutationType is one of the four event kinds a trigger can be installed
// for. "write" is a request-time convenience that installs both the
// insert and update triggers; it never appears as a stored _events.type.
type MutationType string

const (
	Insert MutationType = "insert"
	Update MutationType = "update"
	Write  MutationType = "write"
	Delete MutationType = "delete"
)

// Installer installs the trigger(s) for (collection, type) pairs. It keeps
// no record of what it has installed: every Ensure call issues CREATE
// TRIGGER IF NOT EXISTS again, which leaves an existing trigger as it is.
type Installer struct {
	gw *sqlgateway.Gateway
}

// New returns an Installer backed by gw.
func New(gw *sqlgateway.Gateway) *Installer {
	return &Installer{gw: gw}
}

// EnsureEventsTable creates the shared _events log table and its
// (date, col, type) index, per §6's schema contract.
func (in *Installer) EnsureEventsTable(ctx context.Context) error {
	if err := in.gw.Run(ctx, `
		CREATE TABLE IF NOT EXISTS _events (
			col TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			date INTEGER NOT NULL,
			before TEXT,
			after TEXT
		)`); err != nil {
		return fmt.Errorf("cdctrigger: create _events: %w", err)
	}
	if err := in.gw.Run(ctx, `CREATE INDEX IF NOT EXISTS date_col_type ON _events (date, col, type)`); err != nil {
		return fmt.Errorf("cdctrigger: create _events index: %w", err)
	}
	return nil
}

// Ensure installs the trigger(s) (Invariant 1: at most one trigger per
// (collection, type) pair) needed to capture mutationType on collection.
// "write" installs both the insert and update variants.
func (in *Installer) Ensure(ctx context.Context, collection string, mutationType MutationType) error {
	if err := indexschema.ValidateIdentifier(collection); err != nil {
		return err
	}
	switch mutationType {
	case Insert:
		return in.installInsert(ctx, collection, "insert", Insert)
	case Update:
		return in.installUpdate(ctx, collection, "update", Update)
	case Write:
		if err := in.installInsert(ctx, collection, "write_insert", Write); err != nil {
			return err
		}
		return in.installUpdate(ctx, collection, "write_update", Write)
	case Delete:
		return in.installDelete(ctx, collection)
	default:
		return fmt.Errorf("cdctrigger: unknown mutation type %q", mutationType)
	}
}

func (in *Installer) installInsert(ctx context.Context, collection, suffix string, eventType MutationType) error {
	name := fmt.Sprintf("%s_%s", collection, suffix)
	stmt := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s
		BEGIN
			INSERT INTO _events (col, id, type, date, before, after)
			VALUES ('%s', new.id, '%s', unixepoch('subsec')*1000, NULL, new.json);
		END`, name, collection, collection, insertEventType(eventType))
	if err := in.gw.Run(ctx, stmt); err != nil {
		return fmt.Errorf("cdctrigger: install %s: %w", name, err)
	}
	return nil
}

func (in *Installer) installUpdate(ctx context.Context, collection, suffix string, eventType MutationType) error {
	name := fmt.Sprintf("%s_%s", collection, suffix)
	stmt := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s
		BEGIN
			INSERT INTO _events (col, id, type, date, before, after)
			VALUES ('%s', old.id, '%s', unixepoch('subsec')*1000, old.json, new.json);
		END`, name, collection, collection, updateEventType(eventType))
	if err := in.gw.Run(ctx, stmt); err != nil {
		return fmt.Errorf("cdctrigger: install %s: %w", name, err)
	}
	return nil
}

func (in *Installer) installDelete(ctx context.Context, collection string) error {
	name := fmt.Sprintf("%s_delete", collection)
	stmt := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s
		BEGIN
			INSERT INTO _events (col, id, type, date, before, after)
			VALUES ('%s', old.id, 'delete', unixepoch('subsec')*1000, old.json, NULL);
		END`, name, collection, collection)
	if err := in.gw.Run(ctx, stmt); err != nil {
		return fmt.Errorf("cdctrigger: install %s: %w", name, err)
	}
	return nil
}

// insertEventType returns the _events.type value an insert trigger records:
// "insert" for a plain insert subscription, "insert" for the insert half
// of a "write" subscription too — §4.F dispatch matches sub.on=="write"
// against event types {insert, update, write}, so the stored type stays
// the real mutation kind regardless of which subscription asked for it.
func insertEventType(MutationType) string { return "insert" }

func updateEventType(MutationType) string { return "update" }
