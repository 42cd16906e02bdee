// Package docdb is an embedded document store layered over SQLite: a
// collection-oriented API with optional secondary indices, plus a
// durable, trigger-driven change-data-capture subsystem that turns
// row-level writes into an ordered event log and dispatches them to
// in-process subscribers with per-subscription durable cursors.
//
// Connections are memoized process-wide by database name (§6: "Connections
// are memoized by name (process-wide) so repeated connect(name) returns
// the same database"), using golang.org/x/sync/singleflight so concurrent
// first-time Connect calls for the same name share one Open instead of
// racing to open the file twice.
package docdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/beads-labs/docdb/internal/cdc"
	"github.com/beads-labs/docdb/internal/config"
	"github.com/beads-labs/docdb/internal/docstore"
	"github.com/beads-labs/docdb/internal/eventbus"
	"github.com/beads-labs/docdb/internal/indexschema"
	"github.com/beads-labs/docdb/internal/query"
	"github.com/beads-labs/docdb/internal/sqlgateway"
	"github.com/beads-labs/docdb/internal/txbatch"
)

// Re-exported vocabulary so callers don't need to import the internal
// packages directly for everyday use.
type (
	Doc          = docstore.Doc
	Query        = query.Query
	Index        = indexschema.Index
	Field        = indexschema.Field
	ColumnType   = indexschema.ColumnType
	MutationType = cdc.MutationType
	Event        = cdc.Event
	Subscriber   = cdc.Subscriber
)

const (
	V8      = indexschema.V8
	V16     = indexschema.V16
	V32     = indexschema.V32
	Int     = indexschema.Int
	Real    = indexschema.Real
	Boolean = indexschema.Boolean
	Blob    = indexschema.Blob
	Text    = indexschema.Text
)

const (
	Insert = cdc.Insert
	Update = cdc.Update
	Write  = cdc.Write
	Delete = cdc.Delete
)

// Eq, Cond and SubscriberFunc are re-exported constructors.
func Eq(field string, value any) query.Clause { return query.EqClause(field, value) }
func Cond(field string, op query.Op, value any) query.Clause {
	return query.Cond(field, op, value)
}

type SubscriberFunc = cdc.SubscriberFunc

var (
	connMu   sync.Mutex
	connFlt  singleflight.Group
	databases = make(map[string]*Database)
)

// nowMillis is the database clock: epoch milliseconds. It is handed to
// docstore.New and cdc.New as their clock; those packages take the clock
// as a parameter, so their tests pass a stub instead.
func nowMillis() int64 { return time.Now().UnixMilli() }

// Database is one opened document store: a SQLite file (or :memory:), the
// CDC engine and event bus layered over it, and the memoized set of
// collection handles opened against it.
type Database struct {
	opts config.Options
	path string

	gw        *sqlgateway.Gateway
	schema    *indexschema.Manager
	engineCDC *cdc.Engine
	bus       *eventbus.Bus

	mu          sync.Mutex
	collections map[string]*Collection
}

// Connect opens (or returns the memoized handle to) the database named
// opts.Name at path. Concurrent first-time Connect calls for the same
// name are deduplicated via singleflight so only one of them actually
// opens the file.
func Connect(ctx context.Context, path string, opts config.Options) (*Database, error) {
	opts = opts.WithDefaults()

	connMu.Lock()
	if db, ok := databases[opts.Name]; ok {
		connMu.Unlock()
		return db, nil
	}
	connMu.Unlock()

	v, err, _ := connFlt.Do(opts.Name, func() (any, error) {
		connMu.Lock()
		if db, ok := databases[opts.Name]; ok {
			connMu.Unlock()
			return db, nil
		}
		connMu.Unlock()

		db, err := open(ctx, path, opts)
		if err != nil {
			return nil, err
		}

		connMu.Lock()
		databases[opts.Name] = db
		connMu.Unlock()
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Database), nil
}

func open(ctx context.Context, path string, opts config.Options) (*Database, error) {
	gw, err := sqlgateway.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("docdb: open %s: %w", opts.Name, err)
	}
	db := &Database{
		opts:        opts,
		path:        path,
		gw:          gw,
		schema:      indexschema.New(gw),
		engineCDC:   cdc.New(gw, nowMillis),
		bus:         eventbus.New(),
		collections: make(map[string]*Collection),
	}

	if opts.ConfigPath != "" {
		if err := db.preDeclareCollections(ctx, opts.ConfigPath); err != nil {
			gw.Close()
			return nil, fmt.Errorf("docdb: open %s: %w", opts.Name, err)
		}
	}
	return db, nil
}

// preDeclareCollections loads the sidecar YAML config at path (if any) and
// reconciles every listed collection's schema immediately, so a database
// opened against a config file has its declared collections and index
// columns materialized before any caller touches Collection.
func (d *Database) preDeclareCollections(ctx context.Context, path string) error {
	file, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, spec := range file.Collections {
		indices, err := spec.Indices()
		if err != nil {
			return err
		}
		if _, err := d.Collection(ctx, spec.Name, indices); err != nil {
			return fmt.Errorf("pre-declare collection %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Name returns the database's memoization key.
func (d *Database) Name() string { return d.opts.Name }

// Collection is a memoized document-store collection plus the event-bus
// publishing and CDC registration glue §4.D/G/F compose around it.
type Collection struct {
	name  string
	store *docstore.Collection
	db    *Database
}

// Collection opens (or returns the memoized handle to) a collection,
// reconciling its schema with indices per §4.B when the name is first
// opened; it never drops a column. Once a name is memoized, later calls
// return that handle as it is: their indices are not applied.
func (d *Database) Collection(ctx context.Context, name string, indices []Index) (*Collection, error) {
	d.mu.Lock()
	if c, ok := d.collections[name]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	if err := d.schema.EnsureCollection(ctx, name, indices); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[name]; ok {
		return c, nil
	}
	c := &Collection{
		name:  name,
		store: docstore.New(d.gw, name, indices, nowMillis),
		db:    d,
	}
	d.collections[name] = c
	return c, nil
}

// Name returns the collection's table name.
func (c *Collection) Name() string { return c.name }

// Save upserts doc and publishes it on the Light Event Bus after the SQL
// write commits, matching §4.G: "Emitted synchronously from save/delete."
// Whether the publish is tagged Insert or Update is determined by whether
// the id already existed before this call.
func (c *Collection) Save(ctx context.Context, doc Doc) (Doc, error) {
	id, _ := doc["id"].(string)
	existed := false
	if id != "" {
		_, ok, err := c.store.DateSaved(ctx, id)
		if err != nil {
			return nil, err
		}
		existed = ok
	}

	saved, err := c.store.Save(ctx, doc)
	if err != nil {
		return nil, err
	}

	mutationType := eventbus.Insert
	if existed {
		mutationType = eventbus.Update
	}
	c.db.bus.Publish(eventbus.Event{
		Collection: c.name,
		ID:         saved["id"].(string),
		Type:       mutationType,
		DateMillis: toInt64(saved["saved"]),
		Data:       saved,
	})
	return saved, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Get returns the document with id, or nil if it does not exist.
func (c *Collection) Get(ctx context.Context, id string) (Doc, error) { return c.store.Get(ctx, id) }

// All returns every document in the collection.
func (c *Collection) All(ctx context.Context) ([]Doc, error) { return c.store.All(ctx) }

// Find returns every document matching q.
func (c *Collection) Find(ctx context.Context, q Query) ([]Doc, error) { return c.store.Find(ctx, q) }

// FindOne returns the first document matching q, cleaning up duplicates.
func (c *Collection) FindOne(ctx context.Context, q Query) (Doc, error) { return c.store.FindOne(ctx, q) }

// Delete removes the document with id, publishing a delete event.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.db.bus.Publish(eventbus.Event{Collection: c.name, ID: id, Type: eventbus.Delete, DateMillis: nowMillis()})
	return nil
}

// DeleteOne deletes every document matching the equality-only query q.
func (c *Collection) DeleteOne(ctx context.Context, q Query) error { return c.store.DeleteOne(ctx, q) }

// Wipe deletes every document but keeps the table.
func (c *Collection) Wipe(ctx context.Context) error { return c.store.Wipe(ctx) }

// Drop removes the collection's table entirely.
func (c *Collection) Drop(ctx context.Context) error {
	d := c.db
	d.mu.Lock()
	delete(d.collections, c.name)
	d.mu.Unlock()
	return c.store.Drop(ctx)
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int64, error) { return c.store.Count(ctx) }

// Describe returns the collection's column info.
func (c *Collection) Describe(ctx context.Context) ([]sqlgateway.Row, error) {
	return c.store.Describe(ctx)
}

// Explain returns the SQLite query plan for q, for diagnosing whether a
// find/findOne call will use an index.
func (c *Collection) Explain(ctx context.Context, q Query) ([]sqlgateway.Row, error) {
	return c.store.Explain(ctx, q)
}

// Update applies patch to the document at id, failing with
// docstore.ErrNotFound if it does not exist.
func (c *Collection) Update(ctx context.Context, id string, patch Doc) (Doc, error) {
	updated, err := c.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.db.bus.Publish(eventbus.Event{
		Collection: c.name,
		ID:         id,
		Type:       eventbus.Update,
		DateMillis: toInt64(updated["saved"]),
		Data:       updated,
	})
	return updated, nil
}

// DateSaved returns the stored write timestamp for id.
func (c *Collection) DateSaved(ctx context.Context, id string) (int64, bool, error) {
	return c.store.DateSaved(ctx, id)
}

// Transaction returns a Batcher scoped to this collection.
func (c *Collection) Transaction() *Batcher {
	return &Batcher{b: c.store.Transaction(), c: c}
}

// Add queues doc for the next Execute/ExecuteBatch flush, composed by the
// same upsert logic Save uses.
func (b *Batcher) Add(doc Doc) (Doc, error) {
	return b.c.store.QueueSave(b.b, doc)
}

// Execute flushes every queued write inside one SQL transaction, clearing
// the queue on commit and leaving it intact on failure. It returns the
// number of documents committed.
func (b *Batcher) Execute(ctx context.Context) (int, error) {
	return b.b.Execute(ctx)
}

// ExecuteBatch drives items through fn (which should call b.Add), flushing
// every batchSize items and once more at the end. It returns the total
// number of documents committed.
func ExecuteBatch[T any](ctx context.Context, b *Batcher, items []T, fn func(item T) error, batchSize int) (int, error) {
	return txbatch.ExecuteBatch(ctx, b.b, items, fn, batchSize)
}

// Subscribe registers a durable CDC subscription against this collection,
// per §4.E/F. The returned function unsubscribes and deletes the
// subscription's cursor row.
func (c *Collection) Subscribe(ctx context.Context, on MutationType, sub Subscriber) (func() error, error) {
	return c.db.engineCDC.Register(ctx, cdc.Trigger{Collection: c.name, On: on, Callback: sub})
}

// SubscribeLight registers a non-durable Light Event Bus subscription
// (§4.G): synchronous, in-process, no cursor, no replay.
func (c *Collection) SubscribeLight(on MutationType, sub eventbus.Subscriber) (unsubscribe func()) {
	return c.db.bus.Subscribe(c.name, eventbus.MutationType(on), sub)
}

// Batcher composes docstore's Save upsert logic with txbatch's deferred
// SQL transaction, exposing §4.H's add/execute/executeBatch contract
// scoped to one collection.
type Batcher struct {
	b *txbatch.Batcher
	c *Collection
}

// Reset implements §4.F's reset(): it stops the CDC engine's runners,
// drops every memoized collection's table plus the internal _events and
// _cursors tables, and clears every memoized handle so subsequent use
// re-creates declared schemas from scratch.
func (d *Database) Reset(ctx context.Context) error {
	if err := d.engineCDC.Reset(); err != nil {
		return fmt.Errorf("docdb: reset %s: stop engine: %w", d.opts.Name, err)
	}

	d.mu.Lock()
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	d.collections = make(map[string]*Collection)
	d.mu.Unlock()

	for _, name := range names {
		if err := d.gw.Run(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("docdb: reset %s: drop %s: %w", d.opts.Name, name, err)
		}
	}
	if err := d.gw.Run(ctx, `DROP TABLE IF EXISTS _events`); err != nil {
		return fmt.Errorf("docdb: reset %s: drop _events: %w", d.opts.Name, err)
	}
	if err := d.gw.Run(ctx, `DROP TABLE IF EXISTS _cursors`); err != nil {
		return fmt.Errorf("docdb: reset %s: drop _cursors: %w", d.opts.Name, err)
	}
	return nil
}

// Close stops the CDC engine and releases the underlying connection, and
// clears this database from the process-wide memoization table.
func (d *Database) Close() error {
	connMu.Lock()
	delete(databases, d.opts.Name)
	connMu.Unlock()

	stopErr := d.engineCDC.Stop()
	closeErr := d.gw.Close()
	if closeErr != nil {
		return fmt.Errorf("docdb: close %s: %w", d.opts.Name, closeErr)
	}
	return stopErr
}
