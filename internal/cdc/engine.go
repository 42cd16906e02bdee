// Package cdc is the CDC Engine of §4.F: it owns the _events and _cursors
// tables, the trigger installations backing them, and one Collection
// Runner per subscribed collection. Each runner polls _events beyond its
// subscriptions' durable cursors, dispatches matching events in date
// order, and persists cursor progress so a subscriber resumes exactly
// where it left off across restarts.
package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/beads-labs/docdb/internal/cdctrigger"
	"github.com/beads-labs/docdb/internal/idgen"
	"github.com/beads-labs/docdb/internal/sqlgateway"
)

// MutationType aliases the Trigger Installer's event-kind vocabulary so
// callers registering a subscription and callers installing a trigger
// speak the same type.
type MutationType = cdctrigger.MutationType

const (
	Insert = cdctrigger.Insert
	Update = cdctrigger.Update
	Write  = cdctrigger.Write
	Delete = cdctrigger.Delete
)

// Event is one delivered change, JSON-decoded from its _events row.
type Event struct {
	Collection string
	ID         string
	Type       MutationType
	Date       int64
	Before     map[string]any
	After      map[string]any
}

// Subscriber is notified of matching events. An error return is a
// CallbackError (§7): the engine logs it, backs off, and redelivers the
// same event next iteration without advancing that subscription's cursor.
type Subscriber interface {
	Notify(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(ctx context.Context, event Event) error

func (f SubscriberFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Trigger describes what a subscription wants to hear about.
type Trigger struct {
	Collection string
	On         MutationType
	Callback   Subscriber
}

// registration is one active subscription inside a runner.
type registration struct {
	id      string
	trigger Trigger
	cursor  int64
}

// Engine coordinates every collection's runner.
type Engine struct {
	gw        *sqlgateway.Gateway
	installer *cdctrigger.Installer
	now       func() int64

	mu      sync.Mutex
	runners map[string]*runner
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns an Engine backed by gw. now supplies the engine's clock in
// epoch milliseconds (production: time.Now; tests: a stub).
func New(gw *sqlgateway.Gateway, now func() int64) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		gw:        gw,
		installer: cdctrigger.New(gw),
		now:       now,
		runners:   make(map[string]*runner),
		group:     &errgroup.Group{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (e *Engine) ensureTables(ctx context.Context) error {
	if err := e.installer.EnsureEventsTable(ctx); err != nil {
		return err
	}
	if err := e.gw.Run(ctx, `CREATE TABLE IF NOT EXISTS _cursors (name VARCHAR(32) PRIMARY KEY, date INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("cdc: create _cursors: %w", err)
	}
	return nil
}

// Register implements §4.F's register(trigger): it ensures the supporting
// tables and trigger exist, mints a subscription id with a cursor set to
// now (so the subscription never replays history it predates), persists
// that cursor, and attaches the registration to the collection's runner
// (starting it if this is the first subscription on that collection).
// Errors here propagate to the caller per §7, since the subscription never
// took effect.
func (e *Engine) Register(ctx context.Context, trigger Trigger) (func() error, error) {
	if err := e.ensureTables(ctx); err != nil {
		return nil, err
	}
	if err := e.installer.Ensure(ctx, trigger.Collection, trigger.On); err != nil {
		return nil, err
	}

	subID := idgen.SubscriptionID()
	cursor := e.now()
	if err := e.gw.Run(ctx, `INSERT INTO _cursors (name, date) VALUES (?, ?)`, subID, cursor); err != nil {
		return nil, fmt.Errorf("cdc: register %s: %w", subID, err)
	}

	reg := &registration{id: subID, trigger: trigger, cursor: cursor}

	e.mu.Lock()
	r, ok := e.runners[trigger.Collection]
	if !ok {
		r = newRunner(trigger.Collection, e.gw)
		e.runners[trigger.Collection] = r
	}
	r.addRegistration(reg)
	if !ok {
		e.group.Go(func() error {
			r.loop(e.ctx)
			return nil
		})
	}
	e.mu.Unlock()

	unsubscribe := func() error {
		e.mu.Lock()
		r.removeRegistration(subID)
		if _, _, active := r.snapshot(); !active && e.runners[trigger.Collection] == r {
			// The loop exits once it sees no subscriptions, so the next
			// Register on this collection has to start a new runner.
			delete(e.runners, trigger.Collection)
		}
		e.mu.Unlock()
		if err := e.gw.Run(context.Background(), `DELETE FROM _cursors WHERE name = ?`, subID); err != nil {
			return fmt.Errorf("cdc: unsubscribe %s: %w", subID, err)
		}
		return nil
	}
	return unsubscribe, nil
}

// Stop signals every runner to exit at its next iteration boundary and
// waits for them to do so.
func (e *Engine) Stop() error {
	e.cancel()
	return e.group.Wait()
}

// Reset stops every runner and clears in-memory state (§4.F: "reset()
// stops all runners, clears in-memory state, and leaves table teardown to
// the document store's reset"). Table teardown is the caller's
// responsibility — typically the root database's Reset, which DROPs
// _events and _cursors after calling this.
func (e *Engine) Reset() error {
	err := e.Stop()

	e.mu.Lock()
	e.runners = make(map[string]*runner)
	ctx, cancel := context.WithCancel(context.Background())
	e.ctx, e.cancel = ctx, cancel
	e.group = &errgroup.Group{}
	e.mu.Unlock()

	return err
}

// runner polls one collection's _events rows on behalf of every
// subscription registered against it.
type runner struct {
	collection string
	gw         *sqlgateway.Gateway

	mu         sync.Mutex
	subs       map[string]*registration
	emptyCount int
}

func newRunner(collection string, gw *sqlgateway.Gateway) *runner {
	return &runner{collection: collection, gw: gw, subs: make(map[string]*registration)}
}

func (r *runner) addRegistration(reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[reg.id] = reg
}

func (r *runner) removeRegistration(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

func (r *runner) snapshot() ([]*registration, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 {
		return nil, 0, false
	}
	regs := make([]*registration, 0, len(r.subs))
	earliest := int64(-1)
	for _, reg := range r.subs {
		regs = append(regs, reg)
		if earliest == -1 || reg.cursor < earliest {
			earliest = reg.cursor
		}
	}
	return regs, earliest, true
}

// loop implements §4.F's runner loop. It returns when ctx is cancelled or
// the subscription set becomes empty.
func (r *runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		regs, earliest, ok := r.snapshot()
		if !ok {
			return
		}

		peek, err := r.gw.Get(ctx,
			`SELECT date FROM _events WHERE col = ? AND date > ? ORDER BY date ASC LIMIT 1`,
			r.collection, earliest)
		if err != nil {
			log.Printf("cdc: %s: peek failed, backing off: %v", r.collection, err)
			if !sleepOrDone(ctx, errorBackoff.NextBackOff()) {
				return
			}
			continue
		}
		if peek == nil {
			r.emptyCount++
			if !sleepOrDone(ctx, idleBackoff(r.emptyCount)) {
				return
			}
			continue
		}
		r.emptyCount = 0

		rows, err := r.gw.Query(ctx,
			`SELECT id, type, date, before, after FROM _events WHERE col = ? AND date = ? ORDER BY rowid ASC`,
			r.collection, toInt64(peek["date"]))
		if err != nil {
			log.Printf("cdc: %s: batch query failed, backing off: %v", r.collection, err)
			if !sleepOrDone(ctx, errorBackoff.NextBackOff()) {
				return
			}
			continue
		}

		batch, err := inflateBatch(r.collection, rows)
		if err != nil {
			log.Printf("cdc: %s: inflate failed, backing off: %v", r.collection, err)
			if !sleepOrDone(ctx, errorBackoff.NextBackOff()) {
				return
			}
			continue
		}
		batch = dedupeByID(batch)

		if !r.dispatch(ctx, regs, batch) {
			return
		}
	}
}

// dispatch delivers batch to every matching, not-yet-caught-up
// registration, in event order. It returns false if ctx was cancelled
// mid-dispatch.
func (r *runner) dispatch(ctx context.Context, regs []*registration, batch []Event) bool {
	for _, event := range batch {
		for _, reg := range regs {
			if reg.cursor >= event.Date {
				continue
			}
			if !matches(reg.trigger.On, event.Type) {
				continue
			}
			if err := reg.trigger.Callback.Notify(ctx, event); err != nil {
				log.Printf("cdc: %s: subscriber %s callback error, backing off: %v", r.collection, reg.id, err)
				if !sleepOrDone(ctx, errorBackoff.NextBackOff()) {
					return false
				}
				// Leave reg.cursor untouched; the event is redelivered
				// on the next outer iteration.
				return true
			}
			reg.cursor = event.Date
			if err := r.gw.Run(ctx, `UPDATE _cursors SET date = ? WHERE name = ?`, event.Date, reg.id); err != nil {
				log.Printf("cdc: %s: persist cursor for %s failed: %v", r.collection, reg.id, err)
			}
		}
	}
	return true
}

// matches implements §4.F step 5's dispatch predicate.
func matches(on, eventType MutationType) bool {
	if on == eventType {
		return true
	}
	return on == Write && (eventType == Insert || eventType == Update)
}

// dedupeByID keeps the first occurrence of each document id in batch —
// §4.F: "deduplicated by id... only one is delivered (the first after
// dedup)".
func dedupeByID(batch []Event) []Event {
	seen := make(map[string]bool, len(batch))
	out := make([]Event, 0, len(batch))
	for _, e := range batch {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

func inflateBatch(collection string, rows []sqlgateway.Row) ([]Event, error) {
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		before, err := decodeJSONColumn(row["before"])
		if err != nil {
			return nil, fmt.Errorf("cdc: decode before: %w", err)
		}
		after, err := decodeJSONColumn(row["after"])
		if err != nil {
			return nil, fmt.Errorf("cdc: decode after: %w", err)
		}
		id, _ := row["id"].(string)
		out = append(out, Event{
			Collection: collection,
			ID:         id,
			Type:       MutationType(fmt.Sprint(row["type"])),
			Date:       toInt64(row["date"]),
			Before:     before,
			After:      after,
		})
	}
	return out, nil
}

func decodeJSONColumn(v any) (map[string]any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
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

// idleBackoff implements §4.F's idle-poll schedule: 250ms for the first
// <=10 empty polls, 1000ms through 60, 2000ms thereafter. It is expressed
// as a cenkalti/backoff ConstantBackOff per stage rather than a bare
// duration so the schedule composes with the same BackOff interface the
// callback-error path (errorBackoff) uses.
func idleBackoff(emptyCount int) time.Duration {
	var stage backoff.BackOff
	switch {
	case emptyCount <= 10:
		stage = backoff.NewConstantBackOff(250 * time.Millisecond)
	case emptyCount <= 60:
		stage = backoff.NewConstantBackOff(1000 * time.Millisecond)
	default:
		stage = backoff.NewConstantBackOff(2000 * time.Millisecond)
	}
	return stage.NextBackOff()
}

// errorBackoff is the fixed 10s pause §4.F prescribes after a transient
// SQL error or a subscriber callback error.
var errorBackoff = backoff.NewConstantBackOff(10 * time.Second)

// sleepOrDone sleeps for d, returning false early if ctx is cancelled
// first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
