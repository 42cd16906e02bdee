// Package txbatch is the Transaction Batcher of §4.H: it accumulates
// deferred writes and flushes them inside a single SQL transaction, so a
// bulk import doesn't pay one commit per document.
package txbatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/beads-labs/docdb/internal/sqlgateway"
)

type statement struct {
	sql  string
	args []any
}

// Batcher queues statements and flushes them as one transaction on
// Execute. It is safe for concurrent Add calls; Execute is not meant to run
// concurrently with itself.
type Batcher struct {
	gw *sqlgateway.Gateway

	mu    sync.Mutex
	queue []statement
}

// New returns a Batcher that flushes through gw.
func New(gw *sqlgateway.Gateway) *Batcher {
	return &Batcher{gw: gw}
}

// Add queues one SQL statement for the next Execute.
func (b *Batcher) Add(sql string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, statement{sql: sql, args: args})
}

// Len reports how many statements are currently queued.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Execute opens one SQL transaction, issues every queued statement in
// order, and clears the queue on commit. On failure the transaction is
// rolled back and the queue is left intact, so the caller can inspect or
// retry it — §4.H: "Failure mid-batch aborts the SQL transaction and
// leaves the queue intact."
func (b *Batcher) Execute(ctx context.Context) (int, error) {
	b.mu.Lock()
	pending := b.queue
	b.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	err := b.gw.Transaction(ctx, func(ctx context.Context, tx *sqlgateway.Tx) error {
		for i, stmt := range pending {
			if err := tx.Run(ctx, stmt.sql, stmt.args...); err != nil {
				return fmt.Errorf("txbatch: statement %d/%d: %w", i+1, len(pending), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.queue = b.queue[len(pending):]
	b.mu.Unlock()
	return len(pending), nil
}

// ExecuteBatch drives items through fn (which may call b.Add any number of
// times per item), flushing with Execute whenever the queue reaches
// batchSize and once more after the final item. It returns the total
// number of queued statements committed across every flush (one per item
// when fn calls Add once per item). If fn or a flush fails,
// ExecuteBatch stops and returns the count committed so far alongside the
// error; the queue for the failing flush is left intact per Execute's
// contract.
func ExecuteBatch[T any](ctx context.Context, b *Batcher, items []T, fn func(item T) error, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	total := 0
	for _, item := range items {
		if err := fn(item); err != nil {
			return total, fmt.Errorf("txbatch: executeBatch: %w", err)
		}
		if b.Len() >= batchSize {
			n, err := b.Execute(ctx)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	n, err := b.Execute(ctx)
	total += n
	if err != nil {
		return total, err
	}
	return total, nil
}
