// Package store provides the durable key-value storage backing the task
// queue. Values are opaque serialized task records; durability is
// established by Sync (or by the backend's commit semantics).
package store

import "context"

// Logical table names.
const (
	// TableActive holds every non-dead task keyed by task id.
	TableActive = "tasks_active"
	// TableDead holds dead-lettered tasks so the active set stays compact.
	TableDead = "tasks_dead"
)

// Store defines the durable storage operations used by the task queue.
// Writes to a single key are atomic; Sync establishes durability for all
// writes issued before it.
type Store interface {
	// Put writes value under key in the given table, replacing any
	// previous value.
	Put(ctx context.Context, table, key string, value []byte) error

	// Get returns the value stored under key, or a not found error.
	Get(ctx context.Context, table, key string) ([]byte, error)

	// Delete removes key from the table. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, table, key string) error

	// Sync flushes pending writes for the table to durable media. Backends
	// whose writes are durable at commit time may implement this as a
	// no-op.
	Sync(ctx context.Context, table string) error

	// Fold iterates every key/value pair in the table. Iteration stops and
	// returns the first error fn reports.
	Fold(ctx context.Context, table string, fn func(key string, value []byte) error) error

	// Close releases the backing resources, including the single-instance
	// lock.
	Close() error
}

// validTables guards against table names reaching SQL identifiers.
var validTables = map[string]bool{
	TableActive: true,
	TableDead:   true,
}
