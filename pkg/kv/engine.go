package kv

import "context"

// Engine is the ordered key-value abstraction assumed by the rest of the
// database core. A single Engine instance is shared by every database
// hosted in the same storage directory.
type Engine interface {
	// Update opens a read-write transaction over the named trees and calls
	// fn. If fn returns a non-nil error, every write made through the
	// passed Txn is rolled back and Update returns that same error so the
	// caller can recover a typed abort value with errors.As. Trees named
	// here that do not yet exist are created.
	Update(ctx context.Context, trees []string, fn func(Txn) error) error

	// View opens a read-only transaction over the named trees and calls
	// fn. Readers never observe the partial effects of a concurrent,
	// not-yet-committed Update.
	View(ctx context.Context, trees []string, fn func(Txn) error) error

	// Close releases all resources held by the engine.
	Close() error
}

// Txn scopes a set of named trees opened together by Update or View.
type Txn interface {
	// Tree returns the TreeTxn for name, which must have been included in
	// the trees slice passed to Update/View that produced this Txn.
	Tree(name string) (TreeTxn, error)
}

// TreeTxn is a single named tree's view within a transaction.
type TreeTxn interface {
	// Get returns the value stored at key, or ok=false if key is absent.
	Get(key []byte) (value []byte, ok bool, err error)

	// Put inserts or overwrites the value stored at key.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// NextID returns the next value of this tree's monotonic id sequence.
	// The sequence is gap-free and persists across opens.
	NextID() (uint64, error)

	// ForEach visits every entry in ascending key order. Returning an
	// error from fn stops iteration and is propagated to the caller.
	ForEach(fn func(key, value []byte) error) error

	// Range visits entries in ascending key order with start <= key < end.
	// A nil end means "no upper bound".
	Range(start, end []byte, fn func(key, value []byte) error) error
}
