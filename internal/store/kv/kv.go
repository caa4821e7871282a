// Package kv defines the pluggable transactional key/value interface called
// for by spec.md §9 Design Notes ("Transactions: re-architect as a
// pluggable KV interface supporting begin_write, put, delete, get,
// match_prefix, commit"). It backs both the durable QueueEntry table
// (spec.md §4.D) and the disk-resident MsgLoc backend (spec.md §4.B).
package kv

import "errors"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is a crash-safe, transactional key/value table, named in
// spec.md §6 as "whatever crash-safe embedded table the host runtime
// provides", here implemented concretely rather than treated as a black box.
type Store interface {
	// Get reads a single key within its own implicit read transaction.
	Get(bucket, key []byte) (value []byte, err error)
	// Fold invokes fn for every key/value pair in bucket, in key order. If fn
	// returns false, iteration stops early. Fold runs within its own
	// implicit read transaction (spec.md §6: "fold").
	Fold(bucket []byte, fn func(key, value []byte) bool) error
	// MatchPrefix invokes fn for every key/value pair in bucket whose key has
	// the given prefix, in key order (spec.md §6: "match_object").
	MatchPrefix(bucket, prefix []byte, fn func(key, value []byte) bool) error
	// Update runs fn within a single read/write transaction; all of fn's
	// writes commit atomically together, or none do if fn returns an error
	// (spec.md §9: "begin_write ... commit", and §4.F's requirement that
	// tx_commit, purge and requeue be atomic across multiple rows).
	Update(fn func(Tx) error) error
	// Close releases the Store's resources.
	Close() error
}

// Tx is a single read/write transaction against a Store.
type Tx interface {
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	Get(bucket, key []byte) ([]byte, error)
	MatchPrefix(bucket, prefix []byte, fn func(key, value []byte) bool) error
	// CreateBucketIfNotExists ensures |bucket| exists, for first-use
	// initialization of a table.
	CreateBucketIfNotExists(bucket []byte) error
}
