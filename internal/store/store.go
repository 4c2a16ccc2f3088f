package store

import "errors"

// ErrKeyNotFound is returned by Get when the key is absent. The table layer
// maps it to a coded engine error (or a default value) before it reaches the
// application.
var ErrKeyNotFound = errors.New("store: key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store: closed")

// Iterator is a finite, restartable cursor over key/value pairs. Key and
// Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Store is a partition-scoped local key/value store. Mutations are buffered
// and become durable at Flush boundaries; all mutations are idempotent under
// replay. A store handle is exclusively owned by one partition worker.
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Scan(prefix []byte) (Iterator, error)

	// Flush applies the buffered batch. After Flush returns, the batched
	// writes and the checkpoint recorded with them survive a crash.
	Flush() error

	// SetCheckpoint records the highest applied changelog offset. It joins
	// the current batch so the checkpoint is atomic with the data it covers.
	SetCheckpoint(offset int64)

	// Checkpoint returns the last flushed changelog offset, -1 if none.
	Checkpoint() int64

	// Pending returns the number of buffered, unflushed mutations.
	Pending() int

	Close() error
}
