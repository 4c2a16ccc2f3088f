package changelog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("changelog: closed")
	// ErrCorrupted signals a checksum failure inside retained history
	ErrCorrupted = errors.New("changelog: corrupted record")
)

// Record is one table mutation in a partition's changelog. A nil Value is a
// tombstone and must be applied as a removal; a zero-length Value is a real
// value.
type Record struct {
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Tombstone reports whether the record deletes its key
func (r Record) Tombstone() bool {
	return r.Value == nil
}

// Log is a per-partition, append-only ordered log: the write-ahead record of
// all table mutations for one changelog topic. Within one partition, offsets
// are strictly increasing and gap-free from the single writer's perspective;
// no ordering exists across partitions.
type Log interface {
	// Append durably acknowledges the record and returns its offset. A
	// table mutation must not be applied to the local store as final until
	// its append has returned.
	Append(ctx context.Context, partition int32, rec Record) (int64, error)

	// Read returns up to max records starting at offset from. An empty
	// result means the reader is caught up at this moment.
	Read(ctx context.Context, partition int32, from int64, max int) ([]Record, error)

	// HighWaterMark returns the next offset that will be assigned.
	HighWaterMark(partition int32) (int64, error)

	// EarliestOffset returns the first retained offset.
	EarliestOffset(partition int32) (int64, error)

	Close() error
}

// Factory builds the log for one changelog topic
type Factory func(topic string) (Log, error)
