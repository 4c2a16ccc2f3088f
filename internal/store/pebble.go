package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Key namespaces inside one pebble instance. Data and engine metadata share
// the store so a flush covers both atomically.
var (
	dataPrefix    = byte('d')
	metaPrefix    = byte('m')
	checkpointKey = []byte{metaPrefix, 'c', 'k'}
)

// Options configures a partition store
type Options struct {
	// Dir is the pebble directory for this (table, partition)
	Dir string
	// SyncOnFlush makes Flush fsync through pebble
	SyncOnFlush bool
	Logger      *zap.Logger
}

type overlayEntry struct {
	value     []byte
	tombstone bool
}

// PebbleStore implements Store on a pebble instance. Buffered mutations live
// in a pebble batch plus an overlay map that serves reads of unflushed keys,
// the same read-through-the-memtable discipline the underlying LSM uses.
type PebbleStore struct {
	mu         sync.Mutex
	db         *pebble.DB
	batch      *pebble.Batch
	overlay    map[string]overlayEntry
	checkpoint int64
	dirty      bool
	sync       bool
	pending    int
	logger     *zap.Logger
	closed     bool
}

// Open opens (creating if needed) the store for one partition. An open
// failure is fatal for the partition's assignment, never for the process;
// callers surface it upward as a failed partition.
func Open(opts Options) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store at %s: %w", opts.Dir, err)
	}

	s := &PebbleStore{
		db:         db,
		batch:      db.NewBatch(),
		overlay:    make(map[string]overlayEntry),
		checkpoint: -1,
		sync:       opts.SyncOnFlush,
		logger:     opts.Logger,
	}

	if err := s.loadCheckpoint(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PebbleStore) loadCheckpoint() error {
	val, closer, err := s.db.Get(checkpointKey)
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return fmt.Errorf("corrupt checkpoint record: %d bytes", len(val))
	}
	s.checkpoint = int64(binary.BigEndian.Uint64(val))
	return nil
}

func dataKey(key []byte) []byte {
	dk := make([]byte, 0, len(key)+1)
	dk = append(dk, dataPrefix)
	return append(dk, key...)
}

// upperBound returns the smallest key greater than every key with the given
// prefix inside the data namespace
func upperBound(prefix []byte) []byte {
	ub := dataKey(prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] != 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return []byte{dataPrefix + 1}
}

func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if e, ok := s.overlay[string(key)]; ok {
		if e.tombstone {
			return nil, ErrKeyNotFound
		}
		out := make([]byte, len(e.value))
		copy(out, e.value)
		return out, nil
	}

	val, closer, err := s.db.Get(dataKey(key))
	if err == pebble.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *PebbleStore) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.batch.Set(dataKey(key), value, nil); err != nil {
		return fmt.Errorf("store set: %w", err)
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.overlay[string(key)] = overlayEntry{value: v}
	s.pending++
	s.dirty = true
	return nil
}

func (s *PebbleStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.batch.Delete(dataKey(key), nil); err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	s.overlay[string(key)] = overlayEntry{tombstone: true}
	s.pending++
	s.dirty = true
	return nil
}

func (s *PebbleStore) SetCheckpoint(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(offset))
	_ = s.batch.Set(checkpointKey, buf, nil)
	s.checkpoint = offset
	s.dirty = true
}

func (s *PebbleStore) Checkpoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

func (s *PebbleStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *PebbleStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *PebbleStore) flushLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.dirty {
		return nil
	}

	opts := pebble.NoSync
	if s.sync {
		opts = pebble.Sync
	}
	if err := s.db.Apply(s.batch, opts); err != nil {
		return fmt.Errorf("store flush: %w", err)
	}
	_ = s.batch.Close()
	s.batch = s.db.NewBatch()
	s.overlay = make(map[string]overlayEntry)
	s.pending = 0
	s.dirty = false
	return nil
}

// Scan flushes buffered writes and returns a snapshot-backed iterator over
// all keys with the given prefix. Each call is an independent, restartable
// cursor.
func (s *PebbleStore) Scan(prefix []byte) (Iterator, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snap := s.db.NewSnapshot()
	s.mu.Unlock()

	lower := dataKey(prefix)
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		_ = snap.Close()
		return nil, fmt.Errorf("store scan: %w", err)
	}

	return &pebbleIterator{iter: iter, snap: snap, first: true}, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		s.logger.Warn("Flush on close failed", zap.Error(err))
	}
	s.closed = true
	_ = s.batch.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	return nil
}

type pebbleIterator struct {
	iter  *pebble.Iterator
	snap  *pebble.Snapshot
	first bool
	key   []byte
	value []byte
	err   error
}

func (it *pebbleIterator) Next() bool {
	var valid bool
	if it.first {
		valid = it.iter.First()
		it.first = false
	} else {
		valid = it.iter.Next()
	}
	if !valid {
		it.err = it.iter.Error()
		return false
	}
	// copy out: pebble reuses its buffers on the next positioning call, and
	// callers hold entries across Next. The data namespace byte is stripped.
	it.key = append([]byte(nil), it.iter.Key()[1:]...)
	it.value = append([]byte(nil), it.iter.Value()...)
	return true
}

func (it *pebbleIterator) Key() []byte   { return it.key }
func (it *pebbleIterator) Value() []byte { return it.value }
func (it *pebbleIterator) Err() error    { return it.err }

func (it *pebbleIterator) Close() error {
	err := it.iter.Close()
	if serr := it.snap.Close(); err == nil {
		err = serr
	}
	return err
}
