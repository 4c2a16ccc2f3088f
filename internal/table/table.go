package table

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/streamhaus/tabled/internal/changelog"
	"github.com/streamhaus/tabled/internal/codec"
	ierrors "github.com/streamhaus/tabled/internal/errors"
	"github.com/streamhaus/tabled/internal/metrics"
	"github.com/streamhaus/tabled/internal/store"
)

// TableConfig describes one partitioned table
type TableConfig struct {
	Name       string
	Partitions int32
	KeyCodec   codec.Codec
	ValueCodec codec.Codec

	// Default supplies a value for missing keys instead of signaling
	// absence
	Default func() interface{}

	// Window layers time-bucketed sub-keys on the table
	Window *WindowConfig
}

// Table is a named, partitioned key/value mapping. A Table instance holds
// only the partitions currently assigned to this node, as owner or standby;
// every mutation is appended to the table's changelog before the local
// store apply is considered final.
type Table struct {
	cfg     TableConfig
	engine  *Engine
	log     changelog.Log
	logger  *zap.Logger
	metrics *metrics.Metrics

	workers  *xsync.MapOf[int32, *partitionWorker]
	failures *xsync.MapOf[int32, time.Time]
}

// Name returns the table name
func (t *Table) Name() string {
	return t.cfg.Name
}

// Partitions returns the table's partition count
func (t *Table) Partitions() int32 {
	return t.cfg.Partitions
}

// ChangelogTopic returns the name of the table's changelog topic
func (t *Table) ChangelogTopic() string {
	return t.cfg.Name + "-changelog"
}

// State returns the lifecycle state of a partition on this node
func (t *Table) State(partition int32) PartitionState {
	w, ok := t.workers.Load(partition)
	if !ok {
		return Unassigned
	}
	return w.currentState()
}

func (t *Table) encodeKey(key interface{}) ([]byte, error) {
	kb, err := t.cfg.KeyCodec.Encode(key)
	if err != nil {
		return nil, ierrors.InvalidArgument("failed to encode key", err)
	}
	if len(kb) == 0 {
		return nil, ierrors.InvalidKey("empty key")
	}
	return kb, nil
}

// activeWorker returns the worker for a partition iff it can serve the read/
// write path right now; anything else fails immediately rather than blocking
// or returning stale data.
func (t *Table) activeWorker(partition int32) (*partitionWorker, error) {
	w, ok := t.workers.Load(partition)
	if !ok {
		return nil, ierrors.PartitionNotAssigned(t.cfg.Name, partition)
	}
	switch s := w.currentState(); s {
	case Active:
		return w, nil
	case Failed:
		return nil, ierrors.PartitionFailed(t.cfg.Name, partition, w.failure())
	default:
		return nil, ierrors.PartitionNotReady(t.cfg.Name, partition, s.String())
	}
}

// Get returns the decoded value for key, or the default-factory value when
// the key is absent
func (t *Table) Get(ctx context.Context, key interface{}) (interface{}, error) {
	if t.cfg.Window != nil {
		return nil, ierrors.InvalidArgument(fmt.Sprintf("table %q is windowed, use GetAt", t.cfg.Name), nil)
	}
	kb, err := t.encodeKey(key)
	if err != nil {
		return nil, err
	}
	return t.getStored(ctx, kb, kb)
}

func (t *Table) getStored(ctx context.Context, routeKey, storedKey []byte) (interface{}, error) {
	t.metrics.ReadsTotal.WithLabelValues(t.cfg.Name).Inc()

	w, err := t.activeWorker(PartitionFor(routeKey, t.cfg.Partitions))
	if err != nil {
		return nil, err
	}

	res, err := t.send(ctx, w, command{op: opGet, key: storedKey})
	if err != nil {
		return nil, err
	}
	if res.err == store.ErrKeyNotFound {
		if t.cfg.Default != nil {
			return t.cfg.Default(), nil
		}
		return nil, ierrors.KeyNotFound(t.cfg.Name, storedKey)
	}
	if res.err != nil {
		return nil, res.err
	}
	return t.cfg.ValueCodec.Decode(res.value)
}

// Set writes key to value through the changelog
func (t *Table) Set(ctx context.Context, key, value interface{}) error {
	if t.cfg.Window != nil {
		return ierrors.InvalidArgument(fmt.Sprintf("table %q is windowed, use SetAt", t.cfg.Name), nil)
	}
	kb, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := t.cfg.ValueCodec.Encode(value)
	if err != nil {
		return ierrors.InvalidArgument("failed to encode value", err)
	}
	if vb == nil {
		vb = []byte{}
	}
	return t.setStored(ctx, kb, kb, vb, time.Now(), -1)
}

func (t *Table) setStored(ctx context.Context, routeKey, storedKey, value []byte, eventTime time.Time, bucketStart int64) error {
	start := time.Now()
	t.metrics.WritesTotal.WithLabelValues(t.cfg.Name).Inc()

	w, err := t.activeWorker(PartitionFor(routeKey, t.cfg.Partitions))
	if err != nil {
		return err
	}

	res, err := t.send(ctx, w, command{
		op:          opSet,
		key:         storedKey,
		value:       value,
		eventTime:   eventTime,
		bucketStart: bucketStart,
	})
	if err != nil {
		return err
	}
	t.metrics.WriteDuration.Observe(time.Since(start).Seconds())
	return res.err
}

// Delete removes key through the changelog (a tombstone append)
func (t *Table) Delete(ctx context.Context, key interface{}) error {
	kb, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	t.metrics.DeletesTotal.WithLabelValues(t.cfg.Name).Inc()

	now := time.Now()
	storedKey := kb
	bucketStart := int64(-1)
	if t.cfg.Window != nil {
		// a windowed delete targets the bucket covering now
		bucketStart = t.cfg.Window.bucketFor(now)
		storedKey = windowKey(kb, bucketStart)
	}

	w, err := t.activeWorker(PartitionFor(kb, t.cfg.Partitions))
	if err != nil {
		return err
	}

	res, err := t.send(ctx, w, command{op: opDelete, key: storedKey, eventTime: now, bucketStart: bucketStart})
	if err != nil {
		return err
	}
	return res.err
}

// SetAt writes a value into every window bucket covering eventTime. Writes
// into already-expired buckets are dropped and counted, never resurrected.
func (t *Table) SetAt(ctx context.Context, key, value interface{}, eventTime time.Time) error {
	if t.cfg.Window == nil {
		return ierrors.NotWindowed(t.cfg.Name)
	}
	kb, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := t.cfg.ValueCodec.Encode(value)
	if err != nil {
		return ierrors.InvalidArgument("failed to encode value", err)
	}
	if vb == nil {
		vb = []byte{}
	}

	for _, bucket := range t.cfg.Window.bucketsFor(eventTime) {
		if err := t.setStored(ctx, kb, windowKey(kb, bucket), vb, eventTime, bucket); err != nil {
			return err
		}
	}
	return nil
}

// GetAt reads the bucket covering asOf (the most recent one for overlapping
// window types)
func (t *Table) GetAt(ctx context.Context, key interface{}, asOf time.Time) (interface{}, error) {
	if t.cfg.Window == nil {
		return nil, ierrors.NotWindowed(t.cfg.Name)
	}
	kb, err := t.encodeKey(key)
	if err != nil {
		return nil, err
	}
	return t.getStored(ctx, kb, windowKey(kb, t.cfg.Window.bucketFor(asOf)))
}

// AggregateRange folds the values of all buckets intersecting [from, to]
// through the window's reducer
func (t *Table) AggregateRange(ctx context.Context, key interface{}, from, to time.Time) (interface{}, error) {
	if t.cfg.Window == nil {
		return nil, ierrors.NotWindowed(t.cfg.Name)
	}
	kb, err := t.encodeKey(key)
	if err != nil {
		return nil, err
	}

	w, err := t.activeWorker(PartitionFor(kb, t.cfg.Partitions))
	if err != nil {
		return nil, err
	}

	var acc []byte
	found := false
	for _, bucket := range t.cfg.Window.bucketRange(from, to) {
		res, err := t.send(ctx, w, command{op: opGet, key: windowKey(kb, bucket)})
		if err != nil {
			return nil, err
		}
		if res.err == store.ErrKeyNotFound {
			continue
		}
		if res.err != nil {
			return nil, res.err
		}
		acc = t.cfg.Window.Reducer(acc, res.value)
		found = true
	}

	if !found {
		if t.cfg.Default != nil {
			return t.cfg.Default(), nil
		}
		return nil, ierrors.KeyNotFound(t.cfg.Name, kb)
	}
	return t.cfg.ValueCodec.Decode(acc)
}

// ApplyChange feeds one already-partitioned raw change event from the
// inbound stream into the table. A nil value is a tombstone.
func (t *Table) ApplyChange(ctx context.Context, partition int32, key, value []byte, eventTime time.Time) error {
	if len(key) == 0 {
		return ierrors.InvalidKey("empty key")
	}
	w, err := t.activeWorker(partition)
	if err != nil {
		return err
	}

	if value == nil {
		storedKey := key
		bucketStart := int64(-1)
		if t.cfg.Window != nil {
			// tombstones target the bucket covering the event time; stored
			// keys always carry the bucket suffix on windowed tables
			bucketStart = t.cfg.Window.bucketFor(eventTime)
			storedKey = windowKey(key, bucketStart)
		}
		res, err := t.send(ctx, w, command{op: opDelete, key: storedKey, eventTime: eventTime, bucketStart: bucketStart})
		if err != nil {
			return err
		}
		return res.err
	}

	if t.cfg.Window != nil {
		for _, bucket := range t.cfg.Window.bucketsFor(eventTime) {
			res, err := t.send(ctx, w, command{
				op:          opSet,
				key:         windowKey(key, bucket),
				value:       value,
				eventTime:   eventTime,
				bucketStart: bucket,
			})
			if err != nil {
				return err
			}
			if res.err != nil {
				return res.err
			}
		}
		return nil
	}

	res, err := t.send(ctx, w, command{op: opSet, key: key, value: value, eventTime: eventTime, bucketStart: -1})
	if err != nil {
		return err
	}
	return res.err
}

// send routes a command to a partition worker and waits for its response
func (t *Table) send(ctx context.Context, w *partitionWorker, cmd command) (cmdResult, error) {
	cmd.resp = make(chan cmdResult, 1)

	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	case <-w.ctx.Done():
		return cmdResult{}, ierrors.PartitionNotAssigned(t.cfg.Name, w.partition)
	}

	select {
	case res := <-cmd.resp:
		return res, nil
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	case <-w.done:
		// the worker drained its queue before exiting; one last look
		select {
		case res := <-cmd.resp:
			return res, nil
		default:
			return cmdResult{}, ierrors.PartitionNotAssigned(t.cfg.Name, w.partition)
		}
	}
}

// Item is one decoded table entry
type Item struct {
	Key   interface{}
	Value interface{}
	// BucketStart is set for windowed tables
	BucketStart time.Time
}

// Items returns a cursor over all entries of the partitions this node
// actively owns. Partitions still recovering fail the call immediately.
func (t *Table) Items(ctx context.Context) (*Items, error) {
	var iters []store.Iterator
	var failErr error

	for p := int32(0); p < t.cfg.Partitions; p++ {
		w, ok := t.workers.Load(p)
		if !ok {
			continue
		}
		switch s := w.currentState(); s {
		case Active:
			res, err := t.send(ctx, w, command{op: opScan})
			if err == nil && res.err != nil {
				err = res.err
			}
			if err != nil {
				failErr = err
				break
			}
			iters = append(iters, res.iter)
		case Recovering:
			failErr = ierrors.PartitionNotReady(t.cfg.Name, p, s.String())
		}
		if failErr != nil {
			break
		}
	}

	if failErr != nil {
		for _, it := range iters {
			_ = it.Close()
		}
		return nil, failErr
	}
	return &Items{table: t, iters: iters}, nil
}

// Items iterates decoded entries across locally-owned partitions
type Items struct {
	table *Table
	iters []store.Iterator
	idx   int
	cur   Item
	err   error
}

// Next advances the cursor; it returns false at the end or on error
func (it *Items) Next() bool {
	if it.err != nil {
		return false
	}
	for it.idx < len(it.iters) {
		cur := it.iters[it.idx]
		if !cur.Next() {
			if err := cur.Err(); err != nil {
				it.err = err
				return false
			}
			it.idx++
			continue
		}
		return it.decode(cur.Key(), cur.Value())
	}
	return false
}

func (it *Items) decode(rawKey, rawValue []byte) bool {
	t := it.table
	keyBytes := rawKey
	var bucketStart time.Time

	if t.cfg.Window != nil {
		kb, startMs, ok := splitWindowKey(rawKey)
		if !ok {
			it.err = ierrors.CorruptedData("window key too short", nil)
			return false
		}
		keyBytes = kb
		bucketStart = time.UnixMilli(startMs)
	}

	key, err := t.cfg.KeyCodec.Decode(keyBytes)
	if err != nil {
		it.err = err
		return false
	}
	value, err := t.cfg.ValueCodec.Decode(rawValue)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = Item{Key: key, Value: value, BucketStart: bucketStart}
	return true
}

// Item returns the current entry
func (it *Items) Item() Item { return it.cur }

// Err returns the first error encountered
func (it *Items) Err() error { return it.err }

// Close releases all partition cursors
func (it *Items) Close() error {
	var first error
	for _, iter := range it.iters {
		if err := iter.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
