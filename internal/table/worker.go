package table

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/streamhaus/tabled/internal/changelog"
	ierrors "github.com/streamhaus/tabled/internal/errors"
	"github.com/streamhaus/tabled/internal/store"
	"github.com/streamhaus/tabled/internal/util/workerpool"
)

type opType int

const (
	opGet opType = iota
	opSet
	opDelete
	opScan
)

// command is one operation routed to a partition worker. key is the stored
// key (window suffix already applied for windowed tables); bucketStart is the
// bucket's start in unix millis, -1 for plain keys.
type command struct {
	op          opType
	key         []byte
	value       []byte
	eventTime   time.Time
	bucketStart int64
	resp        chan cmdResult
}

type cmdResult struct {
	value []byte
	iter  store.Iterator
	err   error
}

// partitionWorker is the single goroutine owning one partition's store and
// changelog writer. All store access goes through its command channel, so no
// locking is needed on the write path.
type partitionWorker struct {
	table     *Table
	partition int32
	logger    *zap.Logger

	cmds    chan command
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	promote chan struct{}

	mu      sync.Mutex
	state   PartitionState
	role    Role
	failErr error

	// owned by the run goroutine
	st            store.Store
	expiry        *btree.BTreeG[bucketRef]
	pendingWrites int
}

func newPartitionWorker(t *Table, a Assignment) *partitionWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &partitionWorker{
		table:     t,
		partition: a.Partition,
		logger: t.logger.With(
			zap.Int32("partition", a.Partition),
			zap.String("role", a.Role.String())),
		cmds:    make(chan command, 128),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		promote: make(chan struct{}, 1),
	}
	w.role = a.Role
	if t.cfg.Window != nil {
		w.expiry = btree.NewG(2, bucketRefLess)
	}
	return w
}

func (w *partitionWorker) currentState() PartitionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *partitionWorker) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failErr
}

func (w *partitionWorker) currentRole() Role {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.role
}

func (w *partitionWorker) setRole(r Role) {
	w.mu.Lock()
	w.role = r
	w.mu.Unlock()
}

func (w *partitionWorker) setState(s PartitionState) {
	w.mu.Lock()
	old := w.state
	w.state = s
	w.mu.Unlock()
	if old == s {
		return
	}

	gauge := w.table.metrics.PartitionStates
	if old != Unassigned {
		gauge.WithLabelValues(w.table.cfg.Name, old.String()).Dec()
	}
	if s != Unassigned {
		gauge.WithLabelValues(w.table.cfg.Name, s.String()).Inc()
	}
}

// clearStateGauge removes this worker's contribution when it is unregistered
func (w *partitionWorker) clearStateGauge() {
	w.mu.Lock()
	s := w.state
	w.state = Unassigned
	w.mu.Unlock()
	if s != Unassigned {
		w.table.metrics.PartitionStates.WithLabelValues(w.table.cfg.Name, s.String()).Dec()
	}
}

// requestPromotion asks a standby worker to finish draining and go active
func (w *partitionWorker) requestPromotion() {
	select {
	case w.promote <- struct{}{}:
	default:
	}
}

// stop cancels the worker and waits for it to wind down. Revocation takes
// effect within one recovery poll cycle even mid-replay.
func (w *partitionWorker) stop() {
	w.cancel()
	<-w.done
}

func (w *partitionWorker) fail(err error) {
	w.mu.Lock()
	w.failErr = err
	w.mu.Unlock()
	w.setState(Failed)
	w.table.failures.Store(w.partition, time.Now())
	w.logger.Error("Partition failed", zap.Error(err))
}

func (w *partitionWorker) engineCfg() *EngineConfig {
	return &w.table.engine.cfg
}

func (w *partitionWorker) run() {
	defer close(w.done)
	defer w.drain()

	if !w.waitOpenBackoff() {
		w.setState(Unassigned)
		return
	}

	if err := w.openStore(); err != nil {
		w.fail(ierrors.StoreOpenFailed(w.table.cfg.Name, w.partition, err))
		return
	}
	defer w.closeStore()

	w.setState(Recovering)
	if err := w.recoverViaPool(); err != nil {
		if w.ctx.Err() != nil {
			w.setState(Unassigned)
			return
		}
		w.fail(ierrors.RecoveryFailed(w.table.cfg.Name, w.partition, err))
		return
	}
	if w.ctx.Err() != nil {
		w.setState(Unassigned)
		return
	}

	if w.currentRole() == RoleStandby {
		w.setState(Standby)
		if !w.tail() {
			w.setState(Unassigned)
			return
		}
		w.logger.Info("Standby promoted to owner")
		w.setRole(RoleOwner)
	}

	w.setState(Active)
	w.logger.Info("Partition active",
		zap.Int64("checkpoint", w.st.Checkpoint()))
	w.loop()
	w.setState(Unassigned)
}

// waitOpenBackoff delays a reopen attempt after a recent failure on this
// partition. Returns false if the worker was stopped while waiting.
func (w *partitionWorker) waitOpenBackoff() bool {
	last, ok := w.table.failures.Load(w.partition)
	if !ok {
		return true
	}
	wait := w.engineCfg().OpenBackoff - time.Since(last)
	if wait <= 0 {
		return true
	}
	w.logger.Info("Delaying partition open after recent failure",
		zap.Duration("backoff", wait))
	select {
	case <-time.After(wait):
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *partitionWorker) openStore() error {
	cfg := w.engineCfg()
	dir := filepath.Join(cfg.StoreDir, w.table.cfg.Name, fmt.Sprintf("p%05d", w.partition))

	st, err := store.Open(store.Options{
		Dir:         dir,
		SyncOnFlush: cfg.SyncOnFlush,
		Logger:      w.logger,
	})
	if err != nil {
		return err
	}

	if cfg.CacheSize > 0 {
		cached, err := store.NewCachedStore(st, store.CacheOptions{
			Size:   cfg.CacheSize,
			Hits:   w.table.metrics.CacheHitsTotal.WithLabelValues(w.table.cfg.Name),
			Misses: w.table.metrics.CacheMissesTotal.WithLabelValues(w.table.cfg.Name),
		})
		if err != nil {
			_ = st.Close()
			return err
		}
		w.st = cached
		return nil
	}
	w.st = st
	return nil
}

func (w *partitionWorker) closeStore() {
	if w.st == nil {
		return
	}
	if err := w.st.Close(); err != nil {
		w.logger.Warn("Failed to close partition store", zap.Error(err))
	}
	w.st = nil
}

// recoverViaPool runs the changelog replay on the shared recovery pool,
// falling back to the worker goroutine when the pool has no room
func (w *partitionWorker) recoverViaPool() error {
	pool := w.engineCfg().Pool
	if pool == nil {
		return w.replay(w.ctx)
	}

	// the claim decides who runs (or abandons) the replay exactly once,
	// so a canceled worker never tears down the store under a task the
	// pool is still about to start
	var claimed atomic.Bool
	done := make(chan error, 1)
	task := workerpool.Task{
		ID: fmt.Sprintf("recover-%s-p%d", w.table.cfg.Name, w.partition),
		Fn: func(ctx context.Context) error {
			if !claimed.CompareAndSwap(false, true) {
				return context.Canceled
			}
			return w.replay(ctx)
		},
		Context: w.ctx,
		Done:    done,
	}
	if err := pool.Submit(task); err != nil {
		return w.replay(w.ctx)
	}

	select {
	case err := <-done:
		return err
	case <-w.ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return w.ctx.Err()
		}
		return <-done
	}
}

// loop is the active serving loop. It owns the flush cadence and, for
// windowed tables, the expiry sweep.
func (w *partitionWorker) loop() {
	cfg := w.engineCfg()

	flushTicker := time.NewTicker(cfg.FlushInterval)
	defer flushTicker.Stop()

	var sweepC <-chan time.Time
	if w.table.cfg.Window != nil {
		sweepTicker := time.NewTicker(cfg.SweepInterval)
		defer sweepTicker.Stop()
		sweepC = sweepTicker.C
	}

	for {
		select {
		case <-w.ctx.Done():
			w.finalFlush()
			return
		case cmd := <-w.cmds:
			w.handle(cmd)
		case <-flushTicker.C:
			if w.st.Pending() > 0 {
				w.flush()
			}
		case <-sweepC:
			w.sweep()
		}
	}
}

func (w *partitionWorker) handle(cmd command) {
	switch cmd.op {
	case opGet:
		v, err := w.st.Get(cmd.key)
		cmd.resp <- cmdResult{value: v, err: err}
	case opSet:
		cmd.resp <- cmdResult{err: w.handleSet(cmd)}
	case opDelete:
		cmd.resp <- cmdResult{err: w.applyWrite(cmd.key, nil, cmd.eventTime, cmd.bucketStart)}
	case opScan:
		it, err := w.st.Scan(nil)
		cmd.resp <- cmdResult{iter: it, err: err}
	}
}

func (w *partitionWorker) handleSet(cmd command) error {
	cfg := w.engineCfg()
	if len(cmd.key) > cfg.MaxKeySize {
		return ierrors.KeyTooLarge(len(cmd.key), cfg.MaxKeySize)
	}
	if len(cmd.value) > cfg.MaxValueSize {
		return ierrors.ValueTooLarge(len(cmd.value), cfg.MaxValueSize)
	}

	// late writes into already-expired buckets are dropped, not errored,
	// so expired state can never be resurrected
	if cmd.bucketStart >= 0 && w.table.cfg.Window.expired(cmd.bucketStart, time.Now()) {
		w.table.metrics.LateDropsTotal.WithLabelValues(w.table.cfg.Name).Inc()
		w.logger.Debug("Dropped late window write",
			zap.Int64("bucket_start_ms", cmd.bucketStart),
			zap.Time("event_time", cmd.eventTime))
		return nil
	}

	return w.applyWrite(cmd.key, cmd.value, cmd.eventTime, cmd.bucketStart)
}

// applyWrite is the write-ahead path: the changelog append must be
// acknowledged before the store apply counts. A nil value is a tombstone.
func (w *partitionWorker) applyWrite(key, value []byte, eventTime time.Time, bucketStart int64) error {
	m := w.table.metrics
	start := time.Now()

	offset, err := w.table.log.Append(w.ctx, w.partition, changelog.Record{
		Key:       key,
		Value:     value,
		Timestamp: eventTime,
	})
	if err != nil {
		m.AppendFailuresTotal.Inc()
		return ierrors.AppendFailed(
			fmt.Sprintf("changelog append failed for partition %d of table %q", w.partition, w.table.cfg.Name), err)
	}
	m.AppendsTotal.Inc()
	m.AppendDuration.Observe(time.Since(start).Seconds())

	if value == nil {
		err = w.st.Delete(key)
	} else {
		err = w.st.Set(key, value)
	}
	if err != nil {
		return ierrors.StoreFailed(
			fmt.Sprintf("store apply failed for partition %d of table %q", w.partition, w.table.cfg.Name), err)
	}
	w.st.SetCheckpoint(offset)

	if bucketStart >= 0 {
		ref := bucketRef{end: w.table.cfg.Window.bucketEnd(bucketStart), key: string(key)}
		if value == nil {
			w.expiry.Delete(ref)
		} else {
			w.expiry.ReplaceOrInsert(ref)
		}
	}

	w.pendingWrites++
	if w.pendingWrites >= w.engineCfg().FlushEvery {
		return w.flush()
	}
	return nil
}

func (w *partitionWorker) flush() error {
	m := w.table.metrics
	start := time.Now()
	if err := w.st.Flush(); err != nil {
		return ierrors.StoreFailed(
			fmt.Sprintf("flush failed for partition %d of table %q", w.partition, w.table.cfg.Name), err)
	}
	w.pendingWrites = 0
	m.FlushesTotal.Inc()
	m.FlushDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (w *partitionWorker) finalFlush() {
	if w.st == nil || w.st.Pending() == 0 {
		return
	}
	if err := w.flush(); err != nil {
		w.logger.Warn("Final flush failed", zap.Error(err))
	}
}

// sweep removes buckets whose retention has lapsed. Each removal goes
// through the normal changelog-logged delete path, so expiry is durable and
// replicated like any other write.
func (w *partitionWorker) sweep() {
	win := w.table.cfg.Window
	now := time.Now()

	var victims []bucketRef
	w.expiry.Ascend(func(ref bucketRef) bool {
		if !win.expiredEnd(ref.end, now) {
			return false
		}
		victims = append(victims, ref)
		return true
	})

	for _, ref := range victims {
		if w.ctx.Err() != nil {
			return
		}
		if err := w.applyWrite([]byte(ref.key), nil, now, -1); err != nil {
			w.logger.Warn("Window expiry delete failed", zap.Error(err))
			return
		}
		w.expiry.Delete(ref)
		w.table.metrics.ExpiredBucketsTotal.WithLabelValues(w.table.cfg.Name).Inc()
	}

	if len(victims) > 0 {
		w.logger.Debug("Swept expired window buckets", zap.Int("buckets", len(victims)))
	}
}

// drain answers every queued command after the worker has stopped so no
// caller is left waiting
func (w *partitionWorker) drain() {
	for {
		select {
		case cmd := <-w.cmds:
			cmd.resp <- cmdResult{err: ierrors.PartitionRevoked(w.table.cfg.Name, w.partition)}
		default:
			return
		}
	}
}
