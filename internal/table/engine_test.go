package table

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamhaus/tabled/internal/changelog"
	"github.com/streamhaus/tabled/internal/codec"
	ierrors "github.com/streamhaus/tabled/internal/errors"
)

// sharedLog keeps a changelog alive across engine restarts so tests can
// simulate crashes and failovers against durable history
type sharedLog struct {
	changelog.Log
}

func (sharedLog) Close() error { return nil }

// gatedLog blocks reads until released, pinning a partition in recovery
type gatedLog struct {
	changelog.Log
	gate chan struct{}
}

func (g *gatedLog) Read(ctx context.Context, partition int32, from int64, max int) ([]changelog.Record, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Log.Read(ctx, partition, from, max)
}

func (*gatedLog) Close() error { return nil }

// flakyLog fails appends on demand
type flakyLog struct {
	changelog.Log
	failing atomic.Bool
}

func (f *flakyLog) Append(ctx context.Context, partition int32, rec changelog.Record) (int64, error) {
	if f.failing.Load() {
		return 0, errors.New("disk full")
	}
	return f.Log.Append(ctx, partition, rec)
}

func (*flakyLog) Close() error { return nil }

func newTestEngine(t *testing.T, storeDir string, log changelog.Log) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		NodeID:               "test-node",
		StoreDir:             storeDir,
		NewLog:               func(string) (changelog.Log, error) { return log, nil },
		FlushEvery:           2,
		FlushInterval:        20 * time.Millisecond,
		RecoveryPollInterval: 5 * time.Millisecond,
		RecoveryBatchSize:    8,
		CheckpointEvery:      4,
		OpenBackoff:          30 * time.Millisecond,
		SweepInterval:        10 * time.Millisecond,
		Logger:               zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func counterTable(t *testing.T, e *Engine) *Table {
	t.Helper()
	tbl, err := e.CreateTable(TableConfig{
		Name:       "click_counts",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.Int64{},
		Default:    func() interface{} { return int64(0) },
	})
	require.NoError(t, err)
	return tbl
}

func assignOwner(t *testing.T, e *Engine, tbl *Table, partitions ...int32) {
	t.Helper()
	var as []Assignment
	for _, p := range partitions {
		as = append(as, Assignment{Partition: p, Role: RoleOwner})
	}
	require.NoError(t, e.OnAssigned(context.Background(), tbl.Name(), as))
	waitState(t, tbl, partitions[0], Active)
}

func waitState(t *testing.T, tbl *Table, partition int32, want PartitionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tbl.State(partition) == want
	}, 5*time.Second, 5*time.Millisecond, "partition %d never reached %s (now %s)",
		partition, want, tbl.State(partition))
}

func encodeInt64(t *testing.T, n int64) []byte {
	t.Helper()
	b, err := codec.Int64{}.Encode(n)
	require.NoError(t, err)
	return b
}

func increment(t *testing.T, tbl *Table, key string) {
	t.Helper()
	ctx := context.Background()
	v, err := tbl.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, tbl.Set(ctx, key, v.(int64)+1))
}

func TestEngine_AssignRecoverServe(t *testing.T) {
	mem := changelog.NewMemoryLog()
	e := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl := counterTable(t, e)
	ctx := context.Background()

	assignOwner(t, e, tbl, 0)
	assert.True(t, e.Ready())

	// missing keys read as the default
	v, err := tbl.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	for i := 0; i < 3; i++ {
		increment(t, tbl, "home")
	}
	v, err = tbl.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	// every mutation was written ahead to the changelog
	hwm, err := mem.HighWaterMark(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), hwm)
}

func TestEngine_MissingKeyWithoutDefault(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "plain",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.String{},
	})
	require.NoError(t, err)
	assignOwner(t, e, tbl, 0)

	_, err = tbl.Get(context.Background(), "nope")
	assert.True(t, ierrors.IsKeyNotFound(err))
}

func TestEngine_UnassignedPartitionFailsFast(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "sparse",
		Partitions: 4,
		KeyCodec:   codec.String{},
		ValueCodec: codec.String{},
	})
	require.NoError(t, err)

	// own partition 0 only
	require.NoError(t, e.OnAssigned(context.Background(), "sparse", []Assignment{{Partition: 0, Role: RoleOwner}}))
	waitState(t, tbl, 0, Active)

	// find a key routed to an unowned partition
	key := ""
	for i := 0; ; i++ {
		key = fmt.Sprintf("key-%d", i)
		if PartitionFor([]byte(key), 4) != 0 {
			break
		}
	}
	err = tbl.Set(context.Background(), key, "v")
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodePartitionNotAssigned))
}

func TestEngine_ReadDuringRecoveryFails(t *testing.T) {
	mem := changelog.NewMemoryLog()
	_, err := mem.Append(context.Background(), 0, changelog.Record{Key: []byte("k"), Value: encodeInt64(t, 1)})
	require.NoError(t, err)

	gated := &gatedLog{Log: mem, gate: make(chan struct{})}
	e := newTestEngine(t, t.TempDir(), gated)
	tbl := counterTable(t, e)

	require.NoError(t, e.OnAssigned(context.Background(), tbl.Name(), []Assignment{{Partition: 0, Role: RoleOwner}}))
	waitState(t, tbl, 0, Recovering)
	assert.False(t, e.Ready())

	_, err = tbl.Get(context.Background(), "k")
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodePartitionNotReady))

	close(gated.gate)
	waitState(t, tbl, 0, Active)
	assert.True(t, e.Ready())

	v, err := tbl.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestEngine_RevokeMidRecovery(t *testing.T) {
	mem := changelog.NewMemoryLog()
	for i := 0; i < 5; i++ {
		_, err := mem.Append(context.Background(), 0, changelog.Record{Key: []byte("k"), Value: encodeInt64(t, int64(i))})
		require.NoError(t, err)
	}

	gated := &gatedLog{Log: mem, gate: make(chan struct{})}
	e := newTestEngine(t, t.TempDir(), gated)
	tbl := counterTable(t, e)

	require.NoError(t, e.OnAssigned(context.Background(), tbl.Name(), []Assignment{{Partition: 0, Role: RoleOwner}}))
	waitState(t, tbl, 0, Recovering)

	// revocation must cancel the in-flight replay promptly
	start := time.Now()
	require.NoError(t, e.OnRevoked(context.Background(), tbl.Name(), []int32{0}))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Unassigned, tbl.State(0))

	_, err := tbl.Get(context.Background(), "k")
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodePartitionNotAssigned))
}

func TestEngine_ColdStartReplaysChangelog(t *testing.T) {
	mem := changelog.NewMemoryLog()
	ctx := context.Background()

	e1 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl1 := counterTable(t, e1)
	assignOwner(t, e1, tbl1, 0)
	for i := 0; i < 5; i++ {
		increment(t, tbl1, "home")
	}
	increment(t, tbl1, "about")
	require.NoError(t, e1.Close())

	// a brand new node with an empty store rebuilds everything from the log
	e2 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl2 := counterTable(t, e2)
	assignOwner(t, e2, tbl2, 0)

	v, err := tbl2.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	v, err = tbl2.Get(ctx, "about")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestEngine_WarmRestartResumesFromCheckpoint(t *testing.T) {
	mem := changelog.NewMemoryLog()
	storeDir := t.TempDir()
	ctx := context.Background()

	e1 := newTestEngine(t, storeDir, sharedLog{mem})
	tbl1 := counterTable(t, e1)
	assignOwner(t, e1, tbl1, 0)
	for i := 0; i < 5; i++ {
		increment(t, tbl1, "home")
	}
	require.NoError(t, e1.Close())

	// records appended while this node was down (the previous owner kept
	// writing)
	_, err := mem.Append(ctx, 0, changelog.Record{Key: []byte("home"), Value: encodeInt64(t, 42)})
	require.NoError(t, err)
	_, err = mem.Append(ctx, 0, changelog.Record{Key: []byte("about"), Value: nil}) // tombstone
	require.NoError(t, err)

	e2 := newTestEngine(t, storeDir, sharedLog{mem})
	tbl2 := counterTable(t, e2)
	assignOwner(t, e2, tbl2, 0)

	v, err := tbl2.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v, "tail records past the checkpoint are applied")
	v, err = tbl2.Get(ctx, "about")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "replayed tombstone leaves the default")
}

func TestEngine_TombstoneReplayRemovesKey(t *testing.T) {
	mem := changelog.NewMemoryLog()
	ctx := context.Background()

	e1 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl1 := counterTable(t, e1)
	assignOwner(t, e1, tbl1, 0)
	require.NoError(t, tbl1.Set(ctx, "gone", int64(9)))
	require.NoError(t, tbl1.Delete(ctx, "gone"))
	require.NoError(t, e1.Close())

	e2 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl2 := counterTable(t, e2)
	assignOwner(t, e2, tbl2, 0)

	v, err := tbl2.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestEngine_DoubleReplayIsIdempotent(t *testing.T) {
	mem := changelog.NewMemoryLog()
	ctx := context.Background()

	e1 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl1 := counterTable(t, e1)
	assignOwner(t, e1, tbl1, 0)
	for i := 0; i < 7; i++ {
		increment(t, tbl1, "home")
	}
	require.NoError(t, e1.Close())

	// replay the full log twice into the same store
	storeDir := t.TempDir()
	for round := 0; round < 2; round++ {
		e := newTestEngine(t, storeDir, sharedLog{mem})
		tbl := counterTable(t, e)
		assignOwner(t, e, tbl, 0)

		v, err := tbl.Get(ctx, "home")
		require.NoError(t, err)
		assert.Equal(t, int64(7), v, "round %d", round)
		require.NoError(t, e.Close())
	}
}

func TestEngine_StandbyTailsAndPromotes(t *testing.T) {
	mem := changelog.NewMemoryLog()
	ctx := context.Background()

	owner := newTestEngine(t, t.TempDir(), sharedLog{mem})
	ownerTbl := counterTable(t, owner)
	assignOwner(t, owner, ownerTbl, 0)

	standby := newTestEngine(t, t.TempDir(), sharedLog{mem})
	standbyTbl := counterTable(t, standby)
	require.NoError(t, standby.OnAssigned(ctx, standbyTbl.Name(), []Assignment{{Partition: 0, Role: RoleStandby}}))
	waitState(t, standbyTbl, 0, Standby)

	for i := 0; i < 10; i++ {
		increment(t, ownerTbl, "home")
	}

	// standbys never serve reads
	_, err := standbyTbl.Get(ctx, "home")
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodePartitionNotReady))

	// the owner goes away; the standby is promoted in place
	require.NoError(t, owner.Close())
	require.NoError(t, standby.OnAssigned(ctx, standbyTbl.Name(), []Assignment{{Partition: 0, Role: RoleOwner}}))
	waitState(t, standbyTbl, 0, Active)

	v, err := standbyTbl.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	// and serves writes
	increment(t, standbyTbl, "home")
	v, err = standbyTbl.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(11), v)
}

func TestEngine_StoreOpenFailureIsPartitionFatal(t *testing.T) {
	storeDir := t.TempDir()
	// a regular file where the table's store directory should go
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "broken"), []byte("x"), 0644))

	e := newTestEngine(t, storeDir, sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "broken",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.String{},
	})
	require.NoError(t, err)

	require.NoError(t, e.OnAssigned(context.Background(), "broken", []Assignment{{Partition: 0, Role: RoleOwner}}))
	waitState(t, tbl, 0, Failed)

	_, err = tbl.Get(context.Background(), "k")
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodePartitionFailed))

	// the process keeps serving other tables
	healthy := counterTable(t, e)
	assignOwner(t, e, healthy, 0)
	require.NoError(t, healthy.Set(context.Background(), "k", int64(1)))
}

func TestEngine_WriteSizeLimits(t *testing.T) {
	mem := changelog.NewMemoryLog()
	e, err := NewEngine(EngineConfig{
		StoreDir:     t.TempDir(),
		NewLog:       func(string) (changelog.Log, error) { return sharedLog{mem}, nil },
		MaxKeySize:   16,
		MaxValueSize: 32,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tbl, err := e.CreateTable(TableConfig{
		Name:       "bounded",
		Partitions: 1,
		KeyCodec:   codec.Bytes{},
		ValueCodec: codec.Bytes{},
	})
	require.NoError(t, err)
	assignOwner(t, e, tbl, 0)

	ctx := context.Background()
	err = tbl.Set(ctx, make([]byte, 17), []byte("v"))
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodeKeyTooLarge))

	err = tbl.Set(ctx, []byte("k"), make([]byte, 33))
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodeValueTooLarge))

	require.NoError(t, tbl.Set(ctx, make([]byte, 16), make([]byte, 32)))
}

func TestEngine_AppendFailureLeavesStoreUntouched(t *testing.T) {
	flaky := &flakyLog{Log: changelog.NewMemoryLog()}
	e := newTestEngine(t, t.TempDir(), flaky)
	tbl := counterTable(t, e)
	assignOwner(t, e, tbl, 0)
	ctx := context.Background()

	require.NoError(t, tbl.Set(ctx, "k", int64(1)))

	flaky.failing.Store(true)
	err := tbl.Set(ctx, "k", int64(2))
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodeAppendFailed))

	// the failed write must not be visible: changelog ack comes first
	v, err := tbl.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestEngine_ApplyChange(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl := counterTable(t, e)
	assignOwner(t, e, tbl, 0)
	ctx := context.Background()

	// raw stream events, already partitioned upstream
	require.NoError(t, tbl.ApplyChange(ctx, 0, []byte("home"), encodeInt64(t, 6), time.Now()))
	v, err := tbl.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	require.NoError(t, tbl.ApplyChange(ctx, 0, []byte("home"), nil, time.Now()))
	v, err = tbl.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestEngine_Items(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "inventory",
		Partitions: 2,
		KeyCodec:   codec.String{},
		ValueCodec: codec.Int64{},
	})
	require.NoError(t, err)
	require.NoError(t, e.OnAssigned(context.Background(), "inventory", []Assignment{
		{Partition: 0, Role: RoleOwner},
		{Partition: 1, Role: RoleOwner},
	}))
	waitState(t, tbl, 0, Active)
	waitState(t, tbl, 1, Active)

	ctx := context.Background()
	want := map[string]int64{}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("sku-%02d", i)
		require.NoError(t, tbl.Set(ctx, key, int64(i)))
		want[key] = int64(i)
	}

	it, err := tbl.Items(ctx)
	require.NoError(t, err)
	defer it.Close()

	got := map[string]int64{}
	for it.Next() {
		item := it.Item()
		got[item.Key.(string)] = item.Value.(int64)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, want, got)
}

func TestEngine_WindowedTable(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "page_views",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.Int64{},
		Window: &WindowConfig{
			Type:      Tumbling,
			Size:      time.Minute,
			Retention: time.Hour,
			Reducer:   SumInt64,
		},
	})
	require.NoError(t, err)
	assignOwner(t, e, tbl, 0)
	ctx := context.Background()

	base := time.Now().Truncate(time.Minute)
	require.NoError(t, tbl.SetAt(ctx, "home", int64(1), base.Add(30*time.Second)))
	require.NoError(t, tbl.SetAt(ctx, "home", int64(2), base.Add(70*time.Second)))

	v, err := tbl.GetAt(ctx, "home", base.Add(59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = tbl.GetAt(ctx, "home", base.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// plain ops are rejected on windowed tables
	_, err = tbl.Get(ctx, "home")
	assert.Error(t, err)
	assert.Error(t, tbl.Set(ctx, "home", int64(1)))

	v, err = tbl.AggregateRange(ctx, "home", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestEngine_LateWindowWriteDropped(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "late",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.Int64{},
		Window: &WindowConfig{
			Type:      Tumbling,
			Size:      time.Minute,
			Retention: time.Minute,
			Reducer:   SumInt64,
		},
	})
	require.NoError(t, err)
	assignOwner(t, e, tbl, 0)
	ctx := context.Background()

	// the bucket for this event time expired long ago: dropped, not an error
	require.NoError(t, tbl.SetAt(ctx, "home", int64(1), time.Now().Add(-time.Hour)))

	_, err = tbl.GetAt(ctx, "home", time.Now().Add(-time.Hour))
	assert.True(t, ierrors.IsKeyNotFound(err))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(e.Metrics().LateDropsTotal.WithLabelValues("late")))
}

func TestEngine_WindowExpirySweepIsDurable(t *testing.T) {
	mem := changelog.NewMemoryLog()
	wcfg := &WindowConfig{
		Type:      Tumbling,
		Size:      40 * time.Millisecond,
		Retention: 40 * time.Millisecond,
		Reducer:   SumInt64,
	}

	e1 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl1, err := e1.CreateTable(TableConfig{
		Name:       "ephemeral",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.Int64{},
		Window:     wcfg,
	})
	require.NoError(t, err)
	assignOwner(t, e1, tbl1, 0)
	ctx := context.Background()

	at := time.Now()
	require.NoError(t, tbl1.SetAt(ctx, "blip", int64(1), at))

	// the sweep deletes the bucket once retention lapses
	require.Eventually(t, func() bool {
		_, err := tbl1.GetAt(ctx, "blip", at)
		return ierrors.IsKeyNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(e1.Metrics().ExpiredBucketsTotal.WithLabelValues("ephemeral")),
		float64(1))
	require.NoError(t, e1.Close())

	// expiry went through the changelog, so a cold replay does not
	// resurrect the bucket
	e2 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl2, err := e2.CreateTable(TableConfig{
		Name:       "ephemeral",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.Int64{},
		Window:     wcfg,
	})
	require.NoError(t, err)
	assignOwner(t, e2, tbl2, 0)

	_, err = tbl2.GetAt(ctx, "blip", at)
	assert.True(t, ierrors.IsKeyNotFound(err))
}

func TestEngine_RecoveredExpiredBucketIsSwept(t *testing.T) {
	mem := changelog.NewMemoryLog()
	ctx := context.Background()
	newWindowed := func(e *Engine) *Table {
		tbl, err := e.CreateTable(TableConfig{
			Name:       "sessions",
			Partitions: 1,
			KeyCodec:   codec.String{},
			ValueCodec: codec.Int64{},
			Window: &WindowConfig{
				Type:      Tumbling,
				Size:      30 * time.Millisecond,
				Retention: 30 * time.Millisecond,
				Reducer:   SumInt64,
			},
		})
		require.NoError(t, err)
		return tbl
	}

	// the first owner writes a bucket and dies before its sweep ever runs
	e1, err := NewEngine(EngineConfig{
		StoreDir:             t.TempDir(),
		NewLog:               func(string) (changelog.Log, error) { return sharedLog{mem}, nil },
		RecoveryPollInterval: 5 * time.Millisecond,
		SweepInterval:        time.Hour,
		Logger:               zap.NewNop(),
	})
	require.NoError(t, err)
	tbl1 := newWindowed(e1)
	assignOwner(t, e1, tbl1, 0)
	at := time.Now()
	require.NoError(t, tbl1.SetAt(ctx, "blip", int64(1), at))
	require.NoError(t, e1.Close())

	// retention lapses while nobody owns the partition
	time.Sleep(80 * time.Millisecond)

	// the next owner replays the now-expired bucket; it must still be
	// indexed for expiry so the first sweep deletes it
	e2 := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl2 := newWindowed(e2)
	assignOwner(t, e2, tbl2, 0)

	require.Eventually(t, func() bool {
		_, err := tbl2.GetAt(ctx, "blip", at)
		return ierrors.IsKeyNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(e2.Metrics().ExpiredBucketsTotal.WithLabelValues("sessions")),
		float64(1))
}

func TestEngine_ApplyChangeWindowedTombstone(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "visits",
		Partitions: 1,
		KeyCodec:   codec.String{},
		ValueCodec: codec.Int64{},
		Window: &WindowConfig{
			Type:      Tumbling,
			Size:      time.Minute,
			Retention: time.Hour,
			Reducer:   SumInt64,
		},
	})
	require.NoError(t, err)
	assignOwner(t, e, tbl, 0)
	ctx := context.Background()

	at := time.Now()
	require.NoError(t, tbl.ApplyChange(ctx, 0, []byte("home"), encodeInt64(t, 4), at))
	v, err := tbl.GetAt(ctx, "home", at)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	// the tombstone lands on the same bucket-suffixed stored key as the write
	require.NoError(t, tbl.ApplyChange(ctx, 0, []byte("home"), nil, at))
	_, err = tbl.GetAt(ctx, "home", at)
	assert.True(t, ierrors.IsKeyNotFound(err))
}

func TestEngine_ItemsEntriesStableAcrossNext(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})
	tbl, err := e.CreateTable(TableConfig{
		Name:       "blobs",
		Partitions: 1,
		KeyCodec:   codec.Bytes{},
		ValueCodec: codec.Bytes{},
	})
	require.NoError(t, err)
	assignOwner(t, e, tbl, 0)
	ctx := context.Background()

	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("blob-%02d", i)
		v := fmt.Sprintf("payload-%02d", i)
		require.NoError(t, tbl.Set(ctx, []byte(k), []byte(v)))
		want[k] = v
	}

	it, err := tbl.Items(ctx)
	require.NoError(t, err)
	defer it.Close()

	// collect first, check after: the bytes codec passes slices through, so
	// entries must not alias buffers the cursor reuses on Next
	var items []Item
	for it.Next() {
		items = append(items, it.Item())
	}
	require.NoError(t, it.Err())
	require.Len(t, items, len(want))

	got := map[string]string{}
	for _, item := range items {
		got[string(item.Key.([]byte))] = string(item.Value.([]byte))
	}
	assert.Equal(t, want, got)
}

func TestEngine_RevokedThenReassigned(t *testing.T) {
	mem := changelog.NewMemoryLog()
	e := newTestEngine(t, t.TempDir(), sharedLog{mem})
	tbl := counterTable(t, e)
	ctx := context.Background()

	assignOwner(t, e, tbl, 0)
	increment(t, tbl, "home")

	require.NoError(t, e.OnRevoked(ctx, tbl.Name(), []int32{0}))
	assert.Equal(t, Unassigned, tbl.State(0))
	_, err := tbl.Get(ctx, "home")
	assert.True(t, ierrors.HasCode(err, ierrors.ErrCodePartitionNotAssigned))

	// reassignment recovers and serves again
	assignOwner(t, e, tbl, 0)
	v, err := tbl.Get(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestEngine_CreateTableValidation(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), sharedLog{changelog.NewMemoryLog()})

	_, err := e.CreateTable(TableConfig{Partitions: 1})
	assert.Error(t, err)

	_, err = e.CreateTable(TableConfig{Name: "t"})
	assert.Error(t, err)

	_, err = e.CreateTable(TableConfig{
		Name: "t", Partitions: 1,
		Window: &WindowConfig{Type: Hopping, Size: time.Minute, Retention: time.Hour},
	})
	assert.Error(t, err, "hopping window without hop")

	_, err = e.CreateTable(TableConfig{Name: "t", Partitions: 1})
	require.NoError(t, err)
	_, err = e.CreateTable(TableConfig{Name: "t", Partitions: 1})
	assert.Error(t, err, "duplicate table name")
}
