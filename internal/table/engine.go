package table

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/streamhaus/tabled/internal/changelog"
	"github.com/streamhaus/tabled/internal/codec"
	ierrors "github.com/streamhaus/tabled/internal/errors"
	"github.com/streamhaus/tabled/internal/metrics"
	"github.com/streamhaus/tabled/internal/util/workerpool"
)

// EngineConfig wires the table engine. NewLog is the only required field;
// everything else has serviceable defaults.
type EngineConfig struct {
	NodeID   string
	StoreDir string

	// NewLog builds the changelog for each table's changelog topic
	NewLog changelog.Factory

	FlushEvery    int
	FlushInterval time.Duration
	SyncOnFlush   bool
	CacheSize     int

	RecoveryPollInterval time.Duration
	RecoveryBatchSize    int
	CheckpointEvery      int
	OpenBackoff          time.Duration

	SweepInterval time.Duration

	MaxKeySize   int
	MaxValueSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Pool    *workerpool.Pool
}

func (c *EngineConfig) setDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.StoreDir == "" {
		c.StoreDir = "data/stores"
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.RecoveryPollInterval <= 0 {
		c.RecoveryPollInterval = 100 * time.Millisecond
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = 1024
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 4096
	}
	if c.OpenBackoff <= 0 {
		c.OpenBackoff = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxKeySize <= 0 {
		c.MaxKeySize = 4096
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Engine hosts the tables assigned to one node. It reacts to partition
// ownership changes from the external assignment layer and runs one worker
// goroutine per locally held (table, partition).
type Engine struct {
	cfg     EngineConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	tables  *xsync.MapOf[string, *Table]
	ownPool bool
	closed  chan struct{}
}

// NewEngine creates an engine. It owns its worker pool and metrics registry
// unless the caller supplies them.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.NewLog == nil {
		return nil, ierrors.InvalidArgument("engine requires a changelog factory", nil)
	}
	cfg.setDefaults()

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(cfg.NodeID)
	}
	ownPool := false
	if cfg.Pool == nil {
		cfg.Pool = workerpool.New(&workerpool.Config{
			Name:   "recovery",
			Logger: cfg.Logger,
		})
		ownPool = true
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("node_id", cfg.NodeID)),
		metrics: cfg.Metrics,
		tables:  xsync.NewMapOf[string, *Table](),
		ownPool: ownPool,
		closed:  make(chan struct{}),
	}
	e.logger.Info("Table engine created", zap.String("store_dir", cfg.StoreDir))
	return e, nil
}

// Metrics exposes the engine's metrics registry for scraping
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// CreateTable registers a table definition and opens its changelog. No
// partitions are held until ownership notifications arrive.
func (e *Engine) CreateTable(tcfg TableConfig) (*Table, error) {
	if e.isClosed() {
		return nil, ierrors.Closed("engine")
	}
	if tcfg.Name == "" {
		return nil, ierrors.InvalidArgument("table name must not be empty", nil)
	}
	if tcfg.Partitions <= 0 {
		return nil, ierrors.InvalidArgument(
			fmt.Sprintf("table %q needs a positive partition count", tcfg.Name), nil)
	}
	if tcfg.KeyCodec == nil {
		tcfg.KeyCodec = codec.Bytes{}
	}
	if tcfg.ValueCodec == nil {
		tcfg.ValueCodec = codec.Bytes{}
	}
	if tcfg.Window != nil {
		win := *tcfg.Window
		if err := win.normalize(); err != nil {
			return nil, ierrors.InvalidArgument(
				fmt.Sprintf("invalid window for table %q", tcfg.Name), err)
		}
		if win.Reducer == nil {
			// latest value wins unless the application folds differently
			win.Reducer = func(acc, value []byte) []byte { return value }
		}
		tcfg.Window = &win
	}

	if _, ok := e.tables.Load(tcfg.Name); ok {
		return nil, ierrors.InvalidArgument(
			fmt.Sprintf("table %q already exists", tcfg.Name), nil)
	}

	t := &Table{
		cfg:      tcfg,
		engine:   e,
		logger:   e.logger.With(zap.String("table", tcfg.Name)),
		metrics:  e.metrics,
		workers:  xsync.NewMapOf[int32, *partitionWorker](),
		failures: xsync.NewMapOf[int32, time.Time](),
	}

	log, err := e.cfg.NewLog(t.ChangelogTopic())
	if err != nil {
		return nil, ierrors.InternalError(
			fmt.Sprintf("failed to open changelog for table %q", tcfg.Name), err)
	}
	t.log = log

	if _, loaded := e.tables.LoadOrStore(tcfg.Name, t); loaded {
		_ = log.Close()
		return nil, ierrors.InvalidArgument(
			fmt.Sprintf("table %q already exists", tcfg.Name), nil)
	}

	t.logger.Info("Table registered",
		zap.Int32("partitions", tcfg.Partitions),
		zap.Bool("windowed", tcfg.Window != nil))
	return t, nil
}

// GetTable returns a registered table by name
func (e *Engine) GetTable(name string) (*Table, error) {
	t, ok := e.tables.Load(name)
	if !ok {
		return nil, ierrors.InvalidArgument(fmt.Sprintf("unknown table %q", name), nil)
	}
	return t, nil
}

// Tables returns all registered tables
func (e *Engine) Tables() []*Table {
	var out []*Table
	e.tables.Range(func(_ string, t *Table) bool {
		out = append(out, t)
		return true
	})
	return out
}

// OnAssigned reacts to the external assignment layer handing this node
// partitions of a table. Owners replay the changelog before serving;
// standbys tail it. A standby assigned ownership is promoted in place, so
// failover skips the full replay.
func (e *Engine) OnAssigned(ctx context.Context, tableName string, assignments []Assignment) error {
	if e.isClosed() {
		return ierrors.Closed("engine")
	}
	t, err := e.GetTable(tableName)
	if err != nil {
		return err
	}

	for _, a := range assignments {
		if a.Partition < 0 || a.Partition >= t.cfg.Partitions {
			return ierrors.InvalidArgument(
				fmt.Sprintf("partition %d out of range for table %q", a.Partition, tableName), nil)
		}

		if existing, ok := t.workers.Load(a.Partition); ok {
			switch existing.currentState() {
			case Failed:
				// worker already exited; replace it and retry under backoff
				existing.stop()
				existing.clearStateGauge()
				t.workers.Delete(a.Partition)
			case Standby, Recovering:
				if a.Role == RoleOwner && existing.currentRole() == RoleStandby {
					t.logger.Info("Promoting standby partition",
						zap.Int32("partition", a.Partition))
					existing.requestPromotion()
					continue
				}
				if a.Role == existing.currentRole() {
					continue
				}
				// role changed in a way promotion cannot express
				existing.stop()
				existing.clearStateGauge()
				t.workers.Delete(a.Partition)
			default:
				if a.Role == existing.currentRole() {
					continue
				}
				existing.stop()
				existing.clearStateGauge()
				t.workers.Delete(a.Partition)
			}
		}

		w := newPartitionWorker(t, a)
		t.workers.Store(a.Partition, w)
		t.logger.Info("Partition assigned",
			zap.Int32("partition", a.Partition),
			zap.String("role", a.Role.String()))
		go w.run()
	}
	return nil
}

// OnRevoked reacts to partitions being taken away. Workers are stopped
// synchronously; a revocation mid-recovery cancels the replay.
func (e *Engine) OnRevoked(ctx context.Context, tableName string, partitions []int32) error {
	t, err := e.GetTable(tableName)
	if err != nil {
		return err
	}

	for _, p := range partitions {
		w, ok := t.workers.LoadAndDelete(p)
		if !ok {
			continue
		}
		w.stop()
		w.clearStateGauge()
		t.logger.Info("Partition revoked", zap.Int32("partition", p))
	}
	return nil
}

// Ready reports whether no locally held partition is still recovering
func (e *Engine) Ready() bool {
	ready := true
	e.tables.Range(func(_ string, t *Table) bool {
		t.workers.Range(func(_ int32, w *partitionWorker) bool {
			if w.currentState() == Recovering {
				ready = false
			}
			return ready
		})
		return ready
	})
	return ready
}

// Close stops all partition workers, closes changelogs, and stops the
// engine-owned worker pool
func (e *Engine) Close() error {
	if e.isClosed() {
		return nil
	}
	close(e.closed)
	e.logger.Info("Closing table engine")

	var firstErr error
	e.tables.Range(func(_ string, t *Table) bool {
		t.workers.Range(func(p int32, w *partitionWorker) bool {
			w.stop()
			w.clearStateGauge()
			t.workers.Delete(p)
			return true
		})
		if err := t.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})

	if e.ownPool {
		if err := e.cfg.Pool.Stop(10 * time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
