package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/streamhaus/tabled/internal/changelog"
	"github.com/streamhaus/tabled/internal/codec"
	"github.com/streamhaus/tabled/internal/config"
	"github.com/streamhaus/tabled/internal/metrics"
	"github.com/streamhaus/tabled/internal/table"
	"github.com/streamhaus/tabled/internal/util/workerpool"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.ID),
		zap.String("store_dir", cfg.Storage.StoreDir),
		zap.String("changelog_dir", cfg.Changelog.Dir),
		zap.Int("tables", len(cfg.Tables)))

	// Create data directories
	if err := os.MkdirAll(cfg.Storage.StoreDir, 0755); err != nil {
		logger.Fatal("Failed to create store directory", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.Changelog.Dir, 0755); err != nil {
		logger.Fatal("Failed to create changelog directory", zap.Error(err))
	}

	// Background pool for recovery replays
	pool := workerpool.New(&workerpool.Config{
		Name:       "recovery",
		MaxWorkers: cfg.WorkerPool.MaxWorkers,
		QueueSize:  cfg.WorkerPool.QueueSize,
		Logger:     logger,
	})
	defer pool.Stop(10 * time.Second)

	m := metrics.NewMetrics(cfg.Node.ID)

	// Per-topic file-backed changelogs
	newLog := func(topic string) (changelog.Log, error) {
		return changelog.OpenFileLog(cfg.Changelog.Dir, topic, changelog.Options{
			SegmentSize:   cfg.Changelog.SegmentSize,
			SyncWrites:    cfg.Changelog.SyncWrites,
			IndexInterval: cfg.Changelog.IndexInterval,
		}, logger)
	}

	engine, err := table.NewEngine(table.EngineConfig{
		NodeID:               cfg.Node.ID,
		StoreDir:             cfg.Storage.StoreDir,
		NewLog:               newLog,
		FlushEvery:           cfg.Storage.FlushEvery,
		FlushInterval:        cfg.Storage.FlushInterval,
		SyncOnFlush:          cfg.Storage.SyncOnFlush,
		CacheSize:            cfg.Storage.CacheSize,
		RecoveryPollInterval: cfg.Recovery.PollInterval,
		RecoveryBatchSize:    cfg.Recovery.BatchSize,
		CheckpointEvery:      cfg.Recovery.CheckpointEvery,
		OpenBackoff:          cfg.Recovery.OpenBackoff,
		SweepInterval:        cfg.Window.SweepInterval,
		MaxKeySize:           cfg.Limits.MaxKeySize,
		MaxValueSize:         cfg.Limits.MaxValueSize,
		Logger:               logger,
		Metrics:              m,
		Pool:                 pool,
	})
	if err != nil {
		logger.Fatal("Failed to create table engine", zap.Error(err))
	}
	defer engine.Close()

	// Register configured tables and apply the static assignment
	ctx := context.Background()
	for _, spec := range cfg.Tables {
		tcfg, err := tableConfigFromSpec(spec)
		if err != nil {
			logger.Fatal("Invalid table definition",
				zap.String("table", spec.Name), zap.Error(err))
		}
		if _, err := engine.CreateTable(tcfg); err != nil {
			logger.Fatal("Failed to create table",
				zap.String("table", spec.Name), zap.Error(err))
		}

		var assignments []table.Assignment
		for _, p := range cfg.Assignment.Owned {
			if p < spec.Partitions {
				assignments = append(assignments, table.Assignment{Partition: p, Role: table.RoleOwner})
			}
		}
		for _, p := range cfg.Assignment.Standby {
			if p < spec.Partitions {
				assignments = append(assignments, table.Assignment{Partition: p, Role: table.RoleStandby})
			}
		}
		if err := engine.OnAssigned(ctx, spec.Name, assignments); err != nil {
			logger.Fatal("Failed to assign partitions",
				zap.String("table", spec.Name), zap.Error(err))
		}
	}

	// Metrics and health server
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(&metrics.ServerConfig{
			Port:  cfg.Metrics.Port,
			Path:  cfg.Metrics.Path,
			Ready: engine.Ready,
		}, m, logger)
		srv.Start()
		defer srv.Stop()
	}

	logger.Info("Table worker started", zap.String("node_id", cfg.Node.ID))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
}

func tableConfigFromSpec(spec config.TableSpec) (table.TableConfig, error) {
	keyCodec, err := codecByName(spec.KeyCodec)
	if err != nil {
		return table.TableConfig{}, err
	}
	valueCodec, err := codecByName(spec.ValueCodec)
	if err != nil {
		return table.TableConfig{}, err
	}

	tcfg := table.TableConfig{
		Name:       spec.Name,
		Partitions: spec.Partitions,
		KeyCodec:   keyCodec,
		ValueCodec: valueCodec,
	}

	if spec.Window != nil {
		win := &table.WindowConfig{
			Size:      spec.Window.Size,
			Hop:       spec.Window.Hop,
			Retention: spec.Window.Retention,
		}
		switch spec.Window.Type {
		case "", "tumbling":
			win.Type = table.Tumbling
		case "hopping":
			win.Type = table.Hopping
		case "sliding":
			win.Type = table.Sliding
		default:
			return table.TableConfig{}, fmt.Errorf("unknown window type %q", spec.Window.Type)
		}
		tcfg.Window = win
	}
	return tcfg, nil
}

func codecByName(name string) (codec.Codec, error) {
	switch name {
	case "", "bytes":
		return codec.Bytes{}, nil
	case "string":
		return codec.String{}, nil
	case "int64":
		return codec.Int64{}, nil
	case "json":
		return codec.JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// initLogger builds the zap logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = level
	}
	return zcfg.Build()
}
