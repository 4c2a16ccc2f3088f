package table

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/streamhaus/tabled/internal/changelog"
)

// applyRecord applies one changelog record to the local store during replay
// or standby tailing. The record is already durable in the log, so there is
// no append here, only the store apply and checkpoint advance.
func (w *partitionWorker) applyRecord(rec changelog.Record) error {
	var err error
	if rec.Tombstone() {
		err = w.st.Delete(rec.Key)
	} else {
		err = w.st.Set(rec.Key, rec.Value)
	}
	if err != nil {
		return err
	}
	w.st.SetCheckpoint(rec.Offset)

	if win := w.table.cfg.Window; win != nil {
		if _, startMs, ok := splitWindowKey(rec.Key); ok {
			ref := bucketRef{end: win.bucketEnd(startMs), key: string(rec.Key)}
			if rec.Tombstone() {
				w.expiry.Delete(ref)
			} else {
				// buckets already past retention are indexed too: if the
				// previous owner crashed before its sweep, the first sweep
				// here must still delete them through the changelog
				w.expiry.ReplaceOrInsert(ref)
			}
		}
	}
	return nil
}

// replay brings the partition's store up to the changelog high-water mark,
// starting from the later of the earliest retained offset and the flushed
// checkpoint. Replay is idempotent: re-applying records below the checkpoint
// converges to the same state.
func (w *partitionWorker) replay(ctx context.Context) error {
	t := w.table
	cfg := w.engineCfg()
	m := t.metrics
	partLabel := strconv.Itoa(int(w.partition))
	start := time.Now()

	earliest, err := t.log.EarliestOffset(w.partition)
	if err != nil {
		return err
	}
	next := w.st.Checkpoint() + 1
	if next < earliest {
		// history before earliest was compacted away; what remains still
		// reproduces the full state
		next = earliest
	}

	hwm, err := t.log.HighWaterMark(w.partition)
	if err != nil {
		return err
	}

	w.logger.Info("Starting changelog replay",
		zap.Int64("from_offset", next),
		zap.Int64("high_water_mark", hwm))

	sinceCheckpoint := 0
	replayed := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		recs, err := t.log.Read(ctx, w.partition, next, cfg.RecoveryBatchSize)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			// caught up against the sampled mark; re-sample in case the
			// log grew underneath us
			hwm, err = t.log.HighWaterMark(w.partition)
			if err != nil {
				return err
			}
			if next >= hwm {
				break
			}
			select {
			case <-time.After(cfg.RecoveryPollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, rec := range recs {
			if rec.Offset < next {
				continue
			}
			if err := w.applyRecord(rec); err != nil {
				return err
			}
			next = rec.Offset + 1
			replayed++
			sinceCheckpoint++
			if sinceCheckpoint >= cfg.CheckpointEvery {
				if err := w.st.Flush(); err != nil {
					return err
				}
				sinceCheckpoint = 0
			}
		}

		lag := hwm - next
		if lag < 0 {
			lag = 0
		}
		m.RecoveryLag.WithLabelValues(t.cfg.Name, partLabel).Set(float64(lag))
	}

	// a final flush makes the checkpoint durable before the partition serves
	if err := w.st.Flush(); err != nil {
		return err
	}

	m.ReplayedRecordsTotal.WithLabelValues(t.cfg.Name).Add(float64(replayed))
	m.RecoveryDuration.Observe(time.Since(start).Seconds())
	m.RecoveryLag.WithLabelValues(t.cfg.Name, partLabel).Set(0)

	w.logger.Info("Changelog replay complete",
		zap.Int64("replayed_records", replayed),
		zap.Int64("next_offset", next),
		zap.Duration("took", time.Since(start)))
	return nil
}

// tail keeps a standby partition warm by continuously applying new changelog
// records. It returns true when the standby has been promoted and is fully
// drained, false when the worker was stopped.
func (w *partitionWorker) tail() bool {
	t := w.table
	cfg := w.engineCfg()
	m := t.metrics
	partLabel := strconv.Itoa(int(w.partition))

	ticker := time.NewTicker(cfg.RecoveryPollInterval)
	defer ticker.Stop()

	next := w.st.Checkpoint() + 1
	sinceCheckpoint := 0
	promoting := false

	for {
		if !promoting {
			select {
			case <-w.ctx.Done():
				w.finalFlush()
				return false
			case <-w.promote:
				promoting = true
				w.logger.Info("Standby promotion requested, draining changelog")
			case <-ticker.C:
			}
		} else if w.ctx.Err() != nil {
			w.finalFlush()
			return false
		}

		recs, err := t.log.Read(w.ctx, w.partition, next, cfg.RecoveryBatchSize)
		if err != nil {
			if w.ctx.Err() != nil {
				w.finalFlush()
				return false
			}
			w.logger.Warn("Standby changelog read failed", zap.Error(err))
			continue
		}

		if len(recs) == 0 {
			m.RecoveryLag.WithLabelValues(t.cfg.Name, partLabel).Set(0)
			if promoting {
				hwm, err := t.log.HighWaterMark(w.partition)
				if err == nil && next >= hwm {
					if err := w.st.Flush(); err != nil {
						w.logger.Warn("Flush after standby drain failed", zap.Error(err))
					}
					return true
				}
				select {
				case <-time.After(cfg.RecoveryPollInterval):
				case <-w.ctx.Done():
					w.finalFlush()
					return false
				}
			}
			continue
		}

		for _, rec := range recs {
			if rec.Offset < next {
				continue
			}
			if err := w.applyRecord(rec); err != nil {
				w.logger.Warn("Standby apply failed", zap.Error(err))
				break
			}
			next = rec.Offset + 1
			sinceCheckpoint++
		}
		m.ReplayedRecordsTotal.WithLabelValues(t.cfg.Name).Add(float64(len(recs)))

		if sinceCheckpoint >= cfg.CheckpointEvery {
			if err := w.st.Flush(); err != nil {
				w.logger.Warn("Standby checkpoint flush failed", zap.Error(err))
			} else {
				sinceCheckpoint = 0
			}
		}
	}
}
