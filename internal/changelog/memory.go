package changelog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process Log used by tests and by embedders that bring
// their own durability. It mirrors the file log's contract: per-partition
// strictly increasing offsets, tombstones preserved as nil values.
type MemoryLog struct {
	mu         sync.Mutex
	partitions map[int32][]Record
	closed     bool
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{partitions: make(map[int32][]Record)}
}

func (m *MemoryLog) Append(ctx context.Context, partition int32, rec Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	rec.Offset = int64(len(m.partitions[partition]))
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	key := make([]byte, len(rec.Key))
	copy(key, rec.Key)
	rec.Key = key
	if rec.Value != nil {
		val := make([]byte, len(rec.Value))
		copy(val, rec.Value)
		rec.Value = val
	}
	m.partitions[partition] = append(m.partitions[partition], rec)
	return rec.Offset, nil
}

func (m *MemoryLog) Read(ctx context.Context, partition int32, from int64, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	recs := m.partitions[partition]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(recs)) {
		return nil, nil
	}
	end := from + int64(max)
	if end > int64(len(recs)) {
		end = int64(len(recs))
	}
	out := make([]Record, end-from)
	copy(out, recs[from:end])
	return out, nil
}

func (m *MemoryLog) HighWaterMark(partition int32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.partitions[partition])), nil
}

func (m *MemoryLog) EarliestOffset(partition int32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return 0, nil
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
