package changelog

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Options configures a file-backed changelog topic
type Options struct {
	// SegmentSize is the rotation threshold in bytes
	SegmentSize int64
	// SyncWrites fsyncs after every append
	SyncWrites bool
	// IndexInterval is the number of records between sparse index entries
	IndexInterval int
}

type indexEntry struct {
	offset int64
	pos    int64
}

// segment is one append-only file named by its base offset
type segment struct {
	base  int64
	path  string
	size  int64 // bytes of complete, verified frames
	count int64 // records in the segment
	index []indexEntry
	torn  bool // trailing partial frame discovered at scan time
}

// partitionLog is one partition's ordered sequence of segments. The engine's
// single-writer-per-partition guarantee means at most one FileLog instance
// appends to it; any number may read.
type partitionLog struct {
	mu         sync.Mutex
	dir        string
	segments   []*segment
	active     *os.File // append handle, nil until first Append
	nextOffset int64
	earliest   int64
	sinceIndex int
}

// FileLog implements Log on local segment files, one directory per
// partition under <root>/<topic>.
type FileLog struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	partitions map[int32]*partitionLog
	closed     bool
}

// OpenFileLog opens (creating if needed) the file-backed log for one
// changelog topic
func OpenFileLog(root, topic string, opts Options, logger *zap.Logger) (*FileLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 64 * 1024 * 1024
	}
	if opts.IndexInterval <= 0 {
		opts.IndexInterval = 128
	}

	dir := filepath.Join(root, topic)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create changelog directory: %w", err)
	}

	return &FileLog{
		dir:        dir,
		opts:       opts,
		logger:     logger,
		partitions: make(map[int32]*partitionLog),
	}, nil
}

func segmentName(base int64) string {
	return fmt.Sprintf("%020d.log", base)
}

func parseSegmentBase(path string) (int64, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".log")
	return strconv.ParseInt(name, 10, 64)
}

func (f *FileLog) partition(p int32) (*partitionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if pl, ok := f.partitions[p]; ok {
		return pl, nil
	}

	pl := &partitionLog{dir: filepath.Join(f.dir, fmt.Sprintf("p%05d", p))}
	if err := os.MkdirAll(pl.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	if err := f.loadPartition(pl); err != nil {
		return nil, err
	}
	f.partitions[p] = pl
	return pl, nil
}

// loadPartition scans existing segments to rebuild offsets and sparse
// indexes
func (f *FileLog) loadPartition(pl *partitionLog) error {
	paths, err := filepath.Glob(filepath.Join(pl.dir, "*.log"))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		pl.segments = []*segment{{base: 0, path: filepath.Join(pl.dir, segmentName(0))}}
		pl.nextOffset = 0
		pl.earliest = 0
		return nil
	}

	for _, path := range paths {
		base, err := parseSegmentBase(path)
		if err != nil {
			return fmt.Errorf("unrecognized segment file %s: %w", path, err)
		}
		seg := &segment{base: base, path: path}
		last := path == paths[len(paths)-1]
		if err := f.scanSegment(seg, last); err != nil {
			return err
		}
		pl.segments = append(pl.segments, seg)
	}

	first := pl.segments[0]
	lastSeg := pl.segments[len(pl.segments)-1]
	pl.earliest = first.base
	pl.nextOffset = lastSeg.base + lastSeg.count
	return nil
}

// scanSegment walks a segment's frames, building the sparse index. A torn
// or checksum-failing tail frame is tolerated on the last segment (crash
// during append); anywhere else it is corruption.
func (f *FileLog) scanSegment(seg *segment, last bool) error {
	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", seg.path, err)
	}
	defer file.Close()

	var pos int64
	header := make([]byte, frameHeaderSize)
	sinceIndex := 0
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			if err == io.EOF {
				return nil
			}
			// partial header at tail
			break
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[0:4]))
		frame := make([]byte, frameHeaderSize+payloadLen)
		copy(frame, header)
		if _, err := io.ReadFull(file, frame[frameHeaderSize:]); err != nil {
			break
		}
		payload, err := verifyFrame(frame)
		if err != nil {
			break
		}
		rec, err := decodePayload(payload)
		if err != nil {
			break
		}

		if sinceIndex == 0 {
			seg.index = append(seg.index, indexEntry{offset: rec.Offset, pos: pos})
		}
		sinceIndex = (sinceIndex + 1) % f.opts.IndexInterval

		pos += frameHeaderSize + payloadLen
		seg.size = pos
		seg.count++
	}

	if !last {
		return fmt.Errorf("%w: segment %s damaged mid-log", ErrCorrupted, seg.path)
	}
	seg.torn = true
	f.logger.Warn("Torn frame at changelog tail, replay ends at last complete record",
		zap.String("segment", seg.path),
		zap.Int64("valid_bytes", seg.size))
	return nil
}

// ensureWritable repairs a torn tail and opens the append handle. Only the
// appending owner calls this, so truncation never races another writer.
func (pl *partitionLog) ensureWritable() error {
	if pl.active != nil {
		return nil
	}
	seg := pl.segments[len(pl.segments)-1]
	if seg.torn {
		if err := os.Truncate(seg.path, seg.size); err != nil {
			return fmt.Errorf("failed to repair torn segment tail: %w", err)
		}
		seg.torn = false
	}
	file, err := os.OpenFile(seg.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment for append: %w", err)
	}
	pl.active = file
	return nil
}

func (pl *partitionLog) rotate() error {
	if pl.active != nil {
		_ = pl.active.Close()
	}
	seg := &segment{
		base: pl.nextOffset,
		path: filepath.Join(pl.dir, segmentName(pl.nextOffset)),
	}
	file, err := os.OpenFile(seg.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new segment: %w", err)
	}
	pl.segments = append(pl.segments, seg)
	pl.active = file
	pl.sinceIndex = 0
	return nil
}

// Append implements Log. The returned offset is acknowledged only after the
// frame is written (and synced when configured), preserving the write-ahead
// discipline.
func (f *FileLog) Append(ctx context.Context, partition int32, rec Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pl, err := f.partition(partition)
	if err != nil {
		return 0, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if err := pl.ensureWritable(); err != nil {
		return 0, err
	}

	rec.Offset = pl.nextOffset
	frame := encodeFrame(rec)

	seg := pl.segments[len(pl.segments)-1]
	if seg.size > 0 && seg.size+int64(len(frame)) > f.opts.SegmentSize {
		if err := pl.rotate(); err != nil {
			return 0, err
		}
		seg = pl.segments[len(pl.segments)-1]
	}

	if pl.sinceIndex == 0 {
		seg.index = append(seg.index, indexEntry{offset: rec.Offset, pos: seg.size})
	}
	pl.sinceIndex = (pl.sinceIndex + 1) % f.opts.IndexInterval

	if _, err := pl.active.Write(frame); err != nil {
		return 0, fmt.Errorf("changelog append: %w", err)
	}
	if f.opts.SyncWrites {
		if err := pl.active.Sync(); err != nil {
			return 0, fmt.Errorf("changelog sync: %w", err)
		}
	}

	seg.size += int64(len(frame))
	seg.count++
	pl.nextOffset++
	return rec.Offset, nil
}

// refresh discovers frames and segments appended by another FileLog
// instance sharing the same directory (the standby tailing case)
func (f *FileLog) refresh(pl *partitionLog) error {
	// extend the known last segment
	seg := pl.segments[len(pl.segments)-1]
	if pl.active == nil {
		grown, err := f.extendSegment(pl, seg)
		if err != nil {
			return err
		}
		_ = grown
	}

	// discover newer segment files
	paths, err := filepath.Glob(filepath.Join(pl.dir, "*.log"))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, path := range paths {
		base, err := parseSegmentBase(path)
		if err != nil {
			continue
		}
		if base <= seg.base {
			continue
		}
		next := &segment{base: base, path: path}
		if _, err := f.extendSegment(pl, next); err != nil {
			return err
		}
		pl.segments = append(pl.segments, next)
		seg = next
	}
	return nil
}

// extendSegment scans frames beyond seg.size, tolerating an incomplete tail
// (another writer may still be mid-append). It never truncates.
func (f *FileLog) extendSegment(pl *partitionLog, seg *segment) (bool, error) {
	info, err := os.Stat(seg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Size() <= seg.size {
		return false, nil
	}

	file, err := os.Open(seg.path)
	if err != nil {
		return false, err
	}
	defer file.Close()
	if _, err := file.Seek(seg.size, io.SeekStart); err != nil {
		return false, err
	}

	grown := false
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			break
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[0:4]))
		frame := make([]byte, frameHeaderSize+payloadLen)
		copy(frame, header)
		if _, err := io.ReadFull(file, frame[frameHeaderSize:]); err != nil {
			break
		}
		payload, err := verifyFrame(frame)
		if err != nil {
			break
		}
		rec, err := decodePayload(payload)
		if err != nil {
			break
		}
		seg.index = appendSparse(seg.index, rec.Offset, seg.size, f.opts.IndexInterval)
		seg.size += frameHeaderSize + payloadLen
		seg.count++
		if rec.Offset >= pl.nextOffset {
			pl.nextOffset = rec.Offset + 1
		}
		grown = true
	}
	return grown, nil
}

func appendSparse(index []indexEntry, offset, pos int64, interval int) []indexEntry {
	if len(index) == 0 || offset-index[len(index)-1].offset >= int64(interval) {
		return append(index, indexEntry{offset: offset, pos: pos})
	}
	return index
}

// Read implements Log
func (f *FileLog) Read(ctx context.Context, partition int32, from int64, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	pl, err := f.partition(partition)
	if err != nil {
		return nil, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if from >= pl.nextOffset {
		if err := f.refresh(pl); err != nil {
			return nil, err
		}
	}
	if from < pl.earliest {
		from = pl.earliest
	}
	if from >= pl.nextOffset {
		return nil, nil
	}

	// locate the segment holding `from`
	segIdx := 0
	for i, seg := range pl.segments {
		if seg.base > from {
			break
		}
		segIdx = i
	}

	out := make([]Record, 0, max)
	for i := segIdx; i < len(pl.segments) && len(out) < max; i++ {
		if err := f.readSegment(pl.segments[i], from, max, &out); err != nil {
			return nil, err
		}
		if len(out) > 0 {
			from = out[len(out)-1].Offset + 1
		}
	}
	return out, nil
}

func (f *FileLog) readSegment(seg *segment, from int64, max int, out *[]Record) error {
	if seg.count == 0 {
		return nil
	}

	// sparse index: greatest indexed position at or before `from`
	var pos int64
	for _, e := range seg.index {
		if e.offset > from {
			break
		}
		pos = e.pos
	}

	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("changelog read: %w", err)
	}
	defer file.Close()
	if _, err := file.Seek(pos, io.SeekStart); err != nil {
		return err
	}

	header := make([]byte, frameHeaderSize)
	for pos < seg.size && len(*out) < max {
		if _, err := io.ReadFull(file, header); err != nil {
			return fmt.Errorf("changelog read: %w", err)
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[0:4]))
		frame := make([]byte, frameHeaderSize+payloadLen)
		copy(frame, header)
		if _, err := io.ReadFull(file, frame[frameHeaderSize:]); err != nil {
			return fmt.Errorf("changelog read: %w", err)
		}
		payload, err := verifyFrame(frame)
		if err != nil {
			return fmt.Errorf("%w: segment %s", ErrCorrupted, seg.path)
		}
		rec, err := decodePayload(payload)
		if err != nil {
			return err
		}
		pos += frameHeaderSize + payloadLen
		if rec.Offset < from {
			continue
		}
		*out = append(*out, rec)
	}
	return nil
}

// HighWaterMark implements Log
func (f *FileLog) HighWaterMark(partition int32) (int64, error) {
	pl, err := f.partition(partition)
	if err != nil {
		return 0, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.active == nil {
		if err := f.refresh(pl); err != nil {
			return 0, err
		}
	}
	return pl.nextOffset, nil
}

// EarliestOffset implements Log
func (f *FileLog) EarliestOffset(partition int32) (int64, error) {
	pl, err := f.partition(partition)
	if err != nil {
		return 0, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.earliest, nil
}

// Close implements Log
func (f *FileLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, pl := range f.partitions {
		pl.mu.Lock()
		if pl.active != nil {
			_ = pl.active.Sync()
			_ = pl.active.Close()
			pl.active = nil
		}
		pl.mu.Unlock()
	}
	return nil
}
