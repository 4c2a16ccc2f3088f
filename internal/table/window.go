package table

import (
	"encoding/binary"
	"fmt"
	"time"
)

// WindowType selects how event times map to buckets
type WindowType int

const (
	// Tumbling windows are contiguous and non-overlapping
	Tumbling WindowType = iota
	// Hopping windows of Size advance by Hop and overlap when Hop < Size
	Hopping
	// Sliding windows are realized as hopping windows with Hop = Size/2,
	// bounding the set of overlapping buckets per event
	Sliding
)

func (t WindowType) String() string {
	switch t {
	case Tumbling:
		return "tumbling"
	case Hopping:
		return "hopping"
	case Sliding:
		return "sliding"
	default:
		return "unknown"
	}
}

// WindowConfig layers time-bucketed sub-keys on a table. A write at event
// time t lands in every live bucket covering t; buckets whose end falls
// behind now-Retention are swept away through the normal, changelog-logged
// delete path and are never re-created.
type WindowConfig struct {
	Type      WindowType
	Size      time.Duration
	Hop       time.Duration
	Retention time.Duration

	// Reducer folds bucket values during AggregateRange reads. The exact
	// aggregation semantics are the application's call, so it is pluggable
	// rather than assumed to be summation.
	Reducer func(acc, value []byte) []byte
}

func (w *WindowConfig) normalize() error {
	if w.Size <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	switch w.Type {
	case Tumbling:
		w.Hop = w.Size
	case Hopping:
		if w.Hop <= 0 {
			return fmt.Errorf("hopping window requires a positive hop")
		}
		if w.Hop > w.Size {
			return fmt.Errorf("hop %v larger than window size %v leaves gaps", w.Hop, w.Size)
		}
	case Sliding:
		w.Hop = w.Size / 2
		if w.Hop <= 0 {
			w.Hop = w.Size
		}
	default:
		return fmt.Errorf("unknown window type %d", w.Type)
	}
	if w.Retention <= 0 {
		return fmt.Errorf("window retention must be positive")
	}
	if w.Retention < w.Size {
		return fmt.Errorf("retention %v shorter than window size %v", w.Retention, w.Size)
	}
	return nil
}

func (w *WindowConfig) sizeMs() int64 { return w.Size.Milliseconds() }
func (w *WindowConfig) hopMs() int64  { return w.Hop.Milliseconds() }

// bucketsFor returns the start (unix milli) of every bucket covering t
func (w *WindowConfig) bucketsFor(t time.Time) []int64 {
	ts := t.UnixMilli()
	size := w.sizeMs()
	hop := w.hopMs()

	if w.Type == Tumbling {
		return []int64{floorTo(ts, size)}
	}

	var starts []int64
	for b := floorTo(ts, hop); b+size > ts; b -= hop {
		starts = append(starts, b)
	}
	return starts
}

// bucketFor returns the single bucket used to answer a point-in-time read:
// for overlapping windows, the most recent bucket covering t.
func (w *WindowConfig) bucketFor(t time.Time) int64 {
	if w.Type == Tumbling {
		return floorTo(t.UnixMilli(), w.sizeMs())
	}
	return floorTo(t.UnixMilli(), w.hopMs())
}

// bucketRange returns the starts of all aligned buckets whose span
// intersects [from, to]
func (w *WindowConfig) bucketRange(from, to time.Time) []int64 {
	size := w.sizeMs()
	hop := w.hopMs()
	lo := from.UnixMilli()
	hi := to.UnixMilli()

	var starts []int64
	for b := floorTo(lo-size+1, hop); b <= hi; b += hop {
		if b+size > lo {
			starts = append(starts, b)
		}
	}
	return starts
}

func (w *WindowConfig) bucketEnd(startMs int64) int64 {
	return startMs + w.sizeMs()
}

// expired reports whether the bucket starting at startMs has fallen outside
// the retention horizon as of now
func (w *WindowConfig) expired(startMs int64, now time.Time) bool {
	return w.expiredEnd(w.bucketEnd(startMs), now)
}

func (w *WindowConfig) expiredEnd(endMs int64, now time.Time) bool {
	return endMs <= now.Add(-w.Retention).UnixMilli()
}

func floorTo(ts, step int64) int64 {
	f := ts / step
	if ts < 0 && ts%step != 0 {
		f--
	}
	return f * step
}

// windowKeySuffixLen is the fixed width of the bucket-start suffix, so the
// logical key is always recoverable from a stored window key
const windowKeySuffixLen = 8

// windowKey derives the stored key for (logical key, bucket start)
func windowKey(key []byte, startMs int64) []byte {
	wk := make([]byte, len(key)+windowKeySuffixLen)
	copy(wk, key)
	binary.BigEndian.PutUint64(wk[len(key):], uint64(startMs))
	return wk
}

// splitWindowKey recovers the logical key and bucket start from a stored
// window key
func splitWindowKey(wkey []byte) ([]byte, int64, bool) {
	if len(wkey) < windowKeySuffixLen {
		return nil, 0, false
	}
	split := len(wkey) - windowKeySuffixLen
	return wkey[:split], int64(binary.BigEndian.Uint64(wkey[split:])), true
}

// bucketRef orders live window buckets by end time for the expiry sweep
type bucketRef struct {
	end int64
	key string // stored window key
}

func bucketRefLess(a, b bucketRef) bool {
	if a.end != b.end {
		return a.end < b.end
	}
	return a.key < b.key
}

// SumInt64 is a stock reducer for 8-byte big-endian counters
func SumInt64(acc, value []byte) []byte {
	if len(value) != 8 {
		return acc
	}
	if acc == nil {
		out := make([]byte, 8)
		copy(out, value)
		return out
	}
	sum := int64(binary.BigEndian.Uint64(acc)) + int64(binary.BigEndian.Uint64(value))
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(sum))
	return out
}
