package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// CacheOptions configures the read-through cache in front of a partition
// store
type CacheOptions struct {
	Size   int
	Hits   prometheus.Counter
	Misses prometheus.Counter
}

// CachedStore wraps a Store with an LRU read cache. Only present values are
// cached; absence is always answered by the inner store so tombstones can
// never be masked.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, []byte]
	hits  prometheus.Counter
	miss  prometheus.Counter
}

// NewCachedStore wraps inner with an LRU of the given size
func NewCachedStore(inner Store, opts CacheOptions) (*CachedStore, error) {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	cache, err := lru.New[string, []byte](opts.Size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{
		inner: inner,
		cache: cache,
		hits:  opts.Hits,
		miss:  opts.Misses,
	}, nil
}

func (c *CachedStore) Get(key []byte) ([]byte, error) {
	if val, ok := c.cache.Get(string(key)); ok {
		if c.hits != nil {
			c.hits.Inc()
		}
		out := make([]byte, len(val))
		copy(out, val)
		return out, nil
	}
	if c.miss != nil {
		c.miss.Inc()
	}

	val, err := c.inner.Get(key)
	if err != nil {
		return nil, err
	}
	cached := make([]byte, len(val))
	copy(cached, val)
	c.cache.Add(string(key), cached)
	return val, nil
}

func (c *CachedStore) Set(key, value []byte) error {
	if err := c.inner.Set(key, value); err != nil {
		return err
	}
	cached := make([]byte, len(value))
	copy(cached, value)
	c.cache.Add(string(key), cached)
	return nil
}

func (c *CachedStore) Delete(key []byte) error {
	if err := c.inner.Delete(key); err != nil {
		return err
	}
	c.cache.Remove(string(key))
	return nil
}

func (c *CachedStore) Scan(prefix []byte) (Iterator, error) {
	return c.inner.Scan(prefix)
}

func (c *CachedStore) Flush() error {
	return c.inner.Flush()
}

func (c *CachedStore) SetCheckpoint(offset int64) {
	c.inner.SetCheckpoint(offset)
}

func (c *CachedStore) Checkpoint() int64 {
	return c.inner.Checkpoint()
}

func (c *CachedStore) Pending() int {
	return c.inner.Pending()
}

func (c *CachedStore) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
