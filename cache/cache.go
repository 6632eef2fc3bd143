package cache

import (
	"time"

	"github.com/semihalev/zlog/v2"
)

// Cache maps question keys to answer entries. Capacity is bounded per
// shard with LRU eviction; expired entries are purged opportunistically on
// lookup and periodically by the background sweeper.
type Cache struct {
	shards [shardCount]*shard

	stopSweep chan struct{}

	// Testing.
	now func() time.Time
}

// New returns a started cache holding up to size entries.
func New(size int) *Cache {
	if size < shardCount {
		size = shardCount
	}

	c := &Cache{
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}
	for i := range c.shards {
		c.shards[i] = newShard(size / shardCount)
	}

	go c.sweeper()

	return c
}

// Get returns the live entry under key, if any.
func (c *Cache) Get(key uint64) (*Entry, bool) {
	return c.shards[key&(shardCount-1)].Get(key, c.now().UTC())
}

// Add inserts or overwrites the entry under key. Racing inserts for the
// same key are last-writer-wins.
func (c *Cache) Add(key uint64, e *Entry) {
	c.shards[key&(shardCount-1)].Add(key, e)
}

// Remove removes the entry under key.
func (c *Cache) Remove(key uint64) {
	c.shards[key&(shardCount-1)].Remove(key)
}

// Len returns the total number of entries, expired included.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.Len()
	}
	return total
}

// Sweep removes every expired entry across all shards.
func (c *Cache) Sweep() int {
	now := c.now().UTC()

	removed := 0
	for _, s := range c.shards {
		removed += s.Sweep(now)
	}

	return removed
}

// Stop terminates the background sweeper.
func (c *Cache) Stop() {
	close(c.stopSweep)
}

func (c *Cache) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				zlog.Debug("Cache sweep", "removed", removed, "size", c.Len())
			}
		case <-c.stopSweep:
			return
		}
	}
}

const sweepInterval = time.Minute
