package cache

import (
	"container/list"
	"sync"
	"time"
)

// shard is one lock domain of the cache: a key map plus an LRU order list.
type shard struct {
	mu sync.Mutex

	items map[uint64]*list.Element
	order *list.List // front is most recently used
	size  int
}

type slot struct {
	key   uint64
	entry *Entry
}

func newShard(size int) *shard {
	if size < 1 {
		size = 1
	}
	return &shard{
		items: make(map[uint64]*list.Element),
		order: list.New(),
		size:  size,
	}
}

// Get returns the live entry under key. Expired entries are purged on the
// spot and reported as misses.
func (s *shard) Get(key uint64, now time.Time) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}

	e := el.Value.(*slot).entry
	if e.Expired(now) {
		s.order.Remove(el)
		delete(s.items, key)
		return nil, false
	}

	s.order.MoveToFront(el)

	return e, true
}

// Add inserts or overwrites the entry under key, evicting the least
// recently used entry when the shard is full.
func (s *shard) Add(key uint64, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*slot).entry = e
		s.order.MoveToFront(el)
		return
	}

	if s.order.Len() >= s.size {
		if back := s.order.Back(); back != nil {
			s.order.Remove(back)
			delete(s.items, back.Value.(*slot).key)
		}
	}

	s.items[key] = s.order.PushFront(&slot{key: key, entry: e})
}

// Remove removes the entry under key.
func (s *shard) Remove(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
}

// Sweep drops every expired entry and returns the number removed.
func (s *shard) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, el := range s.items {
		if el.Value.(*slot).entry.Expired(now) {
			s.order.Remove(el)
			delete(s.items, key)
			removed++
		}
	}

	return removed
}

// Len returns the number of entries, expired included.
func (s *shard) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.order.Len()
}

const shardCount = 256
