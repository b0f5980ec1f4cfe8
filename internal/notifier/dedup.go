package notifier

import (
	"hash/fnv"
	"sync"
	"time"
)

// dedupCache suppresses repeated texts for a window. Keys are text hashes;
// when over capacity the entries expiring soonest go first.
type dedupCache struct {
	mu    sync.Mutex
	until map[uint64]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: map[uint64]time.Time{}}
}

func textKey(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// allow reports whether text may be sent now and, if so, suppresses it
// until now+window.
func (c *dedupCache) allow(text string, window time.Duration, capacity int, now time.Time) bool {
	key := textKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.until[key]; ok && now.Before(exp) {
		return false
	}
	c.until[key] = now.Add(window)

	for k, exp := range c.until {
		if !now.Before(exp) {
			delete(c.until, k)
		}
	}
	for len(c.until) > capacity {
		var (
			oldest uint64
			at     time.Time
			found  bool
		)
		for k, exp := range c.until {
			if !found || exp.Before(at) {
				oldest, at, found = k, exp, true
			}
		}
		delete(c.until, oldest)
	}
	return true
}

// historyRing keeps the last n delivery outcomes.
type historyRing struct {
	mu    sync.Mutex
	items []HistoryItem
	next  int
	full  bool
}

func newHistoryRing(n int) *historyRing {
	return &historyRing{items: make([]HistoryItem, n)}
}

func (r *historyRing) add(it HistoryItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = it
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *historyRing) list() []HistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]HistoryItem(nil), r.items[:r.next]...)
	}
	out := make([]HistoryItem, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
