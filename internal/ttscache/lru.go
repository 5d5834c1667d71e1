package ttscache

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is a byte-bounded LRU of decoded PCM payloads, the in-process tier
// in front of Redis. Entries also respect the cache TTL so the memory tier
// never outlives the networked one.
type lruCache struct {
	mu       sync.Mutex
	maxBytes int
	curBytes int
	order    *list.List // front = most recent
	items    map[string]*list.Element
}

type lruItem struct {
	key        string
	pcm        []byte
	sampleRate int
	expiresAt  time.Time
}

func newLRU(maxBytes int) *lruCache {
	return &lruCache{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// get returns the cached payload and promotes the entry.
func (c *lruCache) get(key string) ([]byte, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, 0, false
	}
	it := el.Value.(*lruItem)
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		c.removeLocked(el)
		return nil, 0, false
	}
	c.order.MoveToFront(el)
	return it.pcm, it.sampleRate, true
}

// put inserts or refreshes an entry and evicts from the tail past the byte
// budget. Payloads larger than the whole budget are not cached.
func (c *lruCache) put(key string, pcm []byte, sampleRate int, ttl time.Duration) {
	if len(pcm) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		it := el.Value.(*lruItem)
		c.curBytes += len(pcm) - len(it.pcm)
		it.pcm = pcm
		it.sampleRate = sampleRate
		it.expiresAt = expires
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&lruItem{
			key:        key,
			pcm:        pcm,
			sampleRate: sampleRate,
			expiresAt:  expires,
		})
		c.items[key] = el
		c.curBytes += len(pcm)
	}

	for c.curBytes > c.maxBytes {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.removeLocked(tail)
	}
}

func (c *lruCache) removeLocked(el *list.Element) {
	it := el.Value.(*lruItem)
	c.order.Remove(el)
	delete(c.items, it.key)
	c.curBytes -= len(it.pcm)
}

// len returns the number of resident entries.
func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
