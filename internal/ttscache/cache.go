package ttscache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/gramyfied/eloquence-backend/internal/observe"
)

// defaultMemoryBudget bounds the in-process tier. 64 MiB holds roughly half
// an hour of 16 kHz PCM16, far more than the canned-phrase working set.
const defaultMemoryBudget = 64 << 20

// FillFunc synthesizes the audio for a missing key. It returns the raw PCM
// and its sample rate.
type FillFunc func(ctx context.Context) ([]byte, int, error)

// Result is the outcome of a [Cache.Fetch].
type Result struct {
	PCM        []byte
	SampleRate int

	// Hit is true when the audio came from either tier rather than the fill
	// function.
	Hit bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithMemoryBudget overrides the in-process tier's byte budget.
func WithMemoryBudget(bytes int) Option {
	return func(c *Cache) { c.memory = newLRU(bytes) }
}

// WithMetrics wires the cache hit/miss counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is the process-wide synthesized-audio cache. All methods are safe
// for concurrent use.
type Cache struct {
	enabled bool
	prefix  string
	ttl     time.Duration

	memory  *lruCache
	rdb     redis.UniversalClient // nil disables the networked tier
	flight  singleflight.Group
	metrics *observe.Metrics
}

// New creates a Cache. rdb may be nil, in which case only the in-memory tier
// is used. When enabled is false every lookup misses and nothing is stored;
// Fetch degenerates to calling the fill function.
func New(enabled bool, prefix string, ttl time.Duration, rdb redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		enabled: enabled,
		prefix:  prefix,
		ttl:     ttl,
		memory:  newLRU(defaultMemoryBudget),
		rdb:     rdb,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get looks the key up in both tiers. A Redis hit is promoted into memory.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, int, bool) {
	if !c.enabled {
		return nil, 0, false
	}
	hash := key.RedisKey(c.prefix)

	if pcm, rate, ok := c.memory.get(hash); ok {
		c.recordHit(ctx)
		return pcm, rate, true
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, hash).Bytes()
		if err == nil {
			entry, derr := unmarshalEntry(data)
			if derr == nil {
				pcm, perr := entry.PCM()
				if perr == nil {
					c.memory.put(hash, pcm, entry.SampleRate, c.ttl)
					c.recordHit(ctx)
					return pcm, entry.SampleRate, true
				}
				derr = perr
			}
			slog.Warn("tts cache entry unreadable, treating as miss",
				"key", hash, "error", derr)
		} else if err != redis.Nil {
			slog.Warn("tts cache read failed", "key", hash, "error", err)
		}
	}

	c.recordMiss(ctx)
	return nil, 0, false
}

// Put stores pcm under key, subject to the write-back policy. Writes for the
// same key serialize through singleflight in [Cache.Fetch]; direct Put is
// used by pre-warming.
func (c *Cache) Put(ctx context.Context, key Key, pcm []byte, sampleRate int) {
	if !c.enabled || len(pcm) == 0 {
		return
	}
	hash := key.RedisKey(c.prefix)
	entry := newEntry(pcm, sampleRate)
	if !entry.Storable() {
		return
	}

	c.memory.put(hash, append([]byte(nil), pcm...), sampleRate, c.ttl)

	if c.rdb == nil {
		return
	}
	data, err := entry.Marshal()
	if err != nil {
		slog.Warn("tts cache marshal failed", "key", hash, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, hash, data, c.ttl).Err(); err != nil {
		slog.Warn("tts cache write failed", "key", hash, "error", err)
	}
}

// Fetch returns the audio for key, synthesizing it with fill on a miss.
// Concurrent fetches of the same key run fill at most once; every caller
// receives the identical payload, which keeps replays bit-identical.
func (c *Cache) Fetch(ctx context.Context, key Key, fill FillFunc) (*Result, error) {
	if !c.enabled {
		pcm, rate, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{PCM: pcm, SampleRate: rate}, nil
	}

	if pcm, rate, ok := c.Get(ctx, key); ok {
		return &Result{PCM: pcm, SampleRate: rate, Hit: true}, nil
	}

	hash := key.Hash()
	v, err, shared := c.flight.Do(hash, func() (any, error) {
		// Another flight may have filled the key while we queued.
		if pcm, rate, ok := c.Get(ctx, key); ok {
			return &Result{PCM: pcm, SampleRate: rate, Hit: true}, nil
		}
		pcm, rate, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, pcm, rate)
		return &Result{PCM: pcm, SampleRate: rate}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ttscache: fetch %s: %w", hash[:12], err)
	}

	res := v.(*Result)
	if shared && !res.Hit {
		// Piggybacked on another caller's synthesis.
		res = &Result{PCM: res.PCM, SampleRate: res.SampleRate, Hit: true}
	}
	return res, nil
}

func (c *Cache) recordHit(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.CacheHits.Add(ctx, 1)
	}
}

func (c *Cache) recordMiss(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(ctx, 1)
	}
}
