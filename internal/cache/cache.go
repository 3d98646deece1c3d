// Package cache implements the two-tier read cache used by the scheduling
// engine: a bounded in-process LRU in front of a durable key/value store.
//
// The cache is an optimization only. Durable-store failures are logged and
// degrade to a miss; they are never returned to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var ErrNotFound = errors.New("cache: key not found")

// Store is the durable tier. Keys passed to a Store already carry the
// configured prefix.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// envelope is the persisted layout of a cache entry.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// memEntry is an envelope held by the memory tier, stamped with the time it
// was loaded there.
type memEntry struct {
	envelope
	loaded time.Time
}

// Seq orders backend fetches for a single key.
type Seq uint64

type Options struct {
	TTL           time.Duration
	Prefix        string
	MemoryEntries int
	// MemoryTTL bounds how long the memory tier trusts an entry when a
	// durable store is shared with other instances. Zero means TTL.
	MemoryTTL time.Duration
	Now       func() time.Time
	Logger    zerolog.Logger
}

type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	StaleWrites uint64 `json:"stale_writes"`
	StoreErrors uint64 `json:"store_errors"`
	MemoryLen   int    `json:"memory_len"`
	InFlight    int    `json:"in_flight"` // keys with a backend fetch outstanding
}

// fetchState exists only while at least one fetch or durable read of its
// key is running. A fetch whose sequence number is below floor was overtaken
// by a write; a durable read is stale once writes moved.
type fetchState struct {
	floor    Seq
	writes   uint64
	inflight int
}

const lockStripes = 64

type Cache struct {
	mem    *lru.Cache[string, memEntry]
	store  Store
	ttl    time.Duration
	memTTL time.Duration
	prefix string
	now    func() time.Time
	log    zerolog.Logger
	flight singleflight.Group

	// stripes order the two-tier writes of one key; durable I/O runs under
	// the stripe, never under mu.
	stripes [lockStripes]sync.Mutex

	// mu guards the memory tier writes and the fetch sequencing state.
	mu      sync.Mutex
	clock   Seq
	fetches map[string]*fetchState

	hits      atomic.Uint64
	misses    atomic.Uint64
	stale     atomic.Uint64
	storeErrs atomic.Uint64
}

// New builds a cache. store may be nil, in which case only the in-process
// tier is used.
func New(store Store, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		return nil, errors.New("cache: ttl must be > 0")
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	memTTL := opts.TTL
	if store != nil && opts.MemoryTTL > 0 && opts.MemoryTTL < opts.TTL {
		memTTL = opts.MemoryTTL
	}

	mem, err := lru.New[string, memEntry](opts.MemoryEntries)
	if err != nil {
		return nil, err
	}

	return &Cache{
		mem:     mem,
		store:   store,
		ttl:     opts.TTL,
		memTTL:  memTTL,
		prefix:  opts.Prefix,
		now:     opts.Now,
		log:     opts.Logger,
		fetches: make(map[string]*fetchState),
	}, nil
}

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) fresh(e envelope) bool {
	return c.now().Sub(time.UnixMilli(e.Timestamp)) < c.ttl
}

// Get looks key up in memory, then in the durable store, and decodes the
// payload into dst. It reports whether a valid entry was found.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if e, ok := c.mem.Get(key); ok {
		trusted := c.fresh(e.envelope) && c.now().Sub(e.loaded) < c.memTTL
		if trusted && json.Unmarshal(e.Data, dst) == nil {
			c.hits.Add(1)
			return true
		}
		c.mem.Remove(key)
	}

	if c.store != nil {
		w := c.beginRead(key)
		e, ok := c.getDurable(ctx, key)
		if ok {
			if err := json.Unmarshal(e.Data, dst); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("decode cached payload")
				ok = false
			}
		}
		c.promote(key, w, e, ok)
		if ok {
			c.hits.Add(1)
			return true
		}
	}

	c.misses.Add(1)
	return false
}

func (c *Cache) getDurable(ctx context.Context, key string) (envelope, bool) {
	raw, err := c.store.Get(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.storeErrs.Add(1)
			c.log.Warn().Err(err).Str("key", key).Msg("durable cache read failed")
		}
		return envelope{}, false
	}

	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		c.storeErrs.Add(1)
		c.log.Warn().Err(err).Str("key", key).Msg("corrupt durable cache entry")
		c.deleteDurable(ctx, key)
		return envelope{}, false
	}
	if !c.fresh(e) {
		c.deleteDurable(ctx, key)
		return envelope{}, false
	}
	return e, true
}

// promote copies a durable hit into memory unless the key was written or
// invalidated while the durable read was in flight. It ends the read's
// fetch either way.
func (c *Cache) promote(key string, writes uint64, e envelope, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.fetches[key]; hit && st != nil && st.writes == writes {
		c.remember(key, e)
	}
	c.endFetchLocked(key)
}

func (c *Cache) beginRead(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackLocked(key).writes
}

func (c *Cache) trackLocked(key string) *fetchState {
	st := c.fetches[key]
	if st == nil {
		st = &fetchState{}
		c.fetches[key] = st
	}
	st.inflight++
	return st
}

// BeginFetch must be called before reading key's data from the backend; the
// returned sequence number is handed to SetFetched once the data arrives,
// or to AbortFetch if the read failed.
func (c *Cache) BeginFetch(key string) Seq {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	c.trackLocked(key)
	return c.clock
}

func (c *Cache) AbortFetch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endFetchLocked(key)
}

func (c *Cache) staleLocked(key string, seq Seq) bool {
	st := c.fetches[key]
	return st != nil && seq < st.floor
}

func (c *Cache) endFetchLocked(key string) {
	st := c.fetches[key]
	if st == nil {
		return
	}
	if st.inflight--; st.inflight <= 0 {
		delete(c.fetches, key)
	}
}

// bumpLocked makes every fetch of key started so far stale. Keys without a
// fetch in flight need no record: later fetches get a higher sequence.
func (c *Cache) bumpLocked(key string) {
	if st := c.fetches[key]; st != nil {
		st.floor = c.clock + 1
		st.writes++
	}
}

func (c *Cache) stripe(key string) *sync.Mutex {
	return &c.stripes[xxhash.Sum64String(key)%lockStripes]
}

// Set writes value to both tiers with the current timestamp. It always wins
// over fetches that started before it.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	l := c.stripe(key)
	l.Lock()
	defer l.Unlock()

	e, ok := c.encode(key, value)
	c.mu.Lock()
	c.bumpLocked(key)
	if ok {
		c.remember(key, e)
	} else {
		c.mem.Remove(key)
	}
	c.mu.Unlock()

	c.writeDurable(ctx, key, e, ok)
}

// SetFetched stores the result of a fetch started with BeginFetch. The write
// is rejected if a newer fetch already landed or the key was set or
// invalidated after the fetch began.
func (c *Cache) SetFetched(ctx context.Context, key string, seq Seq, value any) bool {
	l := c.stripe(key)
	l.Lock()
	defer l.Unlock()

	e, ok := c.encode(key, value)
	c.mu.Lock()
	if c.staleLocked(key, seq) {
		c.endFetchLocked(key)
		c.mu.Unlock()
		c.stale.Add(1)
		c.log.Debug().Str("key", key).Uint64("seq", uint64(seq)).Msg("rejected stale cache write")
		return false
	}
	if st := c.fetches[key]; st != nil {
		st.floor = seq + 1
		st.writes++
	}
	c.endFetchLocked(key)
	if ok {
		c.remember(key, e)
	} else {
		c.mem.Remove(key)
	}
	c.mu.Unlock()

	c.writeDurable(ctx, key, e, ok)
	return true
}

func (c *Cache) remember(key string, e envelope) {
	c.mem.Add(key, memEntry{envelope: e, loaded: c.now()})
}

func (c *Cache) encode(key string, value any) (envelope, bool) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("encode cache value")
		return envelope{}, false
	}
	return envelope{Data: data, Timestamp: c.now().UnixMilli()}, true
}

// writeDurable mirrors a memory write. A value that could not be encoded
// drops the durable copy instead.
func (c *Cache) writeDurable(ctx context.Context, key string, e envelope, ok bool) {
	if c.store == nil {
		return
	}
	if !ok {
		c.deleteDurable(ctx, key)
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("encode cache envelope")
		return
	}
	if err := c.store.Set(ctx, c.prefix+key, raw, c.ttl); err != nil {
		c.storeErrs.Add(1)
		c.log.Warn().Err(err).Str("key", key).Msg("durable cache write failed")
	}
}

func (c *Cache) Delete(ctx context.Context, key string) {
	l := c.stripe(key)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	c.bumpLocked(key)
	c.mem.Remove(key)
	c.mu.Unlock()

	c.deleteDurable(ctx, key)
}

func (c *Cache) deleteDurable(ctx context.Context, keys ...string) {
	if c.store == nil || len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	if err := c.store.Delete(ctx, full...); err != nil {
		c.storeErrs.Add(1)
		c.log.Warn().Err(err).Strs("keys", keys).Msg("durable cache delete failed")
	}
}

// InvalidatePattern removes every key in both tiers whose name contains
// substr and returns how many distinct keys were dropped.
func (c *Cache) InvalidatePattern(ctx context.Context, substr string) int {
	removed := make(map[string]struct{})

	c.mu.Lock()
	for _, k := range c.mem.Keys() {
		if strings.Contains(k, substr) {
			c.mem.Remove(k)
			removed[k] = struct{}{}
		}
	}
	for k := range c.fetches {
		if strings.Contains(k, substr) {
			c.bumpLocked(k)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		keys, err := c.store.Keys(ctx, c.prefix)
		if err != nil {
			c.storeErrs.Add(1)
			c.log.Warn().Err(err).Str("pattern", substr).Msg("list durable cache keys")
		} else {
			var durable []string
			for _, full := range keys {
				k := strings.TrimPrefix(full, c.prefix)
				if strings.Contains(k, substr) {
					durable = append(durable, k)
					removed[k] = struct{}{}
				}
			}
			c.deleteDurable(ctx, durable...)
		}
	}

	c.log.Debug().Str("pattern", substr).Int("removed", len(removed)).Msg("cache invalidated")
	return len(removed)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleWrites: c.stale.Load(),
		StoreErrors: c.storeErrs.Load(),
		MemoryLen:   c.mem.Len(),
		InFlight:    c.inFlight(),
	}
}

func (c *Cache) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetches)
}
