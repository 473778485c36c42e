// Package listing caches per-tab video listings so concurrent callers do
// not burn browser round-trips on data that is still fresh.
package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
)

// Fetcher is the scraper capability the cache refreshes through.
type Fetcher interface {
	FetchListing(ctx context.Context, tab string, page int) ([]core.VideoRecord, error)
}

// Options configure freshness and fallback policy. The stale fallback is a
// deliberate policy choice and must stay explicit and testable.
type Options struct {
	// TTL is the freshness window of an entry.
	TTL time.Duration

	// ServeStaleOnError returns an expired entry, annotated stale, when a
	// refresh fails instead of propagating the error.
	ServeStaleOnError bool

	// FetchTimeout bounds one refresh round-trip.
	FetchTimeout time.Duration

	// RedisURL enables the L2 tier when non-empty. L2 survives restarts;
	// L1 stays authoritative within a process.
	RedisURL string
}

type key struct {
	Tab  string
	Page int
}

func (k key) String() string {
	return fmt.Sprintf("ytsum:listing:%s:%d", k.Tab, k.Page)
}

// entry is replaced wholesale on refresh, never mutated in place. Expired
// entries are retained for stats and the stale-fallback path.
type entry struct {
	Videos    []core.VideoRecord `json:"videos"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// Stats is a point-in-time snapshot of cache state and counters.
type Stats struct {
	Entries int            `json:"entries"`
	PerTab  map[string]int `json:"per_tab"`
	Hits    int64          `json:"hits"`
	Misses  int64          `json:"misses"`
	L2      bool           `json:"l2_enabled"`
}

// Cache is the listing cache.
type Cache struct {
	fetcher Fetcher
	opts    Options
	log     *logging.Logger

	mu      sync.RWMutex
	entries map[key]*entry

	// flight coalesces concurrent refreshes of the same key: one caller
	// fetches, the rest wait for its result.
	flight singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	rdb *redis.Client // nil when L2 disabled
}

// New creates the cache. An unreachable Redis disables L2 with a warning
// rather than failing startup.
func New(fetcher Fetcher, opts Options, log *logging.Logger) *Cache {
	c := &Cache{
		fetcher: fetcher,
		opts:    opts,
		log:     log,
		entries: make(map[key]*entry),
	}

	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			log.Warnf("cache: invalid redis URL, L2 disabled: %v", err)
		} else {
			rdb := redis.NewClient(ropts)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warnf("cache: redis unreachable, L2 disabled: %v", err)
			} else {
				c.rdb = rdb
				log.Infof("cache: L2 redis connected at %s", ropts.Addr)
			}
		}
	}

	log.Infof("cache: initialized, ttl=%s stale_fallback=%v", opts.TTL, opts.ServeStaleOnError)
	return c
}

// Get returns the listing for (tab, page). A fresh entry is served directly
// unless forceRefresh is set; otherwise a coalesced refresh runs, with the
// stale-fallback policy applied on failure.
func (c *Cache) Get(ctx context.Context, tab string, page int, forceRefresh bool) (core.Listing, error) {
	k := key{Tab: tab, Page: page}

	if !forceRefresh {
		c.mu.RLock()
		e, ok := c.entries[k]
		c.mu.RUnlock()
		if ok && c.fresh(e) {
			c.hits.Add(1)
			return c.listingFrom(k, e, true, false), nil
		}
	}
	c.misses.Add(1)

	v, err, _ := c.flight.Do(k.String(), func() (interface{}, error) {
		return c.refresh(ctx, k, forceRefresh)
	})
	if err != nil {
		return core.Listing{}, err
	}
	return v.(core.Listing), nil
}

// refresh runs inside the singleflight; exactly one per key at a time.
func (c *Cache) refresh(ctx context.Context, k key, forceRefresh bool) (core.Listing, error) {
	// A caller that queued behind a completed refresh takes its result.
	if !forceRefresh {
		c.mu.RLock()
		e, ok := c.entries[k]
		c.mu.RUnlock()
		if ok && c.fresh(e) {
			return c.listingFrom(k, e, true, false), nil
		}

		if e := c.l2Load(ctx, k); e != nil {
			c.store(k, e)
			return c.listingFrom(k, e, true, false), nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	videos, err := c.fetcher.FetchListing(fctx, k.Tab, k.Page)
	if err != nil {
		if core.IsTimeout(err) {
			err = fmt.Errorf("%w: fetching %s page %d: %v", core.ErrTimeout, k.Tab, k.Page, err)
		}

		if c.opts.ServeStaleOnError {
			c.mu.RLock()
			stale, ok := c.entries[k]
			c.mu.RUnlock()
			if ok {
				c.log.Warnf("cache: refresh of %s page %d failed, serving stale from %s: %v",
					k.Tab, k.Page, stale.FetchedAt.Format(time.RFC3339), err)
				return c.listingFrom(k, stale, true, true), nil
			}
		}
		return core.Listing{}, err
	}

	e := &entry{Videos: videos, FetchedAt: time.Now()}
	c.store(k, e)
	c.l2Store(ctx, k, e)
	return c.listingFrom(k, e, false, false), nil
}

func (c *Cache) store(k key, e *entry) {
	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()
}

func (c *Cache) fresh(e *entry) bool {
	return time.Since(e.FetchedAt) < c.opts.TTL
}

func (c *Cache) listingFrom(k key, e *entry, fromCache, stale bool) core.Listing {
	// Copy the slice so callers never alias cache internals.
	videos := make([]core.VideoRecord, len(e.Videos))
	copy(videos, e.Videos)
	return core.Listing{
		Tab:       k.Tab,
		Page:      k.Page,
		Videos:    videos,
		FetchedAt: e.FetchedAt,
		Stale:     stale,
		FromCache: fromCache,
	}
}

// l2Load consults Redis after an L1 miss. Redis key TTLs track the
// freshness window, so presence implies fresh.
func (c *Cache) l2Load(ctx context.Context, k key) *entry {
	if c.rdb == nil {
		return nil
	}
	data, err := c.rdb.Get(ctx, k.String()).Bytes()
	if err != nil {
		return nil
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	c.log.Debugf("cache: L2 hit for %s", k)
	return &e
}

func (c *Cache) l2Store(ctx context.Context, k key, e *entry) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, k.String(), data, c.opts.TTL).Err(); err != nil {
		c.log.Debugf("cache: L2 set failed: %v", err)
	}
}

// InvalidateTab removes every entry under the given tab. No-op when none
// exist.
func (c *Cache) InvalidateTab(ctx context.Context, tab string) {
	c.mu.Lock()
	var removed []key
	for k := range c.entries {
		if k.Tab == tab {
			removed = append(removed, k)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	c.l2Drop(ctx, removed)
	c.log.Infof("cache: invalidated %d entries for tab %s", len(removed), tab)
}

// InvalidateAll clears every entry.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	removed := make([]key, 0, len(c.entries))
	for k := range c.entries {
		removed = append(removed, k)
	}
	c.entries = make(map[key]*entry)
	c.mu.Unlock()

	c.l2Drop(ctx, removed)
	c.log.Infof("cache: invalidated all %d entries", len(removed))
}

func (c *Cache) l2Drop(ctx context.Context, keys []key) {
	if c.rdb == nil || len(keys) == 0 {
		return
	}
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = k.String()
	}
	if err := c.rdb.Del(ctx, strs...).Err(); err != nil {
		c.log.Debugf("cache: L2 delete failed: %v", err)
	}
}

// Stats returns entry counts and hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	perTab := make(map[string]int)
	for k := range c.entries {
		perTab[k.Tab]++
	}
	total := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Entries: total,
		PerTab:  perTab,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		L2:      c.rdb != nil,
	}
}

// ResetCounters zeroes the hit/miss counters.
func (c *Cache) ResetCounters() {
	c.hits.Store(0)
	c.misses.Store(0)
}
