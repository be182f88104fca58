// Package cache stores the last known quote per symbol with a source-specific
// TTL and grades its staleness at read time.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/sources"
)

// Level grades quote staleness.
type Level string

const (
	LevelFresh   Level = "fresh"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Config configures the cache.
type Config struct {
	Capacity int
	// WarningThreshold and ErrorThreshold grade quotes from sources without
	// a heartbeat.
	WarningThreshold time.Duration
	ErrorThreshold   time.Duration
	// DefaultTTL per source kind.
	DefaultTTL map[sources.Kind]time.Duration
}

// ConfigFrom converts the YAML cache section.
func ConfigFrom(cc config.CacheConfig) Config {
	return Config{
		Capacity:         cc.Capacity,
		WarningThreshold: cc.WarningThreshold.ToDuration(),
		ErrorThreshold:   cc.ErrorThreshold.ToDuration(),
		DefaultTTL: map[sources.Kind]time.Duration{
			sources.KindOracle: cc.OracleTTL.ToDuration(),
			sources.KindDEX:    cc.DEXTTL.ToDuration(),
			sources.KindREST:   cc.RESTTTL.ToDuration(),
		},
	}
}

// Entry is a cached quote with its bookkeeping.
type Entry struct {
	Quote        sources.Quote
	Heartbeat    time.Duration
	CachedAt     time.Time
	TTL          time.Duration
	AccessCount  int64
	LastAccessed time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return e.CachedAt.Add(e.TTL).Before(now)
}

// Hit is a cache read with staleness recomputed for the read time.
type Hit struct {
	Quote    sources.Quote `json:"quote"`
	Level    Level         `json:"level"`
	CachedAt time.Time     `json:"cached_at"`
}

// StaleEntry is one result of ListStale.
type StaleEntry struct {
	Symbol           string  `json:"symbol"`
	Source           string  `json:"source"`
	StalenessSeconds float64 `json:"staleness_seconds"`
	Level            Level   `json:"level"`
}

// Stats reports cache counters.
type Stats struct {
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Cache is a bounded, least-recently-accessed quote cache. It is safe for
// concurrent use.
type Cache struct {
	cfg   Config
	clock clock.Clock

	mu          sync.Mutex
	lru         *simplelru.LRU[string, *Entry]
	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// New creates a cache.
func New(cfg Config, clk clock.Clock) (*Cache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if clk == nil {
		clk = clock.Real{}
	}
	l, err := simplelru.NewLRU[string, *Entry](cfg.Capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{cfg: cfg, clock: clk, lru: l}, nil
}

// TTLFor resolves the TTL for a quote from src: an explicit override wins,
// then the source's cache_ttl, then the per-kind default. The result never
// exceeds the source's critical staleness threshold.
func (c *Cache) TTLFor(src sources.Descriptor, override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = src.CacheTTL
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL[src.Kind]
	}
	critical := config.CriticalStaleness(src.Heartbeat, c.cfg.ErrorThreshold)
	if critical > 0 && (ttl <= 0 || ttl > critical) {
		ttl = critical
	}
	return ttl
}

// Put stores q from src. ttl 0 selects the source default. When the cache is
// full the least recently accessed entry is evicted.
func (c *Cache) Put(q sources.Quote, src sources.Descriptor, ttl time.Duration) {
	now := c.clock.Now()
	symbol := sources.NormalizeSymbol(q.Symbol)
	entry := &Entry{
		Quote:        q,
		Heartbeat:    src.Heartbeat,
		CachedAt:     now,
		TTL:          c.TTLFor(src, ttl),
		LastAccessed: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Add(symbol, entry) {
		c.evictions++
		metrics.RecordCacheEviction("capacity", 1)
	}
}

// Get returns the quote for symbol with staleness and level recomputed now.
// Expired entries are dropped and reported as misses.
func (c *Cache) Get(symbol string) (Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(sources.NormalizeSymbol(symbol), c.clock.Now())
}

// GetBatch looks up several symbols in one step. Missing symbols map to nil.
func (c *Cache) GetBatch(symbols []string) map[string]*Hit {
	now := c.clock.Now()
	out := make(map[string]*Hit, len(symbols))

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		symbol := sources.NormalizeSymbol(s)
		if hit, ok := c.getLocked(symbol, now); ok {
			h := hit
			out[symbol] = &h
		} else {
			out[symbol] = nil
		}
	}
	return out
}

func (c *Cache) getLocked(symbol string, now time.Time) (Hit, bool) {
	entry, ok := c.lru.Get(symbol)
	if !ok {
		c.misses++
		metrics.RecordCacheRequest("miss")
		return Hit{}, false
	}
	if entry.expired(now) {
		c.lru.Remove(symbol)
		c.expirations++
		c.misses++
		metrics.RecordCacheRequest("expired")
		metrics.RecordCacheEviction("ttl", 1)
		return Hit{}, false
	}

	entry.AccessCount++
	entry.LastAccessed = now
	c.hits++
	metrics.RecordCacheRequest("hit")

	q := entry.Quote.At(now, entry.Heartbeat)
	return Hit{
		Quote:    q,
		Level:    c.classify(q.Staleness(), entry.Heartbeat),
		CachedAt: entry.CachedAt,
	}, true
}

// Classify grades a quote age. With a heartbeat H the source cadence decides
// (fresh up to H, warning beyond H, error beyond 2H); otherwise the global
// thresholds apply.
func (c *Cache) Classify(age, heartbeat time.Duration) Level {
	return c.classify(age, heartbeat)
}

func (c *Cache) classify(age, heartbeat time.Duration) Level {
	warn, crit := c.cfg.WarningThreshold, c.cfg.ErrorThreshold
	if heartbeat > 0 {
		warn, crit = heartbeat, 2*heartbeat
	}
	switch {
	case crit > 0 && age > crit:
		return LevelError
	case warn > 0 && age > warn:
		return LevelWarning
	}
	return LevelFresh
}

// ListStale returns entries older than warnAfter, most stale first. Entries
// older than errorAfter are graded error. A zero threshold falls back to the
// per-entry classification. Listing does not count as access.
func (c *Cache) ListStale(warnAfter, errorAfter time.Duration) []StaleEntry {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []StaleEntry
	for _, symbol := range c.lru.Keys() {
		entry, ok := c.lru.Peek(symbol)
		if !ok || entry.expired(now) {
			continue
		}
		age := now.Sub(entry.Quote.Timestamp)

		var level Level
		if warnAfter > 0 || errorAfter > 0 {
			switch {
			case errorAfter > 0 && age > errorAfter:
				level = LevelError
			case warnAfter > 0 && age > warnAfter:
				level = LevelWarning
			default:
				level = LevelFresh
			}
		} else {
			level = c.classify(age, entry.Heartbeat)
		}
		if level == LevelFresh {
			continue
		}

		out = append(out, StaleEntry{
			Symbol:           symbol,
			Source:           entry.Quote.Source,
			StalenessSeconds: age.Seconds(),
			Level:            level,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StalenessSeconds > out[j].StalenessSeconds
	})
	return out
}

// Sweep removes every entry whose TTL has elapsed and returns how many were
// removed. It is idempotent.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, symbol := range c.lru.Keys() {
		entry, ok := c.lru.Peek(symbol)
		if ok && entry.expired(now) {
			c.lru.Remove(symbol)
			removed++
		}
	}
	if removed > 0 {
		c.expirations += int64(removed)
		metrics.RecordCacheEviction("ttl", removed)
	}
	return removed
}

// Entry returns a copy of the raw entry without touching access order.
func (c *Cache) Entry(symbol string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Peek(sources.NormalizeSymbol(symbol))
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        c.lru.Len(),
		Capacity:    c.cfg.Capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}
