package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/sources"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

var (
	chainlink = sources.Descriptor{Name: "chainlink", Kind: sources.KindOracle, Heartbeat: time.Hour}
	uniswap   = sources.Descriptor{Name: "uniswap", Kind: sources.KindDEX, Heartbeat: time.Minute}
	noBeat    = sources.Descriptor{Name: "legacy", Kind: sources.KindREST}
)

func newTestCache(t *testing.T, capacity int) (*Cache, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(t0)
	cfg := ConfigFrom(config.Default().Cache)
	cfg.Capacity = capacity
	c, err := New(cfg, fake)
	require.NoError(t, err)
	return c, fake
}

func quote(symbol, source string, ts time.Time) sources.Quote {
	return sources.Quote{Symbol: symbol, Price: decimal.NewFromInt(100), Timestamp: ts, Source: source}
}

func TestTTLFor(t *testing.T) {
	c, _ := newTestCache(t, 10)

	assert.Equal(t, 5*time.Minute, c.TTLFor(chainlink, 0))
	assert.Equal(t, 2*time.Minute, c.TTLFor(uniswap, 0), "dex default is below 2x heartbeat")
	assert.Equal(t, 10*time.Minute, c.TTLFor(noBeat, 0))
	assert.Equal(t, 30*time.Second, c.TTLFor(uniswap, 30*time.Second), "explicit override wins")

	withTTL := chainlink
	withTTL.CacheTTL = 20 * time.Minute
	assert.Equal(t, 20*time.Minute, c.TTLFor(withTTL, 0))

	assert.Equal(t, 2*time.Hour, c.TTLFor(chainlink, 5*time.Hour), "clamped to 2x heartbeat")
	assert.Equal(t, 2*time.Hour, c.TTLFor(noBeat, 3*time.Hour), "clamped to global error threshold")
}

func TestGet_StalenessClassification(t *testing.T) {
	tests := []struct {
		age   time.Duration
		level Level
	}{
		{3000 * time.Second, LevelFresh},
		{3600 * time.Second, LevelFresh},
		{4000 * time.Second, LevelWarning},
		{7300 * time.Second, LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			c, fake := newTestCache(t, 10)
			c.Put(quote("ETH", "chainlink", fake.Now().Add(-tt.age)), chainlink, 0)

			hit, ok := c.Get("ETH")
			require.True(t, ok)
			assert.Equal(t, tt.level, hit.Level)
			assert.InDelta(t, tt.age.Seconds(), hit.Quote.StalenessSeconds, 1e-6)
		})
	}
}

func TestGet_GlobalThresholdsWithoutHeartbeat(t *testing.T) {
	c, fake := newTestCache(t, 10)

	c.Put(quote("A", "legacy", fake.Now().Add(-20*time.Minute)), noBeat, 0)
	c.Put(quote("B", "legacy", fake.Now().Add(-31*time.Minute)), noBeat, 0)
	c.Put(quote("C", "legacy", fake.Now().Add(-121*time.Minute)), noBeat, 0)

	a, _ := c.Get("A")
	b, _ := c.Get("B")
	cc, _ := c.Get("C")
	assert.Equal(t, LevelFresh, a.Level)
	assert.Equal(t, LevelWarning, b.Level)
	assert.Equal(t, LevelError, cc.Level)
}

func TestGet_RecomputesStalenessAtReadTime(t *testing.T) {
	c, fake := newTestCache(t, 10)
	c.Put(quote("ETH", "chainlink", fake.Now()), chainlink, 0)

	fake.Advance(90 * time.Second)
	hit, ok := c.Get("eth")
	require.True(t, ok)
	assert.InDelta(t, 90.0, hit.Quote.StalenessSeconds, 1e-6)
	assert.Equal(t, 100, hit.Quote.Confidence)
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	c, fake := newTestCache(t, 10)
	c.Put(quote("ETH", "uniswap", fake.Now()), uniswap, 0)

	fake.Advance(2 * time.Minute)
	_, ok := c.Get("ETH")
	assert.True(t, ok, "entry is valid up to cachedAt+ttl")

	fake.Advance(time.Second)
	_, ok = c.Get("ETH")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, 0, stats.Size)
}

func TestPut_EvictsLeastRecentlyAccessed(t *testing.T) {
	const capacity = 10000
	c, fake := newTestCache(t, capacity)

	for i := 0; i < capacity; i++ {
		c.Put(quote(fmt.Sprintf("SYM%d", i), "rest", fake.Now()), noBeat, 0)
		fake.Advance(time.Millisecond)
	}

	// SYM0 has the oldest cachedAt but is read last, so SYM1 now has the
	// smallest lastAccessed.
	_, ok := c.Get("SYM0")
	require.True(t, ok)

	c.Put(quote("SYM10000", "rest", fake.Now()), noBeat, 0)

	assert.Equal(t, capacity, c.Len())
	_, ok = c.Entry("SYM0")
	assert.True(t, ok, "recently accessed entry survives")
	_, ok = c.Entry("SYM1")
	assert.False(t, ok, "least recently accessed entry is evicted")
	_, ok = c.Entry("SYM10000")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestGetBatch(t *testing.T) {
	c, fake := newTestCache(t, 10)
	c.Put(quote("ETH", "chainlink", fake.Now()), chainlink, 0)
	c.Put(quote("BTC", "chainlink", fake.Now()), chainlink, 0)

	got := c.GetBatch([]string{"ETH", "btc", "SOL"})
	require.Len(t, got, 3)
	require.NotNil(t, got["ETH"])
	require.NotNil(t, got["BTC"])
	assert.Nil(t, got["SOL"])
	assert.Equal(t, "chainlink", got["ETH"].Quote.Source)
}

func TestListStale(t *testing.T) {
	c, fake := newTestCache(t, 10)
	long := chainlink
	long.CacheTTL = 2 * time.Hour

	c.Put(quote("FRESH", "chainlink", fake.Now().Add(-10*time.Minute)), long, 0)
	c.Put(quote("WARN", "chainlink", fake.Now().Add(-70*time.Minute)), long, 0)
	c.Put(quote("ERR", "chainlink", fake.Now().Add(-3*time.Hour)), long, 0)

	stale := c.ListStale(0, 0)
	require.Len(t, stale, 2)
	assert.Equal(t, "ERR", stale[0].Symbol)
	assert.Equal(t, LevelError, stale[0].Level)
	assert.Equal(t, "WARN", stale[1].Symbol)
	assert.Equal(t, LevelWarning, stale[1].Level)

	stale = c.ListStale(5*time.Minute, 60*time.Minute)
	require.Len(t, stale, 3)
	assert.Equal(t, LevelError, stale[1].Level, "70m exceeds explicit 60m error threshold")
	assert.Equal(t, LevelWarning, stale[2].Level)

	entry, ok := c.Entry("FRESH")
	require.True(t, ok)
	assert.Zero(t, entry.AccessCount, "listing is not an access")
}

func TestSweep(t *testing.T) {
	c, fake := newTestCache(t, 10)
	c.Put(quote("ETH", "uniswap", fake.Now()), uniswap, 0)
	c.Put(quote("BTC", "chainlink", fake.Now()), chainlink, 0)

	fake.Advance(3 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Sweep(), "sweep is idempotent")
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("BTC")
	assert.True(t, ok)
}
