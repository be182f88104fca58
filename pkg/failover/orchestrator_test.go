package failover

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-client/pkg/cache"
	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/health"
	"github.com/StrathCole/oracle-client/pkg/retry"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/volatility"
)

var (
	t0      = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	errDown = errors.New("dial tcp: connection refused")
)

type fakeSource struct {
	*sources.Base
	clock *clock.Fake

	mu     sync.Mutex
	calls  int
	price  decimal.Decimal
	age    time.Duration
	err    error
	status int
	delay  time.Duration
}

func newFakeSource(name string, priority int, clk *clock.Fake, symbols ...string) *fakeSource {
	if len(symbols) == 0 {
		symbols = []string{"ETH", "BTC"}
	}
	pairs := make(map[string]string, len(symbols))
	for _, s := range symbols {
		pairs[s] = s
	}
	desc := sources.Descriptor{
		Name:      name,
		Kind:      sources.KindREST,
		Priority:  priority,
		Enabled:   true,
		Heartbeat: 5 * time.Minute,
		Timeout:   time.Second,
	}
	return &fakeSource{
		Base:  sources.NewBase(desc, pairs, nil),
		clock: clk,
		price: decimal.NewFromInt(3000),
	}
}

func (f *fakeSource) Call(_ context.Context, _ string) (*sources.Response, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.status != 0 {
		return &sources.Response{StatusCode: f.status, Header: http.Header{}}, nil
	}
	return sources.OK([]byte("ok")), nil
}

func (f *fakeSource) Decode(_ string, _ *sources.Response) (sources.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sources.Observation{Price: f.price, Timestamp: f.clock.Now().Add(-f.age)}, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type harness struct {
	o     *Orchestrator
	clock *clock.Fake
}

func newHarness(t *testing.T, clk *clock.Fake, srcs ...*fakeSource) *harness {
	t.Helper()
	ctrl := retry.NewController(
		retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second},
		nil,
		retry.WithClock(clk),
		retry.WithJitter(func() float64 { return 0 }),
		retry.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	ch, err := cache.New(cache.ConfigFrom(config.Default().Cache), clk)
	require.NoError(t, err)

	list := make([]sources.Source, len(srcs))
	for i, s := range srcs {
		list[i] = s
	}
	o, err := New(Config{BatchConcurrency: 4}, list, Components{
		Retry:    ctrl,
		Registry: health.NewRegistry(health.DefaultConfig(), clk, nil),
		Cache:    ch,
		Monitor:  volatility.NewMonitor(volatility.DefaultConfig(), clk, nil),
		Clock:    clk,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(o.Stop)
	return &harness{o: o, clock: clk}
}

func (h *harness) health(t *testing.T, name string) health.SourceHealth {
	t.Helper()
	sh, ok := h.o.Registry().Get(name)
	require.True(t, ok)
	return sh
}

func TestGetPrice_FailsOverToNextSource(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 1, clk)
	b := newFakeSource("b", 2, clk)
	a.err = errDown
	h := newHarness(t, clk, b, a)

	q, err := h.o.GetPrice(context.Background(), "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(3000)))
	assert.Equal(t, 100, q.Confidence)

	assert.Equal(t, 3, a.Calls(), "retried before failing over")
	assert.Equal(t, int64(1), h.health(t, "a").FailureCount)
	assert.Equal(t, int64(0), h.health(t, "a").SuccessCount)
	assert.Equal(t, int64(1), h.health(t, "b").SuccessCount)
	assert.Equal(t, int64(0), h.health(t, "b").FailureCount)

	hit, ok := h.o.Cache().Get("ETH")
	require.True(t, ok)
	assert.Equal(t, "b", hit.Quote.Source)
	assert.Equal(t, []string{"ETH"}, h.o.Monitor().Symbols())
}

func TestGetPrice_NormalizesSymbol(t *testing.T) {
	clk := clock.NewFake(t0)
	h := newHarness(t, clk, newFakeSource("a", 0, clk))

	q, err := h.o.GetPrice(context.Background(), "weth/usdt", 0)
	require.NoError(t, err)
	assert.Equal(t, "ETH", q.Symbol)
}

func TestSetSourceEnabled(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	b := newFakeSource("b", 1, clk)
	h := newHarness(t, clk, a, b)

	require.NoError(t, h.o.SetSourceEnabled("a", false))
	q, err := h.o.GetPrice(context.Background(), "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source)
	assert.Equal(t, 0, a.Calls())

	require.NoError(t, h.o.SetSourceEnabled("a", true))
	q, err = h.o.GetPrice(context.Background(), "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", q.Source)

	assert.ErrorIs(t, h.o.SetSourceEnabled("zzz", false), health.ErrUnknownSource)
}

func TestGetPrice_AllSourcesFailed(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	b := newFakeSource("b", 1, clk)
	a.status = http.StatusNotFound
	b.err = errDown
	h := newHarness(t, clk, a, b)

	_, err := h.o.GetPrice(context.Background(), "ETH", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllSourcesFailed)

	var asf *AllSourcesFailedError
	require.ErrorAs(t, err, &asf)
	assert.Equal(t, []string{"a", "b"}, asf.Attempted())
	assert.Equal(t, retry.KindNotFound, asf.Attempts[0].Kind)
	assert.Equal(t, retry.KindNetworkError, asf.Attempts[1].Kind)
	assert.Equal(t, 1, a.Calls(), "non-retryable status is not retried")
}

func TestGetPrice_ListsSkippedSources(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	b := newFakeSource("b", 1, clk)
	h := newHarness(t, clk, a, b)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.o.Registry().RecordOutcome("a", false, 0, errDown))
	}
	b.err = errDown

	_, err := h.o.GetPrice(context.Background(), "ETH", 0)
	var asf *AllSourcesFailedError
	require.ErrorAs(t, err, &asf)
	require.Len(t, asf.Attempts, 2)
	assert.True(t, asf.Attempts[0].Skipped)
	assert.Equal(t, ReasonBreakerOpen, asf.Attempts[0].Reason)
	assert.False(t, asf.Attempts[1].Skipped)
	assert.Zero(t, a.Calls(), "open breaker is not called")
}

func TestGetPrice_NoHealthySources(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	h := newHarness(t, clk, a)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.o.Registry().RecordOutcome("a", false, 0, errDown))
	}

	_, err := h.o.GetPrice(context.Background(), "ETH", 0)
	assert.ErrorIs(t, err, ErrNoHealthySources)
	assert.Zero(t, a.Calls())

	clk.Advance(time.Minute)
	q, err := h.o.GetPrice(context.Background(), "ETH", 0)
	require.NoError(t, err, "probe allowed after cooldown")
	assert.Equal(t, "a", q.Source)
	state, _ := h.o.Registry().State("a")
	assert.Equal(t, health.StateClosed, state)
}

func TestGetPrice_UnknownSymbol(t *testing.T) {
	clk := clock.NewFake(t0)
	h := newHarness(t, clk, newFakeSource("a", 0, clk))

	_, err := h.o.GetPrice(context.Background(), "DOGE", 0)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestGetPrice_SkipsSourcesWithoutSymbol(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk, "BTC")
	b := newFakeSource("b", 1, clk, "ETH")
	h := newHarness(t, clk, a, b)

	q, err := h.o.GetPrice(context.Background(), "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source)
	assert.Zero(t, a.Calls())
	assert.Zero(t, h.health(t, "a").FailureCount, "no penalty for unlisted symbols")
}

func TestGetPrice_FreshnessRejection(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	b := newFakeSource("b", 1, clk)
	a.age = 10 * time.Minute
	h := newHarness(t, clk, a, b)

	q, err := h.o.GetPrice(context.Background(), "ETH", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source)

	ah := h.health(t, "a")
	assert.Equal(t, int64(1), ah.FailureCount)
	assert.Contains(t, ah.LastError, ErrStaleData.Error())

	b.set(func(f *fakeSource) { f.age = 2 * time.Minute })
	_, err = h.o.GetPrice(context.Background(), "ETH", time.Minute)
	var asf *AllSourcesFailedError
	require.ErrorAs(t, err, &asf)
	assert.ErrorIs(t, asf.Attempts[0].Err, ErrStaleData)
}

func TestGetPrice_Canceled(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	h := newHarness(t, clk, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.o.GetPrice(ctx, "ETH", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllSourcesFailed)
	assert.Zero(t, h.health(t, "a").FailureCount)
}

func TestGetPrice_RateLimitFastFailNotPenalized(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	b := newFakeSource("b", 1, clk)
	a.Base = sources.NewBase(sources.Descriptor{
		Name: "a", Kind: sources.KindREST, Enabled: true, Heartbeat: 5 * time.Minute,
		RequestsPerSecond: 0.001,
	}, map[string]string{"ETH": "ETH"}, nil)
	h := newHarness(t, clk, a, b)

	q, err := h.o.GetPrice(context.Background(), "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", q.Source)

	q, err = h.o.GetPrice(context.Background(), "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source, "paced source fails fast")
	assert.Equal(t, 1, a.Calls())

	ah := h.health(t, "a")
	assert.Equal(t, int64(1), ah.SuccessCount)
	assert.Zero(t, ah.FailureCount)
}

func TestGetBatchPrices_SecondCallServedFromCache(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	h := newHarness(t, clk, a)

	req := BatchRequest{Symbols: []string{"ETH", "BTC", "eth"}, IncludeVolatility: true}
	first := h.o.GetBatchPrices(context.Background(), req)
	assert.False(t, first.FromCache)
	assert.Len(t, first.Quotes, 2)
	assert.Empty(t, first.Errors)
	assert.Len(t, first.Volatility, 2)
	assert.Equal(t, 2, a.Calls())

	clk.Advance(time.Minute)
	second := h.o.GetBatchPrices(context.Background(), req)
	assert.True(t, second.FromCache)
	assert.ElementsMatch(t, []string{"ETH", "BTC"}, second.CachedSymbols)
	assert.Equal(t, 2, a.Calls(), "no new network calls")
	assert.InDelta(t, 60.0, second.Quotes["ETH"].StalenessSeconds, 1e-6)
}

func TestGetBatchPrices_PartialFailure(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk, "ETH")
	h := newHarness(t, clk, a)

	res := h.o.GetBatchPrices(context.Background(), BatchRequest{Symbols: []string{"ETH", "DOGE"}})
	assert.Len(t, res.Quotes, 1)
	require.Contains(t, res.Errors, "DOGE")
	assert.ErrorIs(t, res.Errors["DOGE"], ErrUnknownSymbol)
	assert.False(t, res.FromCache)
}

func TestGetBatchPrices_FreshnessBypassesCache(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	h := newHarness(t, clk, a)

	h.o.GetBatchPrices(context.Background(), BatchRequest{Symbols: []string{"ETH"}})
	clk.Advance(2 * time.Minute)

	res := h.o.GetBatchPrices(context.Background(), BatchRequest{Symbols: []string{"ETH"}, RequiredFreshness: time.Minute})
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, a.Calls())
}

func TestHealthCheck(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	b := newFakeSource("b", 1, clk)
	a.err = errDown
	h := newHarness(t, clk, a, b)

	h.o.HealthCheck(context.Background())

	assert.Equal(t, int64(1), h.health(t, "a").FailureCount)
	assert.Equal(t, int64(1), h.health(t, "b").SuccessCount)
	assert.Equal(t, 0, h.o.Cache().Len(), "probes are not cached")
}

func TestOnQuoteAndStatus(t *testing.T) {
	clk := clock.NewFake(t0)
	h := newHarness(t, clk, newFakeSource("a", 0, clk))

	var got []sources.Quote
	h.o.OnQuote(func(q sources.Quote) { got = append(got, q) })

	_, err := h.o.GetPrice(context.Background(), "BTC", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BTC", got[0].Symbol)

	st := h.o.Status()
	require.Len(t, st.Sources, 1)
	assert.Equal(t, 1, st.Cache.Size)
	assert.Equal(t, 1, st.Volatility.Symbols)
	assert.False(t, st.Running)
}

func TestStartStop(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	h := newHarness(t, clk, a)
	h.o.cfg.HealthInterval = time.Second
	h.o.cfg.WarmupSymbols = []string{"ETH"}
	h.o.cfg.WarmupInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.o.Start(ctx))
	assert.True(t, h.o.Status().Running)

	assert.Eventually(t, func() bool {
		_, ok := h.o.Cache().Get("ETH")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "warm-up populates the cache")

	h.o.Stop()
	assert.False(t, h.o.Status().Running)
	assert.ErrorIs(t, h.o.Start(ctx), ErrStopped)
	_, err := h.o.Subscribe("ETH", func(sources.Quote, error) {}, time.Second)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStop_WaitsForWarmup(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	a.delay = 200 * time.Millisecond
	h := newHarness(t, clk, a)
	h.o.cfg.WarmupSymbols = []string{"ETH"}
	h.o.cfg.WarmupInterval = time.Hour

	var stopped, late atomic.Bool
	h.o.OnQuote(func(sources.Quote) {
		if stopped.Load() {
			late.Store(true)
		}
	})

	require.NoError(t, h.o.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	h.o.Stop()
	stopped.Store(true)

	time.Sleep(300 * time.Millisecond)
	assert.False(t, late.Load(), "listener fired after Stop returned")
}

type recorder struct {
	mu     sync.Mutex
	quotes []sources.Quote
	errs   int
}

func (r *recorder) callback(q sources.Quote, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs++
		return
	}
	r.quotes = append(r.quotes, q)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quotes)
}

func TestSubscribe(t *testing.T) {
	clk := clock.NewFake(t0)
	a := newFakeSource("a", 0, clk)
	h := newHarness(t, clk, a)

	rec := &recorder{}
	id, err := h.o.Subscribe("eth", rec.callback, 5*time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.Calls(), "ticks are served from the cache")
	assert.Equal(t, 1, h.o.Status().Subscriptions)

	require.NoError(t, h.o.Unsubscribe(id))
	n := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rec.count(), "no callbacks after unsubscribe")
	assert.Equal(t, "ETH", rec.quotes[0].Symbol)

	assert.ErrorIs(t, h.o.Unsubscribe(id), ErrUnknownSubscription)
	_, err = h.o.Subscribe("ETH", rec.callback, 0)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestSubscribe_ReportsErrors(t *testing.T) {
	clk := clock.NewFake(t0)
	h := newHarness(t, clk, newFakeSource("a", 0, clk))

	rec := &recorder{}
	_, err := h.o.Subscribe("DOGE", rec.callback, time.Hour)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.errs == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStop_CancelsSubscriptions(t *testing.T) {
	clk := clock.NewFake(t0)
	h := newHarness(t, clk, newFakeSource("a", 0, clk))

	rec := &recorder{}
	for _, s := range []string{"ETH", "BTC"} {
		_, err := h.o.Subscribe(s, rec.callback, 5*time.Millisecond)
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)

	h.o.Stop()
	assert.Zero(t, h.o.Status().Subscriptions)
	n := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rec.count())
	h.o.Stop()
}
