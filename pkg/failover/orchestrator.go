package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/StrathCole/oracle-client/pkg/cache"
	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/health"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/retry"
	"github.com/StrathCole/oracle-client/pkg/scheduler"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/volatility"
)

// Config configures the orchestrator.
type Config struct {
	BatchConcurrency   int
	HealthInterval     time.Duration
	SweepInterval      time.Duration
	VolatilityInterval time.Duration
	WarmupSymbols      []string
	WarmupInterval     time.Duration
	// TestSymbols maps a source name to the symbol its health probe uses.
	TestSymbols map[string]string
}

// ConfigFrom extracts orchestrator settings from the full configuration.
func ConfigFrom(cfg *config.Config) Config {
	test := make(map[string]string, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		if sc.TestSymbol != "" {
			test[sc.Name] = sources.NormalizeSymbol(sc.TestSymbol)
		}
	}
	return Config{
		BatchConcurrency:   cfg.Failover.BatchConcurrency,
		HealthInterval:     cfg.Health.CheckInterval.ToDuration(),
		SweepInterval:      cfg.Cache.CleanupInterval.ToDuration(),
		VolatilityInterval: cfg.Volatility.RefreshInterval.ToDuration(),
		WarmupSymbols:      cfg.Failover.WarmupSymbols,
		WarmupInterval:     cfg.Failover.WarmupInterval.ToDuration(),
		TestSymbols:        test,
	}
}

// Components are the collaborators the orchestrator drives. Nil fields are
// replaced with defaults.
type Components struct {
	Retry    *retry.Controller
	Registry *health.Registry
	Cache    *cache.Cache
	Monitor  *volatility.Monitor
	Clock    clock.Clock
}

// QuoteListener is notified of every quote obtained from a live fetch.
type QuoteListener func(sources.Quote)

// Status is an observability snapshot.
type Status struct {
	Sources       []health.SourceHealth           `json:"sources"`
	Cache         cache.Stats                     `json:"cache"`
	Volatility    volatility.Summary              `json:"volatility"`
	RateLimits    map[string]retry.RateLimitState `json:"rate_limits"`
	Subscriptions int                             `json:"subscriptions"`
	Running       bool                            `json:"running"`
}

// Orchestrator resolves prices across sources. It is safe for concurrent
// use.
type Orchestrator struct {
	cfg      Config
	clock    clock.Clock
	logger   *logging.Logger
	retry    *retry.Controller
	registry *health.Registry
	cache    *cache.Cache
	monitor  *volatility.Monitor
	sources  map[string]sources.Source

	listenersMu sync.RWMutex
	listeners   []QuoteListener

	subsMu sync.Mutex
	subs   map[string]*subscription

	lifeMu  sync.Mutex
	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	done    chan struct{}
}

// New creates an orchestrator over srcs and registers them with the
// registry.
func New(cfg Config, srcs []sources.Source, c Components, logger *logging.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Retry == nil {
		c.Retry = retry.NewController(retry.DefaultConfig(), logger, retry.WithClock(c.Clock))
	}
	if c.Registry == nil {
		c.Registry = health.NewRegistry(health.DefaultConfig(), c.Clock, logger)
	}
	if c.Cache == nil {
		ch, err := cache.New(cache.ConfigFrom(config.Default().Cache), c.Clock)
		if err != nil {
			return nil, err
		}
		c.Cache = ch
	}
	if c.Monitor == nil {
		c.Monitor = volatility.NewMonitor(volatility.DefaultConfig(), c.Clock, logger)
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}

	o := &Orchestrator{
		cfg:      cfg,
		clock:    c.Clock,
		logger:   logger,
		retry:    c.Retry,
		registry: c.Registry,
		cache:    c.Cache,
		monitor:  c.Monitor,
		sources:  make(map[string]sources.Source, len(srcs)),
		subs:     make(map[string]*subscription),
		done:     make(chan struct{}),
	}
	for _, src := range srcs {
		desc := src.Descriptor()
		if err := o.registry.Register(desc); err != nil {
			return nil, err
		}
		o.sources[desc.Name] = src
	}
	return o, nil
}

// Registry returns the source registry.
func (o *Orchestrator) Registry() *health.Registry { return o.registry }

// Cache returns the quote cache.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Monitor returns the volatility monitor.
func (o *Orchestrator) Monitor() *volatility.Monitor { return o.monitor }

// SetSourceEnabled includes or excludes a source from lookups.
func (o *Orchestrator) SetSourceEnabled(name string, enabled bool) error {
	return o.registry.SetEnabled(name, enabled)
}

// OnQuote registers a listener for live quotes.
func (o *Orchestrator) OnQuote(l QuoteListener) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, l)
}

// GetPrice fetches symbol from the first usable source in priority order.
// A positive freshness rejects quotes older than it and moves on to the next
// source. The result is cached and fed to the volatility monitor.
func (o *Orchestrator) GetPrice(ctx context.Context, symbol string, freshness time.Duration) (sources.Quote, error) {
	symbol = sources.NormalizeSymbol(symbol)

	candidates := o.candidates(symbol)
	if len(candidates) == 0 {
		return sources.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	usable := make(map[string]bool)
	for _, d := range o.registry.OrderedHealthySources() {
		if o.sources[d.Name].Supports(symbol) {
			usable[d.Name] = true
		}
	}
	if len(usable) == 0 {
		return sources.Quote{}, fmt.Errorf("%w for %s", ErrNoHealthySources, symbol)
	}

	failed := &AllSourcesFailedError{Symbol: symbol}
	for _, d := range candidates {
		if !usable[d.Name] {
			failed.Attempts = append(failed.Attempts, o.skipped(d.Name))
			continue
		}
		if !o.registry.Allow(d.Name) {
			failed.Attempts = append(failed.Attempts, SourceAttempt{Source: d.Name, Skipped: true, Reason: ReasonBreakerOpen})
			continue
		}

		q, latency, err := o.fetch(ctx, d, symbol)
		if err == nil && freshness > 0 && q.Staleness() > freshness {
			err = fmt.Errorf("%w: %s quote for %s is %.0fs old (max %.0fs)",
				ErrStaleData, d.Name, symbol, q.StalenessSeconds, freshness.Seconds())
		}

		if err != nil {
			ce, _ := retry.AsClassified(err)
			if ce != nil && (ce.FastFail || ce.Kind == retry.KindCanceled) {
				o.registry.Release(d.Name)
				if ce.Kind == retry.KindCanceled {
					return sources.Quote{}, fmt.Errorf("get price %s: %w", symbol, err)
				}
			} else {
				_ = o.registry.RecordOutcome(d.Name, false, latency, err)
			}

			attempt := SourceAttempt{Source: d.Name, Err: err}
			if ce != nil {
				attempt.Kind = ce.Kind
			}
			failed.Attempts = append(failed.Attempts, attempt)
			metrics.RecordFailover(d.Name)
			o.logger.Debug("Source failed, failing over", "source", d.Name, "symbol", symbol, "error", err)
			continue
		}

		_ = o.registry.RecordOutcome(d.Name, true, latency, nil)
		o.accept(q, d)
		return q, nil
	}

	o.logger.Warn("All sources failed", "symbol", symbol, "attempts", len(failed.Attempts))
	return sources.Quote{}, failed
}

// candidates returns the enabled sources listing symbol, by priority.
func (o *Orchestrator) candidates(symbol string) []sources.Descriptor {
	var out []sources.Descriptor
	for _, d := range o.registry.EnabledSources() {
		if src, ok := o.sources[d.Name]; ok && src.Supports(symbol) {
			out = append(out, d)
		}
	}
	return out
}

func (o *Orchestrator) skipped(name string) SourceAttempt {
	reason := ReasonBreakerOpen
	if h, ok := o.registry.Get(name); ok && !h.IsHealthy {
		reason = ReasonUnhealthy
	}
	return SourceAttempt{Source: name, Skipped: true, Reason: reason}
}

// fetch performs one source call through the retry controller and decodes
// the result.
func (o *Orchestrator) fetch(ctx context.Context, d sources.Descriptor, symbol string) (sources.Quote, time.Duration, error) {
	src := o.sources[d.Name]
	start := time.Now()

	resp, err := o.retry.Execute(ctx, d, func(ctx context.Context) (*sources.Response, error) {
		return src.Call(ctx, symbol)
	})
	if err != nil {
		return sources.Quote{}, time.Since(start), err
	}

	obs, err := src.Decode(symbol, resp)
	if err != nil {
		return sources.Quote{}, time.Since(start), retry.InvalidResponse(d.Name, err)
	}
	return sources.NewQuote(symbol, d.Name, obs, d.Heartbeat, o.clock.Now()), time.Since(start), nil
}

// accept publishes a fetched quote to the cache, monitor and listeners.
func (o *Orchestrator) accept(q sources.Quote, d sources.Descriptor) {
	o.cache.Put(q, d, 0)
	if err := o.monitor.AddQuote(q); err != nil {
		o.logger.Warn("Failed to record price point", "symbol", q.Symbol, "error", err)
	}
	metrics.RecordStaleness(d.Name, q.Symbol, q.StalenessSeconds)

	o.listenersMu.RLock()
	listeners := make([]QuoteListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.listenersMu.RUnlock()
	for _, l := range listeners {
		l(q)
	}
}

// BatchRequest asks for several symbols at once.
type BatchRequest struct {
	Symbols           []string
	RequiredFreshness time.Duration
	IncludeVolatility bool
}

// BatchResult merges cached and fetched quotes with per-symbol errors.
// FromCache is set when every quote was served from the cache.
type BatchResult struct {
	Quotes        map[string]sources.Quote       `json:"quotes"`
	Volatility    map[string]volatility.Snapshot `json:"volatility,omitempty"`
	Errors        map[string]error               `json:"-"`
	FromCache     bool                           `json:"from_cache"`
	CachedSymbols []string                       `json:"cached_symbols"`
	TotalLatency  time.Duration                  `json:"total_latency"`
}

// GetBatchPrices serves what it can from the cache and fetches the rest
// concurrently. Failures are reported per symbol.
func (o *Orchestrator) GetBatchPrices(ctx context.Context, req BatchRequest) BatchResult {
	start := time.Now()
	res := BatchResult{
		Quotes: make(map[string]sources.Quote),
		Errors: make(map[string]error),
	}

	seen := make(map[string]bool, len(req.Symbols))
	var symbols []string
	for _, s := range req.Symbols {
		s = sources.NormalizeSymbol(s)
		if s != "" && !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}

	var missing []string
	hits := o.cache.GetBatch(symbols)
	for _, s := range symbols {
		hit := hits[s]
		if hit != nil && (req.RequiredFreshness <= 0 || hit.Quote.Staleness() <= req.RequiredFreshness) {
			res.Quotes[s] = hit.Quote
			res.CachedSymbols = append(res.CachedSymbols, s)
			continue
		}
		missing = append(missing, s)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.BatchConcurrency)
	for _, s := range missing {
		g.Go(func() error {
			q, err := o.GetPrice(ctx, s, req.RequiredFreshness)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[s] = err
			} else {
				res.Quotes[s] = q
			}
			return nil
		})
	}
	_ = g.Wait()

	if req.IncludeVolatility {
		res.Volatility = make(map[string]volatility.Snapshot, len(res.Quotes))
		for s := range res.Quotes {
			if snap, ok := o.monitor.Snapshot(s); ok {
				res.Volatility[s] = snap
			}
		}
	}

	res.FromCache = len(missing) == 0 && len(res.Quotes) > 0
	res.TotalLatency = time.Since(start)
	return res
}

// Quote returns a cached quote for symbol when one satisfies freshness and
// fetches otherwise.
func (o *Orchestrator) Quote(ctx context.Context, symbol string, freshness time.Duration) (sources.Quote, error) {
	if hit, ok := o.cache.Get(symbol); ok && (freshness <= 0 || hit.Quote.Staleness() <= freshness) {
		return hit.Quote, nil
	}
	return o.GetPrice(ctx, symbol, freshness)
}

// HealthCheck probes every enabled source with its test symbol so health and
// breaker state move even without traffic. Probe quotes are not cached.
func (o *Orchestrator) HealthCheck(ctx context.Context) {
	g := new(errgroup.Group)
	for _, d := range o.registry.EnabledSources() {
		src, ok := o.sources[d.Name]
		if !ok {
			continue
		}
		symbol := o.cfg.TestSymbols[d.Name]
		if symbol == "" {
			symbols := src.Symbols()
			if len(symbols) == 0 {
				continue
			}
			symbol = symbols[0]
		}
		if !o.registry.Allow(d.Name) {
			continue
		}

		g.Go(func() error {
			_, latency, err := o.fetch(ctx, d, symbol)
			if ce, ok := retry.AsClassified(err); ok && (ce.FastFail || ce.Kind == retry.KindCanceled) {
				o.registry.Release(d.Name)
				return nil
			}
			_ = o.registry.RecordOutcome(d.Name, err == nil, latency, err)
			if err != nil {
				o.logger.Warn("Health probe failed", "source", d.Name, "symbol", symbol, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Status returns an observability snapshot.
func (o *Orchestrator) Status() Status {
	o.subsMu.Lock()
	subs := len(o.subs)
	o.subsMu.Unlock()

	o.lifeMu.Lock()
	running := o.sched != nil && !o.stopped
	o.lifeMu.Unlock()

	return Status{
		Sources:       o.registry.Snapshot(),
		Cache:         o.cache.Stats(),
		Volatility:    o.monitor.Summary(),
		RateLimits:    o.retry.RateLimits(),
		Subscriptions: subs,
		Running:       running,
	}
}

type periodic struct {
	name     string
	interval time.Duration
	task     scheduler.Task
}

// Start schedules the health check, cache sweep, volatility refresh and
// warm-up tasks. Cancelling ctx stops the orchestrator.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.sched != nil {
		return nil
	}

	sched := scheduler.New(o.logger)
	tasks := []periodic{
		{"health-check", o.cfg.HealthInterval, o.HealthCheck},
		{"cache-sweep", o.cfg.SweepInterval, func(context.Context) {
			if n := o.cache.Sweep(); n > 0 {
				o.logger.Debug("Swept expired quotes", "removed", n)
			}
		}},
		{"volatility-refresh", o.cfg.VolatilityInterval, func(context.Context) { o.monitor.RefreshAll() }},
	}
	if len(o.cfg.WarmupSymbols) > 0 {
		tasks = append(tasks, periodic{"warmup", o.cfg.WarmupInterval, o.warmup})
	}
	for _, t := range tasks {
		if t.interval <= 0 {
			continue
		}
		if err := sched.Every(t.name, t.interval, t.task); err != nil {
			return err
		}
	}
	sched.Start()
	o.sched = sched

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	if len(o.cfg.WarmupSymbols) > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.warmup(runCtx)
		}()
	}
	go func() {
		select {
		case <-ctx.Done():
			o.Stop()
		case <-o.done:
		}
	}()

	o.logger.Info("Orchestrator started", "sources", len(o.sources), "warmup_symbols", len(o.cfg.WarmupSymbols))
	return nil
}

func (o *Orchestrator) warmup(ctx context.Context) {
	res := o.GetBatchPrices(ctx, BatchRequest{Symbols: o.cfg.WarmupSymbols})
	for symbol, err := range res.Errors {
		if !errors.Is(err, context.Canceled) {
			o.logger.Warn("Warm-up fetch failed", "symbol", symbol, "error", err)
		}
	}
}

// Stop cancels all subscriptions and background tasks and waits for them to
// return. No callbacks fire after Stop returns.
func (o *Orchestrator) Stop() {
	o.lifeMu.Lock()
	if o.stopped {
		o.lifeMu.Unlock()
		return
	}
	o.stopped = true
	sched := o.sched
	cancel := o.cancel
	close(o.done)
	o.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	o.subsMu.Lock()
	subs := make([]*subscription, 0, len(o.subs))
	for id, s := range o.subs {
		subs = append(subs, s)
		delete(o.subs, id)
	}
	o.subsMu.Unlock()
	for _, s := range subs {
		s.stop()
	}

	if sched != nil {
		sched.Stop()
	}
	o.logger.Info("Orchestrator stopped")
}
