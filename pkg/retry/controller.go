package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/sources"
)

// jitterFraction bounds the random jitter added to computed backoff delays.
const jitterFraction = 0.1

// Config holds the backoff policy.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultConfig returns 3 retries starting at 1s, doubling, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// ConfigFrom converts the YAML retry section. A negative max_retries
// disables retries.
func ConfigFrom(rc config.RetryConfig) Config {
	cfg := Config{
		MaxRetries: rc.MaxRetries,
		BaseDelay:  rc.BaseDelay.ToDuration(),
		Multiplier: rc.Multiplier,
		MaxDelay:   rc.MaxDelay.ToDuration(),
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg
}

// Call performs one upstream request.
type Call func(ctx context.Context) (*sources.Response, error)

// Attempt describes one try of a call.
type Attempt struct {
	Source  string
	Number  int
	Latency time.Duration
	Err     *ClassifiedError
}

// AttemptObserver is notified after every attempt, including fast-fails.
type AttemptObserver interface {
	ObserveAttempt(a Attempt)
}

// ObserverFunc adapts a function to AttemptObserver.
type ObserverFunc func(a Attempt)

// ObserveAttempt calls f.
func (f ObserverFunc) ObserveAttempt(a Attempt) { f(a) }

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for rate-limit bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// WithObserver registers an attempt observer.
func WithObserver(o AttemptObserver) Option {
	return func(ctrl *Controller) { ctrl.observer = o }
}

// WithSleeper replaces the backoff wait. The sleeper must return ctx.Err()
// when the context ends first.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(ctrl *Controller) { ctrl.sleep = sleep }
}

// WithJitter replaces the jitter source; it must return values in [0, 1).
func WithJitter(f func() float64) Option {
	return func(ctrl *Controller) { ctrl.jitter = f }
}

// Controller executes upstream calls. It is safe for concurrent use.
type Controller struct {
	cfg      Config
	clock    clock.Clock
	logger   *logging.Logger
	observer AttemptObserver
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64

	mu     sync.Mutex
	limits map[string]RateLimitState
	pacers map[string]*rate.Limiter
}

// NewController creates a retry controller.
func NewController(cfg Config, logger *logging.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	c := &Controller{
		cfg:    cfg,
		clock:  clock.Real{},
		logger: logger,
		sleep:  sleepContext,
		jitter: rand.Float64,
		limits: make(map[string]RateLimitState),
		pacers: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs call for the source, retrying transient failures. The
// returned error is always a *ClassifiedError. Cancellation of ctx aborts the
// whole loop, including any backoff wait.
func (c *Controller) Execute(ctx context.Context, desc sources.Descriptor, call Call) (*sources.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, canceled(desc.Name, err)
		}

		if ce := c.admit(desc); ce != nil {
			c.report(Attempt{Source: desc.Name, Number: attempt + 1, Err: ce})
			return nil, ce
		}

		start := time.Now()
		resp, ce := c.attempt(ctx, desc, call)
		c.report(Attempt{Source: desc.Name, Number: attempt + 1, Latency: time.Since(start), Err: ce})
		if ce == nil {
			return resp, nil
		}

		if !ce.Retryable || attempt >= c.cfg.MaxRetries {
			return nil, ce
		}

		wait := c.Backoff(attempt, ce)
		if ce.RetryAfter > 0 && c.cfg.MaxDelay > 0 && ce.RetryAfter > c.cfg.MaxDelay {
			// The upstream asked for a longer pause than the retry budget.
			return nil, ce
		}

		c.logger.Debug("Retrying upstream call",
			"source", desc.Name,
			"attempt", attempt+1,
			"kind", string(ce.Kind),
			"wait", wait)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, canceled(desc.Name, err)
		}
	}
}

// Backoff returns the wait before retry number attempt+1: the upstream's
// retry-after if present, else min(base*mult^attempt, max) plus jitter.
func (c *Controller) Backoff(attempt int, ce *ClassifiedError) time.Duration {
	if ce != nil && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}

	d := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if c.cfg.MaxDelay > 0 && d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	d += c.jitter() * jitterFraction * d
	return time.Duration(d)
}

type callResult struct {
	resp *sources.Response
	err  error
}

// attempt races one call against the source timeout.
func (c *Controller) attempt(ctx context.Context, desc sources.Descriptor, call Call) (*sources.Response, *ClassifiedError) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSourceTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		resp, err := call(attemptCtx)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, canceled(desc.Name, ctx.Err())
		}
		var retryAfter time.Duration
		if r.err == nil && r.resp != nil {
			if state, ok := c.updateLimits(desc.Name, r.resp); ok {
				retryAfter = state.RetryAfter
			}
		}
		ce := Classify(desc.Name, r.resp, r.err, retryAfter)
		if ce != nil {
			return nil, ce
		}
		return r.resp, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, canceled(desc.Name, ctx.Err())
		}
		return nil, &ClassifiedError{
			Kind:      KindTimeout,
			Source:    desc.Name,
			Retryable: true,
			Err:       fmt.Errorf("%w after %s", ErrTimeout, timeout),
		}
	}
}

// admit refuses a call locally when the source's rate-limit window is
// exhausted or its configured pacing is exceeded.
func (c *Controller) admit(desc sources.Descriptor) *ClassifiedError {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.limits[desc.Name]; ok && state.Exhausted(now) {
		return &ClassifiedError{
			Kind:       KindRateLimited,
			Source:     desc.Name,
			FastFail:   true,
			RetryAfter: state.ResetAt.Sub(now),
			Err:        fmt.Errorf("%w: no requests remaining until %s", ErrRateLimited, state.ResetAt.UTC().Format(time.RFC3339)),
		}
	}

	if desc.RequestsPerSecond > 0 {
		limiter, ok := c.pacers[desc.Name]
		if !ok {
			burst := int(math.Ceil(desc.RequestsPerSecond))
			limiter = rate.NewLimiter(rate.Limit(desc.RequestsPerSecond), burst)
			c.pacers[desc.Name] = limiter
		}
		if !limiter.AllowN(now, 1) {
			return &ClassifiedError{
				Kind:     KindRateLimited,
				Source:   desc.Name,
				FastFail: true,
				Err:      fmt.Errorf("%w: exceeds %.2f requests/s", ErrRateLimited, desc.RequestsPerSecond),
			}
		}
	}

	return nil
}

func (c *Controller) updateLimits(name string, resp *sources.Response) (RateLimitState, bool) {
	state, ok := ParseRateLimit(resp.Header, resp.StatusCode, c.clock.Now())
	if !ok {
		return state, false
	}

	c.mu.Lock()
	c.limits[name] = state
	c.mu.Unlock()
	return state, true
}

// RateLimit returns the last rate-limit state recorded for a source.
func (c *Controller) RateLimit(name string) (RateLimitState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.limits[name]
	return state, ok
}

// RateLimits returns a copy of all recorded rate-limit states.
func (c *Controller) RateLimits() map[string]RateLimitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RateLimitState, len(c.limits))
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}

func (c *Controller) report(a Attempt) {
	switch {
	case a.Err == nil:
		metrics.RecordSourceCall(a.Source, "success", a.Latency)
	case a.Err.FastFail:
		metrics.RecordRateLimitFastFail(a.Source)
		c.logger.Warn("Rate limit fast-fail", "source", a.Source, "error", a.Err.Err)
	default:
		metrics.RecordSourceCall(a.Source, string(a.Err.Kind), a.Latency)
		c.logger.Debug("Upstream call failed",
			"source", a.Source,
			"attempt", a.Number,
			"kind", string(a.Err.Kind),
			"retryable", a.Err.Retryable,
			"error", a.Err.Err)
	}

	if c.observer != nil {
		c.observer.ObserveAttempt(a)
	}
}

func canceled(source string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindCanceled, Source: source, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
