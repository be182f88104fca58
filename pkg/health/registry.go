package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/sources"
)

// latencyWeight is the EMA weight given to each new latency sample.
const latencyWeight = 0.2

// Config configures health tracking.
type Config struct {
	// MinCalls is the number of outcomes before health is evaluated.
	MinCalls int
	// Window is the number of recent outcomes health is computed over.
	Window int
	// FailureThreshold is the failure ratio at which a source is unhealthy.
	FailureThreshold float64
	Breaker          BreakerConfig
}

// DefaultConfig returns the default health and breaker policy.
func DefaultConfig() Config {
	return Config{
		MinCalls:         10,
		Window:           20,
		FailureThreshold: 0.8,
		Breaker: BreakerConfig{
			FailureThreshold: 0.8,
			MinSamples:       5,
			Cooldown:         time.Minute,
			Window:           20,
		},
	}
}

// ConfigFrom converts the YAML health and breaker sections.
func ConfigFrom(hc config.HealthConfig, bc config.BreakerConfig) Config {
	return Config{
		MinCalls:         hc.MinCalls,
		Window:           hc.Window,
		FailureThreshold: hc.FailureThreshold,
		Breaker: BreakerConfig{
			FailureThreshold: bc.FailureThreshold,
			MinSamples:       bc.MinSamples,
			Cooldown:         bc.Cooldown.ToDuration(),
			Window:           hc.Window,
		},
	}
}

// SourceHealth is a point-in-time view of one source.
type SourceHealth struct {
	Name           string          `json:"name"`
	Kind           sources.Kind    `json:"kind"`
	Priority       int             `json:"priority"`
	Enabled        bool            `json:"enabled"`
	IsHealthy      bool            `json:"is_healthy"`
	SuccessCount   int64           `json:"success_count"`
	FailureCount   int64           `json:"failure_count"`
	AverageLatency time.Duration   `json:"average_latency"`
	LastError      string          `json:"last_error,omitempty"`
	LastErrorTime  time.Time       `json:"last_error_time,omitempty"`
	Breaker        BreakerSnapshot `json:"breaker"`
}

type entry struct {
	desc     sources.Descriptor
	healthy  bool
	success  int64
	failure  int64
	latency  time.Duration
	lastErr  string
	lastErrT time.Time
	recent   *window
	breaker  *breaker
}

// Registry holds health and breaker state for every configured source. It
// is safe for concurrent use.
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger *logging.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, clk clock.Clock, logger *logging.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Registry{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Register adds a source. Sources start healthy with a closed breaker.
func (r *Registry) Register(desc sources.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[desc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, desc.Name)
	}
	r.entries[desc.Name] = &entry{
		desc:    desc,
		healthy: true,
		recent:  newWindow(r.cfg.Window),
		breaker: newBreaker(r.cfg.Breaker),
	}
	r.order = append(r.order, desc.Name)

	metrics.RecordSourceHealth(desc.Name, string(desc.Kind), true)
	metrics.RecordBreakerState(desc.Name, int(StateClosed))
	return nil
}

// RecordOutcome applies the result of one source attempt.
func (r *Registry) RecordOutcome(name string, success bool, latency time.Duration, err error) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}

	if success {
		e.success++
	} else {
		e.failure++
		e.lastErrT = now
		if err != nil {
			e.lastErr = err.Error()
		} else {
			e.lastErr = "unknown error"
		}
	}
	if latency > 0 {
		if e.latency == 0 {
			e.latency = latency
		} else {
			e.latency = time.Duration(latencyWeight*float64(latency) + (1-latencyWeight)*float64(e.latency))
		}
	}

	e.recent.push(success)
	if e.success+e.failure >= int64(r.cfg.MinCalls) {
		samples, failures := e.recent.counts()
		healthy := float64(failures)/float64(samples) < r.cfg.FailureThreshold
		if healthy != e.healthy {
			e.healthy = healthy
			r.logger.Info("Source health changed", "source", name, "healthy", healthy, "failures", failures, "samples", samples)
			metrics.RecordSourceHealth(name, string(e.desc.Kind), healthy)
		}
	}

	from := e.breaker.record(success, now)
	r.transitioned(name, from, e.breaker)
	return nil
}

// OrderedHealthySources returns enabled, healthy sources whose breaker is
// closed or due a probe, ascending by priority. Ties keep registration order.
func (r *Registry) OrderedHealthySources() []sources.Descriptor {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]sources.Descriptor, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if e.desc.Enabled && e.healthy && e.breaker.eligible(now) {
			out = append(out, e.desc)
		}
	}
	sortByPriority(out)
	return out
}

// EnabledSources returns every enabled source by priority regardless of
// health or breaker state.
func (r *Registry) EnabledSources() []sources.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]sources.Descriptor, 0, len(r.order))
	for _, name := range r.order {
		if e := r.entries[name]; e.desc.Enabled {
			out = append(out, e.desc)
		}
	}
	sortByPriority(out)
	return out
}

// Allow admits one call to the source. When the breaker is due a probe it
// moves to half-open and refuses further calls until the probe's outcome is
// recorded or the probe is released.
func (r *Registry) Allow(name string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || !e.desc.Enabled {
		return false
	}
	allowed, from := e.breaker.allow(now)
	r.transitioned(name, from, e.breaker)
	return allowed
}

// Release returns a probe admitted by Allow whose call produced no outcome,
// such as a local rate-limit refusal or a canceled request.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.breaker.release()
	}
}

// IsOpen reports whether the breaker currently refuses calls.
func (r *Registry) IsOpen(name string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	return !e.breaker.eligible(now)
}

// State returns the breaker state of a source.
func (r *Registry) State(name string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return StateClosed, false
	}
	return e.breaker.state, true
}

// SetEnabled toggles whether a source takes part in lookups.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if e.desc.Enabled != enabled {
		e.desc.Enabled = enabled
		r.logger.Info("Source enablement changed", "source", name, "enabled", enabled)
	}
	return nil
}

// Get returns the health of one source.
func (r *Registry) Get(name string) (SourceHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return SourceHealth{}, false
	}
	return e.view(), true
}

// Snapshot returns the health of every source by priority.
func (r *Registry) Snapshot() []SourceHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SourceHealth, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].view())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (r *Registry) transitioned(name string, from State, b *breaker) {
	to := b.state
	if from == to {
		return
	}
	metrics.RecordBreakerState(name, int(to))
	switch to {
	case StateOpen:
		r.logger.Warn("Circuit breaker opened", "source", name, "from", from.String(), "cooldown", b.cfg.Cooldown)
	case StateHalfOpen:
		r.logger.Info("Circuit breaker half-open, probing", "source", name)
	case StateClosed:
		r.logger.Info("Circuit breaker closed", "source", name)
	}
}

func (e *entry) view() SourceHealth {
	return SourceHealth{
		Name:           e.desc.Name,
		Kind:           e.desc.Kind,
		Priority:       e.desc.Priority,
		Enabled:        e.desc.Enabled,
		IsHealthy:      e.healthy,
		SuccessCount:   e.success,
		FailureCount:   e.failure,
		AverageLatency: e.latency,
		LastError:      e.lastErr,
		LastErrorTime:  e.lastErrT,
		Breaker:        e.breaker.snapshot(),
	}
}

func sortByPriority(descs []sources.Descriptor) {
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Priority < descs[j].Priority })
}
