package health

import (
	"fmt"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure ratio that opens the breaker.
	FailureThreshold float64
	// MinSamples is the number of outcomes required before it may open.
	MinSamples int
	// Cooldown is how long the breaker stays open before a probe.
	Cooldown time.Duration
	// Window bounds the outcomes evaluated since the last reset.
	Window int
}

// BreakerSnapshot is the externally visible breaker state.
type BreakerSnapshot struct {
	State    State     `json:"state"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	Samples  int       `json:"samples"`
	Failures int       `json:"failures"`
	Probing  bool      `json:"probing"`
}

// breaker is not safe for concurrent use; the registry serializes access.
type breaker struct {
	cfg      BreakerConfig
	state    State
	openedAt time.Time
	probing  bool
	outcomes *window
}

func newBreaker(cfg BreakerConfig) *breaker {
	size := cfg.Window
	if size < cfg.MinSamples {
		size = cfg.MinSamples
	}
	return &breaker{cfg: cfg, outcomes: newWindow(size)}
}

// eligible reports whether a call may be admitted now without consuming
// the probe.
func (b *breaker) eligible(now time.Time) bool {
	switch b.state {
	case StateOpen:
		return now.Sub(b.openedAt) >= b.cfg.Cooldown
	case StateHalfOpen:
		return !b.probing
	}
	return true
}

// allow admits a call. Once the cooldown has elapsed the breaker moves to
// half-open and admits a single probe until its outcome is recorded.
func (b *breaker) allow(now time.Time) (bool, State) {
	from := b.state
	switch b.state {
	case StateClosed:
		return true, from
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return false, from
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, from
	case StateHalfOpen:
		if b.probing {
			return false, from
		}
		b.probing = true
		return true, from
	}
	return false, from
}

// release returns an unused probe.
func (b *breaker) release() {
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// record applies an outcome and returns the state before it.
func (b *breaker) record(success bool, now time.Time) State {
	from := b.state
	switch b.state {
	case StateHalfOpen:
		if success {
			b.reset()
		} else {
			b.open(now)
		}
	case StateClosed:
		b.outcomes.push(success)
		samples, failures := b.outcomes.counts()
		if samples >= b.cfg.MinSamples && float64(failures)/float64(samples) >= b.cfg.FailureThreshold {
			b.open(now)
		}
	}
	return from
}

func (b *breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.probing = false
}

func (b *breaker) reset() {
	b.state = StateClosed
	b.openedAt = time.Time{}
	b.probing = false
	b.outcomes.clear()
}

func (b *breaker) snapshot() BreakerSnapshot {
	samples, failures := b.outcomes.counts()
	return BreakerSnapshot{
		State:    b.state,
		OpenedAt: b.openedAt,
		Samples:  samples,
		Failures: failures,
		Probing:  b.probing,
	}
}

// window is a fixed-size ring of call outcomes.
type window struct {
	buf  []bool
	next int
	full bool
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 1
	}
	return &window{buf: make([]bool, size)}
}

func (w *window) push(success bool) {
	w.buf[w.next] = success
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) counts() (samples, failures int) {
	samples = w.next
	if w.full {
		samples = len(w.buf)
	}
	for i := 0; i < samples; i++ {
		if !w.buf[i] {
			failures++
		}
	}
	return samples, failures
}

func (w *window) clear() {
	w.next = 0
	w.full = false
}
