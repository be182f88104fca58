// Package failover resolves prices by walking sources in priority order
// through the retry controller, consulting the cache and feeding health and
// volatility tracking.
package failover

import (
	"errors"
	"fmt"
	"strings"

	"github.com/StrathCole/oracle-client/pkg/retry"
)

var (
	// ErrNoHealthySources indicates that no source is currently usable.
	ErrNoHealthySources = errors.New("no healthy sources")
	// ErrAllSourcesFailed indicates that every usable source failed.
	ErrAllSourcesFailed = errors.New("all sources failed")
	// ErrStaleData indicates a quote older than the required freshness.
	ErrStaleData = errors.New("stale data")
	// ErrUnknownSymbol indicates that no enabled source lists the symbol.
	ErrUnknownSymbol = errors.New("no enabled source lists symbol")
	// ErrUnknownSubscription indicates an unknown subscription id.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrInvalidInterval indicates a non-positive subscription interval.
	ErrInvalidInterval = errors.New("interval must be positive")
	// ErrStopped indicates the orchestrator has been stopped.
	ErrStopped = errors.New("orchestrator stopped")
)

// Skip reasons recorded for sources that were not called.
const (
	ReasonBreakerOpen = "circuit breaker open"
	ReasonUnhealthy   = "unhealthy"
)

// SourceAttempt is one source's part in a failed lookup.
type SourceAttempt struct {
	Source  string     `json:"source"`
	Skipped bool       `json:"skipped,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Kind    retry.Kind `json:"kind,omitempty"`
	Err     error      `json:"-"`
}

func (a SourceAttempt) String() string {
	switch {
	case a.Skipped:
		return fmt.Sprintf("%s: skipped (%s)", a.Source, a.Reason)
	case a.Err != nil:
		return fmt.Sprintf("%s: %v", a.Source, a.Err)
	}
	return a.Source
}

// AllSourcesFailedError lists every enabled source for the symbol in
// priority order with the reason it produced no quote.
type AllSourcesFailedError struct {
	Symbol   string
	Attempts []SourceAttempt
}

func (e *AllSourcesFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s for %s: [%s]", ErrAllSourcesFailed, e.Symbol, strings.Join(parts, "; "))
}

// Is matches ErrAllSourcesFailed.
func (e *AllSourcesFailedError) Is(target error) bool {
	return target == ErrAllSourcesFailed
}

// Attempted returns the source names in order.
func (e *AllSourcesFailedError) Attempted() []string {
	out := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Source
	}
	return out
}
