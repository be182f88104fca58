package sources

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
)

// Kind represents the type of price source
type Kind = config.SourceKind

const (
	KindOracle = config.KindOracle
	KindDEX    = config.KindDEX
	KindREST   = config.KindREST
)

// Descriptor is the static description of a source as seen by the registry,
// retry controller and cache.
type Descriptor struct {
	Name              string        `json:"name"`
	Kind              Kind          `json:"kind"`
	Priority          int           `json:"priority"`
	Enabled           bool          `json:"enabled"`
	Heartbeat         time.Duration `json:"heartbeat"`
	Timeout           time.Duration `json:"timeout"`
	CacheTTL          time.Duration `json:"cache_ttl,omitempty"`
	RequestsPerSecond float64       `json:"requests_per_second,omitempty"`
}

// DescriptorFromConfig builds a Descriptor from a source entry.
func DescriptorFromConfig(sc config.SourceConfig) Descriptor {
	return Descriptor{
		Name:              sc.Name,
		Kind:              sc.Kind,
		Priority:          sc.Priority,
		Enabled:           sc.Enabled,
		Heartbeat:         sc.Heartbeat.ToDuration(),
		Timeout:           sc.Timeout.ToDuration(),
		CacheTTL:          sc.CacheTTL.ToDuration(),
		RequestsPerSecond: sc.RequestsPerSecond,
	}
}

// Response is the transport-level result of one upstream call. On-chain
// sources report status 200 with the raw ABI return data as Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Observation is a decoded price with the time the upstream produced it.
type Observation struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// Quote represents a price for a symbol with provenance and age
type Quote struct {
	Symbol           string          `json:"symbol"`
	Price            decimal.Decimal `json:"price"`
	Timestamp        time.Time       `json:"timestamp"`
	Source           string          `json:"source"`
	Confidence       int             `json:"confidence"`
	StalenessSeconds float64         `json:"staleness_seconds"`
}

// NewQuote stamps an observation with its source, staleness and confidence.
func NewQuote(symbol, source string, obs Observation, heartbeat time.Duration, now time.Time) Quote {
	q := Quote{
		Symbol:    symbol,
		Price:     obs.Price,
		Timestamp: obs.Timestamp,
		Source:    source,
	}
	return q.At(now, heartbeat)
}

// At returns a copy of q with staleness and confidence recomputed for now.
func (q Quote) At(now time.Time, heartbeat time.Duration) Quote {
	age := now.Sub(q.Timestamp)
	if age < 0 {
		age = 0
	}
	q.StalenessSeconds = age.Seconds()
	q.Confidence = Confidence(age, heartbeat)
	return q
}

// Staleness returns the quote age as a duration.
func (q Quote) Staleness() time.Duration {
	return time.Duration(q.StalenessSeconds * float64(time.Second))
}

// Confidence is 100 while a quote is within its heartbeat and decays linearly
// to 0 at twice the heartbeat.
func Confidence(staleness, heartbeat time.Duration) int {
	if heartbeat <= 0 || staleness <= heartbeat {
		return 100
	}
	ratio := float64(staleness) / float64(heartbeat)
	c := 100 * (2 - ratio)
	switch {
	case c <= 0:
		return 0
	case c >= 100:
		return 100
	}
	return int(c)
}

// Source defines the interface that all price sources must implement
type Source interface {
	// Descriptor returns the static description of this source
	Descriptor() Descriptor

	// Symbols returns the canonical symbols this source provides
	Symbols() []string

	// Supports reports whether the source lists a canonical symbol
	Supports(symbol string) bool

	// Call performs one upstream request for a symbol
	Call(ctx context.Context, symbol string) (*Response, error)

	// Decode turns a successful response into an observation
	Decode(symbol string, resp *Response) (Observation, error)

	// Close releases transport resources
	Close() error
}

// Factory is a function that creates a new Source instance
type Factory func(cfg config.SourceConfig, logger *logging.Logger) (Source, error)
