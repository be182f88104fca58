package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceKind discriminates the per-kind source configuration blocks.
type SourceKind string

const (
	KindOracle SourceKind = "oracle"
	KindDEX    SourceKind = "dex"
	KindREST   SourceKind = "rest"
)

// Config is the root configuration structure
type Config struct {
	Sources    []SourceConfig   `yaml:"sources"`
	Retry      RetryConfig      `yaml:"retry"`
	Cache      CacheConfig      `yaml:"cache"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Health     HealthConfig     `yaml:"health"`
	Volatility VolatilityConfig `yaml:"volatility"`
	Failover   FailoverConfig   `yaml:"failover"`
	Server     ServerConfig     `yaml:"server"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SourceConfig configures one upstream price source. Exactly one of the
// Oracle, DEX or REST blocks must be set, matching Kind.
type SourceConfig struct {
	Kind              SourceKind `yaml:"kind"`
	Name              string     `yaml:"name"`
	Enabled           bool       `yaml:"enabled"`
	Priority          int        `yaml:"priority"`
	Heartbeat         Duration   `yaml:"heartbeat"`
	Timeout           Duration   `yaml:"timeout"`
	CacheTTL          Duration   `yaml:"cache_ttl"`
	RequestsPerSecond float64    `yaml:"requests_per_second"`
	TestSymbol        string     `yaml:"test_symbol"`

	Oracle *OracleSourceConfig `yaml:"oracle,omitempty"`
	DEX    *DEXSourceConfig    `yaml:"dex,omitempty"`
	REST   *RESTSourceConfig   `yaml:"rest,omitempty"`
}

// OracleSourceConfig configures a Chainlink-style aggregator source.
type OracleSourceConfig struct {
	RPCURL string                `yaml:"rpc_url"`
	Feeds  map[string]FeedConfig `yaml:"feeds"` // symbol -> aggregator
}

// FeedConfig is a single on-chain aggregator.
type FeedConfig struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// DEXSourceConfig configures a UniswapV2-style pair reserve source.
type DEXSourceConfig struct {
	RPCURL string                `yaml:"rpc_url"`
	Pairs  map[string]PairConfig `yaml:"pairs"` // symbol -> pool
}

// PairConfig is a single pool. The quote token is assumed to be a USD
// stablecoin; Invert selects token1 as the base asset.
type PairConfig struct {
	Address   string `yaml:"address"`
	Decimals0 int    `yaml:"decimals0"`
	Decimals1 int    `yaml:"decimals1"`
	Invert    bool   `yaml:"invert"`
}

// RESTSourceConfig configures a JSON market-data endpoint.
// URL and PricePath may contain {id} and {symbol} placeholders.
type RESTSourceConfig struct {
	URL           string            `yaml:"url"`
	Pairs         map[string]string `yaml:"pairs"` // symbol -> provider id
	PricePath     string            `yaml:"price_path"`
	TimestampPath string            `yaml:"timestamp_path"`
	TimestampUnit string            `yaml:"timestamp_unit"` // "s" or "ms"
	Headers       map[string]string `yaml:"headers"`
}

// RetryConfig configures the retry controller.
// MaxRetries 0 selects the default; a negative value disables retries.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	Multiplier float64  `yaml:"multiplier"`
	MaxDelay   Duration `yaml:"max_delay"`
}

// CacheConfig configures the quote cache.
type CacheConfig struct {
	Capacity         int      `yaml:"capacity"`
	CleanupInterval  Duration `yaml:"cleanup_interval"`
	WarningThreshold Duration `yaml:"warning_threshold"`
	ErrorThreshold   Duration `yaml:"error_threshold"`
	OracleTTL        Duration `yaml:"oracle_ttl"`
	DEXTTL           Duration `yaml:"dex_ttl"`
	RESTTTL          Duration `yaml:"rest_ttl"`
}

// BreakerConfig configures per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold float64  `yaml:"failure_threshold"`
	MinSamples       int      `yaml:"min_samples"`
	Cooldown         Duration `yaml:"cooldown"`
}

// HealthConfig configures health tracking and the periodic probe.
type HealthConfig struct {
	CheckInterval    Duration `yaml:"check_interval"`
	MinCalls         int      `yaml:"min_calls"`
	Window           int      `yaml:"window"`
	FailureThreshold float64  `yaml:"failure_threshold"`
}

// VolatilityConfig configures the volatility monitor and alert thresholds.
type VolatilityConfig struct {
	HistorySize     int      `yaml:"history_size"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	Critical        float64  `yaml:"critical"`
	High            float64  `yaml:"high"`
	Medium          float64  `yaml:"medium"`
	SpikePercent    float64  `yaml:"spike_percent"`
	DropPercent     float64  `yaml:"drop_percent"` // magnitude; a drop alerts at <= -DropPercent
}

// FailoverConfig configures the orchestrator.
type FailoverConfig struct {
	BatchConcurrency int      `yaml:"batch_concurrency"`
	WarmupSymbols    []string `yaml:"warmup_symbols"`
	WarmupInterval   Duration `yaml:"warmup_interval"`
}

// ServerConfig configures the optional HTTP/WebSocket surface.
type ServerConfig struct {
	HTTP      HTTPConfig `yaml:"http"`
	WebSocket WSConfig   `yaml:"websocket"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// WSConfig configures the WebSocket server. StreamInterval is how often
// symbols subscribed by clients are refreshed.
type WSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	StreamInterval Duration `yaml:"stream_interval"`
}

// AlertsConfig configures alert sinks.
type AlertsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the Kafka alert sink.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a wrapper around time.Duration for YAML parsing
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings ("90s") or plain integers as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		secs, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		td = time.Duration(secs) * time.Second
	}
	*d = Duration(td)
	return nil
}

// ToDuration converts Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}
