package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Default heartbeats per source kind: the cadence at which a healthy source
// is expected to publish a new value.
const (
	DefaultOracleHeartbeat = time.Hour
	DefaultDEXHeartbeat    = time.Minute
	DefaultRESTHeartbeat   = 5 * time.Minute
	DefaultSourceTimeout   = 10 * time.Second
)

// Load loads configuration from YAML file and environment variables.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(absPath) // #nosec G304 -- Path sanitized with filepath.Clean and filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, expanding ${ENV} references, and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with every default applied and no sources.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for optional fields.
func ApplyDefaults(cfg *Config) {
	for i := range cfg.Sources {
		applySourceDefaults(&cfg.Sources[i])
	}

	// Retry defaults
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = Duration(time.Second)
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = Duration(30 * time.Second)
	}

	// Cache defaults
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 10000
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = Duration(time.Minute)
	}
	if cfg.Cache.WarningThreshold == 0 {
		cfg.Cache.WarningThreshold = Duration(30 * time.Minute)
	}
	if cfg.Cache.ErrorThreshold == 0 {
		cfg.Cache.ErrorThreshold = Duration(2 * time.Hour)
	}
	if cfg.Cache.OracleTTL == 0 {
		cfg.Cache.OracleTTL = Duration(5 * time.Minute)
	}
	if cfg.Cache.DEXTTL == 0 {
		cfg.Cache.DEXTTL = Duration(2 * time.Minute)
	}
	if cfg.Cache.RESTTTL == 0 {
		cfg.Cache.RESTTTL = Duration(10 * time.Minute)
	}

	// Breaker defaults
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 0.8
	}
	if cfg.Breaker.MinSamples == 0 {
		cfg.Breaker.MinSamples = 5
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = Duration(time.Minute)
	}

	// Health defaults
	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = Duration(30 * time.Second)
	}
	if cfg.Health.MinCalls == 0 {
		cfg.Health.MinCalls = 10
	}
	if cfg.Health.Window == 0 {
		cfg.Health.Window = 20
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 0.8
	}

	// Volatility defaults (7 days at one-minute resolution)
	if cfg.Volatility.HistorySize == 0 {
		cfg.Volatility.HistorySize = 10080
	}
	if cfg.Volatility.RefreshInterval == 0 {
		cfg.Volatility.RefreshInterval = Duration(time.Minute)
	}
	if cfg.Volatility.Critical == 0 {
		cfg.Volatility.Critical = 50
	}
	if cfg.Volatility.High == 0 {
		cfg.Volatility.High = 30
	}
	if cfg.Volatility.Medium == 0 {
		cfg.Volatility.Medium = 15
	}
	if cfg.Volatility.SpikePercent == 0 {
		cfg.Volatility.SpikePercent = 20
	}
	if cfg.Volatility.DropPercent == 0 {
		cfg.Volatility.DropPercent = 20
	}

	// Failover defaults
	if cfg.Failover.BatchConcurrency == 0 {
		cfg.Failover.BatchConcurrency = 8
	}
	if len(cfg.Failover.WarmupSymbols) > 0 && cfg.Failover.WarmupInterval == 0 {
		cfg.Failover.WarmupInterval = Duration(time.Minute)
	}

	// Server defaults
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = ":8080"
	}
	if cfg.Server.WebSocket.Addr == "" {
		cfg.Server.WebSocket.Addr = ":8081"
	}
	if cfg.Server.WebSocket.StreamInterval == 0 {
		cfg.Server.WebSocket.StreamInterval = Duration(10 * time.Second)
	}

	// Alerts defaults
	if cfg.Alerts.Kafka.Topic == "" {
		cfg.Alerts.Kafka.Topic = "price-alerts"
	}

	// Metrics defaults
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func applySourceDefaults(sc *SourceConfig) {
	if sc.Heartbeat == 0 {
		switch sc.Kind {
		case KindOracle:
			sc.Heartbeat = Duration(DefaultOracleHeartbeat)
		case KindDEX:
			sc.Heartbeat = Duration(DefaultDEXHeartbeat)
		case KindREST:
			sc.Heartbeat = Duration(DefaultRESTHeartbeat)
		}
	}
	if sc.Timeout == 0 {
		sc.Timeout = Duration(DefaultSourceTimeout)
	}
	if sc.REST != nil && sc.REST.TimestampUnit == "" {
		sc.REST.TimestampUnit = "s"
	}
	if sc.TestSymbol == "" {
		symbols := sc.Symbols()
		if len(symbols) > 0 {
			sc.TestSymbol = symbols[0]
		}
	}
}

// Symbols returns the sorted symbols a source is configured to serve.
func (sc *SourceConfig) Symbols() []string {
	var keys []string
	switch {
	case sc.Oracle != nil:
		for k := range sc.Oracle.Feeds {
			keys = append(keys, k)
		}
	case sc.DEX != nil:
		for k := range sc.DEX.Pairs {
			keys = append(keys, k)
		}
	case sc.REST != nil:
		for k := range sc.REST.Pairs {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// DefaultTTL returns the cache TTL for quotes from a source of the given kind.
func (c *CacheConfig) DefaultTTL(kind SourceKind) time.Duration {
	switch kind {
	case KindOracle:
		return c.OracleTTL.ToDuration()
	case KindDEX:
		return c.DEXTTL.ToDuration()
	default:
		return c.RESTTTL.ToDuration()
	}
}

// CriticalStaleness is the age beyond which a quote from a source with the
// given heartbeat is unusable. Without a heartbeat the global error threshold
// applies.
func CriticalStaleness(heartbeat, errorThreshold time.Duration) time.Duration {
	if heartbeat > 0 {
		return 2 * heartbeat
	}
	return errorThreshold
}

// EnabledSources returns the enabled source entries in declaration order.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
