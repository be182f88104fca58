package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return ErrNoSourcesConfigured
	}

	seen := make(map[string]bool, len(cfg.Sources))
	enabled := 0
	for i := range cfg.Sources {
		source := &cfg.Sources[i]
		if err := validateSourceConfig(source, &cfg.Cache); err != nil {
			return fmt.Errorf("source %d (%s.%s): %w", i, source.Kind, source.Name, err)
		}
		if seen[source.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateSourceName, source.Name)
		}
		seen[source.Name] = true
		if source.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return ErrNoSourcesEnabled
	}

	if err := validateRatio("breaker.failure_threshold", cfg.Breaker.FailureThreshold); err != nil {
		return err
	}
	if err := validateRatio("health.failure_threshold", cfg.Health.FailureThreshold); err != nil {
		return err
	}

	if cfg.Alerts.Kafka.Enabled && len(cfg.Alerts.Kafka.Brokers) == 0 {
		return ErrKafkaBrokersRequired
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validateSourceConfig(sc *SourceConfig, cache *CacheConfig) error {
	if sc.Name == "" {
		return ErrSourceNameRequired
	}
	if sc.Priority < 0 {
		return ErrNegativePriority
	}

	blocks := 0
	for _, set := range []bool{sc.Oracle != nil, sc.DEX != nil, sc.REST != nil} {
		if set {
			blocks++
		}
	}
	if blocks != 1 {
		return fmt.Errorf("%w: exactly one of oracle, dex, rest must be set", ErrKindBlockMismatch)
	}

	switch sc.Kind {
	case KindOracle:
		if sc.Oracle == nil {
			return fmt.Errorf("%w: kind oracle requires an oracle block", ErrKindBlockMismatch)
		}
		if err := validateOracle(sc.Oracle); err != nil {
			return err
		}
	case KindDEX:
		if sc.DEX == nil {
			return fmt.Errorf("%w: kind dex requires a dex block", ErrKindBlockMismatch)
		}
		if err := validateDEX(sc.DEX); err != nil {
			return err
		}
	case KindREST:
		if sc.REST == nil {
			return fmt.Errorf("%w: kind rest requires a rest block", ErrKindBlockMismatch)
		}
		if err := validateREST(sc.REST); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q (must be one of: oracle, dex, rest)", ErrUnknownSourceKind, sc.Kind)
	}

	if sc.CacheTTL > 0 {
		critical := CriticalStaleness(sc.Heartbeat.ToDuration(), cache.ErrorThreshold.ToDuration())
		if sc.CacheTTL.ToDuration() > critical {
			return fmt.Errorf("%w: %s > %s", ErrTTLExceedsCritical, sc.CacheTTL.ToDuration(), critical)
		}
	}

	return nil
}

func validateOracle(c *OracleSourceConfig) error {
	if c.RPCURL == "" {
		return ErrRPCURLRequired
	}
	if len(c.Feeds) == 0 {
		return ErrNoPairsConfigured
	}
	for symbol, feed := range c.Feeds {
		if feed.Address == "" {
			return fmt.Errorf("%w: feed %s", ErrAddressRequired, symbol)
		}
	}
	return nil
}

func validateDEX(c *DEXSourceConfig) error {
	if c.RPCURL == "" {
		return ErrRPCURLRequired
	}
	if len(c.Pairs) == 0 {
		return ErrNoPairsConfigured
	}
	for symbol, pair := range c.Pairs {
		if pair.Address == "" {
			return fmt.Errorf("%w: pair %s", ErrAddressRequired, symbol)
		}
	}
	return nil
}

func validateREST(c *RESTSourceConfig) error {
	if c.URL == "" {
		return ErrURLRequired
	}
	if c.PricePath == "" {
		return ErrPricePathRequired
	}
	if len(c.Pairs) == 0 {
		return ErrNoPairsConfigured
	}
	if c.TimestampUnit != "s" && c.TimestampUnit != "ms" {
		return fmt.Errorf("%w: %q", ErrInvalidTimestampUnit, c.TimestampUnit)
	}
	return nil
}

func validateRatio(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s: %w (got %v)", name, ErrInvalidThreshold, v)
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, l := range validLevels {
		if strings.ToLower(cfg.Level) == l {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("%w: %s (must be one of: %s)", ErrInvalidLogLevel, cfg.Level, strings.Join(validLevels, ", "))
	}

	formatValid := strings.ToLower(cfg.Format) == "json" || strings.ToLower(cfg.Format) == "text"
	if !formatValid {
		return fmt.Errorf("%w: %s (must be 'json' or 'text')", ErrInvalidLogFormat, cfg.Format)
	}

	return nil
}
