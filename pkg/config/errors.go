// Package config provides configuration loading and validation for oracle-client.
package config

import "errors"

var (
	// ErrNoSourcesConfigured indicates that no price sources are configured.
	ErrNoSourcesConfigured = errors.New("at least one price source must be configured")
	// ErrNoSourcesEnabled indicates that no sources are enabled.
	ErrNoSourcesEnabled = errors.New("no sources enabled")
	// ErrSourceNameRequired indicates that source name is required.
	ErrSourceNameRequired = errors.New("source name is required")
	// ErrDuplicateSourceName indicates that two sources share a name.
	ErrDuplicateSourceName = errors.New("duplicate source name")
	// ErrUnknownSourceKind indicates that the source kind is unknown.
	ErrUnknownSourceKind = errors.New("unknown source kind")
	// ErrKindBlockMismatch indicates the kind-specific block does not match kind.
	ErrKindBlockMismatch = errors.New("source block does not match kind")
	// ErrNegativePriority indicates that priority must be >= 0.
	ErrNegativePriority = errors.New("priority must be >= 0")
	// ErrRPCURLRequired indicates that rpc_url is required.
	ErrRPCURLRequired = errors.New("rpc_url is required")
	// ErrURLRequired indicates that url is required.
	ErrURLRequired = errors.New("url is required")
	// ErrPricePathRequired indicates that price_path is required.
	ErrPricePathRequired = errors.New("price_path is required")
	// ErrNoPairsConfigured indicates that a source lists no symbols.
	ErrNoPairsConfigured = errors.New("no pairs configured")
	// ErrAddressRequired indicates a feed or pool without an address.
	ErrAddressRequired = errors.New("address is required")
	// ErrTTLExceedsCritical indicates cache_ttl is beyond the critical staleness threshold.
	ErrTTLExceedsCritical = errors.New("cache_ttl exceeds critical staleness threshold")
	// ErrInvalidThreshold indicates a ratio outside (0, 1].
	ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")
	// ErrInvalidTimestampUnit indicates an unsupported timestamp unit.
	ErrInvalidTimestampUnit = errors.New("timestamp_unit must be 's' or 'ms'")
	// ErrKafkaBrokersRequired indicates Kafka is enabled without brokers.
	ErrKafkaBrokersRequired = errors.New("kafka brokers required when kafka alerts are enabled")
	// ErrInvalidLogLevel indicates that the log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat indicates that the log format is invalid.
	ErrInvalidLogFormat = errors.New("invalid log format")
	// ErrInvalidDuration indicates a duration value that cannot be parsed.
	ErrInvalidDuration = errors.New("invalid duration")
)
