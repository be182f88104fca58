package sources

import (
	"sort"

	"github.com/StrathCole/oracle-client/pkg/logging"
)

// Base provides common functionality for all price sources
type Base struct {
	desc    Descriptor
	symbols []string
	pairs   map[string]string // canonical symbol -> source-specific id
	logger  *logging.Logger
}

// NewBase creates a new base source with pair mappings.
// pairs: configured symbol (e.g. "WETH/USDT") -> source-specific id. Keys are
// normalized to canonical symbols.
func NewBase(desc Descriptor, pairs map[string]string, logger *logging.Logger) *Base {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	normalized := make(map[string]string, len(pairs))
	for symbol, id := range pairs {
		normalized[NormalizeSymbol(symbol)] = id
	}

	symbols := make([]string, 0, len(normalized))
	for symbol := range normalized {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	return &Base{
		desc:    desc,
		symbols: symbols,
		pairs:   normalized,
		logger:  logger.With("source", desc.Name, "kind", string(desc.Kind)),
	}
}

// Descriptor returns the source descriptor
func (b *Base) Descriptor() Descriptor {
	return b.desc
}

// Name returns the source name
func (b *Base) Name() string {
	return b.desc.Name
}

// Symbols returns the symbols this source provides
func (b *Base) Symbols() []string {
	out := make([]string, len(b.symbols))
	copy(out, b.symbols)
	return out
}

// Supports reports whether the canonical symbol is configured.
func (b *Base) Supports(symbol string) bool {
	_, ok := b.pairs[NormalizeSymbol(symbol)]
	return ok
}

// SourceSymbol converts a symbol to its source-specific id.
func (b *Base) SourceSymbol(symbol string) (string, bool) {
	id, ok := b.pairs[NormalizeSymbol(symbol)]
	return id, ok
}

// Logger returns the logger
func (b *Base) Logger() *logging.Logger {
	return b.logger
}

// Close is a no-op for sources without transport state.
func (b *Base) Close() error {
	return nil
}
