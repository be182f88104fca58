package sources

import (
	"fmt"
	"sort"
	"sync"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
)

var (
	registry = make(map[Kind]Factory)
	mu       sync.RWMutex
)

// Register adds a source factory to the registry
func Register(kind Kind, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[kind] = factory
}

// Create creates a new source instance from its configuration entry
func Create(cfg config.SourceConfig, logger *logging.Logger) (Source, error) {
	mu.RLock()
	factory, ok := registry[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}

	src, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s source %s: %w", cfg.Kind, cfg.Name, err)
	}
	return src, nil
}

// List returns all registered source kinds
func List() []Kind {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
