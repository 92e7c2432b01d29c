package journal

import (
	"fmt"
	"slices"
	"sync"
)

// Config is handed to a Factory when a journal is opened by name.
type Config struct {
	Dir    string
	NoSync bool
}

// Factory opens a journal for a working directory.
type Factory func(cfg Config) (Journal, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register("file", func(cfg Config) (Journal, error) {
		return OpenFile(cfg.Dir, WithSync(!cfg.NoSync))
	})
	Register("memory", func(Config) (Journal, error) {
		return NewMemory(), nil
	})
}

// Register registers a new journal factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open opens the journal registered under name.
func Open(name string, cfg Config) (Journal, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("journal not found: %s", name)
	}
	return factory(cfg)
}

// Names lists the registered journals.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
