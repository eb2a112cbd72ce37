package embedder

import (
	"fmt"
	"maps"
	"slices"
)

// Constructor builds an Embedder from configuration.
type Constructor func(cfg Config) (Embedder, error)

var registry = map[string]Constructor{
	"onnx": func(cfg Config) (Embedder, error) { return NewONNX(cfg) },
	"http": func(cfg Config) (Embedder, error) { return NewHTTP(cfg) },
	"hash": func(cfg Config) (Embedder, error) { return NewHash(cfg.Dim), nil },
}

// Register adds a provider constructor under the given name, replacing any
// existing one.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Embedder, error) {
	ctor, ok := registry[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("embedder: unknown provider %q", cfg.Provider)
	}
	return ctor(cfg)
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	return slices.Sorted(maps.Keys(registry))
}
