// Package registry maps (arena, platform) keys to adapter factories.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arenalab/collection-core/internal/arena"
)

// Registry is a process-wide lookup table from arena key to adapter factory.
// It holds no per-request state and is safe for concurrent reads.
type Registry struct {
	mu        sync.RWMutex
	factories map[arena.Key]arena.Factory
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		factories: make(map[arena.Key]arena.Factory),
	}
}

// Register binds a factory to a key. Registration happens at process start;
// duplicate keys fail fast rather than silently overwrite.
func (r *Registry) Register(key arena.Key, factory arena.Factory) error {
	if key.Arena == "" || key.Platform == "" {
		return fmt.Errorf("registry: key %q is incomplete", key)
	}
	if factory == nil {
		return fmt.Errorf("registry: nil factory for %q", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("registry: duplicate adapter key %q", key)
	}
	r.factories[key] = factory
	return nil
}

// MustRegister panics on registration failure. Intended for init-time wiring
// where a duplicate key is a programming error.
func (r *Registry) MustRegister(key arena.Key, factory arena.Factory) {
	if err := r.Register(key, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under key.
func (r *Registry) Lookup(key arena.Key) (arena.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key]
	return f, ok
}

// Keys returns all registered keys sorted for deterministic sweeps.
func (r *Registry) Keys() []arena.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]arena.Key, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Arena != keys[j].Arena {
			return keys[i].Arena < keys[j].Arena
		}
		return keys[i].Platform < keys[j].Platform
	})
	return keys
}

var defaultRegistry = New()

// Default returns the process-wide registry. It is a convenience instance
// for init-time adapter wiring; orchestrator paths always take a *Registry
// explicitly.
func Default() *Registry {
	return defaultRegistry
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
