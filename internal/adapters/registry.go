package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/maestro/internal/interfaces"
)

// Registry maps provider ids to adapters. Registering an id again
// replaces the earlier adapter, so test doubles and local overrides
// win over the stock wiring.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]interfaces.Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]interfaces.Adapter),
	}
}

// Register adds the adapter under its provider id.
func (r *Registry) Register(adapter interfaces.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is required")
	}
	providerID := adapter.ProviderID()
	if providerID == "" {
		return fmt.Errorf("adapter provider_id is required")
	}
	r.mu.Lock()
	r.adapters[providerID] = adapter
	r.mu.Unlock()
	return nil
}

// Get returns the adapter registered under the provider id.
func (r *Registry) Get(providerID string) (interfaces.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerID)
	}
	return adapter, nil
}

// Providers returns the registered provider ids, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
