package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/types"
)

// Registry holds the configured providers. Providers are immutable once
// registered; the registry only grows during startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]TryOnProvider
	order     []string // registration order, used to break priority ties
	logger    *logrus.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		providers: make(map[string]TryOnProvider),
		order:     make([]string, 0),
		logger:    logger,
	}
}

// Register adds a provider. IDs must be unique.
func (r *Registry) Register(p TryOnProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if id == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %s already registered", id)
	}

	r.providers[id] = p
	r.order = append(r.order, id)

	r.logger.WithFields(logrus.Fields{
		"provider": id,
		"priority": p.Priority(),
	}).Info("Provider registered")
	return nil
}

// Get returns a provider by id
func (r *Registry) Get(id string) (TryOnProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns providers ordered by ascending priority, ties broken by
// registration order.
func (r *Registry) List() []TryOnProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]TryOnProvider, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.providers[id])
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority() < list[j].Priority()
	})
	return list
}

// IDs returns provider ids in List order
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID()
	}
	return ids
}

// Infos returns descriptive info for every provider in List order
func (r *Registry) Infos() []types.ProviderInfo {
	list := r.List()
	infos := make([]types.ProviderInfo, len(list))
	for i, p := range list {
		infos[i] = p.Info()
	}
	return infos
}
