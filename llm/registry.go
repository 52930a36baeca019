package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/sessionflow/types"
)

// Registry maps public base-model names to their descriptors and owning
// adapters. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	models    map[string]ModelDescriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		models:    make(map[string]ModelDescriptor),
	}
}

// Register adds a provider and every model it serves. A name collision,
// whether of the provider id or of any model name, fails registration
// outright: two adapters silently fighting over one public name is a
// deployment error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider has empty name")
	}
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("provider %q already registered", name)
	}

	models := p.Models()
	for _, m := range models {
		if m.Name == "" {
			return fmt.Errorf("provider %q serves a model with empty name", name)
		}
		if prev, ok := r.models[m.Name]; ok {
			return fmt.Errorf("model %q already registered by provider %q", m.Name, prev.Provider)
		}
	}

	r.providers[name] = p
	for _, m := range models {
		if m.Provider == "" {
			m.Provider = name
		}
		r.models[m.Name] = m
	}
	return nil
}

// Resolve parses the public model name, strips mode suffixes, and looks up
// the remaining base. Unknown bases fail with UNKNOWN_MODEL.
func (r *Registry) Resolve(name string) (ModelDescriptor, ModeFlags, Provider, error) {
	base, flags := ParseModelName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.models[base]
	if !ok {
		return ModelDescriptor{}, flags, nil,
			types.NewError(types.ErrUnknownModel, fmt.Sprintf("model %q is not served by this gateway", name))
	}
	p, ok := r.providers[desc.Provider]
	if !ok {
		return ModelDescriptor{}, flags, nil,
			types.NewError(types.ErrInternalError, fmt.Sprintf("model %q maps to unregistered provider %q", base, desc.Provider))
	}
	return desc, flags, p, nil
}

// Provider returns the adapter registered under the id.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Providers returns the sorted registered adapter ids.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns all registered base models sorted by name, for the
// /v1/models listing.
func (r *Registry) Models() []ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelDescriptor, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered base models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
