package backend

import "fmt"

// Registry maps backend names to their compiled-in implementation. Built at
// init time from NewDefaultRegistry; plugin loading at runtime is out of
// scope.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// NewDefaultRegistry returns a registry preloaded with the shipped backends:
// local, pbs, lsf, yarn.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewLocalBackend())
	r.Register(NewPBSBackend())
	r.Register(NewLSFBackend())
	r.Register(NewYARNBackend())
	return r
}

// Register adds b under b.Name(), overwriting any previous registration of
// the same name.
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

// Lookup resolves name to its Backend, or an error if unregistered.
func (r *Registry) Lookup(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend: no backend registered as %q", name)
	}
	return b, nil
}

// Names returns every registered backend name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
