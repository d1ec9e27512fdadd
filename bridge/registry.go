package bridge

import (
	"sync"
)

// Registration binds a call name to its signature, affinity and handler.
// Registered during session setup, looked up read-only during dispatch.
type Registration struct {
	Name      string
	Signature Signature
	Affinity  Affinity
	Handler   Handler
}

// Registry holds a session's exposed calls. Read-mostly after the session
// activates; the lock exists for the registration phase.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Registration
}

// NewRegistry creates an empty call registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Registration)}
}

// Register adds a call. Fails with DuplicateRegistration when the name is
// already taken in this session.
func (r *Registry) Register(name string, sig Signature, affinity Affinity, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[name]; exists {
		return Errorf(ErrDuplicateRegistration, "call %q already registered", name)
	}
	r.calls[name] = &Registration{
		Name:      name,
		Signature: sig,
		Affinity:  affinity,
		Handler:   handler,
	}
	return nil
}

// Lookup resolves a call name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.calls[name]
	return reg, ok
}

// Names returns the registered call names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.calls))
	for name := range r.calls {
		names = append(names, name)
	}
	return names
}
