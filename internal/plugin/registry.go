package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds statically registered builtin handlers. These are trusted
// code compiled into the host; no dynamic loading is involved.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a builtin handler under name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get looks up a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StaticLoader resolves builtin refs against a registry. External refs fail
// with ErrUnsupported: dispatching those to a subprocess backend is the
// supervisor's job, not the in-process loader's.
type StaticLoader struct {
	registry *Registry
}

// NewStaticLoader returns a loader over reg.
func NewStaticLoader(reg *Registry) *StaticLoader {
	return &StaticLoader{registry: reg}
}

// Load implements Loader.
func (l *StaticLoader) Load(ref string) (Handler, error) {
	scheme, name, err := ParseRef(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if scheme != SchemeBuiltin {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ref)
	}
	h, ok := l.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return h, nil
}
