package codec

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps codec names to codecs.
type Registry struct {
	mu          sync.RWMutex
	codecs      map[string]*Codec
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]*Codec)}
}

// Register adds c. Registering a name twice panics, like database/sql drivers.
func (r *Registry) Register(c *Codec) {
	if err := c.Validate(); err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.codecs[c.Name]; dup {
		panic(fmt.Sprintf("codec: Register called twice for %q", c.Name))
	}
	r.codecs[c.Name] = c
}

// SetDefault selects the codec used for new segments.
func (r *Registry) SetDefault(name string) error {
	if _, err := r.ForName(name); err != nil {
		return err
	}
	r.mu.Lock()
	r.defaultName = name
	r.mu.Unlock()
	return nil
}

// ForName resolves a codec by name.
func (r *Registry) ForName(name string) (*Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	if !ok {
		return nil, &UnsupportedFormatError{Resource: "codec registry", Format: name}
	}
	return c, nil
}

// Default returns the codec for new segments.
func (r *Registry) Default() (*Codec, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("codec: no default codec registered")
	}
	return r.ForName(name)
}

// Names returns the registered codec names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry populated by codec
// packages on import.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds c to the default registry.
func Register(c *Codec) { defaultRegistry.Register(c) }

// ForName resolves name in the default registry.
func ForName(name string) (*Codec, error) { return defaultRegistry.ForName(name) }

// Default returns the default registry's codec for new segments.
func Default() (*Codec, error) { return defaultRegistry.Default() }
