package detector

import (
	"fmt"
	"sync"
)

// Registry manages detection capabilities by kind.
type Registry interface {
	Get(kind Kind) (Detector, error)
	Register(d Detector)
	List() []Kind
}

// NewRegistry creates an empty registry. The caller wires in the configured
// capabilities at startup.
func NewRegistry() Registry {
	return &registry{
		detectors: make(map[Kind]Detector, 2),
	}
}

type registry struct {
	mu        sync.RWMutex
	detectors map[Kind]Detector
}

// Ensure interface compliance.
var _ Registry = (*registry)(nil)

// Get returns the detector for the given kind.
func (r *registry) Get(kind Kind) (Detector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.detectors[kind]
	if !ok {
		return nil, fmt.Errorf("no detector registered for kind: %s", kind)
	}

	return d, nil
}

// Register adds a detector to the registry.
func (r *registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detectors[d.Kind()] = d
}

// List returns all registered kinds.
func (r *registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.detectors))
	for k := range r.detectors {
		kinds = append(kinds, k)
	}

	return kinds
}
