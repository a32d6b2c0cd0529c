package adapters

import (
	"fmt"
	"sort"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Registry maps resource kinds to their adapters.
type Registry struct {
	adapters map[engine.ResourceKind]engine.ResourceAdapter
}

// NewRegistry creates a registry with the adapters of every built-in kind,
// all sharing deps.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{adapters: make(map[engine.ResourceKind]engine.ResourceAdapter)}
	r.Register(NewApplication(deps))
	r.Register(NewDatabase(deps))
	r.Register(NewBatchJob(deps))
	r.Register(NewTaskRun(deps))
	return r
}

// Register adds or replaces the adapter of a.Kind().
func (r *Registry) Register(a engine.ResourceAdapter) {
	r.adapters[a.Kind()] = a
}

// Get returns the adapter of kind.
func (r *Registry) Get(kind engine.ResourceKind) (engine.ResourceAdapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no adapter for kind %q", kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return a, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []engine.ResourceKind {
	out := make([]engine.ResourceKind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
