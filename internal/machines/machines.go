// Package machines defines the consumed machines-map contract (spec.md
// §4.F, §6): whether any registered builder machine supports a given
// step's system and required features. The builder pool that populates
// this map lives outside this module's scope; this package provides the
// narrow interface plus a simple in-memory registry for tests and local
// development.
package machines

import (
	"sync"

	"github.com/buildqueue/queuerunner/internal/graph"
)

// Machine is the narrow view the queue runner needs of a registered
// builder machine.
type Machine interface {
	// SupportsStep reports whether this machine can build step: its
	// platform matches and it has every required system feature.
	SupportsStep(step *graph.Step) bool
}

// Registry is the machines-map of spec.md §5's locking hierarchy leaf
// lock, holding every currently registered builder machine.
type Registry struct {
	mu       sync.Mutex
	machines map[string]Machine
}

// New constructs an empty machine registry.
func New() *Registry {
	return &Registry{machines: map[string]Machine{}}
}

// Register adds or replaces a machine under the given id.
func (r *Registry) Register(id string, m Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[id] = m
}

// Unregister removes a machine.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
}

// AnySupports reports whether any registered machine supports the step
// (spec.md §4.F step 6).
func (r *Registry) AnySupports(step *graph.Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.machines {
		if m.SupportsStep(step) {
			return true
		}
	}
	return false
}

// SimpleMachine is a Machine implementation that matches on platform and
// declared system features, suitable for tests and for a development
// deployment that has not wired a real builder pool's machine metadata.
type SimpleMachine struct {
	Platform string
	Features map[string]struct{}
}

func (m SimpleMachine) SupportsStep(step *graph.Step) bool {
	if step.Derivation().Platform != m.Platform {
		return false
	}
	for f := range step.RequiredSystemFeatures() {
		if _, ok := m.Features[f]; !ok {
			return false
		}
	}
	return true
}
