// Package registry implements the Build Registry (spec.md §4.E): the map
// of admitted builds by id, plus priority propagation from each build's
// top-level step down through its dependency DAG.
package registry

import (
	"sync"
	"time"

	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/buildqueue/queuerunner/internal/jobset"
)

// Build is a user-visible queue entry admitted into the registry
// (spec.md §3). It is either present here with a non-nil Toplevel and
// !FinishedInDB, or finalized in the database and absent (spec.md §3
// invariant).
type Build struct {
	ID             int64
	DrvPath        string
	Project        string
	Jobset         string
	Job            string
	MaxSilentTime  int
	BuildTimeout   int
	Timestamp      time.Time
	GlobalPriority int
	LocalPriority  int
	FinishedInDB   bool

	Toplevel  *graph.Step
	JobsetRef *jobset.Jobset
}

// BuildID satisfies graph.BuildRef.
func (b *Build) BuildID() int64 { return b.ID }

// FullJobName mirrors the original's "project:jobset:job" log label.
func (b *Build) FullJobName() string {
	return b.Project + ":" + b.Jobset + ":" + b.Job
}

// Registry is the map of BuildID to Build, protected by a single mutex
// (spec.md §4.E).
type Registry struct {
	mu     sync.Mutex
	builds map[int64]*Build
}

// New constructs an empty Build Registry.
func New() *Registry {
	return &Registry{builds: map[int64]*Build{}}
}

// Has reports whether a build id is currently registered.
func (r *Registry) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.builds[id]
	return ok
}

// Get returns the registered build, if any.
func (r *Registry) Get(id int64) (*Build, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[id]
	return b, ok
}

// Insert admits a build into the registry.
func (r *Registry) Insert(b *Build) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds[b.ID] = b
}

// Erase removes a build from the registry, returning it if present.
func (r *Registry) Erase(id int64) (*Build, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[id]
	if ok {
		delete(r.builds, id)
	}
	return b, ok
}

// Iterate calls fn for every registered build. fn must not call back into
// the Registry; Iterate holds the registry lock for its duration.
func (r *Registry) Iterate(fn func(*Build)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.builds {
		fn(b)
	}
}

// Len reports the number of registered builds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.builds)
}

// PropagatePriorities updates highestGlobalPriority, highestLocalPriority,
// lowestBuildID, and the jobsets set of every step reachable from
// build.Toplevel (spec.md §4.E). It tolerates revisiting shared steps in
// the DAG via a per-call visited set, and is idempotent: calling it twice
// with the same build state is a no-op the second time (spec.md §8).
func PropagatePriorities(build *Build) {
	if build.Toplevel == nil {
		return
	}
	visited := map[*graph.Step]struct{}{}
	var visit func(step *graph.Step)
	visit = func(step *graph.Step) {
		if _, seen := visited[step]; seen {
			return
		}
		visited[step] = struct{}{}
		step.UpdatePriority(build.GlobalPriority, build.LocalPriority, build.ID, build.JobsetRef)
		for _, dep := range step.Deps() {
			visit(dep)
		}
	}
	visit(build.Toplevel)
}
