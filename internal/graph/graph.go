// Package graph implements the Step Graph (spec.md §4.D): a shared,
// deduplicated DAG of build steps keyed by derivation path.
//
// spec.md §3 describes step ownership in terms of weak references held by
// the graph and strong references flowing down from Builds and reverse
// dependencies. Go has no native weak pointer tied to deterministic
// collection, so this follows the alternative spec.md §9 explicitly
// endorses for systems languages without one: an arena keyed by path with
// an explicit reference count, released eagerly rather than swept lazily.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildqueue/queuerunner/internal/derivation"
	"github.com/buildqueue/queuerunner/internal/jobset"
	"github.com/buildqueue/queuerunner/internal/nixstore"
)

// BuildRef is the minimal view of a Build a Step needs: its identity and
// scheduling fields. The registry package's Build satisfies this without
// graph importing registry (which would cycle, since registry needs
// *Step for Build.Toplevel).
type BuildRef interface {
	BuildID() int64
}

// Step is one derivation awaiting or undergoing build, deduplicated
// across all builds that need it (spec.md §3).
type Step struct {
	DrvPath string

	mu sync.Mutex

	drv                    derivation.Derivation
	requiredSystemFeatures map[string]struct{}
	preferLocalBuild       bool

	deps  map[string]*Step
	rdeps map[string]*Step

	builds map[int64]BuildRef

	highestGlobalPriority int
	highestLocalPriority  int
	lowestBuildID         int64

	jobsets map[*jobset.Jobset]struct{}

	created  bool
	refCount int
}

func newStep(drvPath string) *Step {
	return &Step{
		DrvPath:       drvPath,
		deps:          map[string]*Step{},
		rdeps:         map[string]*Step{},
		builds:        map[int64]BuildRef{},
		jobsets:       map[*jobset.Jobset]struct{}{},
		lowestBuildID: -1,
	}
}

// Created reports whether the step's dependency set has finished being
// populated. A step is visible in the graph before this is true; callers
// must not treat it as runnable until Created() && len(Deps()) == 0.
func (s *Step) Created() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Deps returns a snapshot of the step's direct dependencies.
func (s *Step) Deps() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Step, 0, len(s.deps))
	for _, d := range s.deps {
		out = append(out, d)
	}
	return out
}

// RDeps returns a snapshot of the steps that depend on this one.
func (s *Step) RDeps() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Step, 0, len(s.rdeps))
	for _, d := range s.rdeps {
		out = append(out, d)
	}
	return out
}

// Builds returns a snapshot of the builds directly attributing this step
// as their top-level step.
func (s *Step) Builds() []BuildRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BuildRef, 0, len(s.builds))
	for _, b := range s.builds {
		out = append(out, b)
	}
	return out
}

// Runnable reports whether the step is created and has no remaining
// dependencies (spec.md §3, "Runnability").
func (s *Step) Runnable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created && len(s.deps) == 0
}

// Priority returns the step's current scheduling fields under lock.
func (s *Step) Priority() (highestGlobalPriority, highestLocalPriority int, lowestBuildID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestGlobalPriority, s.highestLocalPriority, s.lowestBuildID
}

// Jobsets returns the set of jobsets that have referenced this step.
func (s *Step) Jobsets() []*jobset.Jobset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*jobset.Jobset, 0, len(s.jobsets))
	for js := range s.jobsets {
		out = append(out, js)
	}
	return out
}

// RequiredSystemFeatures returns the step's parsed requiredSystemFeatures.
func (s *Step) RequiredSystemFeatures() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requiredSystemFeatures
}

// PreferLocalBuild reports whether this step asked to build locally.
func (s *Step) PreferLocalBuild() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferLocalBuild
}

// Derivation returns the step's parsed derivation.
func (s *Step) Derivation() derivation.Derivation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drv
}

// UpdatePriority applies the monotonic max/min update used by priority
// propagation (spec.md §4.E): highestGlobalPriority and
// highestLocalPriority take the max, lowestBuildID takes the min, and
// the jobset is added to the step's set. Safe to call concurrently from
// multiple propagation passes since max/min/union are commutative and
// idempotent (spec.md §5).
func (s *Step) UpdatePriority(globalPriority, localPriority int, buildID int64, js *jobset.Jobset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if globalPriority > s.highestGlobalPriority {
		s.highestGlobalPriority = globalPriority
	}
	if localPriority > s.highestLocalPriority {
		s.highestLocalPriority = localPriority
	}
	if s.lowestBuildID < 0 || buildID < s.lowestBuildID {
		s.lowestBuildID = buildID
	}
	if js != nil {
		s.jobsets[js] = struct{}{}
	}
}

// Graph is the shared mutable map of derivation path to Step, under a
// single mutex (spec.md §4.D).
type Graph struct {
	mu             sync.Mutex
	steps          map[string]*Step
	localPlatforms map[string]struct{}

	onLockWait func(time.Duration)
}

// New constructs an empty Step Graph. localPlatforms is the configured
// set of platforms eligible for preferLocalBuild (spec.md §4.D).
func New(localPlatforms map[string]struct{}) *Graph {
	if localPlatforms == nil {
		localPlatforms = map[string]struct{}{}
	}
	return &Graph{steps: map[string]*Step{}, localPlatforms: localPlatforms}
}

// SetLockWaitObserver registers fn to be called with the time spent
// waiting to acquire the graph lock on every lookupOrAllocate call, the
// contended path of spec.md §4.D step 2. A nil fn (the default) disables
// the observation.
func (g *Graph) SetLockWaitObserver(fn func(time.Duration)) {
	g.onLockWait = fn
}

// Lookup returns the current step for drvPath, if any, without
// allocating.
func (g *Graph) Lookup(drvPath string) (*Step, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[drvPath]
	return s, ok
}

// Len reports the number of live steps in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.steps)
}

// RunnableSteps returns every currently live step with no remaining
// dependencies, for the introspection API.
func (g *Graph) RunnableSteps() []*Step {
	g.mu.Lock()
	steps := make([]*Step, 0, len(g.steps))
	for _, s := range g.steps {
		steps = append(steps, s)
	}
	g.mu.Unlock()

	out := make([]*Step, 0, len(steps))
	for _, s := range steps {
		if s.Runnable() {
			out = append(out, s)
		}
	}
	return out
}

// CreateStep implements spec.md §4.D's algorithm exactly. referringBuild
// and referringStep are mutually optional: the top-level call from the
// Build Loader passes referringBuild; every recursive call expanding an
// inputDrv passes referringStep instead.
func (g *Graph) CreateStep(
	ctx context.Context,
	store nixstore.Store,
	drvPath string,
	referringBuild BuildRef,
	referringStep *Step,
	finishedDrvs map[string]struct{},
	newSteps *[]*Step,
	newRunnable *[]*Step,
) (*Step, error) {
	if _, done := finishedDrvs[drvPath]; done {
		return nil, nil
	}

	step, isNew := g.lookupOrAllocate(drvPath, referringBuild, referringStep)
	if !isNew {
		return step, nil
	}

	drv, err := store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %w", drvPath, err)
	}

	step.mu.Lock()
	step.drv = drv
	step.requiredSystemFeatures = drv.RequiredSystemFeatures()
	step.preferLocalBuild = drv.PreferLocalBuild(g.localPlatforms)
	step.mu.Unlock()

	valid := true
	for _, out := range drv.Outputs {
		ok, err := store.IsValidPath(ctx, out.Path)
		if err != nil {
			return nil, fmt.Errorf("check valid path %s: %w", out.Path, err)
		}
		if !ok {
			valid = false
			break
		}
	}

	if valid {
		finishedDrvs[drvPath] = struct{}{}
		g.release(step)
		return nil, nil
	}

	*newSteps = append(*newSteps, step)

	for inputDrv := range drv.InputDrvs {
		dep, err := g.CreateStep(ctx, store, inputDrv, nil, step, finishedDrvs, newSteps, newRunnable)
		if err != nil {
			return nil, err
		}
		if dep != nil {
			step.mu.Lock()
			step.deps[dep.DrvPath] = dep
			step.mu.Unlock()
		}
	}

	step.mu.Lock()
	step.created = true
	runnable := len(step.deps) == 0
	step.mu.Unlock()

	if runnable {
		*newRunnable = append(*newRunnable, step)
	}

	return step, nil
}

// lookupOrAllocate implements spec.md §4.D step 2: under the graph lock,
// find or allocate the step, sweep a stale (refCount==0) entry, attach
// the referring build/step, and re-insert.
func (g *Graph) lookupOrAllocate(drvPath string, referringBuild BuildRef, referringStep *Step) (*Step, bool) {
	if g.onLockWait != nil {
		start := time.Now()
		g.mu.Lock()
		g.onLockWait(time.Since(start))
	} else {
		g.mu.Lock()
	}
	defer g.mu.Unlock()

	step, ok := g.steps[drvPath]
	if ok && step.refCount == 0 {
		delete(g.steps, drvPath)
		ok = false
	}

	isNew := !ok
	if isNew {
		step = newStep(drvPath)
	}

	step.mu.Lock()
	if step.created == isNew {
		step.mu.Unlock()
		panic(fmt.Sprintf("invariant violation: step %s has created=%v but isNew=%v", drvPath, step.created, isNew))
	}

	if referringBuild != nil {
		step.builds[referringBuild.BuildID()] = referringBuild
		step.refCount++
	}
	if referringStep != nil {
		step.rdeps[referringStep.DrvPath] = referringStep
		step.refCount++
	}
	step.mu.Unlock()

	g.steps[drvPath] = step
	return step, isNew
}

// release decrements a step's reference count and, once it reaches zero,
// removes it from the graph and cascades the release through its deps
// (mirroring the weak-reference sweep of spec.md §3: a step with no live
// owner and no live reverse-dependency disappears).
func (g *Graph) release(step *Step) {
	g.mu.Lock()
	step.mu.Lock()
	step.refCount--
	dead := step.refCount <= 0
	var deps []*Step
	if dead {
		delete(g.steps, step.DrvPath)
		for _, d := range step.deps {
			deps = append(deps, d)
		}
	}
	step.mu.Unlock()
	g.mu.Unlock()

	for _, d := range deps {
		d.mu.Lock()
		delete(d.rdeps, step.DrvPath)
		d.mu.Unlock()
		g.release(d)
	}
}

// DetachBuild removes a build's top-level attribution from step and
// releases the corresponding reference, cascading removal through the
// graph if nothing else keeps the step alive. Called when a build is
// erased from the Build Registry (spec.md §4.G processQueueChange).
func (g *Graph) DetachBuild(step *Step, buildID int64) {
	if step == nil {
		return
	}
	step.mu.Lock()
	_, had := step.builds[buildID]
	if had {
		delete(step.builds, buildID)
	}
	step.mu.Unlock()
	if had {
		g.release(step)
	}
}
