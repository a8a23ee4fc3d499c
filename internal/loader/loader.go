// Package loader implements the Build Loader (spec.md §4.F): expanding a
// queued build into the Step Graph, classifying immediate failures, and
// admitting survivors into the Build Registry.
package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buildqueue/queuerunner/internal/buildstatus"
	"github.com/buildqueue/queuerunner/internal/cachedfailure"
	"github.com/buildqueue/queuerunner/internal/db"
	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/buildqueue/queuerunner/internal/jobset"
	"github.com/buildqueue/queuerunner/internal/machines"
	"github.com/buildqueue/queuerunner/internal/nixstore"
	"github.com/buildqueue/queuerunner/internal/registry"
	"github.com/buildqueue/queuerunner/internal/runnable"
)

// Metrics receives the counter a loader pass updates (spec.md §6:
// nrBuildsDone). nrBuildsRead is reported by the queue monitor from
// Cohort.Admitted. Implemented by internal/telemetry; declared here so
// this package doesn't import it.
type Metrics interface {
	IncBuildsDone()
}

// Loader wires the collaborators loadBuild needs: the Store Gateway, the
// Database Gateway, the Step Graph, the Build Registry, the machines map,
// and the cached-failure checker.
type Loader struct {
	Store         nixstore.Store
	DB            *db.Gateway
	Graph         *graph.Graph
	Registry      *registry.Registry
	Jobsets       *jobset.Registry
	Machines      *machines.Registry
	CachedFailure cachedfailure.Checker
	Metrics       Metrics
	Sink          runnable.Sink

	// Concurrency bounds how many re-entrant pull-forward LoadBuild calls
	// (spec.md §4.F step 4) run at once within one pass. <= 1 runs them
	// strictly sequentially, the default and the only mode spec.md's
	// single-threaded graph-insertion precondition requires; see
	// DESIGN.md's Open Question note before raising it.
	Concurrency int

	now func() time.Time
}

// New constructs a Loader from its collaborators. sink may be nil, in
// which case newly runnable steps are computed but never published
// (useful for tests that only care about registry/graph admission).
// concurrency <= 0 is treated as 1.
func New(store nixstore.Store, gw *db.Gateway, g *graph.Graph, reg *registry.Registry, jobsets *jobset.Registry, mach *machines.Registry, cf cachedfailure.Checker, metrics Metrics, sink runnable.Sink, concurrency int) *Loader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Loader{
		Store: store, DB: gw, Graph: g, Registry: reg, Jobsets: jobsets,
		Machines: mach, CachedFailure: cf, Metrics: metrics, Sink: sink,
		Concurrency: concurrency, now: time.Now,
	}
}

// PublishRunnable hands every step in steps to the builder-pool sink
// (spec.md §4.F step 7). A nil Sink is a no-op, matching New's contract.
func (l *Loader) PublishRunnable(ctx context.Context, steps []*graph.Step) error {
	if l.Sink == nil || len(steps) == 0 {
		return nil
	}
	return runnable.PublishAll(ctx, l.Sink, steps)
}

// Cohort is the shared state of one getQueuedBuilds pass (spec.md §4.F):
// the not-yet-loaded builds keyed by id and by their top-level drvPath
// (for re-entrant pull-forward), and the runnable steps accumulated
// across every build loaded in the pass. Safe for concurrent use by
// multiple in-flight LoadBuild calls when Loader.Concurrency > 1.
type Cohort struct {
	mu          sync.Mutex
	ByID        map[int64]*registry.Build
	ByPath      map[string][]*registry.Build
	NewRunnable []*graph.Step

	// Admitted counts every build successfully claimed out of ByID in
	// this pass, outer-loop and pulled-forward alike (spec.md §10's
	// nrBuildsRead, which the original counts per createBuild call, not
	// per outer-loop iteration).
	Admitted int
}

// NewCohort builds an empty Cohort from the set of builds read this pass.
// ByPath is a multimap: several queued builds can share the same
// top-level drvPath, and the first one encountered owns the attribution
// when another build's DAG walk reaches that path (spec.md §3, §4.F).
func NewCohort(builds []*registry.Build) *Cohort {
	c := &Cohort{ByID: map[int64]*registry.Build{}, ByPath: map[string][]*registry.Build{}}
	for _, b := range builds {
		c.ByID[b.ID] = b
		c.ByPath[b.DrvPath] = append(c.ByPath[b.DrvPath], b)
	}
	return c
}

// takePending removes and returns build id from the pending set, if it
// is still there, counting it toward Admitted. Returns false if another
// goroutine already claimed it.
func (c *Cohort) takePending(id int64) (*registry.Build, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.ByID[id]
	if ok {
		delete(c.ByID, id)
		c.Admitted++
	}
	return b, ok
}

// IsPending reports whether build id is still unclaimed.
func (c *Cohort) IsPending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ByID[id]
	return ok
}

// pendingByPath returns the first still-pending build whose top-level
// drvPath is path, if any, preserving the order builds were read in.
func (c *Cohort) pendingByPath(path string) (*registry.Build, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.ByPath[path] {
		if _, ok := c.ByID[b.ID]; ok {
			return b, true
		}
	}
	return nil, false
}

func (c *Cohort) addRunnable(steps []*graph.Step) {
	if len(steps) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NewRunnable = append(c.NewRunnable, steps...)
}

// LoadBuild implements spec.md §4.F's loadBuild(build, cohort). It is
// re-entrant: expanding build's DAG may pull forward and load another
// queued build first, so that a shared top-level derivation is always
// attributed to its own queued build rather than to whichever build
// happened to reference it first.
func (l *Loader) LoadBuild(ctx context.Context, build *registry.Build, cohort *Cohort) error {
	if _, claimed := cohort.takePending(build.ID); !claimed {
		// Another concurrent pull-forward already claimed this build.
		return nil
	}

	valid, err := l.Store.IsValidPath(ctx, build.DrvPath)
	if err != nil {
		return fmt.Errorf("while loading build %d: check derivation validity: %w", build.ID, err)
	}
	if !valid {
		if !build.FinishedInDB {
			now := l.now()
			if err := l.DB.FinalizeBuild(ctx, build.ID, buildstatus.Aborted, now, "derivation was garbage-collected prior to build", false); err != nil {
				return fmt.Errorf("while loading build %d: %w", build.ID, err)
			}
			build.FinishedInDB = true
			l.Metrics.IncBuildsDone()
		}
		return nil
	}

	finishedDrvs := map[string]struct{}{}
	var newSteps, newRunnable []*graph.Step
	step, err := l.Graph.CreateStep(ctx, l.Store, build.DrvPath, build, nil, finishedDrvs, &newSteps, &newRunnable)
	if err != nil {
		return fmt.Errorf("while loading build %d: %w", build.ID, err)
	}
	cohort.addRunnable(newRunnable)

	var pullForward []*registry.Build
	for _, s := range newSteps {
		if other, ok := cohort.pendingByPath(s.DrvPath); ok && other.ID != build.ID {
			pullForward = append(pullForward, other)
		}
	}
	if len(pullForward) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		limit := l.Concurrency
		if limit < 1 {
			limit = 1
		}
		g.SetLimit(limit)
		for _, other := range pullForward {
			other := other
			g.Go(func() error {
				if !cohort.IsPending(other.ID) {
					// Claimed by a concurrent pull-forward of another build.
					return nil
				}
				return l.LoadBuild(gctx, other, cohort)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if step == nil {
		return l.finalizeCachedSuccess(ctx, build)
	}

	badStatus, failingStep, bad, err := l.classifyBadStep(ctx, newSteps, step)
	if err != nil {
		return fmt.Errorf("while loading build %d: check cached failure: %w", build.ID, err)
	}
	if bad {
		return l.finalizeBadStep(ctx, build, failingStep, badStatus)
	}

	l.Registry.Insert(build)
	build.Toplevel = step
	registry.PropagatePriorities(build)
	return nil
}

func (l *Loader) finalizeCachedSuccess(ctx context.Context, build *registry.Build) error {
	drv, err := l.Store.ReadDerivation(ctx, build.DrvPath)
	if err != nil {
		return fmt.Errorf("while loading build %d: read derivation for cached success: %w", build.ID, err)
	}
	out, err := l.Store.GetBuildOutput(ctx, drv)
	if err != nil {
		return fmt.Errorf("while loading build %d: compute build output: %w", build.ID, err)
	}
	now := l.now()
	if err := l.DB.MarkSucceededBuild(ctx, build.ID, out.Size, now, now); err != nil {
		return fmt.Errorf("while loading build %d: %w", build.ID, err)
	}
	build.FinishedInDB = true
	l.Metrics.IncBuildsDone()
	return nil
}

// classifyBadStep implements spec.md §4.F step 6: scanning newly produced
// steps for a cached failure or a step no registered machine supports.
// The first bad step found determines the build's finalization status.
// A CachedFailure.Check error is returned rather than swallowed
// (spec.md §7: "No error is ever swallowed silently").
func (l *Loader) classifyBadStep(ctx context.Context, newSteps []*graph.Step, toplevel *graph.Step) (buildstatus.BuildStatus, *graph.Step, bool, error) {
	for _, s := range newSteps {
		failed, err := l.CachedFailure.Check(ctx, s.DrvPath)
		if err != nil {
			return 0, nil, false, err
		}
		if failed {
			status := buildstatus.DepFailed
			if s == toplevel {
				status = buildstatus.Failed
			}
			return status, s, true, nil
		}
		if !l.Machines.AnySupports(s) {
			return buildstatus.Unsupported, s, true, nil
		}
	}
	return 0, nil, false, nil
}

func (l *Loader) finalizeBadStep(ctx context.Context, build *registry.Build, step *graph.Step, status buildstatus.BuildStatus) error {
	now := l.now()
	stepStatus := buildstatus.StepUnsupported
	if status != buildstatus.Unsupported {
		stepStatus = buildstatus.StepFailed
	}
	if err := l.DB.InsertBuildStep(ctx, build.ID, 1, step.DrvPath, stepStatus, now); err != nil {
		return fmt.Errorf("while loading build %d: %w", build.ID, err)
	}
	cached := status != buildstatus.Unsupported
	if err := l.DB.FinalizeBuild(ctx, build.ID, status, now, "", cached); err != nil {
		return fmt.Errorf("while loading build %d: %w", build.ID, err)
	}
	build.FinishedInDB = true
	l.Metrics.IncBuildsDone()
	return nil
}
