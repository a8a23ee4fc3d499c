package loader

import (
	"context"
	"testing"

	"github.com/buildqueue/queuerunner/internal/cachedfailure"
	"github.com/buildqueue/queuerunner/internal/derivation"
	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/buildqueue/queuerunner/internal/machines"
	"github.com/buildqueue/queuerunner/internal/nixstore"
)

type fakeStore struct {
	drvs  map[string]derivation.Derivation
	valid map[string]bool
}

func (s *fakeStore) IsValidPath(_ context.Context, path string) (bool, error) { return s.valid[path], nil }
func (s *fakeStore) ReadDerivation(_ context.Context, drvPath string) (derivation.Derivation, error) {
	return s.drvs[drvPath], nil
}
func (s *fakeStore) GetBuildOutput(_ context.Context, drv derivation.Derivation) (nixstore.BuildOutput, error) {
	out := nixstore.BuildOutput{Outputs: map[string]string{}}
	for _, o := range drv.Outputs {
		out.Outputs[o.Name] = o.Path
	}
	return out, nil
}

type countingMetrics struct{ done int }

func (m *countingMetrics) IncBuildsDone() { m.done++ }

type fakeBuildRef struct{ id int64 }

func (f fakeBuildRef) BuildID() int64 { return f.id }

// TestGCdDerivationIsValidPathFalse exercises only the fake store's
// IsValidPath predicate that the Aborted branch (spec.md §4.F step 2, §8
// scenario 4) depends on: a path the store has no record of reports
// invalid without touching the derivation reader. LoadBuild applies this
// predicate to the build's derivation path.
func TestGCdDerivationIsValidPathFalse(t *testing.T) {
	store := &fakeStore{drvs: map[string]derivation.Derivation{}, valid: map[string]bool{}}
	valid, err := store.IsValidPath(context.Background(), "/d/gone-out")
	if err != nil {
		t.Fatalf("IsValidPath: %v", err)
	}
	if valid {
		t.Fatal("expected an unrecorded output path to be invalid")
	}
}

// TestClassifyBadStepPrefersCachedFailure exercises classifyBadStep
// directly (spec.md §4.F step 6 and §8 scenario 5): a cached failure on
// the top-level step finalizes as Failed, not DepFailed.
func TestClassifyBadStepPrefersCachedFailure(t *testing.T) {
	store := &fakeStore{
		drvs: map[string]derivation.Derivation{
			"/d/top.drv": {Outputs: []derivation.Output{{Name: "out", Path: "/d/top-out"}}},
		},
		valid: map[string]bool{"/d/top-out": false},
	}
	mach := machines.New()
	cf := cachedfailure.NewMemChecker(0)

	g := graph.New(nil)
	var newSteps, newRunnable []*graph.Step
	step, err := g.CreateStep(context.Background(), store, "/d/top.drv", fakeBuildRef{1}, nil, map[string]struct{}{}, &newSteps, &newRunnable)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	cf.Mark("/d/top.drv")

	l := &Loader{Store: store, Graph: g, Machines: mach, CachedFailure: cf, Metrics: &countingMetrics{}}
	status, failing, ok, err := l.classifyBadStep(context.Background(), newSteps, step)
	if err != nil {
		t.Fatalf("classifyBadStep: %v", err)
	}
	if !ok {
		t.Fatal("expected a bad step to be classified")
	}
	if failing != step {
		t.Fatal("expected the toplevel step to be the failing one")
	}
	if int(status) != 1 {
		t.Fatalf("expected Failed (1) for a top-level cached failure, got %d", status)
	}
}

// TestClassifyBadStepDependencyFailureIsDepFailed mirrors scenario 5 but
// with the cached failure on a dependency, not the top-level step: the
// build should finalize as DepFailed rather than Failed.
func TestClassifyBadStepDependencyFailureIsDepFailed(t *testing.T) {
	store := &fakeStore{
		drvs: map[string]derivation.Derivation{
			"/d/top.drv": {
				Outputs:   []derivation.Output{{Name: "out", Path: "/d/top-out"}},
				InputDrvs: map[string][]string{"/d/dep.drv": {"out"}},
			},
			"/d/dep.drv": {Outputs: []derivation.Output{{Name: "out", Path: "/d/dep-out"}}},
		},
		valid: map[string]bool{"/d/top-out": false, "/d/dep-out": false},
	}
	mach := machines.New()
	// A machine supporting both steps, so the top-level step passes the
	// unsupported check and the scan reaches the dependency's cached failure.
	mach.Register("builder-1", machines.SimpleMachine{Platform: ""})
	cf := cachedfailure.NewMemChecker(0)

	g := graph.New(nil)
	var newSteps, newRunnable []*graph.Step
	step, err := g.CreateStep(context.Background(), store, "/d/top.drv", fakeBuildRef{1}, nil, map[string]struct{}{}, &newSteps, &newRunnable)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	cf.Mark("/d/dep.drv")

	l := &Loader{Store: store, Graph: g, Machines: mach, CachedFailure: cf, Metrics: &countingMetrics{}}
	status, failing, ok, err := l.classifyBadStep(context.Background(), newSteps, step)
	if err != nil {
		t.Fatalf("classifyBadStep: %v", err)
	}
	if !ok {
		t.Fatal("expected a bad step to be classified")
	}
	if failing == step {
		t.Fatal("expected the dependency step to be the failing one, not the toplevel")
	}
	if int(status) != 2 {
		t.Fatalf("expected DepFailed (2) for a dependency cached failure, got %d", status)
	}
}

// TestClassifyBadStepUnsupportedWhenNoMachine exercises spec.md §4.F
// step 6's second classification branch: no registered machine supports
// the step.
func TestClassifyBadStepUnsupportedWhenNoMachine(t *testing.T) {
	store := &fakeStore{
		drvs: map[string]derivation.Derivation{
			"/d/top.drv": {Outputs: []derivation.Output{{Name: "out", Path: "/d/top-out"}}, Platform: "x86_64-exotic"},
		},
		valid: map[string]bool{"/d/top-out": false},
	}
	mach := machines.New()
	mach.Register("builder-1", machines.SimpleMachine{Platform: "x86_64-linux"})
	cf := cachedfailure.NewMemChecker(0)

	g := graph.New(nil)
	var newSteps, newRunnable []*graph.Step
	step, err := g.CreateStep(context.Background(), store, "/d/top.drv", fakeBuildRef{1}, nil, map[string]struct{}{}, &newSteps, &newRunnable)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}

	l := &Loader{Store: store, Graph: g, Machines: mach, CachedFailure: cf, Metrics: &countingMetrics{}}
	status, _, ok, err := l.classifyBadStep(context.Background(), newSteps, step)
	if err != nil {
		t.Fatalf("classifyBadStep: %v", err)
	}
	if !ok {
		t.Fatal("expected a bad step to be classified")
	}
	if int(status) != 9 {
		t.Fatalf("expected Unsupported (9), got %d", status)
	}
}
