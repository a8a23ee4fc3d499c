package registry

import (
	"context"
	"testing"

	"github.com/buildqueue/queuerunner/internal/derivation"
	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/buildqueue/queuerunner/internal/jobset"
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
	return nixstore.BuildOutput{}, nil
}

func TestPropagatePrioritiesAndIdempotence(t *testing.T) {
	store := &fakeStore{
		drvs: map[string]derivation.Derivation{
			"/d/a.drv": {Outputs: []derivation.Output{{Name: "out", Path: "/d/a-out"}}, InputDrvs: map[string][]string{"/d/b.drv": {"out"}}},
			"/d/b.drv": {Outputs: []derivation.Output{{Name: "out", Path: "/d/b-out"}}},
		},
		valid: map[string]bool{"/d/a-out": false, "/d/b-out": false},
	}

	g := graph.New(nil)
	var newSteps, newRunnable []*graph.Step
	finished := map[string]struct{}{}

	build := &Build{ID: 5, GlobalPriority: 10, LocalPriority: 2, JobsetRef: jobset.NewForTest(1, nil)}

	step, err := g.CreateStep(context.Background(), store, "/d/a.drv", build, nil, finished, &newSteps, &newRunnable)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	build.Toplevel = step

	PropagatePriorities(build)

	for _, s := range append([]*graph.Step{step}, step.Deps()...) {
		hg, hl, low := s.Priority()
		if hg != 10 || hl != 2 || low != 5 {
			t.Fatalf("unexpected priority fields on %s: hg=%d hl=%d low=%d", s.DrvPath, hg, hl, low)
		}
	}

	// idempotence: calling again leaves fields unchanged
	PropagatePriorities(build)
	for _, s := range append([]*graph.Step{step}, step.Deps()...) {
		hg, hl, low := s.Priority()
		if hg != 10 || hl != 2 || low != 5 {
			t.Fatalf("priority fields changed on second propagation: hg=%d hl=%d low=%d", hg, hl, low)
		}
	}
}

