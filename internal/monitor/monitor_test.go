package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/buildqueue/queuerunner/internal/cachedfailure"
	"github.com/buildqueue/queuerunner/internal/db"
	"github.com/buildqueue/queuerunner/internal/derivation"
	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/buildqueue/queuerunner/internal/jobset"
	"github.com/buildqueue/queuerunner/internal/loader"
	"github.com/buildqueue/queuerunner/internal/machines"
	"github.com/buildqueue/queuerunner/internal/nixstore"
	"github.com/buildqueue/queuerunner/internal/registry"
)

// fakeStore is a minimal nixstore.Store backed by in-memory maps, mirroring
// the loader package's test double.
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

type fakeLoaderMetrics struct{ done int }

func (m *fakeLoaderMetrics) IncBuildsDone() { m.done++ }

// fakeMonitorMetrics records the counters/gauges the monitor loop reports,
// without pulling in a Prometheus registry.
type fakeMonitorMetrics struct {
	wakeups          int
	lastBuildsRead   int
	lastGraphSize    int
	lastRegisterSize int
}

func (m *fakeMonitorMetrics) IncQueueWakeups()          { m.wakeups++ }
func (m *fakeMonitorMetrics) IncBuildsRead(n int)       { m.lastBuildsRead = n }
func (m *fakeMonitorMetrics) SetGraphSize(n int)        { m.lastGraphSize = n }
func (m *fakeMonitorMetrics) SetRegisteredBuilds(n int) { m.lastRegisterSize = n }

// fakeDB implements DBGateway by returning a fixed, mutable set of queued
// rows, with no Postgres involved.
type fakeDB struct {
	rows []db.QueuedBuild
}

func (f *fakeDB) QueuedBuilds(_ context.Context, lastBuildID int64, onlyID *int64) ([]db.QueuedBuild, error) {
	var out []db.QueuedBuild
	for _, r := range f.rows {
		if r.ID <= lastBuildID {
			continue
		}
		if onlyID != nil && r.ID != *onlyID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeDB) CurrentBuildIDs(_ context.Context) (map[int64]int, error) {
	out := map[int64]int{}
	for _, r := range f.rows {
		out[r.ID] = r.GlobalPriority
	}
	return out, nil
}

func (f *fakeDB) AcquireNotificationConn(_ context.Context) (*db.NotificationConn, error) {
	panic("not exercised by these tests")
}

func newTestMonitor(t *testing.T, fdb *fakeDB, store *fakeStore) (*Monitor, *registry.Registry, *graph.Graph) {
	t.Helper()

	g := graph.New(nil)
	reg := registry.New()
	mach := machines.New()
	mach.Register("builder-1", machines.SimpleMachine{Platform: ""})
	cf := cachedfailure.NewMemChecker(0)
	jobsets := jobset.NewRegistry(nil, nil)
	jobsets.Preload("p", "j", jobset.NewForTest(1, nil))

	ld := loader.New(store, nil, g, reg, jobsets, mach, cf, &fakeLoaderMetrics{}, nil, 1)
	metrics := &fakeMonitorMetrics{}
	m := New(fdb, ld, reg, metrics, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, reg, g
}

// TestGetQueuedBuildsSkipsAlreadyRegistered covers the builds_restarted
// re-scan (monitor.go's runOnce resets lastBuildID to 0) against a build
// already admitted into the registry: without the registry-presence skip,
// the build would be reloaded and its steps' refcounts double-incremented,
// leaking them past a single DetachBuild.
func TestGetQueuedBuildsSkipsAlreadyRegistered(t *testing.T) {
	store := &fakeStore{
		drvs:  map[string]derivation.Derivation{"/d/top.drv": {Outputs: []derivation.Output{{Name: "out", Path: "/d/top-out"}}}},
		valid: map[string]bool{"/d/top.drv": true, "/d/top-out": false},
	}
	fdb := &fakeDB{rows: []db.QueuedBuild{{ID: 1, Project: "p", Jobset: "j", DrvPath: "/d/top.drv"}}}

	m, reg, g := newTestMonitor(t, fdb, store)
	ctx := context.Background()

	if err := m.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("first getQueuedBuilds: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 registered build, got %d", reg.Len())
	}
	if g.Len() != 1 {
		t.Fatalf("expected 1 live step, got %d", g.Len())
	}

	// Simulate the builds_restarted reset (monitor.go's runOnce) and re-read the
	// same still-unfinished build.
	m.lastBuildID = 0
	if err := m.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("second getQueuedBuilds: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected build to remain registered exactly once, got %d entries", reg.Len())
	}
	if g.Len() != 1 {
		t.Fatalf("expected the re-scan not to duplicate the step, got %d live steps", g.Len())
	}

	build, ok := reg.Get(1)
	if !ok {
		t.Fatal("expected build 1 to still be registered")
	}
	g.DetachBuild(build.Toplevel, 1)
	if g.Len() != 0 {
		t.Fatalf("expected a single DetachBuild to release the step (refcount incremented once, not twice), got %d live steps remaining", g.Len())
	}
}

// TestGetQueuedBuildsCountsPulledForwardBuilds covers spec.md §10's
// nrBuildsRead: a build pulled forward by another build's dependency
// expansion must still be counted, not just outer-loop admissions.
func TestGetQueuedBuildsCountsPulledForwardBuilds(t *testing.T) {
	store := &fakeStore{
		drvs: map[string]derivation.Derivation{
			"/d/top.drv": {
				Outputs:   []derivation.Output{{Name: "out", Path: "/d/top-out"}},
				InputDrvs: map[string][]string{"/d/dep.drv": {"out"}},
			},
			"/d/dep.drv": {Outputs: []derivation.Output{{Name: "out", Path: "/d/dep-out"}}},
		},
		valid: map[string]bool{
			"/d/top.drv": true, "/d/top-out": false,
			"/d/dep.drv": true, "/d/dep-out": false,
		},
	}
	fdb := &fakeDB{rows: []db.QueuedBuild{
		{ID: 1, Project: "p", Jobset: "j", DrvPath: "/d/top.drv"},
		{ID: 2, Project: "p", Jobset: "j", DrvPath: "/d/dep.drv"},
	}}

	m, reg, _ := newTestMonitor(t, fdb, store)
	ctx := context.Background()

	if err := m.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("getQueuedBuilds: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected both builds admitted, got %d", reg.Len())
	}

	metrics := m.Metrics.(*fakeMonitorMetrics)
	if metrics.lastBuildsRead != 2 {
		t.Fatalf("expected nrBuildsRead to count the pulled-forward build too, got %d", metrics.lastBuildsRead)
	}
}
