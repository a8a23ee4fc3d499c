// Package jobset implements the Jobset Registry (spec.md §4.C): a cache
// of per-(project,jobset) scheduling shares and a rolling window of
// recent build-step durations used for fair-share scheduling.
package jobset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildqueue/queuerunner/internal/db"
)

// SchedulingWindow is the nominal fair-share accounting horizon
// (spec.md §3).
const SchedulingWindow = time.Hour

// HistoryMultiplier is how many scheduling windows of history are loaded
// on first reference (spec.md §3, §4.C).
const HistoryMultiplier = 10

// Sample is one completed build step's contribution to a jobset's
// recent-usage history.
type Sample struct {
	Start    time.Time
	Duration time.Duration
}

// Jobset aggregates recent build-step time for fair-share scheduling. It
// is created lazily on first reference and persists for the life of the
// process (spec.md §3).
type Jobset struct {
	mu               sync.Mutex
	schedulingShares uint
	history          []Sample
}

func newJobset(shares uint, history []Sample) *Jobset {
	if shares == 0 {
		shares = 1
	}
	return &Jobset{schedulingShares: shares, history: history}
}

// NewForTest constructs a Jobset directly, bypassing the Registry's
// Postgres/Redis load path. Exported for use by other packages' tests
// that need a Jobset value without standing up a Registry.
func NewForTest(shares uint, history []Sample) *Jobset {
	return newJobset(shares, history)
}

// SchedulingShares returns the configured weight, always >= 1.
func (j *Jobset) SchedulingShares() uint {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.schedulingShares
}

// AddStep records a completed build step's (start, duration) sample.
func (j *Jobset) AddStep(start time.Time, duration time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.history = append(j.history, Sample{Start: start, Duration: duration})
}

// RecentSeconds sums the duration of every recorded sample whose start
// falls within the scheduling window of `now`, the quantity the
// dispatcher divides by schedulingShares for fair-share ordering.
func (j *Jobset) RecentSeconds(now time.Time) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	cutoff := now.Add(-SchedulingWindow)
	var total float64
	for _, s := range j.history {
		if s.Start.After(cutoff) {
			total += s.Duration.Seconds()
		}
	}
	return total
}

// key identifies a jobset by its owning project and name.
type key struct {
	project string
	name    string
}

// Registry memoizes Jobsets by (project, name), protected by a single
// mutex, per spec.md §4.C. Shares are not invalidated once loaded; a
// process restart is required to pick up a changed schedulingShares row.
type Registry struct {
	mu       sync.Mutex
	jobsets  map[key]*Jobset
	gateway  *db.Gateway
	cache    *Cache // optional; see cache.go
}

// NewRegistry constructs a Registry backed by the given Database Gateway.
// cache may be nil, in which case every load goes straight to Postgres.
func NewRegistry(gateway *db.Gateway, cache *Cache) *Registry {
	return &Registry{
		jobsets: map[key]*Jobset{},
		gateway: gateway,
		cache:   cache,
	}
}

// Preload inserts js directly for (project, name), bypassing the
// Postgres/Redis load path. Exported for callers' tests that need a
// populated Registry without standing up a Gateway, mirroring NewForTest.
func (r *Registry) Preload(project, name string, js *Jobset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobsets[key{project: project, name: name}] = js
}

// GetOrCreate returns the memoized Jobset for (project, name), loading it
// from the cache or Postgres on first reference. Returns db.ErrMissingJobset
// if the Jobsets table has no matching row (spec.md §4.C, §7 kind 6).
func (r *Registry) GetOrCreate(ctx context.Context, project, name string) (*Jobset, error) {
	k := key{project: project, name: name}

	r.mu.Lock()
	if js, ok := r.jobsets[k]; ok {
		r.mu.Unlock()
		return js, nil
	}
	r.mu.Unlock()

	shares, history, err := r.load(ctx, project, name)
	if err != nil {
		return nil, err
	}

	js := newJobset(shares, history)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.jobsets[k]; ok {
		// Another goroutine loaded it first; the existing instance wins so
		// callers never observe two distinct Jobsets for the same key.
		return existing, nil
	}
	r.jobsets[k] = js
	return js, nil
}

func (r *Registry) load(ctx context.Context, project, name string) (uint, []Sample, error) {
	since := time.Now().Add(-SchedulingWindow * HistoryMultiplier)

	if r.cache != nil {
		if shares, ok, err := r.cache.GetShares(ctx, project, name); err == nil && ok {
			history, err := r.cache.LoadHistory(ctx, project, name, since)
			if err == nil {
				return shares, history, nil
			}
		}
	}

	row, err := r.gateway.ReadJobset(ctx, project, name)
	if err != nil {
		return 0, nil, fmt.Errorf("load jobset %s/%s: %w", project, name, err)
	}

	shares := row.SchedulingShares
	if shares == 0 {
		shares = 1
	}

	durations, err := r.gateway.RecentStepDurations(ctx, project, name, SchedulingWindow*HistoryMultiplier)
	if err != nil {
		return 0, nil, fmt.Errorf("load jobset history %s/%s: %w", project, name, err)
	}
	history := make([]Sample, 0, len(durations))
	for _, d := range durations {
		history = append(history, Sample{Start: d.Start, Duration: d.Duration})
	}

	if r.cache != nil {
		_ = r.cache.SetShares(ctx, project, name, shares)
		for _, s := range history {
			_ = r.cache.AddSample(ctx, project, name, s.Start, s.Duration)
		}
	}

	return shares, history, nil
}
