// Package monitor implements the Queue Monitor (spec.md §4.G): the single
// long-lived task that watches Postgres for newly queued, cancelled, or
// re-prioritized builds and drives the Build Loader and Build Registry
// in response.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildqueue/queuerunner/internal/db"
	"github.com/buildqueue/queuerunner/internal/loader"
	"github.com/buildqueue/queuerunner/internal/registry"
)

// BackOff is the fixed sleep after an uncaught error in the monitor loop
// (spec.md §4.G, §5: "probably a DB problem").
const BackOff = 10 * time.Second

// Keepalive bounds how long awaitNotification blocks before returning
// with no flags set, so the loop periodically re-polls even in the
// absence of a notification.
const Keepalive = 30 * time.Second

// Metrics receives the counters and gauges the monitor loop updates
// (spec.md §6).
type Metrics interface {
	IncQueueWakeups()
	IncBuildsRead(n int)
	SetGraphSize(n int)
	SetRegisteredBuilds(n int)
}

// DBGateway is the narrow slice of *db.Gateway the monitor loop drives,
// broken out so tests can substitute a fake Postgres-free implementation.
type DBGateway interface {
	QueuedBuilds(ctx context.Context, lastBuildID int64, onlyID *int64) ([]db.QueuedBuild, error)
	CurrentBuildIDs(ctx context.Context) (map[int64]int, error)
	AcquireNotificationConn(ctx context.Context) (*db.NotificationConn, error)
}

// Monitor owns the dedicated LISTEN connection, the loader, and the
// registry, and runs the single-threaded watch loop.
type Monitor struct {
	DB       DBGateway
	Loader   *loader.Loader
	Registry *registry.Registry
	Metrics  Metrics
	OnlyID   *int64 // debug filter, spec.md §10

	log *slog.Logger

	lastBuildID int64
}

// New constructs a Monitor. log may be nil, in which case slog.Default()
// is used.
func New(gw DBGateway, ld *loader.Loader, reg *registry.Registry, metrics Metrics, onlyID *int64, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{DB: gw, Loader: ld, Registry: reg, Metrics: metrics, OnlyID: onlyID, log: log}
}

// Run blocks until ctx is cancelled, implementing spec.md §4.G's loop:
// read queued builds, await a notification, react to its flags, and on
// any uncaught error sleep BackOff and restart with lastBuildID
// preserved.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.runOnce(ctx); err != nil {
			m.log.Error("queue monitor iteration failed, backing off", "error", err, "backoff", BackOff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(BackOff):
			}
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) error {
	if err := m.getQueuedBuilds(ctx); err != nil {
		return err
	}
	m.reportSizes()

	conn, err := m.DB.AcquireNotificationConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	note, err := conn.AwaitNotification(ctx, Keepalive)
	if err != nil {
		return err
	}
	m.Metrics.IncQueueWakeups()

	if note.BuildsAdded {
		m.log.Info("builds added notification received")
	}
	if note.BuildsRestarted {
		m.log.Info("builds restarted notification received, resetting watermark")
		m.lastBuildID = 0
	}
	if note.BuildsCancelled || note.BuildsDeleted || note.BuildsBumped {
		if err := m.processQueueChange(ctx); err != nil {
			return err
		}
		m.reportSizes()
	}
	return nil
}

// getQueuedBuilds implements spec.md §4.G step 1: snapshot pending builds
// in one read transaction, then load each outside the transaction.
func (m *Monitor) getQueuedBuilds(ctx context.Context) error {
	rows, err := m.DB.QueuedBuilds(ctx, m.lastBuildID, m.OnlyID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	builds := make([]*registry.Build, 0, len(rows))
	for _, r := range rows {
		if r.ID > m.lastBuildID {
			m.lastBuildID = r.ID
		}
		if m.Registry.Has(r.ID) {
			// Already admitted in an earlier pass. A builds_restarted
			// notification resets lastBuildID to 0 and re-reads every
			// still-unfinished build, so without this skip a build already
			// in the registry would be walked again, double-incrementing
			// its steps' refcounts with no matching second DetachBuild.
			continue
		}
		js, err := m.Loader.Jobsets.GetOrCreate(ctx, r.Project, r.Jobset)
		if err != nil {
			return fmt.Errorf("while loading build %d: %w", r.ID, err)
		}
		builds = append(builds, &registry.Build{
			ID: r.ID, DrvPath: r.DrvPath, Project: r.Project, Jobset: r.Jobset, Job: r.Job,
			MaxSilentTime: r.MaxSilentTime, BuildTimeout: r.BuildTimeout, Timestamp: r.Timestamp,
			GlobalPriority: r.GlobalPriority, LocalPriority: r.LocalPriority,
			JobsetRef: js,
		})
	}
	if len(builds) == 0 {
		return nil
	}

	cohort := loader.NewCohort(builds)
	for _, b := range builds {
		if !cohort.IsPending(b.ID) {
			// Already pulled forward and loaded by an earlier build's
			// re-entrant dependency expansion (spec.md §4.F step 4).
			continue
		}
		if err := m.Loader.LoadBuild(ctx, b, cohort); err != nil {
			return err
		}
	}
	m.Metrics.IncBuildsRead(cohort.Admitted)

	if err := m.Loader.PublishRunnable(ctx, cohort.NewRunnable); err != nil {
		return fmt.Errorf("publish runnable steps: %w", err)
	}
	return nil
}

// reportSizes publishes the current step graph and build registry sizes
// (spec.md §6's stepsInGraph/buildsRegistered gauges).
func (m *Monitor) reportSizes() {
	if m.Loader.Graph != nil {
		m.Metrics.SetGraphSize(m.Loader.Graph.Len())
	}
	m.Metrics.SetRegisteredBuilds(m.Registry.Len())
}

// processQueueChange implements spec.md §4.G: drop registered builds the
// database no longer lists, and bump the priority of ones whose
// globalPriority increased, re-propagating afterward.
func (m *Monitor) processQueueChange(ctx context.Context) error {
	current, err := m.DB.CurrentBuildIDs(ctx)
	if err != nil {
		return err
	}

	var toDrop []*registry.Build
	m.Registry.Iterate(func(b *registry.Build) {
		prio, ok := current[b.ID]
		if !ok {
			toDrop = append(toDrop, b)
			return
		}
		if prio > b.GlobalPriority {
			m.log.Info("build priority increased", "build", b.ID, "from", b.GlobalPriority, "to", prio)
			b.GlobalPriority = prio
			registry.PropagatePriorities(b)
		}
	})

	for _, b := range toDrop {
		m.log.Info("discarding cancelled build", "build", b.ID)
		m.Registry.Erase(b.ID)
		if m.Loader.Graph != nil && b.Toplevel != nil {
			m.Loader.Graph.DetachBuild(b.Toplevel, b.ID)
		}
	}
	return nil
}
