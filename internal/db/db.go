// Package db implements the Database Gateway (spec.md §4.B): pooled
// transactional reads/writes against the Builds/BuildSteps/Jobsets schema,
// plus a dedicated LISTEN/NOTIFY connection for the queue monitor.
// Adapted from the teacher's internal/store/postgres.go (pgxpool usage,
// error-wrapping style) and internal/store/migrations.go (embedded
// migration runner).
package db

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildqueue/queuerunner/internal/buildstatus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// QueuedBuild is one row read from the Builds table for an unfinished
// build, per the query in spec.md §4.B.
type QueuedBuild struct {
	ID             int64
	Project        string
	Jobset         string
	Job            string
	DrvPath        string
	MaxSilentTime  int
	BuildTimeout   int
	Timestamp      time.Time
	GlobalPriority int
	LocalPriority  int
}

// Gateway wraps a connection pool. The queue monitor's notification
// connection is leased from this pool through AcquireNotificationConn.
type Gateway struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and returns a Gateway.
func New(ctx context.Context, dsn string) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Gateway{pool: pool}, nil
}

func (g *Gateway) Close() {
	if g.pool != nil {
		g.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in lexical order.
func (g *Gateway) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := g.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// NotificationConn is a single leased connection dedicated to LISTEN.
// spec.md §5 requires the queue monitor use exactly one connection for
// its whole lifetime, never shared with other goroutines.
type NotificationConn struct {
	conn *pgxpool.Conn
}

// AcquireNotificationConn leases one connection and issues LISTEN for the
// five channels the queue monitor reacts to (spec.md §4.B, §6).
func (g *Gateway) AcquireNotificationConn(ctx context.Context) (*NotificationConn, error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire notification connection: %w", err)
	}
	for _, channel := range []string{"builds_added", "builds_restarted", "builds_cancelled", "builds_deleted", "builds_bumped"} {
		if _, err := conn.Exec(ctx, "listen "+channel); err != nil {
			conn.Release()
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	return &NotificationConn{conn: conn}, nil
}

func (n *NotificationConn) Release() {
	n.conn.Release()
}

// Notification is a set of per-channel flags for the five channels.
// AwaitNotification sets at most one of them per call; an all-false value
// means the keepalive elapsed.
type Notification struct {
	BuildsAdded     bool
	BuildsRestarted bool
	BuildsCancelled bool
	BuildsDeleted   bool
	BuildsBumped    bool
}

// AwaitNotification blocks until a notification arrives or keepalive
// elapses, and returns the flag for that one notification. Other pending
// notifications are not drained; each is returned by a later call.
func (n *NotificationConn) AwaitNotification(ctx context.Context, keepalive time.Duration) (Notification, error) {
	waitCtx, cancel := context.WithTimeout(ctx, keepalive)
	defer cancel()

	var result Notification
	note, err := n.conn.Conn().WaitForNotification(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		// Timeout: treat as a keepalive wakeup with nothing pending.
		return result, nil
	}
	applyNotification(&result, note.Channel)
	return result, nil
}

func applyNotification(n *Notification, channel string) {
	switch channel {
	case "builds_added":
		n.BuildsAdded = true
	case "builds_restarted":
		n.BuildsRestarted = true
	case "builds_cancelled":
		n.BuildsCancelled = true
	case "builds_deleted":
		n.BuildsDeleted = true
	case "builds_bumped":
		n.BuildsBumped = true
	}
}

// QueuedBuilds reads unfinished builds with id > lastBuildID, ordered by
// descending global priority then ascending id (spec.md §4.B). When
// onlyID is non-nil, every other build is skipped (the original's
// "buildOne" debug filter, spec.md §10).
func (g *Gateway) QueuedBuilds(ctx context.Context, lastBuildID int64, onlyID *int64) ([]QueuedBuild, error) {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin queued-builds tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		select id, project, jobset, job, drvPath, maxsilent, timeout, timestamp, globalPriority, priority
		from Builds
		where id > $1 and finished = 0
		order by globalPriority desc, id
	`, lastBuildID)
	if err != nil {
		return nil, fmt.Errorf("query queued builds: %w", err)
	}
	defer rows.Close()

	var out []QueuedBuild
	for rows.Next() {
		var b QueuedBuild
		if err := rows.Scan(&b.ID, &b.Project, &b.Jobset, &b.Job, &b.DrvPath, &b.MaxSilentTime, &b.BuildTimeout, &b.Timestamp, &b.GlobalPriority, &b.LocalPriority); err != nil {
			return nil, fmt.Errorf("scan queued build: %w", err)
		}
		if onlyID != nil && b.ID != *onlyID {
			continue
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued builds: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit queued-builds tx: %w", err)
	}
	return out, nil
}

// CurrentBuildIDs reads id and globalPriority for every unfinished build,
// used by processQueueChange (spec.md §4.G) to detect cancellations and
// priority bumps.
func (g *Gateway) CurrentBuildIDs(ctx context.Context) (map[int64]int, error) {
	rows, err := g.pool.Query(ctx, `select id, globalPriority from Builds where finished = 0`)
	if err != nil {
		return nil, fmt.Errorf("query current build ids: %w", err)
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var prio int
		if err := rows.Scan(&id, &prio); err != nil {
			return nil, fmt.Errorf("scan current build id: %w", err)
		}
		out[id] = prio
	}
	return out, rows.Err()
}

// FinalizeBuild marks a build finished with the given status, timestamps,
// and optional error message, matching the update in spec.md §4.F steps
// 2 and 6. isCachedBuild is ignored for bsUnsupported per the original.
func (g *Gateway) FinalizeBuild(ctx context.Context, buildID int64, status buildstatus.BuildStatus, now time.Time, errMsg string, isCachedBuild bool) error {
	cached := 0
	if isCachedBuild && status != buildstatus.Unsupported {
		cached = 1
	}
	_, err := g.pool.Exec(ctx, `
		update Builds
		set finished = 1, busy = 0, buildStatus = $2, startTime = $3, stopTime = $3, errorMsg = $4, isCachedBuild = $5
		where id = $1 and finished = 0
	`, buildID, int(status), now, nullIfEmpty(errMsg), cached)
	if err != nil {
		return fmt.Errorf("finalize build %d: %w", buildID, err)
	}
	return nil
}

// MarkSucceededBuild finalizes a build as a successful, cached build
// (spec.md §4.F step 5).
func (g *Gateway) MarkSucceededBuild(ctx context.Context, buildID int64, outputSize int64, startTime, stopTime time.Time) error {
	_, err := g.pool.Exec(ctx, `
		update Builds
		set finished = 1, busy = 0, buildStatus = $2, startTime = $3, stopTime = $4, isCachedBuild = 1, size = $5
		where id = $1 and finished = 0
	`, buildID, int(buildstatus.Success), startTime, stopTime, outputSize)
	if err != nil {
		return fmt.Errorf("mark build %d succeeded: %w", buildID, err)
	}
	return nil
}

// InsertBuildStep records one BuildSteps row for a classified failure
// (spec.md §4.F step 6).
func (g *Gateway) InsertBuildStep(ctx context.Context, buildID int64, stepNr int, drvPath string, status buildstatus.StepStatus, now time.Time) error {
	_, err := g.pool.Exec(ctx, `
		insert into BuildSteps (build, stepnr, drvPath, status, startTime, stopTime)
		values ($1, $2, $3, $4, $5, $5)
	`, buildID, stepNr, drvPath, int(status), now)
	if err != nil {
		return fmt.Errorf("insert build step for build %d: %w", buildID, err)
	}
	return nil
}

// JobsetRow is the scheduling-shares row read from the Jobsets table.
type JobsetRow struct {
	SchedulingShares uint
}

// ReadJobset reads schedulingShares for (project, jobset), returning
// ErrMissingJobset if no row exists (spec.md §4.C).
func (g *Gateway) ReadJobset(ctx context.Context, project, jobset string) (JobsetRow, error) {
	var shares uint
	err := g.pool.QueryRow(ctx, `select schedulingShares from Jobsets where project = $1 and name = $2`, project, jobset).Scan(&shares)
	if err != nil {
		if err == pgx.ErrNoRows {
			return JobsetRow{}, ErrMissingJobset
		}
		return JobsetRow{}, fmt.Errorf("read jobset %s/%s: %w", project, jobset, err)
	}
	return JobsetRow{SchedulingShares: shares}, nil
}

// StepDuration is one completed build step's (start, duration) sample,
// used to preload a Jobset's rolling history (spec.md §4.C).
type StepDuration struct {
	Start    time.Time
	Duration time.Duration
}

// RecentStepDurations reads completed BuildSteps for (project, jobset)
// whose stopTime falls within the last `window` duration.
func (g *Gateway) RecentStepDurations(ctx context.Context, project, jobset string, window time.Duration) ([]StepDuration, error) {
	since := time.Now().Add(-window)
	rows, err := g.pool.Query(ctx, `
		select s.startTime, s.stopTime
		from BuildSteps s join Builds b on s.build = b.id
		where s.startTime is not null and s.stopTime > $1 and b.project = $2 and b.jobset = $3
	`, since, project, jobset)
	if err != nil {
		return nil, fmt.Errorf("query recent step durations: %w", err)
	}
	defer rows.Close()

	var out []StepDuration
	for rows.Next() {
		var start, stop time.Time
		if err := rows.Scan(&start, &stop); err != nil {
			return nil, fmt.Errorf("scan step duration: %w", err)
		}
		out = append(out, StepDuration{Start: start, Duration: stop.Sub(start)})
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ErrMissingJobset is the invariant-violation error of spec.md §4.C and
// §7 kind 6: a build references a (project, jobset) pair absent from the
// Jobsets table.
var ErrMissingJobset = fmt.Errorf("missing jobset row")
