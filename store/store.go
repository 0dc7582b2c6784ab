package store

import (
	"context"
	"time"

	"github.com/smart-guard/exportgate/export"
)

// Store is the persistence contract the pipeline consumes. The registry
// loads targets/mappings/templates, the scheduler loads schedules and pulls
// point windows, the log service appends delivery history, and the
// coordinator writes target stat snapshots back.
type Store interface {
	// Targets returns all enabled export targets. Malformed rows are the
	// registry's problem, not the store's: every enabled row is returned.
	Targets(ctx context.Context) ([]export.DynamicTarget, error)

	// Mappings returns all enabled point mappings across targets.
	Mappings(ctx context.Context) ([]export.PointMapping, error)

	// Templates returns all active payload templates.
	Templates(ctx context.Context) ([]export.PayloadTemplate, error)

	// Schedules returns all enabled schedule records.
	Schedules(ctx context.Context) ([]export.ScheduleRecord, error)

	// Schedule returns one schedule by ID, enabled or not.
	// Missing IDs return ErrScheduleNotFound.
	Schedule(ctx context.Context, id int) (export.ScheduleRecord, error)

	// UpdateScheduleRun persists the outcome of one schedule run: counters,
	// last/next run marks, and the last error text. A zero NextRun keeps the
	// stored next-run mark. Missing IDs return ErrScheduleNotFound.
	UpdateScheduleRun(ctx context.Context, run ScheduleRun) error

	// PointValues returns samples for the given points inside [from, to),
	// ordered by time ascending. An empty pointIDs slice returns nothing.
	PointValues(ctx context.Context, pointIDs []int, from, to time.Time) ([]export.PointSample, error)

	// UpdateTargetStats writes a target's delivery counters back to its row
	// so operators see them across restarts.
	UpdateTargetStats(ctx context.Context, targetID int, stats export.TargetStatsSnapshot) error

	// InsertLogBatch appends delivery log rows. Returns the number written.
	InsertLogBatch(ctx context.Context, entries []export.ExportLogEntry) (int, error)

	// RecentLogs returns up to limit rows, newest first.
	RecentLogs(ctx context.Context, limit int) ([]export.ExportLogEntry, error)

	// LogsByTimeRange returns rows with timestamp in [from, to), newest first.
	LogsByTimeRange(ctx context.Context, from, to time.Time) ([]export.ExportLogEntry, error)

	// DeleteLogsBefore removes rows older than cutoff. Returns rows removed.
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}

// ScheduleRun is the persisted outcome of one scheduled export run.
type ScheduleRun struct {
	ScheduleID int
	RanAt      time.Time
	NextRun    time.Time
	Success    bool
	Error      string // empty on success
}
