package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/pkg/timestamp"
)

// Memory is an in-process Store. It backs unit tests across the repo and
// doubles as a zero-dependency development mode. Query semantics mirror the
// Postgres implementation: enabled/active filters, dispatch ordering,
// newest-first log reads.
type Memory struct {
	mu        sync.RWMutex
	targets   []export.DynamicTarget
	mappings  []export.PointMapping
	templates []export.PayloadTemplate
	schedules map[int]export.ScheduleRecord
	samples   []export.PointSample
	logs      []export.ExportLogEntry
	statRows  map[int]export.TargetStatsSnapshot

	pingErr   error
	loadErr   error
	insertErr error
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		schedules: make(map[int]export.ScheduleRecord),
		statRows:  make(map[int]export.TargetStatsSnapshot),
	}
}

// Seeding and fault-injection hooks for tests.

// SeedTargets replaces the target set.
func (m *Memory) SeedTargets(targets ...export.DynamicTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append([]export.DynamicTarget(nil), targets...)
}

// SeedMappings replaces the mapping set.
func (m *Memory) SeedMappings(mappings ...export.PointMapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = append([]export.PointMapping(nil), mappings...)
}

// SeedTemplates replaces the template set.
func (m *Memory) SeedTemplates(templates ...export.PayloadTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = append([]export.PayloadTemplate(nil), templates...)
}

// SeedSchedules replaces the schedule set.
func (m *Memory) SeedSchedules(schedules ...export.ScheduleRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[int]export.ScheduleRecord, len(schedules))
	for _, s := range schedules {
		m.schedules[s.ID] = s
	}
}

// SeedPointValues replaces the point history.
func (m *Memory) SeedPointValues(samples ...export.PointSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append([]export.PointSample(nil), samples...)
}

// FailPing makes Ping (and nothing else) return err until cleared with nil.
func (m *Memory) FailPing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// FailLoads makes the read methods return err until cleared with nil.
func (m *Memory) FailLoads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// FailLogInserts makes InsertLogBatch return err until cleared with nil.
func (m *Memory) FailLogInserts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErr = err
}

// InsertedLogs returns a copy of everything written so far, oldest first.
func (m *Memory) InsertedLogs() []export.ExportLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]export.ExportLogEntry(nil), m.logs...)
}

// StatWrites returns the last stats snapshot written per target.
func (m *Memory) StatWrites() map[int]export.TargetStatsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]export.TargetStatsSnapshot, len(m.statRows))
	for id, s := range m.statRows {
		out[id] = s
	}
	return out
}

// Store implementation.

// Targets implements Store.
func (m *Memory) Targets(ctx context.Context) ([]export.DynamicTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}

	var out []export.DynamicTarget
	for _, t := range m.targets {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExecutionOrder != out[j].ExecutionOrder {
			return out[i].ExecutionOrder < out[j].ExecutionOrder
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Mappings implements Store.
func (m *Memory) Mappings(ctx context.Context) ([]export.PointMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}

	var out []export.PointMapping
	for _, pm := range m.mappings {
		if pm.Enabled {
			out = append(out, pm)
		}
	}
	return out, nil
}

// Templates implements Store.
func (m *Memory) Templates(ctx context.Context) ([]export.PayloadTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}

	var out []export.PayloadTemplate
	for _, t := range m.templates {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

// Schedules implements Store.
func (m *Memory) Schedules(ctx context.Context) ([]export.ScheduleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}

	var out []export.ScheduleRecord
	for _, s := range m.schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Schedule implements Store.
func (m *Memory) Schedule(ctx context.Context, id int) (export.ScheduleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return export.ScheduleRecord{}, m.loadErr
	}

	s, ok := m.schedules[id]
	if !ok {
		return export.ScheduleRecord{}, errors.WrapInvalid(
			errors.ErrScheduleNotFound, "Memory", "Schedule", "load")
	}
	return s, nil
}

// UpdateScheduleRun implements Store.
func (m *Memory) UpdateScheduleRun(ctx context.Context, run ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[run.ScheduleID]
	if !ok {
		return errors.WrapInvalid(errors.ErrScheduleNotFound, "Memory", "UpdateScheduleRun", "update")
	}

	s.TotalRuns++
	if run.Success {
		s.SuccessRuns++
		s.LastError = ""
	} else {
		s.FailureRuns++
		s.LastError = run.Error
	}
	s.LastRunMs = timestamp.ToUnixMs(run.RanAt)
	if !run.NextRun.IsZero() {
		s.NextRunMs = timestamp.ToUnixMs(run.NextRun)
	}
	m.schedules[run.ScheduleID] = s
	return nil
}

// PointValues implements Store.
func (m *Memory) PointValues(ctx context.Context, pointIDs []int, from, to time.Time) ([]export.PointSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if len(pointIDs) == 0 {
		return nil, nil
	}

	wanted := make(map[int]bool, len(pointIDs))
	for _, id := range pointIDs {
		wanted[id] = true
	}
	fromMs, toMs := timestamp.ToUnixMs(from), timestamp.ToUnixMs(to)

	var out []export.PointSample
	for _, s := range m.samples {
		if wanted[s.PointID] && s.TimestampMs >= fromMs && s.TimestampMs < toMs {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

// UpdateTargetStats implements Store.
func (m *Memory) UpdateTargetStats(ctx context.Context, targetID int, stats export.TargetStatsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statRows[targetID] = stats
	return nil
}

// InsertLogBatch implements Store.
func (m *Memory) InsertLogBatch(ctx context.Context, entries []export.ExportLogEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}

	m.logs = append(m.logs, entries...)
	return len(entries), nil
}

// RecentLogs implements Store.
func (m *Memory) RecentLogs(ctx context.Context, limit int) ([]export.ExportLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if limit <= 0 {
		limit = 100
	}

	sorted := append([]export.ExportLogEntry(nil), m.logs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp > sorted[j].Timestamp })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

// LogsByTimeRange implements Store.
func (m *Memory) LogsByTimeRange(ctx context.Context, from, to time.Time) ([]export.ExportLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}

	fromMs, toMs := timestamp.ToUnixMs(from), timestamp.ToUnixMs(to)
	var out []export.ExportLogEntry
	for _, e := range m.logs {
		if e.Timestamp >= fromMs && e.Timestamp < toMs {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// DeleteLogsBefore implements Store.
func (m *Memory) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoffMs := timestamp.ToUnixMs(cutoff)
	kept := m.logs[:0]
	var removed int64
	for _, e := range m.logs {
		if e.Timestamp < cutoffMs {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return removed, nil
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close implements Store.
func (m *Memory) Close() {}

// compile-time interface checks
var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
