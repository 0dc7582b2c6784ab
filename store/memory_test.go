package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
)

func TestMemoryTargetsFiltersAndOrders(t *testing.T) {
	m := NewMemory()
	m.SeedTargets(
		export.DynamicTarget{ID: 1, Name: "zeta", Enabled: true, ExecutionOrder: 10, Priority: 100},
		export.DynamicTarget{ID: 2, Name: "alpha", Enabled: true, ExecutionOrder: 10, Priority: 100},
		export.DynamicTarget{ID: 3, Name: "early", Enabled: true, ExecutionOrder: 1, Priority: 500},
		export.DynamicTarget{ID: 4, Name: "urgent", Enabled: true, ExecutionOrder: 10, Priority: 5},
		export.DynamicTarget{ID: 5, Name: "off", Enabled: false, ExecutionOrder: 0, Priority: 0},
	)

	targets, err := m.Targets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 4, "disabled target must be filtered out")

	var names []string
	for _, tgt := range targets {
		names = append(names, tgt.Name)
	}
	assert.Equal(t, []string{"early", "urgent", "alpha", "zeta"}, names,
		"order is execution_order, then priority, then name")
}

func TestMemoryMappingsAndTemplatesFilterDisabled(t *testing.T) {
	m := NewMemory()
	m.SeedMappings(
		export.PointMapping{TargetID: 1, PointID: 10, Enabled: true},
		export.PointMapping{TargetID: 1, PointID: 11, Enabled: false},
	)
	m.SeedTemplates(
		export.PayloadTemplate{Name: "live", Active: true},
		export.PayloadTemplate{Name: "draft", Active: false},
	)

	mappings, err := m.Mappings(context.Background())
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, 10, mappings[0].PointID)

	templates, err := m.Templates(context.Background())
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "live", templates[0].Name)
}

func TestMemoryScheduleLookup(t *testing.T) {
	m := NewMemory()
	m.SeedSchedules(
		export.ScheduleRecord{ID: 3, Name: "hourly", Enabled: true},
		export.ScheduleRecord{ID: 1, Name: "daily", Enabled: true},
		export.ScheduleRecord{ID: 2, Name: "paused", Enabled: false},
	)

	schedules, err := m.Schedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 2, "disabled schedule must not be listed")
	assert.Equal(t, 1, schedules[0].ID)
	assert.Equal(t, 3, schedules[1].ID)

	got, err := m.Schedule(context.Background(), 2)
	require.NoError(t, err, "Schedule looks up by ID regardless of enabled flag")
	assert.Equal(t, "paused", got.Name)

	_, err = m.Schedule(context.Background(), 99)
	assert.True(t, errors.Is(err, errors.ErrScheduleNotFound))
}

func TestMemoryUpdateScheduleRun(t *testing.T) {
	m := NewMemory()
	m.SeedSchedules(export.ScheduleRecord{ID: 7, Name: "hourly", Enabled: true, LastError: "stale"})

	ranAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	next := ranAt.Add(time.Hour)
	require.NoError(t, m.UpdateScheduleRun(context.Background(), ScheduleRun{
		ScheduleID: 7, RanAt: ranAt, NextRun: next, Success: true,
	}))

	s, err := m.Schedule(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalRuns)
	assert.Equal(t, int64(1), s.SuccessRuns)
	assert.Equal(t, int64(0), s.FailureRuns)
	assert.Equal(t, ranAt.UnixMilli(), s.LastRunMs)
	assert.Equal(t, next.UnixMilli(), s.NextRunMs)
	assert.Empty(t, s.LastError, "a successful run clears the previous error")

	require.NoError(t, m.UpdateScheduleRun(context.Background(), ScheduleRun{
		ScheduleID: 7, RanAt: ranAt.Add(time.Hour), Success: false, Error: "target unreachable",
	}))

	s, err = m.Schedule(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.TotalRuns)
	assert.Equal(t, int64(1), s.FailureRuns)
	assert.Equal(t, "target unreachable", s.LastError)
	assert.Equal(t, next.UnixMilli(), s.NextRunMs, "zero NextRun leaves the stored value alone")

	err = m.UpdateScheduleRun(context.Background(), ScheduleRun{ScheduleID: 404, RanAt: ranAt})
	assert.True(t, errors.Is(err, errors.ErrScheduleNotFound))
}

func TestMemoryPointValuesWindow(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	sample := func(pointID int, offset time.Duration) export.PointSample {
		return export.PointSample{
			PointID:     pointID,
			PointName:   "p",
			Value:       float64(pointID),
			TimestampMs: base.Add(offset).UnixMilli(),
		}
	}

	m := NewMemory()
	// Queried window is [base, base+1h) over points 1 and 2: the -1m sample
	// falls before it, the +1h sample sits exactly on the exclusive end, and
	// point 3 is not requested.
	m.SeedPointValues(
		sample(1, 30*time.Minute),
		sample(1, -time.Minute),
		sample(1, time.Hour),
		sample(2, 10*time.Minute),
		sample(3, 20*time.Minute),
		sample(1, 0),
	)

	got, err := m.PointValues(context.Background(), []int{1, 2}, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3, "window is [from, to) over the requested points only")
	assert.Equal(t, base.UnixMilli(), got[0].TimestampMs)
	assert.Equal(t, 2, got[1].PointID)
	assert.Equal(t, base.Add(30*time.Minute).UnixMilli(), got[2].TimestampMs, "ascending by timestamp")

	got, err = m.PointValues(context.Background(), nil, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got, "no point IDs means nothing to fetch")
}

func TestMemoryLogLifecycle(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	entry := func(offset time.Duration) export.ExportLogEntry {
		return export.ExportLogEntry{
			LogType:   "export",
			ServiceID: "exportgate-test",
			Status:    export.LogStatusSuccess,
			Timestamp: base.Add(offset).UnixMilli(),
		}
	}

	m := NewMemory()
	n, err := m.InsertLogBatch(context.Background(), []export.ExportLogEntry{
		entry(0), entry(time.Hour), entry(2 * time.Hour), entry(3 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	recent, err := m.RecentLogs(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base.Add(3*time.Hour).UnixMilli(), recent[0].Timestamp, "newest first")
	assert.Equal(t, base.Add(2*time.Hour).UnixMilli(), recent[1].Timestamp)

	all, err := m.RecentLogs(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 4, "non-positive limit falls back to the default")

	ranged, err := m.LogsByTimeRange(context.Background(), base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 2, "range is [from, to)")
	assert.Equal(t, base.Add(2*time.Hour).UnixMilli(), ranged[0].Timestamp, "newest first")

	removed, err := m.DeleteLogsBefore(context.Background(), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	left, err := m.RecentLogs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestMemoryFaultInjection(t *testing.T) {
	m := NewMemory()
	m.SeedTargets(export.DynamicTarget{ID: 1, Name: "t", Enabled: true})

	m.FailLoads(errors.ErrStoreUnavailable)
	_, err := m.Targets(context.Background())
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	_, err = m.RecentLogs(context.Background(), 1)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	m.FailLoads(nil)
	targets, err := m.Targets(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 1)

	m.FailLogInserts(errors.ErrStoreUnavailable)
	_, err = m.InsertLogBatch(context.Background(), []export.ExportLogEntry{{LogType: "export"}})
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	assert.Empty(t, m.InsertedLogs(), "a failed insert writes nothing")

	m.FailPing(errors.ErrStoreUnavailable)
	assert.Error(t, m.Ping(context.Background()))
	m.FailPing(nil)
	assert.NoError(t, m.Ping(context.Background()))
}

func TestMemoryStatWrites(t *testing.T) {
	m := NewMemory()
	snap := export.TargetStatsSnapshot{SuccessCount: 4, FailureCount: 1, TotalBytes: 2048}
	require.NoError(t, m.UpdateTargetStats(context.Background(), 42, snap))

	writes := m.StatWrites()
	require.Contains(t, writes, 42)
	assert.Equal(t, int64(4), writes[42].SuccessCount)
	assert.Equal(t, int64(2048), writes[42].TotalBytes)
}
