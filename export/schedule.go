package export

import (
	"fmt"
	"strings"
	"time"
)

// DataRange is the unit of the lookback window a scheduled export pulls.
type DataRange string

const (
	RangeMinute DataRange = "minute"
	RangeHour   DataRange = "hour"
	RangeDay    DataRange = "day"
	RangeWeek   DataRange = "week"
)

// ParseDataRange normalizes a stored range string. Empty defaults to hour.
func ParseDataRange(s string) (DataRange, error) {
	switch DataRange(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return RangeHour, nil
	case RangeMinute:
		return RangeMinute, nil
	case RangeHour:
		return RangeHour, nil
	case RangeDay:
		return RangeDay, nil
	case RangeWeek:
		return RangeWeek, nil
	default:
		return "", fmt.Errorf("unknown data range %q", s)
	}
}

// Duration returns the length of one range unit.
func (r DataRange) Duration() time.Duration {
	switch r {
	case RangeMinute:
		return time.Minute
	case RangeHour:
		return time.Hour
	case RangeDay:
		return 24 * time.Hour
	case RangeWeek:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// ScheduleRecord is one cron-driven bulk export definition plus its run
// bookkeeping. The run counters are plain fields, not atomics: schedules are
// only mutated by the single scheduler loop and persisted after each run.
type ScheduleRecord struct {
	ID              int       `json:"id"`
	TargetID        int       `json:"target_id"`
	Name            string    `json:"name"`
	CronExpression  string    `json:"cron_expression"`
	Timezone        string    `json:"timezone"`
	DataRange       DataRange `json:"data_range"`
	LookbackPeriods int       `json:"lookback_periods"`
	Enabled         bool      `json:"enabled"`

	TotalRuns   int64  `json:"total_runs"`
	SuccessRuns int64  `json:"success_runs"`
	FailureRuns int64  `json:"failure_runs"`
	LastRunMs   int64  `json:"last_run_ms"`
	NextRunMs   int64  `json:"next_run_ms"`
	LastError   string `json:"last_error,omitempty"`
}

// Window computes the [start, end) extraction window for a run at now,
// looking back LookbackPeriods units of DataRange (minimum one unit).
func (s ScheduleRecord) Window(now time.Time) (start, end time.Time) {
	periods := s.LookbackPeriods
	if periods < 1 {
		periods = 1
	}
	end = now
	start = now.Add(-time.Duration(periods) * s.DataRange.Duration())
	return start, end
}

// Location resolves the schedule's timezone, falling back to UTC for empty
// or unknown zone names.
func (s ScheduleRecord) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PointSample is one stored point reading inside a schedule's extraction
// window, as pulled from the platform's point history.
type PointSample struct {
	PointID     int     `json:"point_id"`
	PointName   string  `json:"point_name"`
	BuildingID  int     `json:"building_id"`
	Value       float64 `json:"value"`
	Status      int     `json:"status"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// AsValueMessage converts the sample into the snapshot wire shape.
func (p PointSample) AsValueMessage() ValueMessage {
	return NewValueMessage(p.BuildingID, p.PointName, p.Value, p.TimestampMs, p.Status)
}
