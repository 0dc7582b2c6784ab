package export

import (
	"sync/atomic"

	"github.com/smart-guard/exportgate/pkg/timestamp"
)

// TargetStats tracks per-target delivery counters. All fields are updated
// atomically so concurrent dispatch workers can record without a lock.
// Average response time is derived on read from the running total.
type TargetStats struct {
	successCount        int64
	failureCount        int64
	consecutiveFailures int64
	totalRetries        int64
	totalBytes          int64
	totalResponseMs     int64
	lastExportMs        int64
	lastSuccessMs       int64
}

// RecordSuccess counts a successful delivery and clears the consecutive
// failure streak.
func (s *TargetStats) RecordSuccess(responseMs int64, bytes int) {
	now := timestamp.Now()
	atomic.AddInt64(&s.successCount, 1)
	atomic.StoreInt64(&s.consecutiveFailures, 0)
	atomic.AddInt64(&s.totalResponseMs, responseMs)
	atomic.AddInt64(&s.totalBytes, int64(bytes))
	atomic.StoreInt64(&s.lastExportMs, now)
	atomic.StoreInt64(&s.lastSuccessMs, now)
}

// RecordFailure counts a failed delivery and extends the streak.
func (s *TargetStats) RecordFailure() {
	atomic.AddInt64(&s.failureCount, 1)
	atomic.AddInt64(&s.consecutiveFailures, 1)
	atomic.StoreInt64(&s.lastExportMs, timestamp.Now())
}

// RecordRetries adds retry attempts spent on a delivery.
func (s *TargetStats) RecordRetries(n int) {
	if n > 0 {
		atomic.AddInt64(&s.totalRetries, int64(n))
	}
}

// SuccessRate returns successes over total attempts, or 1.0 when the target
// has never been dispatched (an idle target is healthy, not failing).
func (s *TargetStats) SuccessRate() float64 {
	succ := atomic.LoadInt64(&s.successCount)
	fail := atomic.LoadInt64(&s.failureCount)
	total := succ + fail
	if total == 0 {
		return 1.0
	}
	return float64(succ) / float64(total)
}

// ConsecutiveFailures returns the current failure streak.
func (s *TargetStats) ConsecutiveFailures() int64 {
	return atomic.LoadInt64(&s.consecutiveFailures)
}

// Reset zeroes all counters.
func (s *TargetStats) Reset() {
	atomic.StoreInt64(&s.successCount, 0)
	atomic.StoreInt64(&s.failureCount, 0)
	atomic.StoreInt64(&s.consecutiveFailures, 0)
	atomic.StoreInt64(&s.totalRetries, 0)
	atomic.StoreInt64(&s.totalBytes, 0)
	atomic.StoreInt64(&s.totalResponseMs, 0)
	atomic.StoreInt64(&s.lastExportMs, 0)
	atomic.StoreInt64(&s.lastSuccessMs, 0)
}

// Snapshot returns a consistent-enough copy for reporting. Individual loads
// are atomic; the set is not taken under one lock, which is fine for stats.
func (s *TargetStats) Snapshot() TargetStatsSnapshot {
	succ := atomic.LoadInt64(&s.successCount)
	fail := atomic.LoadInt64(&s.failureCount)
	var avgMs int64
	if succ > 0 {
		avgMs = atomic.LoadInt64(&s.totalResponseMs) / succ
	}
	total := succ + fail
	rate := 1.0
	if total > 0 {
		rate = float64(succ) / float64(total)
	}
	return TargetStatsSnapshot{
		SuccessCount:        succ,
		FailureCount:        fail,
		ConsecutiveFailures: atomic.LoadInt64(&s.consecutiveFailures),
		TotalRetries:        atomic.LoadInt64(&s.totalRetries),
		TotalBytes:          atomic.LoadInt64(&s.totalBytes),
		AvgResponseMs:       avgMs,
		SuccessRate:         rate,
		LastExportMs:        atomic.LoadInt64(&s.lastExportMs),
		LastSuccessMs:       atomic.LoadInt64(&s.lastSuccessMs),
	}
}

// TargetStatsSnapshot is the plain reporting form of TargetStats.
type TargetStatsSnapshot struct {
	SuccessCount        int64   `json:"success_count"`
	FailureCount        int64   `json:"failure_count"`
	ConsecutiveFailures int64   `json:"consecutive_failures"`
	TotalRetries        int64   `json:"total_retries"`
	TotalBytes          int64   `json:"total_bytes"`
	AvgResponseMs       int64   `json:"avg_response_ms"`
	SuccessRate         float64 `json:"success_rate"`
	LastExportMs        int64   `json:"last_export_ms,omitempty"`
	LastSuccessMs       int64   `json:"last_success_ms,omitempty"`
}

// CoordinatorStats aggregates pipeline-wide counters across all targets and
// ingress paths. Updated atomically from dispatch workers, the scheduler,
// and the admin surface.
type CoordinatorStats struct {
	totalExports       int64
	successfulExports  int64
	failedExports      int64
	alarmEvents        int64
	alarmExports       int64
	scheduleExecutions int64
	scheduleExports    int64
	droppedEvents      int64
	totalProcessingMs  int64
	lastExportMs       int64
	startMs            int64
}

// NewCoordinatorStats returns stats anchored at the current time.
func NewCoordinatorStats() *CoordinatorStats {
	return &CoordinatorStats{startMs: timestamp.Now()}
}

// RecordExport counts one delivery outcome and its processing time.
func (s *CoordinatorStats) RecordExport(success bool, processingMs int64) {
	atomic.AddInt64(&s.totalExports, 1)
	if success {
		atomic.AddInt64(&s.successfulExports, 1)
	} else {
		atomic.AddInt64(&s.failedExports, 1)
	}
	atomic.AddInt64(&s.totalProcessingMs, processingMs)
	atomic.StoreInt64(&s.lastExportMs, timestamp.Now())
}

// RecordAlarmEvent counts one accepted alarm event.
func (s *CoordinatorStats) RecordAlarmEvent() {
	atomic.AddInt64(&s.alarmEvents, 1)
}

// RecordAlarmExport counts one delivery triggered by an alarm event.
func (s *CoordinatorStats) RecordAlarmExport() {
	atomic.AddInt64(&s.alarmExports, 1)
}

// RecordScheduleExecution counts one schedule run.
func (s *CoordinatorStats) RecordScheduleExecution() {
	atomic.AddInt64(&s.scheduleExecutions, 1)
}

// RecordScheduleExport counts one delivery made by a schedule run.
func (s *CoordinatorStats) RecordScheduleExport() {
	atomic.AddInt64(&s.scheduleExports, 1)
}

// RecordDroppedEvent counts an event shed under overload.
func (s *CoordinatorStats) RecordDroppedEvent() {
	atomic.AddInt64(&s.droppedEvents, 1)
}

// Reset zeroes the counters but keeps the original start time.
func (s *CoordinatorStats) Reset() {
	atomic.StoreInt64(&s.totalExports, 0)
	atomic.StoreInt64(&s.successfulExports, 0)
	atomic.StoreInt64(&s.failedExports, 0)
	atomic.StoreInt64(&s.alarmEvents, 0)
	atomic.StoreInt64(&s.alarmExports, 0)
	atomic.StoreInt64(&s.scheduleExecutions, 0)
	atomic.StoreInt64(&s.scheduleExports, 0)
	atomic.StoreInt64(&s.droppedEvents, 0)
	atomic.StoreInt64(&s.totalProcessingMs, 0)
	atomic.StoreInt64(&s.lastExportMs, 0)
}

// Snapshot returns the plain reporting form.
func (s *CoordinatorStats) Snapshot() CoordinatorStatsSnapshot {
	total := atomic.LoadInt64(&s.totalExports)
	var avgMs int64
	if total > 0 {
		avgMs = atomic.LoadInt64(&s.totalProcessingMs) / total
	}
	return CoordinatorStatsSnapshot{
		TotalExports:       total,
		SuccessfulExports:  atomic.LoadInt64(&s.successfulExports),
		FailedExports:      atomic.LoadInt64(&s.failedExports),
		AlarmEvents:        atomic.LoadInt64(&s.alarmEvents),
		AlarmExports:       atomic.LoadInt64(&s.alarmExports),
		ScheduleExecutions: atomic.LoadInt64(&s.scheduleExecutions),
		ScheduleExports:    atomic.LoadInt64(&s.scheduleExports),
		DroppedEvents:      atomic.LoadInt64(&s.droppedEvents),
		AvgProcessingMs:    avgMs,
		StartMs:            s.startMs,
		LastExportMs:       atomic.LoadInt64(&s.lastExportMs),
	}
}

// CoordinatorStatsSnapshot is the plain reporting form of CoordinatorStats.
type CoordinatorStatsSnapshot struct {
	TotalExports       int64 `json:"total_exports"`
	SuccessfulExports  int64 `json:"successful_exports"`
	FailedExports      int64 `json:"failed_exports"`
	AlarmEvents        int64 `json:"alarm_events"`
	AlarmExports       int64 `json:"alarm_exports"`
	ScheduleExecutions int64 `json:"schedule_executions"`
	ScheduleExports    int64 `json:"schedule_exports"`
	DroppedEvents      int64 `json:"dropped_events"`
	AvgProcessingMs    int64 `json:"avg_processing_ms"`
	StartMs            int64 `json:"start_ms"`
	LastExportMs       int64 `json:"last_export_ms,omitempty"`
}
