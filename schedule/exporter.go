// Package schedule runs cron-driven bulk exports. A due schedule pulls a
// lookback window of point history from the store and dispatches every
// sample to its target, bypassing the per-point mode engines.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/metric"
	"github.com/smart-guard/exportgate/store"
)

const (
	DefaultTickInterval   = 10 * time.Second
	DefaultReloadInterval = time.Minute
	DefaultMaxConcurrent  = 50
	DefaultRunTimeout     = 5 * time.Minute
)

// TargetSource resolves schedule targets and their mapped points.
// *registry.TargetRegistry satisfies it.
type TargetSource interface {
	TargetByID(id int) (export.DynamicTarget, bool)
	MappedPointIDs(targetID int) []int
}

// Dispatcher sends one message straight to one target, bypassing the mode
// engine. The coordinator implements it.
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, tgt export.DynamicTarget, msg export.AlarmMessage) export.ExportResult
}

// Config tunes the exporter. Zero values take the documented defaults.
type Config struct {
	// TickInterval is how often due schedules are checked. Default 10s.
	// The loop wakes at least once a second so Stop never waits a full
	// interval.
	TickInterval time.Duration

	// ReloadInterval is how often the schedule set refreshes from the
	// store. Default 60s. schedule:reload commands refresh immediately.
	ReloadInterval time.Duration

	// MaxConcurrent bounds in-flight sends within one run. Default 50.
	MaxConcurrent int

	// RunTimeout bounds one schedule run end to end. Default 5m.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = DefaultReloadInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	return c
}

// Deps carries the exporter's collaborators.
type Deps struct {
	Store      store.Store
	Targets    TargetSource
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

// entry is one loaded schedule plus its in-memory run state. Entries are
// carried across reloads by ID so a stop flag and an in-flight run survive
// a refresh.
type entry struct {
	rec     export.ScheduleRecord
	spec    cron.Schedule
	nextRun time.Time
	stopped bool
	running atomic.Bool
}

// firing is one due schedule captured under the lock for launch.
type firing struct {
	e    *entry
	rec  export.ScheduleRecord
	next time.Time
}

// Exporter owns the schedule set, the tick and reload loops, and the run
// goroutines.
type Exporter struct {
	cfg     Config
	store   store.Store
	targets TargetSource
	disp    Dispatcher
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.Mutex
	schedules map[int]*entry

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	quit        chan struct{}
	wg          sync.WaitGroup
	runCtx      context.Context

	// Statistics (atomic)
	runs      int64
	succeeded int64
	failed    int64
}

// NewExporter wires a schedule exporter. Store, target source, and
// dispatcher are required.
func NewExporter(cfg Config, deps Deps) (*Exporter, error) {
	if deps.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"ScheduledExporter", "New", "store is required")
	}
	if deps.Targets == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"ScheduledExporter", "New", "target source is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"ScheduledExporter", "New", "dispatcher is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Exporter{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		targets:   deps.Targets,
		disp:      deps.Dispatcher,
		logger:    logger,
		metrics:   deps.Metrics,
		schedules: make(map[int]*entry),
		quit:      make(chan struct{}),
	}, nil
}

// Start loads the schedule set and launches the tick and reload loops.
// A failed initial load is not fatal: the reload loop retries.
func (s *Exporter) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}
	if s.stopped {
		return errors.ErrAlreadyStopped
	}

	if err := s.Reload(ctx); err != nil {
		s.logger.Warn("initial schedule load failed, reload loop will retry", "error", err)
	}

	s.runCtx = ctx
	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.reloadLoop(ctx)

	s.started = true
	s.logger.Info("schedule exporter started",
		"schedules", s.loadedCount(),
		"tick_interval", s.cfg.TickInterval,
		"reload_interval", s.cfg.ReloadInterval)
	return nil
}

// Stop halts the loops and waits for in-flight runs up to the timeout.
// Cancelling the Start context instead aborts runs mid-flight.
func (s *Exporter) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("schedule exporter stopped",
			"runs", atomic.LoadInt64(&s.runs),
			"failed", atomic.LoadInt64(&s.failed))
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown,
			"ScheduledExporter", "Stop", "wait for in-flight runs")
	}
}

// Running reports whether the exporter has started and not stopped.
func (s *Exporter) Running() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.started && !s.stopped
}

// Reload refreshes the schedule set from the store. Rows with a cron
// expression the parser rejects are skipped with a warning. Entries keep
// their identity by ID: an unchanged row keeps its next-run mark, its stop
// flag, and its in-flight guard; an edited row resets all three.
func (s *Exporter) Reload(ctx context.Context) error {
	recs, err := s.store.Schedules(ctx)
	if err != nil {
		return errors.WrapTransient(err, "ScheduledExporter", "Reload", "load schedules")
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int]*entry, len(recs))
	skipped := 0
	for _, rec := range recs {
		spec, perr := cron.ParseStandard(rec.CronExpression)
		if perr != nil {
			skipped++
			s.logger.Warn("skipping schedule with malformed cron expression",
				"schedule_id", rec.ID, "name", rec.Name,
				"cron", rec.CronExpression, "error", perr)
			continue
		}

		old, ok := s.schedules[rec.ID]
		if !ok {
			next[rec.ID] = &entry{
				rec:     rec,
				spec:    spec,
				nextRun: spec.Next(now.In(rec.Location())),
			}
			continue
		}

		changed := old.rec.CronExpression != rec.CronExpression ||
			old.rec.Timezone != rec.Timezone ||
			old.rec.TargetID != rec.TargetID ||
			old.rec.DataRange != rec.DataRange ||
			old.rec.LookbackPeriods != rec.LookbackPeriods ||
			old.rec.Name != rec.Name
		old.rec = rec
		old.spec = spec
		if changed {
			old.nextRun = spec.Next(now.In(rec.Location()))
			old.stopped = false
		}
		next[rec.ID] = old
	}
	s.schedules = next
	s.logger.Info("schedules loaded", "schedules", len(next), "skipped", skipped)
	return nil
}

// ExecuteNow runs one schedule immediately, loaded or not, enabled or not.
// The run is asynchronous; overlap with an in-flight run of the same
// schedule is skipped. Manual runs leave the stored next-run mark untouched.
func (s *Exporter) ExecuteNow(ctx context.Context, scheduleID int) error {
	s.lifecycleMu.Lock()
	if !s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return errors.ErrNotStarted
	}
	runCtx := s.runCtx
	s.lifecycleMu.Unlock()

	s.mu.Lock()
	e, loaded := s.schedules[scheduleID]
	var rec export.ScheduleRecord
	if loaded {
		rec = e.rec
	}
	s.mu.Unlock()

	if !loaded {
		stored, err := s.store.Schedule(ctx, scheduleID)
		if err != nil {
			return errors.Wrap(err, "ScheduledExporter", "ExecuteNow",
				fmt.Sprintf("resolve schedule %d", scheduleID))
		}
		rec = stored
	}

	if loaded && !e.running.CompareAndSwap(false, true) {
		s.logger.Info("schedule run already in flight, skipping manual run",
			"schedule_id", scheduleID)
		return nil
	}

	s.logger.Info("manual schedule run", "schedule_id", rec.ID, "name", rec.Name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if loaded {
			defer e.running.Store(false)
		}
		s.run(runCtx, rec, time.Time{})
	}()
	return nil
}

// StopSchedule takes one schedule out of rotation. It resumes when its row
// changes or the process restarts; ExecuteNow still works while stopped.
func (s *Exporter) StopSchedule(scheduleID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.schedules[scheduleID]
	if !ok {
		return errors.WrapInvalid(errors.ErrScheduleNotFound,
			"ScheduledExporter", "StopSchedule", fmt.Sprintf("schedule %d", scheduleID))
	}
	if !e.stopped {
		e.stopped = true
		s.logger.Info("schedule stopped, resumes on row change or restart",
			"schedule_id", scheduleID, "name", e.rec.Name)
	}
	return nil
}

// tickLoop wakes at most every second and fires the due check every
// TickInterval.
func (s *Exporter) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	wake := s.cfg.TickInterval
	if wake > time.Second {
		wake = time.Second
	}
	ticker := time.NewTicker(wake)
	defer ticker.Stop()

	var sinceCheck time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			sinceCheck += wake
			if sinceCheck < s.cfg.TickInterval {
				continue
			}
			sinceCheck = 0
			s.tick(ctx)
		}
	}
}

func (s *Exporter) reloadLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn("schedule reload failed, keeping current set", "error", err)
			}
		}
	}
}

// tick collects due schedules, advances their next-run marks, and launches
// their runs. The next-run mark moves at launch so a slow run cannot
// double-fire.
func (s *Exporter) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []firing
	for _, e := range s.schedules {
		if e.stopped || e.nextRun.IsZero() || now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.spec.Next(now.In(e.rec.Location()))
		due = append(due, firing{e: e, rec: e.rec, next: e.nextRun})
	}
	s.mu.Unlock()

	for _, f := range due {
		if !f.e.running.CompareAndSwap(false, true) {
			s.logger.Warn("schedule run still in flight, skipping fire",
				"schedule_id", f.rec.ID, "name", f.rec.Name)
			continue
		}
		s.wg.Add(1)
		go func(f firing) {
			defer s.wg.Done()
			defer f.e.running.Store(false)
			s.run(ctx, f.rec, f.next)
		}(f)
	}
}

// run executes one schedule and writes the outcome back. A zero next keeps
// the stored next-run mark (manual runs).
func (s *Exporter) run(ctx context.Context, rec export.ScheduleRecord, next time.Time) {
	atomic.AddInt64(&s.runs, 1)
	startedAt := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	sent, failures, err := s.execute(runCtx, rec)

	success := err == nil && failures == 0
	errText := ""
	switch {
	case err != nil:
		errText = err.Error()
	case failures > 0:
		errText = fmt.Sprintf("%d of %d sends failed", failures, sent+failures)
	}

	if success {
		atomic.AddInt64(&s.succeeded, 1)
	} else {
		atomic.AddInt64(&s.failed, 1)
	}
	if s.metrics != nil {
		s.metrics.RecordScheduleRun(rec.Name, success)
	}

	// Writeback happens even when the run context is already dead.
	writeCtx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	if werr := s.store.UpdateScheduleRun(writeCtx, store.ScheduleRun{
		ScheduleID: rec.ID,
		RanAt:      startedAt,
		NextRun:    next,
		Success:    success,
		Error:      errText,
	}); werr != nil {
		s.logger.Error("schedule run writeback failed",
			"schedule_id", rec.ID, "error", werr)
	}

	if success {
		s.logger.Info("schedule run complete",
			"schedule_id", rec.ID, "name", rec.Name, "sent", sent,
			"duration_ms", time.Since(startedAt).Milliseconds())
	} else {
		s.logger.Error("schedule run failed",
			"schedule_id", rec.ID, "name", rec.Name,
			"sent", sent, "failures", failures, "error", errText)
	}
}

// execute resolves the target, pulls the extraction window, and dispatches
// every sample with bounded concurrency. An empty window is a successful
// no-op. Per-sample failures are counted, never fatal to the run's siblings.
func (s *Exporter) execute(ctx context.Context, rec export.ScheduleRecord) (int64, int64, error) {
	tgt, ok := s.targets.TargetByID(rec.TargetID)
	if !ok {
		return 0, 0, errors.Wrap(errors.ErrTargetNotFound, "ScheduledExporter", "execute",
			fmt.Sprintf("resolve target %d", rec.TargetID))
	}
	if !tgt.Enabled {
		return 0, 0, errors.Wrap(errors.ErrTargetDisabled, "ScheduledExporter", "execute",
			fmt.Sprintf("target %q", tgt.Name))
	}

	pointIDs := s.targets.MappedPointIDs(rec.TargetID)
	if len(pointIDs) == 0 {
		s.logger.Debug("schedule has no mapped points",
			"schedule_id", rec.ID, "target", tgt.Name)
		return 0, 0, nil
	}

	start, end := rec.Window(time.Now().In(rec.Location()))
	samples, err := s.store.PointValues(ctx, pointIDs, start, end)
	if err != nil {
		return 0, 0, errors.WrapTransient(err, "ScheduledExporter", "execute", "pull point window")
	}
	if len(samples) == 0 {
		s.logger.Debug("empty extraction window",
			"schedule_id", rec.ID, "target", tgt.Name, "from", start, "to", end)
		return 0, 0, nil
	}

	var sent, failures int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, sample := range samples {
		msg := sample.AsValueMessage().AsAlarm()
		g.Go(func() error {
			res := s.disp.DispatchScheduled(gctx, tgt, msg)
			if res.Success {
				atomic.AddInt64(&sent, 1)
			} else {
				atomic.AddInt64(&failures, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return atomic.LoadInt64(&sent), atomic.LoadInt64(&failures), nil
}

func (s *Exporter) loadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

// ExporterStats is a point-in-time view of the scheduler counters.
type ExporterStats struct {
	Loaded    int   `json:"loaded"`
	Stopped   int   `json:"stopped"`
	Runs      int64 `json:"runs"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Stats snapshots the scheduler counters.
func (s *Exporter) Stats() ExporterStats {
	s.mu.Lock()
	stopped := 0
	for _, e := range s.schedules {
		if e.stopped {
			stopped++
		}
	}
	loaded := len(s.schedules)
	s.mu.Unlock()

	return ExporterStats{
		Loaded:    loaded,
		Stopped:   stopped,
		Runs:      atomic.LoadInt64(&s.runs),
		Succeeded: atomic.LoadInt64(&s.succeeded),
		Failed:    atomic.LoadInt64(&s.failed),
	}
}
