// Package coordinator wires the export pipeline together: bus ingress,
// per-target mode engines, payload rendering, protocol handlers, schedules,
// and the export log. It owns the dispatch path from an inbound alarm event
// to the per-target send, and exposes the aggregate statistics and health
// surface the admin API serves.
//
// The coordinator is constructed once with its dependencies, started once,
// and stopped once. Targets, mappings, and templates are reloadable at
// runtime through the registry; the coordinator itself is not restartable.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/event"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/exportlog"
	"github.com/smart-guard/exportgate/health"
	"github.com/smart-guard/exportgate/metric"
	"github.com/smart-guard/exportgate/registry"
	"github.com/smart-guard/exportgate/schedule"
	"github.com/smart-guard/exportgate/store"
	"github.com/smart-guard/exportgate/target"
)

const (
	// DefaultServiceID tags export log rows and manual result notices.
	DefaultServiceID = "export-gateway"

	// DefaultSendTimeout bounds a single handler send, batch included.
	DefaultSendTimeout = 30 * time.Second

	// DefaultBatchSweep is how often buffered batch targets are checked
	// for a timeout flush.
	DefaultBatchSweep = time.Second

	// DefaultStatsFlush is how often per-target delivery counters are
	// written back to the store.
	DefaultStatsFlush = time.Minute

	// ResultChannel receives one notice per target after a manual export.
	ResultChannel = "cmd:gateway:result"

	// ManualAllTargets is the reserved target name that expands a manual
	// export to every active target. Matched case-insensitively.
	ManualAllTargets = "ALL"
)

// Bus is the message bus surface the coordinator needs: subscriptions for
// ingress plus plain publishes for manual export result notices.
type Bus interface {
	event.Bus
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config tunes the coordinator. Zero values take defaults.
type Config struct {
	// ServiceID identifies this gateway instance in log rows and result
	// notices.
	ServiceID string `json:"service_id"`

	// SendTimeout bounds each handler send.
	SendTimeout time.Duration `json:"send_timeout"`

	// BatchSweep is the poll interval for batch timeout flushes.
	BatchSweep time.Duration `json:"batch_sweep"`

	// StatsFlush is the writeback interval for per-target counters.
	StatsFlush time.Duration `json:"stats_flush"`

	// Events configures bus ingress.
	Events event.Config `json:"events"`

	// Schedules configures the periodic bulk exporter.
	Schedules schedule.Config `json:"schedules"`
}

func (c Config) withDefaults() Config {
	if c.ServiceID == "" {
		c.ServiceID = DefaultServiceID
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.BatchSweep <= 0 {
		c.BatchSweep = DefaultBatchSweep
	}
	if c.StatsFlush <= 0 {
		c.StatsFlush = DefaultStatsFlush
	}
	return c
}

// Deps carries the coordinator's collaborators. Store, Bus, Registry, and
// Logs are required; the rest are optional.
type Deps struct {
	Store    store.Store
	Bus      Bus
	Registry *registry.TargetRegistry
	Logs     *exportlog.Service

	// System handles reload-config and shutdown bus commands. When nil
	// those channels are not subscribed.
	System event.SystemControl

	// Health is the shared component health monitor. The bus client and
	// the coordinator both report into it; when nil the coordinator makes
	// its own.
	Health *health.Monitor

	Logger          *slog.Logger
	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
}

// Coordinator routes alarm events, scheduled runs, and manual requests to
// export targets. It implements event.AlarmSink for bus ingress and
// schedule.Dispatcher for scheduled sends.
type Coordinator struct {
	cfg Config

	store    store.Store
	bus      Bus
	registry *registry.TargetRegistry
	logs     *exportlog.Service

	subscriber *event.Subscriber
	scheduler  *schedule.Exporter

	engines *engineMap
	stats   *export.CoordinatorStats
	monitor *health.Monitor

	// statsWritten remembers the last snapshot persisted per target so the
	// flush loop only writes rows that moved. Touched only by statsLoop and
	// the final flush in Stop, which runs after the loop has exited.
	statsWritten map[int]export.TargetStatsSnapshot

	logger  *slog.Logger
	metrics *metric.Metrics

	// Lifecycle. The coordinator is one-shot: Stopped -> Running -> Stopped.
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	running     atomic.Bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a coordinator and its internal scheduler and bus subscriber.
// Nothing runs until Start.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "New", "store is required")
	}
	if deps.Bus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "New", "bus is required")
	}
	if deps.Registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "New", "target registry is required")
	}
	if deps.Logs == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "New", "export log service is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")

	monitor := deps.Health
	if monitor == nil {
		monitor = health.NewMonitor()
	}

	c := &Coordinator{
		cfg:          cfg.withDefaults(),
		store:        deps.Store,
		bus:          deps.Bus,
		registry:     deps.Registry,
		logs:         deps.Logs,
		engines:      newEngineMap(),
		stats:        export.NewCoordinatorStats(),
		monitor:      monitor,
		statsWritten: make(map[int]export.TargetStatsSnapshot),
		logger:       logger,
		metrics:      deps.Metrics,
		quit:         make(chan struct{}),
	}

	scheduler, err := schedule.NewExporter(c.cfg.Schedules, schedule.Deps{
		Store:      deps.Store,
		Targets:    deps.Registry,
		Dispatcher: c,
		Logger:     deps.Logger,
		Metrics:    deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.scheduler = scheduler

	subscriber, err := event.NewSubscriber(c.cfg.Events, event.Deps{
		Bus:             deps.Bus,
		Alarms:          c,
		Schedules:       scheduler,
		System:          deps.System,
		Assigned:        deps.Registry,
		Logger:          deps.Logger,
		Metrics:         deps.Metrics,
		MetricsRegistry: deps.MetricsRegistry,
	})
	if err != nil {
		return nil, err
	}
	c.subscriber = subscriber

	return c, nil
}

// Start loads the registry when it has not been loaded yet, then brings up
// the export log, the scheduler, the batch sweep, and finally bus ingress.
// A registry load failure is fatal: nothing is left running. Calling Start
// while already running is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.stopped {
		return errors.Wrap(errors.ErrAlreadyStopped, "Coordinator", "Start", "coordinator is not restartable")
	}
	if c.started {
		return nil
	}

	if !c.registry.Loaded() {
		if err := c.registry.Load(ctx); err != nil {
			return errors.Wrap(err, "Coordinator", "Start", "initial target load failed")
		}
	}
	ready := c.registry.InitializeHandlers()

	if err := c.logs.Start(ctx); err != nil && !errors.Is(err, errors.ErrAlreadyStarted) {
		return errors.Wrap(err, "Coordinator", "Start", "export log start failed")
	}

	if err := c.scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "Coordinator", "Start", "scheduler start failed")
	}

	if err := c.subscriber.Start(ctx); err != nil {
		// Roll the scheduler back so a failed boot leaves no loops
		// behind. The log service keeps running; a Start retry is not
		// possible and shutdown drains it.
		_ = c.scheduler.Stop(time.Second)
		return errors.Wrap(err, "Coordinator", "Start", "bus subscribe failed")
	}

	c.wg.Add(2)
	go c.sweepLoop(ctx)
	go c.statsLoop(ctx)

	c.started = true
	c.running.Store(true)

	if c.metrics != nil {
		c.metrics.RecordServiceStatus(c.cfg.ServiceID, 1)
	}
	c.logger.Info("coordinator started",
		"targets", c.registry.Snapshot().TargetCount(),
		"handlers_ready", ready,
		"service_id", c.cfg.ServiceID)
	return nil
}

// Stop shuts the pipeline down in dependency order: bus ingress first so
// queued events drain through the still-running dispatch path, then the
// scheduler, then the batch sweep, and the export log last so every result
// row is persisted. The timeout is a shared budget across the stages.
// Stop is idempotent; stopping a never-started coordinator is a no-op.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started || c.stopped {
		c.stopped = true
		return nil
	}
	c.stopped = true

	deadline := time.Now().Add(timeout)
	var errs []error

	if err := c.subscriber.Stop(time.Until(deadline)); err != nil {
		errs = append(errs, err)
	}
	if err := c.scheduler.Stop(time.Until(deadline)); err != nil {
		errs = append(errs, err)
	}

	c.running.Store(false)
	close(c.quit)
	c.wg.Wait()

	// Final counter writeback so a restart resumes from current totals.
	flushCtx, cancel := context.WithTimeout(context.Background(), time.Until(deadline))
	c.flushTargetStats(flushCtx)
	cancel()

	if err := c.logs.Stop(time.Until(deadline)); err != nil && !errors.Is(err, errors.ErrAlreadyStopped) {
		errs = append(errs, err)
	}

	if c.metrics != nil {
		c.metrics.RecordServiceStatus(c.cfg.ServiceID, 0)
	}
	c.logger.Info("coordinator stopped", "service_id", c.cfg.ServiceID)
	return errors.Join(errs...)
}

// Running reports whether the dispatch path accepts events.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Stats is the aggregate counter surface across the pipeline.
type Stats struct {
	Coordinator export.CoordinatorStatsSnapshot `json:"coordinator"`
	Events      event.SubscriberStats           `json:"events"`
	Schedules   schedule.ExporterStats          `json:"schedules"`
	Logs        exportlog.ServiceStats          `json:"export_log"`
	Targets     int                             `json:"targets"`
}

// Stats snapshots every counter in the pipeline.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Coordinator: c.stats.Snapshot(),
		Events:      c.subscriber.Stats(),
		Schedules:   c.scheduler.Stats(),
		Logs:        c.logs.Stats(),
		Targets:     c.registry.Snapshot().TargetCount(),
	}
}

// ResetStats zeroes the coordinator counters and every target's counters.
// Circuit breakers are operational state, not statistics, and keep their
// position.
func (c *Coordinator) ResetStats() {
	c.stats.Reset()
	snap := c.registry.Snapshot()
	for _, tgt := range snap.Targets() {
		if tgt.Stats != nil {
			tgt.Stats.Reset()
		}
	}
	c.logger.Info("statistics reset")
}

// TargetStats snapshots the per-target counters keyed by target name.
func (c *Coordinator) TargetStats() map[string]export.TargetStatsSnapshot {
	snap := c.registry.Snapshot()
	out := make(map[string]export.TargetStatsSnapshot, snap.TargetCount())
	for _, tgt := range snap.Targets() {
		if tgt.Stats != nil {
			out[tgt.Name] = tgt.Stats.Snapshot()
		}
	}
	return out
}

// statsLoop periodically writes per-target counters back to the store so
// they survive a restart and stay visible to operators reading the database
// directly.
func (c *Coordinator) statsLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.StatsFlush)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case <-ticker.C:
			c.flushTargetStats(ctx)
		}
	}
}

// flushTargetStats writes every target snapshot that moved since the last
// flush. A write failure is logged and retried on the next tick; the
// in-memory counters remain authoritative.
func (c *Coordinator) flushTargetStats(ctx context.Context) {
	snap := c.registry.Snapshot()
	for _, tgt := range snap.Targets() {
		if tgt.Stats == nil {
			continue
		}
		s := tgt.Stats.Snapshot()
		if s == c.statsWritten[tgt.ID] {
			continue
		}
		if err := c.store.UpdateTargetStats(ctx, tgt.ID, s); err != nil {
			c.logger.Warn("target stats writeback failed",
				"target", tgt.Name, "error", err)
			continue
		}
		c.statsWritten[tgt.ID] = s
	}
}

// TargetHealth is one target's delivery condition.
type TargetHealth struct {
	Name                string  `json:"name"`
	Type                string  `json:"type"`
	Enabled             bool    `json:"enabled"`
	HandlerReady        bool    `json:"handler_ready"`
	BreakerState        string  `json:"breaker_state"`
	SuccessRate         float64 `json:"success_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Healthy             bool    `json:"healthy"`
}

// HealthCheck reports per-target delivery condition in dispatch order. A
// disabled target is healthy by definition; an enabled one is healthy when
// its handler initialized and its breaker is closed.
func (c *Coordinator) HealthCheck() []TargetHealth {
	snap := c.registry.Snapshot()
	targets := snap.Targets()
	out := make([]TargetHealth, 0, len(targets))
	for _, tgt := range targets {
		th := TargetHealth{
			Name:        tgt.Name,
			Type:        tgt.Type,
			Enabled:     tgt.Enabled,
			SuccessRate: 1,
		}
		if tgt.Stats != nil {
			th.SuccessRate = tgt.Stats.SuccessRate()
			th.ConsecutiveFailures = int(tgt.Stats.ConsecutiveFailures())
		}
		_, th.HandlerReady = snap.Handler(tgt.Name)

		state := target.BreakerClosed
		if prot, ok := snap.Protector(tgt.Name); ok {
			state = prot.State()
		}
		th.BreakerState = state.String()
		th.Healthy = !tgt.Enabled || (th.HandlerReady && state == target.BreakerClosed)
		out = append(out, th)
	}
	return out
}

// coreComponents is the fixed readiness gate. Individual delivery targets
// are excluded on purpose: a tripped breaker on one target must not flip
// the whole gateway to not-ready.
var coreComponents = []string{"bus", "store", "registry", "events", "schedules", "export_log"}

// ComponentStatus probes each pipeline component and publishes the result
// to the shared health monitor.
func (c *Coordinator) ComponentStatus(ctx context.Context) map[string]health.Status {
	statuses := make(map[string]health.Status, 6)

	if c.bus.IsHealthy() {
		statuses["bus"] = health.NewHealthy("bus", "Connected")
	} else {
		statuses["bus"] = health.NewUnhealthy("bus", "Not connected")
	}

	statuses["store"] = health.FromError("store", c.store.Ping(ctx))

	snap := c.registry.Snapshot()
	switch {
	case !c.registry.Loaded():
		statuses["registry"] = health.NewUnhealthy("registry", "Targets never loaded")
	case snap.TargetCount() == 0:
		statuses["registry"] = health.NewDegraded("registry", "No export targets configured")
	default:
		statuses["registry"] = health.NewHealthy("registry", fmt.Sprintf("%d targets loaded", snap.TargetCount()))
	}

	if c.subscriber.Healthy() {
		statuses["events"] = health.NewHealthy("events", "Subscribed")
	} else {
		statuses["events"] = health.NewUnhealthy("events", "Ingress not running")
	}

	if c.scheduler.Running() {
		statuses["schedules"] = health.NewHealthy("schedules", "Running")
	} else {
		statuses["schedules"] = health.NewUnhealthy("schedules", "Not running")
	}

	if c.logs.Running() {
		statuses["export_log"] = health.NewHealthy("export_log", "Running")
	} else {
		statuses["export_log"] = health.NewUnhealthy("export_log", "Not running")
	}

	for name, st := range statuses {
		c.monitor.Update(name, st)
		if c.metrics != nil {
			c.metrics.RecordHealthStatus(name, st.IsHealthy())
		}
	}
	return statuses
}

// Ready refreshes the component probes and reports whether every core
// component is healthy. Degraded counts as not ready.
func (c *Coordinator) Ready(ctx context.Context) bool {
	c.ComponentStatus(ctx)
	return c.monitor.Ready(coreComponents...)
}

// HealthMonitor exposes the shared monitor for aggregate views.
func (c *Coordinator) HealthMonitor() *health.Monitor {
	return c.monitor
}

// ReloadTargets reloads targets, mappings, and templates from the store and
// reconciles handlers. Unchanged targets keep their handlers, breakers, and
// counters.
func (c *Coordinator) ReloadTargets(ctx context.Context) error {
	if err := c.registry.Load(ctx); err != nil {
		return err
	}
	ready := c.registry.InitializeHandlers()

	// Stored modes or parameters may have changed; buffered batch values
	// from the previous generation are discarded with the engines.
	c.engines.reset()

	c.logger.Info("targets reloaded",
		"targets", c.registry.Snapshot().TargetCount(),
		"handlers_ready", ready)
	return nil
}

// ReloadTemplates refreshes payload templates without touching targets,
// handlers, or mode state.
func (c *Coordinator) ReloadTemplates(ctx context.Context) error {
	return c.registry.ReloadTemplates(ctx)
}

// TestTarget runs the named target's connectivity probe. The target does
// not have to be enabled.
func (c *Coordinator) TestTarget(ctx context.Context, name string) (target.SendResult, error) {
	snap := c.registry.Snapshot()
	if _, ok := snap.Target(name); !ok {
		return target.SendResult{}, errors.WrapInvalid(errors.ErrTargetNotFound, "Coordinator", "TestTarget", name)
	}
	handler, ok := snap.Handler(name)
	if !ok {
		return target.SendResult{}, errors.Wrap(errors.ErrHandlerNotInitialized, "Coordinator", "TestTarget", name)
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	return handler.TestConnection(probeCtx), nil
}
