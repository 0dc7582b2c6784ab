// Package event receives alarm and control messages from the pub/sub bus
// and routes them into the dispatch pipeline. Alarms fan out through a
// bounded worker pool; control channels drive the scheduler and process
// lifecycle directly.
package event

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/metric"
	"github.com/smart-guard/exportgate/natsclient"
	"github.com/smart-guard/exportgate/pkg/worker"
)

// External channel names. Channels map to bus subjects through
// natsclient.SubjectFromChannel (alarms:all ↔ alarms.all).
const (
	DefaultAlarmChannel = "alarms:all"

	channelScheduleReload  = "schedule:reload"
	channelScheduleExecute = "schedule:execute:"
	channelScheduleStop    = "schedule:stop:"
	channelSystemShutdown  = "system:shutdown"
	channelSystemReload    = "system:reload_config"

	prefixAlarms   = "alarms:"
	prefixSchedule = "schedule:"
	prefixSystem   = "system:"
)

// Bus is the messaging surface the subscriber consumes.
// *natsclient.Client satisfies it.
type Bus interface {
	SubscribeSubject(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error
	QueueSubscribeSubject(ctx context.Context, subject, queue string, handler func(context.Context, string, []byte)) error
	IsHealthy() bool
}

// AlarmSink receives decoded alarm events. The coordinator implements it.
type AlarmSink interface {
	HandleAlarmEvent(ctx context.Context, msg export.AlarmMessage) error
}

// ScheduleControl is the operator command surface of the scheduler.
type ScheduleControl interface {
	Reload(ctx context.Context) error
	ExecuteNow(ctx context.Context, scheduleID int) error
	StopSchedule(scheduleID int) error
}

// SystemControl handles process-level bus commands.
type SystemControl interface {
	ReloadConfig(ctx context.Context) error
	Shutdown(reason string)
}

// AssignmentView answers whether any loaded target maps a point.
// *registry.TargetRegistry satisfies it.
type AssignmentView interface {
	IsAssignedPoint(pointName string) bool
}

// Config tunes the subscriber. Zero values take the documented defaults.
type Config struct {
	// Channels are the alarm channels to subscribe. Default [alarms:all].
	// Patterns are supported: alarms:* receives every alarm channel.
	Channels []string

	// QueueGroup load-balances the alarm channels across gateway instances
	// when set. Control channels stay per-instance so every gateway sees
	// reload and shutdown commands.
	QueueGroup string

	// Selective drops alarms for points no loaded target maps, so a
	// gateway assigned a subset of a site ignores the rest of the stream.
	Selective bool

	// Workers and QueueSize shape the dispatch pool. Defaults 4 and 10000.
	Workers   int
	QueueSize int
}

// Deps carries the subscriber's collaborators. Schedules and System are
// optional; their channels are not subscribed when nil.
type Deps struct {
	Bus       Bus
	Alarms    AlarmSink
	Schedules ScheduleControl
	System    SystemControl
	Assigned  AssignmentView
	Logger    *slog.Logger

	// Metrics records dropped events; MetricsRegistry additionally wires
	// the worker pool gauges. Both optional.
	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
}

// Subscriber owns the bus subscriptions and the alarm worker pool.
type Subscriber struct {
	cfg       Config
	bus       Bus
	alarms    AlarmSink
	schedules ScheduleControl
	system    SystemControl
	assigned  AssignmentView
	logger    *slog.Logger
	metrics   *metric.Metrics

	pool *worker.Pool[export.AlarmMessage]

	invalidLog *rate.Limiter
	dropLog    *rate.Limiter

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	running     atomic.Bool

	// Statistics (atomic)
	received  int64
	processed int64
	invalid   int64
	filtered  int64
	dropped   int64
}

// NewSubscriber wires a subscriber. The bus and alarm sink are required;
// selective mode additionally requires an assignment view.
func NewSubscriber(cfg Config, deps Deps) (*Subscriber, error) {
	if deps.Bus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"EventSubscriber", "New", "bus is required")
	}
	if deps.Alarms == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"EventSubscriber", "New", "alarm sink is required")
	}
	if cfg.Selective && deps.Assigned == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"EventSubscriber", "New", "selective mode requires an assignment view")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{DefaultAlarmChannel}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}

	s := &Subscriber{
		cfg:       cfg,
		bus:       deps.Bus,
		alarms:    deps.Alarms,
		schedules: deps.Schedules,
		system:    deps.System,
		assigned:  deps.Assigned,
		logger:    logger,
		metrics:   deps.Metrics,
		// Invalid-message and overflow warnings are capped at one per 5s;
		// the counters carry the real totals.
		invalidLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		dropLog:    rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	var opts []worker.Option[export.AlarmMessage]
	if deps.MetricsRegistry != nil {
		opts = append(opts,
			worker.WithMetricsRegistry[export.AlarmMessage](deps.MetricsRegistry, "exportgate_event_pool"))
	}
	s.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, s.process, opts...)
	return s, nil
}

// Start launches the worker pool and subscribes the configured channels.
func (s *Subscriber) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}
	if s.stopped {
		return errors.ErrAlreadyStopped
	}

	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "EventSubscriber", "Start", "start worker pool")
	}

	if err := s.subscribeAll(ctx); err != nil {
		_ = s.pool.Stop(time.Second)
		return err
	}

	s.started = true
	s.running.Store(true)
	s.logger.Info("event subscriber started",
		"channels", s.cfg.Channels,
		"queue_group", s.cfg.QueueGroup,
		"selective", s.cfg.Selective,
		"workers", s.cfg.Workers)
	return nil
}

func (s *Subscriber) subscribeAll(ctx context.Context) error {
	for _, channel := range s.cfg.Channels {
		subject := natsclient.SubjectFromChannel(channel)

		var err error
		if s.cfg.QueueGroup != "" {
			err = s.bus.QueueSubscribeSubject(ctx, subject, s.cfg.QueueGroup, s.onMessage)
		} else {
			err = s.bus.SubscribeSubject(ctx, subject, s.onMessage)
		}
		if err != nil {
			return errors.Wrap(err, "EventSubscriber", "Start", "subscribe "+channel)
		}
	}

	if s.schedules != nil {
		if err := s.bus.SubscribeSubject(ctx, "schedule.>", s.onMessage); err != nil {
			return errors.Wrap(err, "EventSubscriber", "Start", "subscribe schedule channels")
		}
	}
	if s.system != nil {
		if err := s.bus.SubscribeSubject(ctx, "system.>", s.onMessage); err != nil {
			return errors.Wrap(err, "EventSubscriber", "Start", "subscribe system channels")
		}
	}
	return nil
}

// Stop halts routing and drains the worker pool. Bus subscriptions die with
// the bus connection, which the owner closes after the subscriber stops.
func (s *Subscriber) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.running.Store(false)
	s.stopped = true

	if err := s.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "EventSubscriber", "Stop", "drain worker pool")
	}
	s.logger.Info("event subscriber stopped",
		"received", atomic.LoadInt64(&s.received),
		"processed", atomic.LoadInt64(&s.processed),
		"invalid", atomic.LoadInt64(&s.invalid),
		"dropped", atomic.LoadInt64(&s.dropped))
	return nil
}

// Healthy reports whether the subscriber is running on a healthy bus.
func (s *Subscriber) Healthy() bool {
	return s.running.Load() && s.bus.IsHealthy()
}

// onMessage is the bus callback: count, map the subject back to its
// channel name, and route on the channel prefix.
func (s *Subscriber) onMessage(ctx context.Context, subject string, data []byte) {
	if !s.running.Load() {
		return
	}
	atomic.AddInt64(&s.received, 1)

	channel := natsclient.ChannelFromSubject(subject)
	switch {
	case strings.HasPrefix(channel, prefixAlarms):
		s.onAlarm(ctx, data)
	case strings.HasPrefix(channel, prefixSchedule):
		s.onScheduleCommand(ctx, channel)
	case strings.HasPrefix(channel, prefixSystem):
		s.onSystemCommand(ctx, channel)
	default:
		atomic.AddInt64(&s.invalid, 1)
		s.logger.Debug("message on unrouted channel", "channel", channel)
	}
}

func (s *Subscriber) onAlarm(ctx context.Context, data []byte) {
	msg, err := export.ParseAlarmMessage(data)
	if err != nil {
		invalid := atomic.AddInt64(&s.invalid, 1)
		if s.invalidLog.Allow() {
			s.logger.Warn("rejecting invalid alarm message",
				"error", err, "invalid_total", invalid)
		}
		return
	}

	if s.cfg.Selective && !s.assigned.IsAssignedPoint(msg.PointName) {
		atomic.AddInt64(&s.filtered, 1)
		return
	}

	if err := s.pool.Submit(msg); err != nil {
		dropped := atomic.AddInt64(&s.dropped, 1)
		if s.metrics != nil {
			s.metrics.RecordEventDropped()
		}
		if s.dropLog.Allow() {
			s.logger.Warn("alarm queue full, dropping event",
				"point", msg.PointName,
				"dropped_total", dropped)
		}
	}
}

// process runs on a pool worker and hands one alarm to the coordinator.
func (s *Subscriber) process(ctx context.Context, msg export.AlarmMessage) error {
	if err := s.alarms.HandleAlarmEvent(ctx, msg); err != nil {
		s.logger.Error("alarm dispatch failed",
			"point", msg.PointName,
			"building", msg.BuildingID,
			"error", err)
		return err
	}
	atomic.AddInt64(&s.processed, 1)
	return nil
}

func (s *Subscriber) onScheduleCommand(ctx context.Context, channel string) {
	switch {
	case channel == channelScheduleReload:
		if err := s.schedules.Reload(ctx); err != nil {
			s.logger.Error("schedule reload failed", "error", err)
		}
	case strings.HasPrefix(channel, channelScheduleExecute):
		id, ok := s.scheduleID(channel, channelScheduleExecute)
		if !ok {
			return
		}
		if err := s.schedules.ExecuteNow(ctx, id); err != nil {
			s.logger.Error("schedule execute command failed",
				"schedule_id", id, "error", err)
		}
	case strings.HasPrefix(channel, channelScheduleStop):
		id, ok := s.scheduleID(channel, channelScheduleStop)
		if !ok {
			return
		}
		if err := s.schedules.StopSchedule(id); err != nil {
			s.logger.Error("schedule stop command failed",
				"schedule_id", id, "error", err)
		}
	default:
		atomic.AddInt64(&s.invalid, 1)
		s.logger.Warn("unknown schedule command", "channel", channel)
	}
}

// scheduleID parses the trailing {id} segment of a schedule command channel.
func (s *Subscriber) scheduleID(channel, prefix string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimPrefix(channel, prefix))
	if err != nil {
		atomic.AddInt64(&s.invalid, 1)
		s.logger.Warn("schedule command with malformed id", "channel", channel)
		return 0, false
	}
	return id, true
}

func (s *Subscriber) onSystemCommand(ctx context.Context, channel string) {
	switch channel {
	case channelSystemReload:
		if err := s.system.ReloadConfig(ctx); err != nil {
			s.logger.Error("config reload command failed", "error", err)
		}
	case channelSystemShutdown:
		s.logger.Info("shutdown command received from bus")
		s.system.Shutdown("bus command")
	default:
		atomic.AddInt64(&s.invalid, 1)
		s.logger.Warn("unknown system command", "channel", channel)
	}
}

// SubscriberStats is a point-in-time view of the ingress counters.
type SubscriberStats struct {
	Received  int64            `json:"received"`
	Processed int64            `json:"processed"`
	Invalid   int64            `json:"invalid"`
	Filtered  int64            `json:"filtered"`
	Dropped   int64            `json:"dropped"`
	Pool      worker.PoolStats `json:"pool"`
}

// Stats snapshots the subscriber counters.
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Received:  atomic.LoadInt64(&s.received),
		Processed: atomic.LoadInt64(&s.processed),
		Invalid:   atomic.LoadInt64(&s.invalid),
		Filtered:  atomic.LoadInt64(&s.filtered),
		Dropped:   atomic.LoadInt64(&s.dropped),
		Pool:      s.pool.Stats(),
	}
}
