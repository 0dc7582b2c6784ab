// Package exportlog persists delivery history without ever blocking the
// dispatch path. Entries flow through a hard-capacity queue into a single
// consumer that batches writes to the store; overflow drops entries and
// counts them instead of applying backpressure to exports.
package exportlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/metric"
	"github.com/smart-guard/exportgate/pkg/timestamp"
	"github.com/smart-guard/exportgate/store"
)

// Config tunes the log service. Zero values take the defaults documented
// per field.
type Config struct {
	// QueueSize caps the enqueue buffer. Default 10000.
	QueueSize int

	// BatchSize is the most entries written in one store call. Default 100.
	BatchSize int

	// FlushInterval bounds how long a partial batch waits. Default 5s.
	FlushInterval time.Duration

	// WriteTimeout bounds each store write. Default 10s.
	WriteTimeout time.Duration

	// MaxWriteFailures is the consecutive batch-write failure count after
	// which failed batches are dropped instead of requeued. Default 5.
	MaxWriteFailures int

	// RetentionDays is the age at which rows are purged. Default 30.
	RetentionDays int

	// RetentionCheck is the purge cadence. Default 24h.
	RetentionCheck time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxWriteFailures <= 0 {
		c.MaxWriteFailures = 5
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.RetentionCheck <= 0 {
		c.RetentionCheck = 24 * time.Hour
	}
	return c
}

// Deps carries the service's collaborators. Metrics is optional.
type Deps struct {
	Store   store.Store
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Service owns the export log queue, the batch writer behind it, and the
// retention loop. One Service per process.
type Service struct {
	cfg     Config
	store   store.Store
	logger  *slog.Logger
	metrics *metric.Metrics

	queue   chan export.ExportLogEntry
	quit    chan struct{}
	dropLog *rate.Limiter

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	wg          sync.WaitGroup

	// Statistics (atomic)
	enqueued      int64
	persisted     int64
	dropped       int64
	batchFailures int64
	purged        int64
}

// NewService builds a log service over the given store. Call Start before
// relying on persistence; Enqueue before Start only buffers.
func NewService(cfg Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		logger:  logger,
		metrics: deps.Metrics,
		queue:   make(chan export.ExportLogEntry, cfg.QueueSize),
		quit:    make(chan struct{}),
		// Overflow is logged at most once per 5s; the counter carries the
		// real total.
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Enqueue queues one log entry for persistence. It never blocks on the
// store: when the queue is full the entry is dropped and counted.
func (s *Service) Enqueue(entry export.ExportLogEntry) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.stopped {
		atomic.AddInt64(&s.dropped, 1)
		return
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = timestamp.Now()
	}

	select {
	case s.queue <- entry:
		atomic.AddInt64(&s.enqueued, 1)
		if s.metrics != nil {
			s.metrics.RecordLogQueueDepth(len(s.queue))
		}
	default:
		dropped := atomic.AddInt64(&s.dropped, 1)
		if s.metrics != nil {
			s.metrics.RecordError("export-log", "queue_overflow")
		}
		if s.dropLog.Allow() {
			s.logger.Warn("export log queue full, dropping entries",
				"queue_size", s.cfg.QueueSize,
				"dropped_total", dropped)
		}
	}
}

// Start launches the consumer and retention loops. ctx cancellation is the
// hard-stop path; Stop is the drain path.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}
	if s.stopped {
		return errors.ErrAlreadyStopped
	}

	s.wg.Add(2)
	go s.consume(ctx)
	go s.retentionLoop(ctx)

	s.started = true
	s.logger.Info("export log service started",
		"queue_size", s.cfg.QueueSize,
		"batch_size", s.cfg.BatchSize,
		"flush_interval", s.cfg.FlushInterval,
		"retention_days", s.cfg.RetentionDays)
	return nil
}

// Stop drains the queue and shuts the loops down. Entries still queued are
// flushed as long as the drain finishes inside the timeout.
func (s *Service) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	if !s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	close(s.quit)
	// The drain wait happens unlocked: producers racing Stop observe the
	// stopped flag and drop immediately instead of queueing behind the
	// drain for the whole timeout.
	s.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("export log service stopped",
			"persisted", atomic.LoadInt64(&s.persisted),
			"dropped", atomic.LoadInt64(&s.dropped))
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown,
			"ExportLogService", "Stop", "queue drain timed out")
	}
}

// Running reports whether the service has started and not stopped.
func (s *Service) Running() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.started && !s.stopped
}

// consume is the single queue reader. It flushes on batch size, on the
// flush ticker, and once more on shutdown after the queue closes.
func (s *Service) consume(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]export.ExportLogEntry, 0, s.cfg.BatchSize)
	var requeued []export.ExportLogEntry
	failures := 0

	flush := func() {
		if len(requeued) > 0 {
			batch = append(requeued, batch...)
			requeued = nil
		}
		if len(batch) == 0 {
			return
		}

		wctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		written, err := s.store.InsertLogBatch(wctx, batch)
		cancel()

		if err != nil {
			failures++
			atomic.AddInt64(&s.batchFailures, 1)
			if s.metrics != nil {
				s.metrics.RecordError("export-log", "persist")
			}
			if failures < s.cfg.MaxWriteFailures && len(batch) <= s.cfg.BatchSize*10 {
				// Hold the batch for the next attempt. Beyond the failure
				// budget the batch is dropped so a dead store cannot grow
				// memory without bound.
				requeued = batch
				s.logger.Error("export log batch write failed, will retry",
					"batch_size", len(batch),
					"consecutive_failures", failures,
					"error", err)
			} else {
				atomic.AddInt64(&s.dropped, int64(len(batch)))
				s.logger.Error("export log batch write failed, dropping batch",
					"batch_size", len(batch),
					"consecutive_failures", failures,
					"error", err)
			}
			batch = make([]export.ExportLogEntry, 0, s.cfg.BatchSize)
			return
		}

		failures = 0
		atomic.AddInt64(&s.persisted, int64(written))
		batch = batch[:0]
		if s.metrics != nil {
			s.metrics.RecordLogQueueDepth(len(s.queue))
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Hard cancellation: no drain.
			return
		case entry, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// retentionLoop purges aged rows once at startup and then on the check
// cadence.
func (s *Service) retentionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RetentionCheck)
	defer ticker.Stop()

	s.purge(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

// purge deletes rows older than the retention window. Deletes can touch a
// lot of rows after downtime, so they get a minute rather than the write
// timeout.
func (s *Service) purge(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	wctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	removed, err := s.store.DeleteLogsBefore(wctx, cutoff)
	if err != nil {
		s.logger.Warn("export log retention purge failed", "error", err)
		return
	}
	if removed > 0 {
		atomic.AddInt64(&s.purged, removed)
		s.logger.Info("export log retention purge",
			"removed", removed,
			"retention_days", s.cfg.RetentionDays)
	}
}

// RecentLogs returns up to limit rows, newest first.
func (s *Service) RecentLogs(ctx context.Context, limit int) ([]export.ExportLogEntry, error) {
	return s.store.RecentLogs(ctx, limit)
}

// LogsByTimeRange returns rows with timestamps in [from, to), newest first.
func (s *Service) LogsByTimeRange(ctx context.Context, from, to time.Time) ([]export.ExportLogEntry, error) {
	return s.store.LogsByTimeRange(ctx, from, to)
}

// ServiceStats is a point-in-time view of the queue and its counters.
type ServiceStats struct {
	QueueDepth    int   `json:"queue_depth"`
	QueueSize     int   `json:"queue_size"`
	Enqueued      int64 `json:"enqueued"`
	Persisted     int64 `json:"persisted"`
	Dropped       int64 `json:"dropped"`
	BatchFailures int64 `json:"batch_failures"`
	Purged        int64 `json:"purged"`
}

// Stats snapshots the service counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		QueueDepth:    len(s.queue),
		QueueSize:     s.cfg.QueueSize,
		Enqueued:      atomic.LoadInt64(&s.enqueued),
		Persisted:     atomic.LoadInt64(&s.persisted),
		Dropped:       atomic.LoadInt64(&s.dropped),
		BatchFailures: atomic.LoadInt64(&s.batchFailures),
		Purged:        atomic.LoadInt64(&s.purged),
	}
}
