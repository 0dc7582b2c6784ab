package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not target-specific)
type Metrics struct {
	// Service metrics
	ServiceStatus      *prometheus.GaugeVec
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	// Export pipeline metrics
	ExportsTotal       *prometheus.CounterVec
	ExportDuration     *prometheus.HistogramVec
	ExportBytes        *prometheus.CounterVec
	TargetBreakerState *prometheus.GaugeVec
	EventsDropped      prometheus.Counter
	LogQueueDepth      prometheus.Gauge
	ScheduleRuns       *prometheus.CounterVec

	// Bus metrics
	BusConnected      prometheus.Gauge
	BusRTT            prometheus.Gauge
	BusReconnects     prometheus.Counter
	BusCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Service metrics
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "exportgate",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"service", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"service", "type", "status"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "exportgate",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "exportgate",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		// Export pipeline metrics
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "exports",
				Name:      "total",
				Help:      "Total export deliveries by target and outcome",
			},
			[]string{"target", "type", "status"},
		),

		ExportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "exportgate",
				Subsystem: "exports",
				Name:      "duration_seconds",
				Help:      "Export delivery duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"target", "type"},
		),

		ExportBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "exports",
				Name:      "bytes_total",
				Help:      "Total payload bytes delivered per target",
			},
			[]string{"target"},
		),

		TargetBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "exportgate",
				Subsystem: "target",
				Name:      "breaker_state",
				Help:      "Per-target circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"target"},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events shed because the dispatch queue was full",
			},
		),

		LogQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "exportgate",
				Subsystem: "exportlog",
				Name:      "queue_depth",
				Help:      "Pending entries in the export log queue",
			},
		),

		ScheduleRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "schedule",
				Name:      "runs_total",
				Help:      "Schedule executions by outcome",
			},
			[]string{"schedule", "status"},
		),

		// Bus metrics
		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "exportgate",
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Bus connection status (0=disconnected, 1=connected)",
			},
		),

		BusRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "exportgate",
				Subsystem: "bus",
				Name:      "rtt_milliseconds",
				Help:      "Bus round-trip time in milliseconds",
			},
		),

		BusReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "exportgate",
				Subsystem: "bus",
				Name:      "reconnects_total",
				Help:      "Total number of bus reconnections",
			},
		),

		BusCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "exportgate",
				Subsystem: "bus",
				Name:      "circuit_breaker",
				Help:      "Bus circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(service, messageType string) {
	c.MessagesReceived.WithLabelValues(service, messageType).Inc()
}

// RecordMessageProcessed increments processed message counter
func (c *Metrics) RecordMessageProcessed(service, messageType, status string) {
	c.MessagesProcessed.WithLabelValues(service, messageType, status).Inc()
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(service, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(service, errorType string) {
	c.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordExport counts one delivery outcome with its duration and size
func (c *Metrics) RecordExport(target, targetType string, success bool, duration time.Duration, bytes int) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.ExportsTotal.WithLabelValues(target, targetType, status).Inc()
	c.ExportDuration.WithLabelValues(target, targetType).Observe(duration.Seconds())
	if bytes > 0 {
		c.ExportBytes.WithLabelValues(target).Add(float64(bytes))
	}
}

// RecordBreakerState updates a target's circuit breaker gauge
func (c *Metrics) RecordBreakerState(target string, state int) {
	c.TargetBreakerState.WithLabelValues(target).Set(float64(state))
}

// RecordEventDropped counts an event shed under overload
func (c *Metrics) RecordEventDropped() {
	c.EventsDropped.Inc()
}

// RecordLogQueueDepth updates the export log queue gauge
func (c *Metrics) RecordLogQueueDepth(depth int) {
	c.LogQueueDepth.Set(float64(depth))
}

// RecordScheduleRun counts one schedule execution outcome
func (c *Metrics) RecordScheduleRun(schedule string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.ScheduleRuns.WithLabelValues(schedule, status).Inc()
}

// RecordBusStatus updates bus connection status
func (c *Metrics) RecordBusStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BusConnected.Set(value)
}

// RecordBusRTT updates bus round-trip time
func (c *Metrics) RecordBusRTT(rtt time.Duration) {
	c.BusRTT.Set(float64(rtt.Milliseconds()))
}

// RecordBusReconnect increments reconnection counter
func (c *Metrics) RecordBusReconnect() {
	c.BusReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.BusCircuitBreaker.Set(float64(state))
}
