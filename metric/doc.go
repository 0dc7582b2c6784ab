// Package metric provides Prometheus-based metrics collection for export
// pipeline monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// pipeline metrics (service status, message processing, export deliveries,
// bus health) and custom service-specific metrics. The registry's underlying
// Prometheus registry is exposed through the admin HTTP server's /metrics
// endpoint.
//
// # Architecture
//
// The package follows a two-layer design:
//
//  1. Core Metrics: Pipeline-level metrics automatically registered (Metrics type)
//  2. Service Registry: Extensible registration for service-specific metrics (MetricsRegistrar interface)
//
// This architecture separates infrastructure concerns (core metrics) from
// application concerns (service-specific metrics) while providing a unified
// registry for the scrape endpoint.
//
// # Basic Usage
//
// Setting up metrics collection:
//
//	registry := metric.NewMetricsRegistry()
//
//	// Record core pipeline metrics
//	coreMetrics := registry.CoreMetrics()
//	coreMetrics.RecordServiceStatus("coordinator", 2)
//	coreMetrics.RecordMessageReceived("subscriber", "alarm")
//	coreMetrics.RecordExport("csp-main", "HTTP", true, 45*time.Millisecond, 512)
//
// The admin server serves the registry's metrics in Prometheus format; pass
// registry.PrometheusRegistry() to promhttp.HandlerFor.
//
// # Core Metrics
//
// The package automatically registers core pipeline metrics tracking:
//
//   - Service lifecycle: service_status (0=stopped, 1=starting, 2=running, 3=stopping)
//   - Message flow: messages_received_total, messages_processed_total
//   - Processing performance: processing_duration_seconds
//   - Export deliveries: exports_total, exports_duration_seconds, exports_bytes_total
//   - Target protection: target_breaker_state (0=closed, 1=open, 2=half-open)
//   - Overload shedding: events_dropped_total, exportlog_queue_depth
//   - Scheduled exports: schedule_runs_total
//   - Bus connectivity: bus_connected, bus_rtt_milliseconds, bus_reconnects_total
//   - Error tracking: errors_total
//
// Access core metrics through the registry:
//
//	coreMetrics := registry.CoreMetrics()
//
//	// Service lifecycle tracking
//	coreMetrics.RecordServiceStatus("coordinator", 2) // 2 = running
//
//	// Delivery outcomes
//	coreMetrics.RecordExport("csp-main", "HTTP", true, 30*time.Millisecond, 256)
//	coreMetrics.RecordBreakerState("csp-main", 1) // 1 = open
//
//	// Bus connectivity
//	coreMetrics.RecordBusStatus(true)
//	coreMetrics.RecordBusRTT(2 * time.Millisecond)
//
//	// Error tracking
//	coreMetrics.RecordError("coordinator", "validation")
//
// # Service-Specific Metrics
//
// Services can register custom metrics through the registry:
//
//	// Register a counter
//	requestCounter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Name: "admin_requests_total",
//	    Help: "Total number of admin API requests",
//	})
//	err := registry.RegisterCounter("admin", "admin_requests_total", requestCounter)
//
//	// Register a gauge
//	queuedEvents := prometheus.NewGauge(prometheus.GaugeOpts{
//	    Name: "queued_events",
//	    Help: "Number of events waiting for dispatch",
//	})
//	err = registry.RegisterGauge("subscriber", "queued_events", queuedEvents)
//
// # Vector Metrics with Labels
//
// Register metrics with labels for multi-dimensional data:
//
//	httpRequestsVec := prometheus.NewCounterVec(
//	    prometheus.CounterOpts{
//	        Name: "http_requests_total",
//	        Help: "Total HTTP requests by status and method",
//	    },
//	    []string{"status", "method"},
//	)
//	err := registry.RegisterCounterVec("admin", "http_requests_total", httpRequestsVec)
//
//	httpRequestsVec.WithLabelValues("200", "GET").Inc()
//	httpRequestsVec.WithLabelValues("404", "POST").Inc()
//
// # Prometheus Integration
//
// The package uses the official Prometheus Go client library. Configure
// Prometheus to scrape the admin endpoint:
//
//	# prometheus.yml
//	scrape_configs:
//	  - job_name: 'exportgate'
//	    static_configs:
//	      - targets: ['localhost:8080']
//	    metrics_path: '/metrics'
//	    scrape_interval: 15s
//
// All core metrics use the namespace "exportgate" and appropriate subsystems:
//   - exportgate_service_status{service="..."}
//   - exportgate_exports_total{target="...",type="...",status="..."}
//   - exportgate_bus_connected
//
// Service-specific metrics use the metric name as provided during registration.
//
// # MetricsRegistrar Interface
//
// Services implement against the MetricsRegistrar interface for dependency
// injection:
//
//	type Subscriber struct {
//	    metrics metric.MetricsRegistrar
//	}
//
//	func NewSubscriber(metrics metric.MetricsRegistrar) *Subscriber {
//	    counter := prometheus.NewCounter(prometheus.CounterOpts{
//	        Name: "events_routed_total",
//	        Help: "Total routed events",
//	    })
//	    metrics.RegisterCounter("subscriber", "events_routed_total", counter)
//
//	    return &Subscriber{metrics: metrics}
//	}
//
// This enables testing with mock registrars and provides loose coupling.
//
// # Thread Safety
//
// All registry operations are thread-safe:
//   - Registration methods use mutex protection
//   - Metric recording is lock-free (Prometheus guarantee)
//   - CoreMetrics() returns a thread-safe shared instance
//   - PrometheusRegistry() is safe for concurrent access
//
// # Error Handling
//
// Registration methods return errors for:
//
//   - Duplicate registration: attempting to register same metric name twice
//   - Prometheus conflicts: internal Prometheus registration failures
//
// Example error handling:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test"})
//	err := registry.RegisterCounter("service", "test", counter)
//	if err != nil {
//	    if strings.Contains(err.Error(), "already registered") {
//	        log.Printf("Metric already registered, skipping")
//	    } else {
//	        log.Fatalf("Failed to register metric: %v", err)
//	    }
//	}
//
// # Design Decisions
//
// Centralized Registry: Chose centralized registry over distributed collectors
// to ensure consistent metric namespace, prevent duplication, and enable
// runtime metric discovery.
//
// Core vs Service Metrics: Separated pipeline-level metrics (core) from
// service-specific metrics to distinguish infrastructure health from
// application health.
//
// Prometheus Direct Integration: Used official Prometheus client rather than
// abstraction to leverage native features, avoid wrapper overhead, and ensure
// compatibility with Prometheus ecosystem.
//
// No HTTP Server Here: The scrape endpoint lives in the admin package so that
// metrics, health, and management share one listener and one auth story.
package metric
