// Package health provides health monitoring functionality for pipeline components and systems
// with thread-safe status tracking and aggregation.
//
// The health package enables tracking the health status of individual components and aggregating
// system-wide health information for monitoring, alerting, and operational visibility.
//
// # Health States
//
// The package supports three health states:
//   - Healthy: component operating normally
//   - Degraded: component operating with reduced functionality
//   - Unhealthy: component not functioning properly
//
// This three-state model enables nuanced health reporting and appropriate operational responses.
// For example, a delivery target with an open circuit breaker is degraded from the pipeline's
// point of view (other targets still export), while an unreachable database is unhealthy.
//
// # Core Components
//
// Status: Individual component health state containing status level, descriptive message,
// timestamp, optional metrics, and hierarchical sub-statuses for complex systems.
//
// Monitor: Thread-safe centralized tracking system for multiple component health statuses
// with concurrent read/write access and automatic timestamp management.
//
// Helpers: Convenience functions for creating status objects and aggregating system health.
//
// # Basic Usage
//
// Creating and tracking component health:
//
//	monitor := health.NewMonitor()
//
//	// Update component health
//	monitor.UpdateHealthy("store", "Database connection stable")
//	monitor.UpdateDegraded("target:csp-main", "Circuit breaker half-open")
//	monitor.UpdateUnhealthy("bus", "Connection timeout after 5 attempts")
//
//	// Check individual component health
//	if status, exists := monitor.Get("store"); exists {
//	    if status.IsHealthy() {
//	        log.Println("Store is healthy")
//	    }
//	}
//
//	// Get all component statuses
//	allStatuses := monitor.GetAll()
//	for name, status := range allStatuses {
//	    log.Printf("%s: %s - %s", name, status.Status, status.Message)
//	}
//
// # System-Wide Health Aggregation
//
// Combining multiple component health statuses into system-wide indicators:
//
//	// Aggregate all monitored components
//	systemHealth := monitor.AggregateHealth("exportgate")
//	if systemHealth.IsUnhealthy() {
//	    log.Printf("System unhealthy: %s", systemHealth.Message)
//	    // Trigger alerts, failover, etc.
//	}
//
//	// Aggregation uses hierarchical rules:
//	// - Any unhealthy component → system unhealthy
//	// - Any degraded component (with no unhealthy) → system degraded
//	// - All healthy → system healthy
//
// # Readiness Gating
//
// Readiness checks use a fixed component list so optional components cannot
// block startup:
//
//	// /readyz returns 200 only when the required components are healthy
//	if monitor.Ready("bus", "store", "registry") {
//	    w.WriteHeader(http.StatusOK)
//	} else {
//	    w.WriteHeader(http.StatusServiceUnavailable)
//	}
//
// # Hierarchical Status
//
// Building nested health status for complex systems:
//
//	// Create delivery-layer health with per-target sub-components
//	httpStatus := health.NewHealthy("target:csp-main", "Deliveries succeeding")
//	s3Status := health.NewDegraded("target:s3-archive", "Breaker half-open")
//
//	deliveryHealth := health.NewHealthy("targets", "Delivery layer operational").
//	    WithSubStatus(httpStatus).
//	    WithSubStatus(s3Status)
//
// # Health Metrics
//
// Attaching operational metrics to health status:
//
//	metrics := &health.Metrics{
//	    Uptime:          time.Hour,
//	    ErrorCount:      0,
//	    EventsProcessed: 1500,
//	    LastActivity:    time.Now(),
//	}
//
//	status := health.NewHealthy("coordinator", "Dispatching normally").
//	    WithMetrics(metrics)
//
// # Error Conversion
//
// Converting delivery or connection errors to health status:
//
//	// FromError sanitizes automatically; nil errors yield healthy status
//	status := health.FromError("target:csp-main", sendErr)
//
//	// Error messages are automatically sanitized to remove:
//	// - URLs (http://, nats://, ws://)
//	// - File paths (Unix and Windows)
//	// - IP addresses and ports
//	// - Credentials (password, token, key, secret)
//
// # Thread Safety
//
// All Monitor operations are thread-safe and can be safely called from multiple goroutines:
//
//	monitor := health.NewMonitor()
//
//	// Safe to call concurrently from multiple goroutines
//	go monitor.UpdateHealthy("scheduler", "Running")
//	go monitor.UpdateHealthy("exportlog", "Running")
//	go monitor.UpdateHealthy("subscriber", "Running")
//
//	// Read operations can happen concurrently with writes
//	go func() {
//	    for {
//	        systemHealth := monitor.AggregateHealth("exportgate")
//	        log.Printf("System health: %s", systemHealth.Status)
//	        time.Sleep(5 * time.Second)
//	    }
//	}()
//
// The Monitor uses an RWMutex internally to allow concurrent reads while protecting writes.
// Status objects are immutable - methods like WithMetrics and WithSubStatus return new copies
// rather than modifying the original.
//
// # Security
//
// Error messages passed through FromError are automatically sanitized to remove
// potentially sensitive information:
//
//	// Original error with sensitive data
//	err := "failed to connect to https://csp.example.com/v1 with password=secret123"
//
//	// After sanitization via FromError
//	// "failed to connect to [URL] with [REDACTED]"
//
// Sanitization patterns:
//   - URLs: http://, https://, nats://, ws://, wss:// → [URL]
//   - File paths: /path/to/file, C:\path\to\file → [PATH]
//   - IP addresses: 192.168.1.100 → [IP]
//   - Ports: :8080 → :[PORT]
//   - Credentials: password=X, token=X, key=X, secret=X → [REDACTED]
//
// This prevents accidental exposure of sensitive data in health dashboards and logs.
// Delivery target configs routinely hold endpoint URLs and auth material, which is
// why sanitization has no opt-out.
//
// # Error Handling Philosophy
//
// The health package does not return errors because it represents the *result* of error
// handling, not part of error propagation. Health status is an observability output.
//
// Components creating Status objects should use the errors package for any
// error wrapping before converting to health status messages. The health package then
// sanitizes these error messages for safe display.
//
// # Design Decisions
//
// Three-State Model: Chose healthy/degraded/unhealthy over binary healthy/unhealthy to
// enable nuanced operational responses. A degraded target keeps the pipeline serving
// other targets while signalling that an operator should look.
//
// Automatic Sanitization: Error messages are sanitized by default (no opt-out) to prevent
// accidental credential exposure. This "secure by default" design prevents common security
// mistakes even if it occasionally over-redacts during debugging.
//
// Value-Based Status: Status is a struct, not *Status, making it immutable and preventing
// accidental mutation. Methods like WithMetrics return new copies, following functional
// programming patterns for safety.
//
// Conservative Aggregation: System health follows "worst case" rules - a single unhealthy
// component marks the entire system unhealthy. This conservative approach ensures problems
// are not masked by healthy components. Readiness uses Ready() with an explicit component
// list instead, so optional components don't gate traffic.
//
// # Examples
//
// HTTP health endpoint:
//
//	func healthHandler(monitor *health.Monitor) http.HandlerFunc {
//	    return func(w http.ResponseWriter, r *http.Request) {
//	        systemHealth := monitor.AggregateHealth("exportgate")
//
//	        statusCode := http.StatusOK
//	        if systemHealth.IsUnhealthy() {
//	            statusCode = http.StatusServiceUnavailable
//	        } else if systemHealth.IsDegraded() {
//	            statusCode = http.StatusOK // Still serving traffic
//	        }
//
//	        w.Header().Set("Content-Type", "application/json")
//	        w.WriteHeader(statusCode)
//	        json.NewEncoder(w).Encode(systemHealth)
//	    }
//	}
package health
