// Package admin is the HTTP operations surface: liveness and readiness
// probes, Prometheus metrics, pipeline statistics, target status, registry
// reloads, connection tests, manual exports, and recent export logs.
//
// It is a control plane for operators, not a data path; alarm traffic flows
// through the bus, never through this server.
package admin
