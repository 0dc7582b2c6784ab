// Package exportgate is an export coordination engine for industrial
// alarm and measurement data.
//
// # Architecture
//
// ExportGate sits between an edge message bus (NATS) and a set of
// external delivery targets, fanning each qualifying alarm out to
// every target assigned to it and recording the outcome of every
// attempt:
//
//	┌─────────────────────────────────────┐
//	│        Event Subscribers            │  NATS alarm channels,
//	│   (validate, filter, enqueue)       │  worker pool
//	└──────────────────┬──────────────────┘
//	                   ↓ feeds
//	┌─────────────────────────────────────┐
//	│          Coordinator                │  Routing, batching,
//	│ (targets, templates, schedules)     │  failure isolation
//	└──────────────────┬──────────────────┘
//	                   ↓ delivers via
//	┌─────────────────────────────────────┐
//	│         Target Handlers             │  HTTP, S3, file, MQTT
//	│    (circuit-breaker protected)      │  behind one interface
//	└─────────────────────────────────────┘
//
// The main packages:
//
//   - event: NATS subscriber pool that consumes alarm channels,
//     validates payloads, and feeds the coordinator
//   - coordinator: the hub that owns target routing, batching,
//     template rendering, and per-target failure isolation
//   - target: delivery handlers behind a common Handler interface,
//     each wrapped by a failure protector
//   - schedule: cron-style periodic export runs
//   - exportlog: asynchronous, batched persistence of export history
//     with retention enforcement
//   - store: persistence (PostgreSQL or in-memory) for targets,
//     assignments, templates, schedules, and logs
//   - admin: local HTTP surface for health, stats, manual exports,
//     and hot reload
//
// # Conventions
//
// Components follow an Initialize/Start/Stop lifecycle and receive
// their collaborators through explicit Deps structs. Blocking
// operations take a context.Context. Failures on one target never
// block delivery to another: every outcome, success or failure, is
// reported as an ExportResult and logged.
package exportgate
