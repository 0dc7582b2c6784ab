// Package registry maintains the authoritative, hot-reloadable view of
// export targets: configs, point mappings, payload templates, transport
// handlers, and per-target failure protectors.
//
// All reads go through an immutable Snapshot behind an atomic pointer.
// Load assembles a complete replacement off to the side and publishes it
// with one atomic swap, so the dispatch hot path never takes a lock and
// never observes a half-loaded state. A malformed target record is skipped
// with a warning; it never blocks the rest of the load.
//
// Failure protectors and per-target stats survive reloads keyed by target
// name, so a config refresh does not reset breaker state or zero
// operational counters. Handlers are rebuilt only when a target's type or
// config actually changed, keeping long-lived transport connections open
// across routine reloads.
package registry
