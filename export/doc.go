// Package export defines the domain types shared across the export pipeline:
// wire messages, target records, point mappings, templates, schedules, and
// the result/log/stat shapes produced by dispatch.
//
// Types here are plain data. Behavior lives in the packages that consume
// them: exportmode decides when a value ships, transform renders payloads,
// target delivers them, registry owns the live snapshot, and coordinator
// ties the pipeline together. The one exception is the stats types, whose
// counters are atomics so dispatch paths can record without locks.
//
// Timestamps follow the pkg/timestamp convention: int64 Unix milliseconds,
// zero meaning unset. Wire timestamps (the tm field) arrive as wall-clock
// strings and are normalized through the same package.
package export
