// Package config holds the application configuration: file loading (JSON or
// YAML, picked by extension), defaults, validation, and a thread-safe wrapper
// for live access.
//
// Durations are plain integers with a unit suffix in the field name
// (timeout_sec, flush_interval_ms) so config files stay free of Go duration
// syntax. The cmd wiring converts them into component configs.
package config
