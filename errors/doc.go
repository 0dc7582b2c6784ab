// Package errors provides standardized error handling patterns for exportgate.
//
// # Overview
//
// The errors package implements a three-class error classification system
// for the export dispatch pipeline: Transient (temporary, retryable),
// Invalid (bad input, non-retryable), and Fatal (unrecoverable, stop
// processing).
//
// The classification drives retry decisions in the target handlers and the
// log service without resorting to hardcoded error string matching at each
// call site, and integrates with Go's standard error handling patterns:
// errors.Is(), errors.As(), and error wrapping chains all work as expected.
//
// # Error Classification
//
//   - Transient: network timeouts, connection loss, store unavailability,
//     open circuit breakers (retry recommended)
//   - Invalid: malformed messages, template render failures, unknown target
//     types, bad configuration records (do not retry)
//   - Fatal: invalid process configuration, resource exhaustion (stop)
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if target == nil {
//	    return errors.ErrTargetNotFound
//	}
//
// Wrap errors with component context:
//
//	if err := handler.Initialize(cfg); err != nil {
//	    return errors.Wrap(err, "TargetRegistry", "InitializeHandlers", "handler construction")
//	}
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    // schedule a retry
//	}
package errors
