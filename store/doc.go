// Package store is the persistence layer for export configuration and the
// export log: target definitions, point mappings, payload templates, cron
// schedules, delivery history, and the point-history reads scheduled exports
// pull from.
//
// Consumers depend on the Store interface. Postgres is the production
// implementation (pgxpool, embedded goose migrations, COPY for log batches);
// Memory is the in-process implementation used by tests and by other
// packages' test suites as a deterministic double.
//
// All methods take a context and return classified errors; transient store
// failures (connection loss, timeouts) report as such so callers can decide
// between retry and degradation.
package store
