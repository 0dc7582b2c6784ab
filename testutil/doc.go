// Package testutil provides shared test doubles for exportgate
// packages. MockBus is an in-memory stand-in for the NATS client used
// by the event and coordinator tests; it needs no external server and
// records everything it publishes for assertions.
package testutil
