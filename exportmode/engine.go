// Package exportmode decides when a value actually ships to a target.
//
// An Engine is a per-target state machine over one of three delivery modes:
// on_change gates on deviation from the last dispatched value, periodic
// coalesces to the newest value per interval, and batch accumulates until a
// size or age bound. Process is a pure decision step driven by an explicit
// clock value, so behavior is deterministic under test and never depends on
// wall time sneaking in.
//
// Engines are not internally synchronized. The dispatcher owns one engine
// per target and serializes calls to it, either by running decisions on a
// single goroutine or behind a per-target mutex.
package exportmode

import (
	"time"

	"github.com/smart-guard/exportgate/export"
)

// Action is the outcome of a Process call.
type Action int

const (
	// Drop discards the value permanently. It may still have moved internal
	// state (an on_change baseline).
	Drop Action = iota
	// Buffer retains the value for a later send.
	Buffer
	// Send ships Decision.Values now.
	Send
)

func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Buffer:
		return "buffer"
	case Send:
		return "send"
	default:
		return "unknown"
	}
}

// Decision is what the dispatcher does with one processed value. Values is
// populated only for Send: a single element for on_change and periodic, the
// whole accumulated buffer for batch.
type Decision struct {
	Action Action
	Values []float64
}

// Sanitization floors applied to stored mode params.
const (
	defaultInterval     = 60 * time.Second
	defaultBatchSize    = 10
	defaultBatchTimeout = 5 * time.Second
)

// Engine applies one target's export mode to its incoming value stream.
type Engine struct {
	mode export.ExportMode

	threshold      float64
	forceFirstSend bool
	interval       time.Duration
	batchSize      int
	batchTimeout   time.Duration

	seen      bool
	lastValue float64 // on_change baseline / periodic latest / batch newest
	lastSend  time.Time
	batch     []float64
	batchAt   time.Time // arrival of the buffer's first element
	sendCount int64
}

// New builds an engine for the given mode. Invalid or missing params are
// floored to safe defaults rather than rejected: a bad stored config slows
// a target down, it never stops the pipeline.
func New(mode export.ExportMode, params export.ModeParams) *Engine {
	if !mode.Valid() {
		mode = export.ModeOnChange
	}
	e := &Engine{
		mode:           mode,
		threshold:      params.Threshold,
		forceFirstSend: params.FirstSendForced(),
		interval:       time.Duration(params.IntervalMs) * time.Millisecond,
		batchSize:      params.BatchSize,
		batchTimeout:   time.Duration(params.BatchTimeoutMs) * time.Millisecond,
	}
	if e.threshold < 0 {
		e.threshold = 0
	}
	if e.interval <= 0 {
		e.interval = defaultInterval
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}
	if e.batchTimeout <= 0 {
		e.batchTimeout = defaultBatchTimeout
	}
	return e
}

// Process runs one value through the mode policy at the given instant.
func (e *Engine) Process(value float64, now time.Time) Decision {
	switch e.mode {
	case export.ModePeriodic:
		return e.processPeriodic(value, now)
	case export.ModeBatch:
		return e.processBatch(value, now)
	default:
		return e.processOnChange(value, now)
	}
}

// processOnChange sends when |value - baseline| strictly exceeds the
// threshold. The baseline moves only on a send; in-between values leave it
// where it was so slow drift still accumulates into a send.
func (e *Engine) processOnChange(value float64, now time.Time) Decision {
	if !e.seen {
		e.seen = true
		e.lastValue = value
		if e.forceFirstSend {
			return e.send(value, now)
		}
		return Decision{Action: Drop}
	}

	diff := value - e.lastValue
	if diff < 0 {
		diff = -diff
	}
	if diff > e.threshold {
		e.lastValue = value
		return e.send(value, now)
	}
	return Decision{Action: Drop}
}

// processPeriodic always stores the newest value, sends the first value
// immediately, and otherwise sends only when the interval since the last
// send has elapsed. Last value wins inside an interval, no averaging.
func (e *Engine) processPeriodic(value float64, now time.Time) Decision {
	e.lastValue = value
	if !e.seen {
		e.seen = true
		return e.send(value, now)
	}
	if now.Sub(e.lastSend) >= e.interval {
		return e.send(e.lastValue, now)
	}
	return Decision{Action: Buffer}
}

// processBatch appends and flushes on size or on age of the buffer's first
// element. Buffer and timer reset together on every flush.
func (e *Engine) processBatch(value float64, now time.Time) Decision {
	e.seen = true
	e.lastValue = value
	if len(e.batch) == 0 {
		e.batchAt = now
	}
	e.batch = append(e.batch, value)

	if len(e.batch) >= e.batchSize || now.Sub(e.batchAt) >= e.batchTimeout {
		return e.flush(now)
	}
	return Decision{Action: Buffer}
}

// ForceSend bypasses the policy but keeps state consistent for later
// decisions: the on_change baseline moves, the periodic timer restarts, and
// a batch flushes in order with the forced value last.
func (e *Engine) ForceSend(value float64, now time.Time) Decision {
	switch e.mode {
	case export.ModePeriodic:
		e.seen = true
		e.lastValue = value
		return e.send(value, now)
	case export.ModeBatch:
		e.seen = true
		e.lastValue = value
		if len(e.batch) == 0 {
			e.batchAt = now
		}
		e.batch = append(e.batch, value)
		return e.flush(now)
	default:
		e.seen = true
		e.lastValue = value
		return e.send(value, now)
	}
}

// FlushBatch drains the batch buffer regardless of size or age. Returns nil
// when there is nothing buffered or the mode is not batch.
func (e *Engine) FlushBatch(now time.Time) []float64 {
	if e.mode != export.ModeBatch || len(e.batch) == 0 {
		return nil
	}
	return e.flush(now).Values
}

// BatchDue reports whether a non-empty batch buffer has aged past its
// timeout. Sweep loops use it to trigger partial-batch flushes between
// arrivals.
func (e *Engine) BatchDue(now time.Time) bool {
	return e.mode == export.ModeBatch &&
		len(e.batch) > 0 &&
		now.Sub(e.batchAt) >= e.batchTimeout
}

// SetMode switches the delivery mode and unconditionally discards all
// pending state, including any buffered batch values. Callers that need
// buffered data delivered must FlushBatch first; the engine never carries
// state across modes.
func (e *Engine) SetMode(mode export.ExportMode, params export.ModeParams) {
	next := New(mode, params)
	next.sendCount = e.sendCount
	*e = *next
}

// Reset clears all decision state but keeps the configured mode and params.
func (e *Engine) Reset() {
	e.seen = false
	e.lastValue = 0
	e.lastSend = time.Time{}
	e.batch = nil
	e.batchAt = time.Time{}
}

// Mode returns the active delivery mode.
func (e *Engine) Mode() export.ExportMode { return e.mode }

// Count returns the batch buffer depth; zero outside batch mode.
func (e *Engine) Count() int { return len(e.batch) }

// LastValue returns the most recent value the engine has observed and
// whether any value has been observed at all.
func (e *Engine) LastValue() (float64, bool) {
	return e.lastValue, e.seen
}

// SendCount returns the number of Send decisions produced, including forced
// sends and flushes. Survives SetMode and Reset.
func (e *Engine) SendCount() int64 { return e.sendCount }

func (e *Engine) send(value float64, now time.Time) Decision {
	e.lastSend = now
	e.sendCount++
	return Decision{Action: Send, Values: []float64{value}}
}

func (e *Engine) flush(now time.Time) Decision {
	vals := e.batch
	e.batch = nil
	e.batchAt = time.Time{}
	e.lastSend = now
	e.sendCount++
	return Decision{Action: Send, Values: vals}
}
