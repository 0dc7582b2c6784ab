// Package worker provides a generic bounded worker pool for concurrent
// task processing. It runs the alarm dispatch queue in the event ingress
// and is the shape other bounded queues in the gateway follow.
//
// # Model
//
// A Pool[T] owns a fixed set of goroutines reading work items from a
// bounded channel. Submit is non-blocking: when the queue is full the
// item is rejected with ErrQueueFull and counted as dropped, so a burst
// of alarms can never stall the bus callback that produced them. The
// caller decides what a drop means; the ingress counts it and moves on.
//
//	pool := worker.NewPool[export.AlarmMessage](
//	    4,      // workers
//	    10000,  // queue size
//	    func(ctx context.Context, msg export.AlarmMessage) error {
//	        return sink.HandleAlarmEvent(ctx, msg)
//	    },
//	)
//
// The processor receives the context given to Start and should honor its
// cancellation; a send to a slow export target belongs under a deadline
// set inside the processor, not in the pool.
//
// # Observability
//
// Statistics are always tracked with atomic counters and read through
// Stats() without locking. Prometheus series are optional:
//
//	pool := worker.NewPool[T](workers, queueSize, processor,
//	    worker.WithMetricsRegistry[T](registry, "event_dispatch"),
//	)
//
// registers queue depth, utilization, submitted/processed/failed/dropped
// totals, and a processing-duration histogram under the given prefix,
// served by the admin metrics endpoint.
//
// # Lifecycle
//
// Start runs the workers; it can be called once. Stop(timeout) closes
// the queue, lets the workers drain what is already buffered, and waits
// up to the timeout before returning ErrStopTimeout. Cancelling the
// Start context is the hard-stop path and skips the drain. Submit after
// Stop returns ErrPoolStopped.
//
// Worker count and queue size are fixed at construction. Dispatch load
// is sized by configuration, not by runtime scaling; a deployment that
// needs more throughput raises the worker count in its config file and
// restarts.
//
// # Errors
//
// The pool returns plain sentinel errors (ErrPoolNotStarted,
// ErrPoolAlreadyStarted, ErrPoolStopped, ErrQueueFull, ErrNilProcessor,
// ErrStopTimeout) rather than classified ones: every condition here is
// either a programming error or a backpressure signal, and the callers
// that care (the event subscriber's overflow accounting) match on the
// sentinel directly. Processor errors are counted as failed and
// otherwise left to the processor's own handling, which in the dispatch
// path means a result row in the export log rather than a propagated
// error.
package worker
