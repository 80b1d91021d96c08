package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
type Sink interface {
	// Registry metrics
	RegistryTick(duration time.Duration, due int)
	ActivationEmitted()
	TriggerExhausted()

	// Engine metrics
	RequestHandled(kind, outcome string, duration time.Duration)
	ActivationHandled(outcome string)
	ActivationsInFlightIncr()
	ActivationsInFlightDecr()

	// Executor metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)

	// Transport buffer metrics, keyed by buffer name
	BufferSizeUpdate(name string, size int)
	BufferCapacitySet(name string, capacity int)
	EmitError(name string)

	// Reconciler metrics
	ReconcileCycle(reemitted, failedInits, unbound, purged int)

	// Leadership metrics
	LeaderStatusUpdate(isLeader bool)
}
