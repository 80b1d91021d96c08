package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) RegistryTick(duration time.Duration, due int)                              {}
func (n *NoopSink) ActivationEmitted()                                                        {}
func (n *NoopSink) TriggerExhausted()                                                         {}
func (n *NoopSink) RequestHandled(kind, outcome string, duration time.Duration)               {}
func (n *NoopSink) ActivationHandled(outcome string)                                          {}
func (n *NoopSink) ActivationsInFlightIncr()                                                  {}
func (n *NoopSink) ActivationsInFlightDecr()                                                  {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) BufferSizeUpdate(name string, size int)                                    {}
func (n *NoopSink) BufferCapacitySet(name string, capacity int)                               {}
func (n *NoopSink) EmitError(name string)                                                     {}
func (n *NoopSink) ReconcileCycle(reemitted, failedInits, unbound, purged int)                {}
func (n *NoopSink) LeaderStatusUpdate(isLeader bool)                                          {}

var _ Sink = (*NoopSink)(nil)
