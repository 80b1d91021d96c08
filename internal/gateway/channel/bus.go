// Package channel provides the in-process transports: a duplex Gateway for
// request/response traffic and an ActivationBus carrying trigger
// activations from the registry to the engine. Both are bounded; a full
// buffer surfaces as ErrBufferFull after the emit timeout instead of
// blocking the producer forever.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/opengine-io/opengine/internal/domain"
)

// ErrBufferFull is returned when an emit could not be accepted within the
// emit timeout.
var ErrBufferFull = errors.New("channel: buffer full")

// DefaultEmitTimeout bounds how long an emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// MetricsSink records transport buffer metrics. Fire-and-forget.
type MetricsSink interface {
	BufferSizeUpdate(name string, size int)
	BufferCapacitySet(name string, capacity int)
	EmitError(name string)
}

// ActivationBus carries activations from the trigger registry to the
// engine over a bounded channel.
type ActivationBus struct {
	ch          chan domain.Activation
	emitTimeout time.Duration
	metrics     MetricsSink
}

type BusOption func(*ActivationBus)

func WithBusEmitTimeout(d time.Duration) BusOption {
	return func(b *ActivationBus) { b.emitTimeout = d }
}

func WithBusMetrics(sink MetricsSink) BusOption {
	return func(b *ActivationBus) { b.metrics = sink }
}

func NewActivationBus(buffer int, opts ...BusOption) *ActivationBus {
	b := &ActivationBus{
		ch:          make(chan domain.Activation, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet("activations", buffer)
	}
	return b
}

// Emit enqueues an activation, waiting up to the emit timeout for space.
func (b *ActivationBus) Emit(ctx context.Context, act domain.Activation) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- act:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate("activations", len(b.ch))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError("activations")
		}
		return ErrBufferFull
	}
}

func (b *ActivationBus) Channel() <-chan domain.Activation {
	return b.ch
}
