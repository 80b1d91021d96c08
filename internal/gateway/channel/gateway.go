package channel

import (
	"context"
	"time"

	"github.com/opengine-io/opengine/internal/gateway"
)

// Gateway is the in-process duplex transport. Producers call Send and read
// Replies()/Events(); the engine consumes Receive and writes through
// Reply/Publish. Responses are correlated by the correlation id carried on
// the request.
type Gateway struct {
	requests    chan gateway.Request
	replies     chan gateway.Response
	events      chan gateway.Event
	emitTimeout time.Duration
	metrics     MetricsSink
}

type GatewayOption func(*Gateway)

func WithEmitTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.emitTimeout = d }
}

func WithMetrics(sink MetricsSink) GatewayOption {
	return func(g *Gateway) { g.metrics = sink }
}

func NewGateway(buffer int, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		requests:    make(chan gateway.Request, buffer),
		replies:     make(chan gateway.Response, buffer),
		events:      make(chan gateway.Event, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics != nil {
		g.metrics.BufferCapacitySet("requests", buffer)
	}
	return g
}

// Send enqueues a request from the caller side. Redelivery is the caller's
// concern; the engine tolerates duplicate correlation ids.
func (g *Gateway) Send(ctx context.Context, req gateway.Request) error {
	timer := time.NewTimer(g.emitTimeout)
	defer timer.Stop()

	select {
	case g.requests <- req:
		if g.metrics != nil {
			g.metrics.BufferSizeUpdate("requests", len(g.requests))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if g.metrics != nil {
			g.metrics.EmitError("requests")
		}
		return ErrBufferFull
	}
}

// Receive blocks until a request arrives or ctx is done.
func (g *Gateway) Receive(ctx context.Context) (gateway.Request, error) {
	select {
	case req := <-g.requests:
		return req, nil
	case <-ctx.Done():
		return gateway.Request{}, ctx.Err()
	}
}

func (g *Gateway) Reply(ctx context.Context, correlationID string, resp gateway.Response) error {
	resp.CorrelationID = correlationID

	timer := time.NewTimer(g.emitTimeout)
	defer timer.Stop()

	select {
	case g.replies <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBufferFull
	}
}

func (g *Gateway) Publish(ctx context.Context, ev gateway.Event) error {
	timer := time.NewTimer(g.emitTimeout)
	defer timer.Stop()

	select {
	case g.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBufferFull
	}
}

// Replies exposes the response stream to the caller side.
func (g *Gateway) Replies() <-chan gateway.Response {
	return g.replies
}

// Events exposes the one-way event stream.
func (g *Gateway) Events() <-chan gateway.Event {
	return g.events
}

var _ gateway.Gateway = (*Gateway)(nil)
