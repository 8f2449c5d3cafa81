package xmsg

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds Gateway.Request when no timeout is given.
const DefaultRequestTimeout = 30 * time.Second

// Gateway is the hand-written front door of the bus: Send is one-way,
// Request blocks for the reply of the handling endpoint.
type Gateway struct {
	bus     *MessageBus
	timeout time.Duration
}

// NewGateway returns a gateway on bus using timeout for requests (<= 0 uses
// DefaultRequestTimeout).
func NewGateway(bus *MessageBus, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Gateway{bus: bus, timeout: timeout}
}

// Send forwards msg and returns once it is handed to the transports.
func (g *Gateway) Send(ctx context.Context, msg any, opts ...SendOption) error {
	return g.bus.Send(ctx, msg, opts...)
}

// Request sends msg with a private reply channel and waits up to timeout
// (the gateway default when <= 0) for the endpoint's result. Expiry fails
// with a *ReceiveTimeoutError.
func (g *Gateway) Request(ctx context.Context, msg any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	replyTo := "gateway-reply-" + uuid.NewString()
	ch, err := g.bus.Channels().GetOrCreate(replyTo)
	if err != nil {
		return nil, err
	}
	defer g.bus.Channels().release(replyTo)

	if err := g.bus.Send(ctx, msg, WithReplyTo(replyTo)); err != nil {
		return nil, err
	}

	env, err := ch.receive(ctx, timeout)
	if err != nil {
		return nil, err
	}
	switch body := env.Body.(type) {
	case []byte:
		return g.bus.Serializer().Deserialize(body)
	default:
		return body, nil
	}
}
