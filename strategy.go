package xmsg

import (
	"context"
)

// Sender is the part of the bus handed to components that send follow-up messages.
type Sender interface {
	Send(ctx context.Context, msg any, opts ...SendOption) error
}

// Dispatch is one resolved delivery: the message, the endpoint and the method
// that accepts it.
type Dispatch struct {
	Endpoint *Endpoint
	Method   *Method
	Message  any
	Envelope *Envelope
}

// MessageHandlingStrategy invokes an endpoint for a dispatch and returns the
// method's result, if any.
type MessageHandlingStrategy interface {
	Name() string
	Execute(ctx context.Context, d *Dispatch) (any, error)
}

// DefaultStrategy invokes the method on the endpoint's current instance.
type DefaultStrategy struct {
	notifier
}

var _ MessageHandlingStrategy = (*DefaultStrategy)(nil)

func (s *DefaultStrategy) Name() string { return "default" }

func (s *DefaultStrategy) Execute(ctx context.Context, d *Dispatch) (any, error) {
	out, err := d.Endpoint.Invoke(ctx, d.Method, d.Endpoint.Instance(), d.Message)
	if err != nil {
		return nil, err
	}
	s.notify(Event{Type: StrategyCompleted, Source: s.Name(), MessageID: messageIDOf(d.Envelope)})
	return out, nil
}

func messageIDOf(env *Envelope) string {
	if env.IsNull() {
		return ""
	}
	return env.Header.MessageID
}
