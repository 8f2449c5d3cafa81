package xmsg

import (
	"context"
	"fmt"
)

// SendAll sends each message in order. Every message is validated against
// the subscriptions before the first one goes out, so an unroutable message
// fails the batch without partial delivery.
func (b *MessageBus) SendAll(ctx context.Context, msgs ...any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	for i, m := range msgs {
		if m == nil {
			return fmt.Errorf("xmsg: batch item %d: %w", i, ErrNilEnvelope)
		}
		subs, err := b.subscriptions.Find(ctx, m)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return &ConfigurationError{Subject: TypeNameOf(m), Err: ErrNoSubscription}
		}
	}
	for _, m := range msgs {
		if err := b.Send(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
