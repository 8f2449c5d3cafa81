package xmsg

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DefaultReceiveTimeout bounds Receive when the caller passes no timeout.
const DefaultReceiveTimeout = 24 * time.Hour

const defaultPollInterval = 50 * time.Millisecond

// Channel is a named in-process conduit for envelopes backed by QueueStorage.
// Channels sharing a name and storage share the same FIFO.
//
// Idempotent channels store every envelope they are given, duplicates
// included. Non-idempotent channels skip an envelope equal to one already
// queued.
type Channel struct {
	notifier
	errorEvents

	name         string
	idempotent   bool
	storage      *QueueStorage
	pollInterval time.Duration
	clock        xclock.Clock
	logger       *xlog.Logger

	overrideMu  sync.Mutex
	override    *Envelope
	overrideSet bool
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithIdempotency controls duplicate storage (default true: duplicates kept).
func WithIdempotency(on bool) ChannelOption {
	return func(c *Channel) { c.idempotent = on }
}

// WithStorage shares storage between channels (default: private storage).
func WithStorage(s *QueueStorage) ChannelOption {
	return func(c *Channel) {
		if s != nil {
			c.storage = s
		}
	}
}

// WithPollInterval sets the consume-or-wait interval used by Receive.
func WithPollInterval(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithChannelClock injects the clock used for receive deadlines.
func WithChannelClock(clk xclock.Clock) ChannelOption {
	return func(c *Channel) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithChannelLogger injects a logger.
func WithChannelLogger(l *xlog.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChannel creates a channel. The name must not be empty.
func NewChannel(name string, opts ...ChannelOption) (*Channel, error) {
	if name == "" {
		return nil, ErrEmptyChannelName
	}
	c := &Channel{
		name:         name,
		idempotent:   true,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.storage == nil {
		c.storage = NewQueueStorage()
	}
	if c.clock == nil {
		c.clock = xclock.Default()
	}
	if c.logger == nil {
		c.logger = xlog.Default()
	}
	return c, nil
}

// Name returns the immutable channel name.
func (c *Channel) Name() string { return c.name }

// Idempotent reports whether duplicates are stored.
func (c *Channel) Idempotent() bool { return c.idempotent }

// Len returns the number of queued envelopes.
func (c *Channel) Len() int { return c.storage.Len(c.name) }

// Send stores env. The null envelope is accepted and ignored.
func (c *Channel) Send(ctx context.Context, env *Envelope) error {
	if env == nil {
		return c.raise(ErrNilEnvelope)
	}
	if env.IsNull() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return c.raise(err)
	}

	if !c.storage.Enqueue(c.name, env, c.idempotent) {
		c.logger.Debug().
			Str("channel", c.name).
			Str("message_id", env.Header.MessageID).
			Msg("xmsg: duplicate envelope skipped")
		return nil
	}
	c.notify(Event{Type: MessageSent, Source: c.name, MessageID: env.Header.MessageID})
	return nil
}

// Receive blocks until an envelope is available, ctx is done, or timeout
// elapses. On timeout it fails with a *ReceiveTimeoutError (never a sentinel),
// unless an error listener is attached, in which case the null envelope is
// returned with a nil error.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	env, err := c.receive(ctx, timeout)
	if err != nil {
		return NullEnvelope(), c.raise(err)
	}
	return env, nil
}

// receive is Receive without the error event; adapters polling a channel use
// it so routine timeouts do not reach channel error listeners.
func (c *Channel) receive(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	deadline := c.clock.Now().Add(timeout)
	signal := c.storage.Signal(c.name)

	for {
		if env, ok := c.consume(); ok {
			if !env.IsNull() {
				c.notify(Event{Type: MessageReceived, Source: c.name, MessageID: env.Header.MessageID})
			}
			return env, nil
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return NullEnvelope(), &ReceiveTimeoutError{Channel: c.name, Timeout: timeout}
		}
		wait := c.pollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return NullEnvelope(), ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// TryReceive returns the next envelope without waiting, or NullEnvelope.
func (c *Channel) TryReceive() *Envelope {
	env, ok := c.consume()
	if !ok || env.IsNull() {
		return NullEnvelope()
	}
	c.notify(Event{Type: MessageReceived, Source: c.name, MessageID: env.Header.MessageID})
	return env
}

// consume returns the override if one was seeded, else the next stored envelope.
func (c *Channel) consume() (*Envelope, bool) {
	c.overrideMu.Lock()
	if c.overrideSet {
		env := c.override
		c.override, c.overrideSet = nil, false
		c.overrideMu.Unlock()
		return env, true
	}
	c.overrideMu.Unlock()

	env := c.storage.Dequeue(c.name)
	return env, !env.IsNull()
}

// SetMessage pre-seeds the next Receive result. Test doubles use it; pass
// NullEnvelope() rather than nil to seed "no message".
func (c *Channel) SetMessage(env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	c.overrideMu.Lock()
	c.override, c.overrideSet = env, true
	c.overrideMu.Unlock()
	return nil
}
