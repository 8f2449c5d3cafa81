package xmsg

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xmsg (prevents collisions).
type ctxKey string

const (
	loggerCtxKey   ctxKey = "xmsg:logger"
	clockCtxKey    ctxKey = "xmsg:clock"
	senderCtxKey   ctxKey = "xmsg:sender"
	envelopeCtxKey ctxKey = "xmsg:envelope"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the logger the bus injected for handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectSender(ctx context.Context, s Sender) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, senderCtxKey, s)
}

// SenderFromContext returns the bus that is dispatching the current message.
func SenderFromContext(ctx context.Context) (Sender, bool) {
	if v := ctx.Value(senderCtxKey); v != nil {
		if s, ok := v.(Sender); ok && s != nil {
			return s, true
		}
	}
	return nil, false
}

func injectEnvelope(ctx context.Context, env *Envelope) context.Context {
	if env.IsNull() {
		return ctx
	}
	return context.WithValue(ctx, envelopeCtxKey, env)
}

// WithEnvelope exposes env to code running under ctx, as the bus does for handlers.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	return injectEnvelope(ctx, env)
}

// EnvelopeFromContext returns the envelope being dispatched, for handlers that
// need header items.
func EnvelopeFromContext(ctx context.Context) (*Envelope, bool) {
	if v := ctx.Value(envelopeCtxKey); v != nil {
		if e, ok := v.(*Envelope); ok && !e.IsNull() {
			return e, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock, sender Sender) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	ctx = injectSender(ctx, sender)
	return ctx
}
