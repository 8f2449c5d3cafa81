package xmsg

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Invocation describes one endpoint method call.
type Invocation struct {
	Endpoint  string
	Method    string
	Component any
	Message   any
}

// Invoker runs an endpoint method and returns its (optional) result.
type Invoker func(ctx context.Context, inv *Invocation) (any, error)

// Middleware composes processing concerns around an Invoker.
type Middleware func(next Invoker) Invoker

// RetryMiddleware re-runs a failing invocation according to strategy.
// Use it only around idempotent handlers.
func RetryMiddleware(strategy RetryStrategy) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			var out any
			err := strategy.Do(ctx, func() error {
				var err error
				out, err = next(ctx, inv)
				return err
			})
			return out, err
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for an invocation.
// When exceeded it returns context.DeadlineExceeded; the method keeps running
// in its goroutine until it observes ctx.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Invoker) Invoker { return next }
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				out any
				err error
			}
			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{err: fmt.Errorf("panic recovered in %s.%s: %v", inv.Endpoint, inv.Method, r)}
					}
				}()
				out, err := next(tctx, inv)
				done <- result{out: out, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case r := <-done:
				return r.out, r.err
			}
		}
	}
}

// RecoveryMiddleware converts panics inside endpoint methods into errors.
func RecoveryMiddleware() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, inv *Invocation) (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					out = nil
					err = fmt.Errorf("panic recovered in %s.%s: %v", inv.Endpoint, inv.Method, r)
				}
			}()
			return next(ctx, inv)
		}
	}
}

// LoggingMiddleware logs every invocation at debug level and failures at warn.
// Durations come from the clock in ctx, falling back to the default clock.
func LoggingMiddleware(logger *xlog.Logger) Middleware {
	if logger == nil {
		logger = xlog.Default()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			clock, ok := ClockFromContext(ctx)
			if !ok {
				clock = xclock.Default()
			}
			start := clock.Now()
			out, err := next(ctx, inv)
			if err != nil {
				logger.Warn().
					Str("endpoint", inv.Endpoint).
					Str("method", inv.Method).
					Str("message_type", TypeNameOf(inv.Message)).
					Dur("duration", clock.Since(start)).
					Err(err).
					Msg("xmsg: endpoint invocation failed")
				return out, err
			}
			logger.Debug().
				Str("endpoint", inv.Endpoint).
				Str("method", inv.Method).
				Dur("duration", clock.Since(start)).
				Msg("xmsg: endpoint invoked")
			return out, nil
		}
	}
}

// Chain composes middlewares around an invoker in order.
func Chain(h Invoker, mws ...Middleware) Invoker {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
