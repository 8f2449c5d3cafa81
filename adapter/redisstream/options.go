package redisstream

import (
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures a Transport.
type Option func(*Transport)

// WithClient shares an existing client. The transport never closes it.
func WithClient(c *redis.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
			t.shared = true
		}
	}
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock injects a custom xclock clock (used for claim scheduling).
func WithClock(c xclock.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}
