// Package nats provides a NATS core transport for xmsg.
//
// Importing the package registers the "nats" scheme:
//
//	nats://host:4222/<subject>?queue=workers&buffer=1024
//
// Envelopes travel in the xmsg wire format, so bodies must be []byte or string.
// Core NATS does not persist: an input transport only sees messages published
// after it subscribed.
package nats

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmsg"
)

// Scheme is the URI scheme served by this package.
const Scheme = "nats"

const defaultBuffer = 1024

func init() {
	if err := xmsg.RegisterScheme(Scheme, Factory(Config{})); err != nil {
		panic(fmt.Errorf("xmsg/nats: failed to register scheme: %w", err))
	}
}

// Config holds connection defaults. URI parts override them per transport.
type Config struct {
	// Name identifies the connection to the server.
	Name          string
	Token         string
	User          string
	Password      string
	MaxReconnects int
	ReconnectWait time.Duration
	// Buffer is the local pending queue for received messages.
	Buffer int
}

// Defaults fills zero values.
func (c Config) Defaults() Config {
	if c.Name == "" {
		c.Name = "xmsg"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Buffer < 1 {
		c.Buffer = defaultBuffer
	}
	return c
}

// endpoint is the parsed form of a nats:// URI.
type endpoint struct {
	server  string
	subject string
	queue   string
	buffer  int
}

func parseEndpoint(u *url.URL, base Config) (endpoint, error) {
	ep := endpoint{buffer: base.Buffer}
	host := u.Host
	if host == "" {
		host = "127.0.0.1:4222"
	}
	srv := url.URL{Scheme: Scheme, Host: host, User: u.User}
	ep.server = srv.String()
	ep.subject = strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", ".")
	if ep.subject == "" {
		return ep, errors.New("nats: subject required in URI path")
	}
	q := u.Query()
	ep.queue = q.Get("queue")
	if v := q.Get("buffer"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return ep, fmt.Errorf("nats: invalid buffer %q", v)
		}
		ep.buffer = n
	}
	return ep, nil
}

// Transport publishes to and subscribes on one subject.
type Transport struct {
	cfg    Config
	dir    xmsg.Direction
	logger *xlog.Logger

	mu     sync.Mutex
	ep     endpoint
	conn   *nats.Conn
	shared bool
	sub    *nats.Subscription
	msgs   chan *nats.Msg

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ xmsg.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithConn shares an existing connection. The transport never closes it.
func WithConn(nc *nats.Conn) Option {
	return func(t *Transport) {
		if nc != nil {
			t.conn = nc
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

// NewTransport creates an unopened transport. dir decides whether Open
// subscribes eagerly; templates pass zero and subscribe on first Receive.
func NewTransport(cfg Config, dir xmsg.Direction, opts ...Option) *Transport {
	t := &Transport{cfg: cfg.Defaults(), dir: dir, logger: xlog.Default()}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

// Factory returns a TransportFactory using cfg as connection defaults.
func Factory(cfg Config, opts ...Option) xmsg.TransportFactory {
	return func(deps xmsg.TransportDeps) (xmsg.Transport, error) {
		all := append([]Option{WithLogger(deps.Logger)}, opts...)
		return NewTransport(cfg, deps.Direction, all...), nil
	}
}

// Use makes a bus resolve nats:// URIs over a shared connection.
func Use(bb *xmsg.BusBuilder, nc *nats.Conn) *xmsg.BusBuilder {
	return bb.WithScheme(Scheme, Factory(Config{}, WithConn(nc)))
}

// Open connects and, for input transports, subscribes.
func (t *Transport) Open(_ context.Context, u *url.URL) error {
	ep, err := parseEndpoint(u, t.cfg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ep = ep

	if t.conn == nil {
		nc, err := nats.Connect(ep.server, t.connectOptions()...)
		if err != nil {
			return fmt.Errorf("nats: connect %s: %w", ep.server, err)
		}
		t.conn = nc
	}
	if t.dir == xmsg.Receive {
		return t.subscribeLocked()
	}
	return nil
}

func (t *Transport) connectOptions() []nats.Option {
	subject := t.ep.subject
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn().Err(err).Str("subject", subject).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info().Str("server", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}
	if t.cfg.User != "" {
		opts = append(opts, nats.UserInfo(t.cfg.User, t.cfg.Password))
	}
	return opts
}

func (t *Transport) subscribeLocked() error {
	if t.sub != nil {
		return nil
	}
	t.msgs = make(chan *nats.Msg, t.ep.buffer)
	var (
		sub *nats.Subscription
		err error
	)
	if t.ep.queue != "" {
		sub, err = t.conn.ChanQueueSubscribe(t.ep.subject, t.ep.queue, t.msgs)
	} else {
		sub, err = t.conn.ChanSubscribe(t.ep.subject, t.msgs)
	}
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", t.ep.subject, err)
	}
	// Make sure the server registered interest before callers publish.
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	t.sub = sub
	return nil
}

// Send publishes env in wire format.
func (t *Transport) Send(ctx context.Context, env *xmsg.Envelope) error {
	if t.closed.Load() {
		return xmsg.ErrAdapterClosed
	}
	if env.IsNull() {
		return nil
	}
	data, err := xmsg.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	nc, subject := t.conn, t.ep.subject
	t.mu.Unlock()
	if nc == nil {
		return errors.New("nats: transport not opened")
	}
	if err := nc.Publish(subject, data); err != nil {
		return err
	}
	return nc.FlushWithContext(ctx)
}

// Receive returns the next buffered message or NullEnvelope without blocking.
func (t *Transport) Receive(_ context.Context) (*xmsg.Envelope, error) {
	if t.closed.Load() {
		return xmsg.NullEnvelope(), xmsg.ErrAdapterClosed
	}
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return xmsg.NullEnvelope(), errors.New("nats: transport not opened")
	}
	if err := t.subscribeLocked(); err != nil {
		t.mu.Unlock()
		return xmsg.NullEnvelope(), err
	}
	msgs := t.msgs
	t.mu.Unlock()

	select {
	case m := <-msgs:
		env, err := xmsg.UnmarshalEnvelope(m.Data)
		if err != nil {
			return xmsg.NullEnvelope(), fmt.Errorf("nats: decode message on %s: %w", m.Subject, err)
		}
		return env, nil
	default:
		return xmsg.NullEnvelope(), nil
	}
}

// Close unsubscribes and drops an owned connection.
func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.sub != nil {
			err = t.sub.Unsubscribe()
		}
		if t.conn != nil && !t.shared {
			t.conn.Close()
		}
	})
	return err
}

// Subject returns the subject the transport is bound to.
func (t *Transport) Subject() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ep.subject
}
