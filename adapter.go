package xmsg

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// Adapter bridges a transport URI and a channel on a background service.
type Adapter interface {
	Name() string
	URI() string
	Channel() *Channel
	Start(ctx context.Context) error
	Stop()
	Close() error
	Running() bool
	OnError(h ErrorHandler)
	AddObserver(obs Observer)
}

// OutboundAdapter is an Adapter that can also submit envelopes directly.
type OutboundAdapter interface {
	Adapter
	Send(ctx context.Context, env *Envelope) error
}

const defaultOutputPollTimeout = 250 * time.Millisecond

// adapterBase holds what input and output adapters share.
type adapterBase struct {
	notifier
	errorEvents

	name      string
	uri       *url.URL
	raw       string
	channel   *Channel
	transport Transport
	pipeline  *Pipeline
	service   *BackgroundService
	logger    *xlog.Logger

	mu     sync.Mutex
	opened bool
	closed bool
}

// adapterSpec is what the factory resolved for one adapter.
type adapterSpec struct {
	name      string
	raw       string
	uri       *url.URL
	channel   *Channel
	transport Transport
	pipeline  *Pipeline
	logger    *xlog.Logger
}

func (a *adapterBase) init(s adapterSpec) {
	a.name = s.name
	a.raw = s.raw
	a.uri = s.uri
	a.channel = s.channel
	a.transport = s.transport
	a.pipeline = s.pipeline
	a.logger = s.logger
	if a.logger == nil {
		a.logger = xlog.Default()
	}
}

func (a *adapterBase) Name() string      { return a.name }
func (a *adapterBase) URI() string       { return a.raw }
func (a *adapterBase) Channel() *Channel { return a.channel }
func (a *adapterBase) Running() bool     { return a.service.Running() }

// Pipeline returns the adapter's pipeline (nil when none was configured).
func (a *adapterBase) Pipeline() *Pipeline { return a.pipeline }

// fail wraps err, emits the adapter-error event once and applies event-or-throw.
func (a *adapterBase) fail(op string, err error) error {
	aerr := &AdapterError{Adapter: a.name, URI: a.raw, Op: op, Err: err}
	a.notify(Event{Type: AdapterFailed, Source: a.name, Err: aerr})
	return a.raise(aerr)
}

// open runs DoStartActivities once: bind the transport to the URI.
func (a *adapterBase) open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAdapterClosed
	}
	if a.opened {
		return nil
	}
	if err := a.transport.Open(ctx, a.uri); err != nil {
		return err
	}
	a.opened = true
	return nil
}

func (a *adapterBase) start(ctx context.Context) error {
	if err := a.open(ctx); err != nil {
		if errors.Is(err, ErrAdapterClosed) {
			return err
		}
		return a.fail("start", err)
	}
	if err := a.service.Start(ctx); err != nil {
		return a.fail("start", err)
	}
	a.notify(Event{Type: AdapterStarted, Source: a.name})
	a.logger.Debug().Str("adapter", a.name).Str("uri", a.raw).Msg("xmsg: adapter started")
	return nil
}

// Stop halts polling; the transport stays open so Start can resume.
func (a *adapterBase) Stop() {
	if !a.service.Running() {
		return
	}
	a.service.Stop()
	a.notify(Event{Type: AdapterStopped, Source: a.name})
}

// Close stops polling and releases the transport. Safe to call more than once.
func (a *adapterBase) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	opened := a.opened
	a.mu.Unlock()

	a.Stop()
	_ = a.service.Close()
	if !opened {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.transport.Close(ctx)
}

// report routes a polling failure to listeners or the log.
func (a *adapterBase) report(op string, err error) {
	if unhandled := a.fail(op, err); unhandled != nil {
		a.logger.Error().Err(unhandled).Str("adapter", a.name).Msg("xmsg: adapter failure")
	}
}

// InputChannelAdapter polls a transport and delivers what it receives, through
// the optional receive pipeline, to its channel.
type InputChannelAdapter struct {
	adapterBase
}

var _ Adapter = (*InputChannelAdapter)(nil)

func newInputAdapter(spec adapterSpec, cfg ServiceConfig) *InputChannelAdapter {
	a := &InputChannelAdapter{}
	a.adapterBase.init(spec)
	a.service = NewBackgroundService(a.name, cfg, a.poll, a.logger)
	return a
}

// Start opens the transport, failing fast on bad URIs, and starts polling.
func (a *InputChannelAdapter) Start(ctx context.Context) error { return a.start(ctx) }

// PollOnce performs a single receive cycle. It is what the background
// service runs; tests and callers driving their own loop may use it directly.
func (a *InputChannelAdapter) PollOnce(ctx context.Context) error {
	if err := a.open(ctx); err != nil {
		return a.fail("start", err)
	}
	return a.poll(ctx)
}

func (a *InputChannelAdapter) poll(ctx context.Context) error {
	env, err := a.transport.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.report("receive", err)
		}
		return nil
	}
	if env.IsNull() {
		return nil
	}
	env.Header.InputChannel = a.channel.Name()
	env.SetItem(HeaderSourceURI, a.raw)

	out, err := a.pipeline.run(ctx, env)
	if err != nil {
		a.report("receive", err)
		return nil
	}
	if out.IsNull() {
		return nil
	}
	if err := a.channel.Send(ctx, out); err != nil {
		a.report("receive", err)
	}
	return nil
}

// OutputChannelAdapter drains its channel, runs the optional send pipeline and
// submits to the transport, retrying transient failures.
type OutputChannelAdapter struct {
	adapterBase

	retry       RetryStrategy
	pollTimeout time.Duration
}

var _ OutboundAdapter = (*OutputChannelAdapter)(nil)

func newOutputAdapter(spec adapterSpec, cfg ServiceConfig, retry RetryStrategy, pollTimeout time.Duration) *OutputChannelAdapter {
	if pollTimeout <= 0 {
		pollTimeout = defaultOutputPollTimeout
	}
	a := &OutputChannelAdapter{retry: retry, pollTimeout: pollTimeout}
	a.adapterBase.init(spec)
	a.service = NewBackgroundService(a.name, cfg, a.drain, a.logger)
	return a
}

// Start opens the transport and starts draining the channel.
func (a *OutputChannelAdapter) Start(ctx context.Context) error { return a.start(ctx) }

// Send pushes env through the send pipeline to the transport. The transport
// is opened on first use.
func (a *OutputChannelAdapter) Send(ctx context.Context, env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if env.IsNull() {
		return nil
	}
	if err := a.open(ctx); err != nil {
		if errors.Is(err, ErrAdapterClosed) {
			return err
		}
		return a.fail("start", err)
	}
	out, err := a.pipeline.run(ctx, env)
	if err != nil {
		return a.fail("send", err)
	}
	if out.IsNull() {
		return nil
	}
	err = a.retry.Do(ctx, func() error { return a.transport.Send(ctx, out) })
	if err != nil {
		return a.fail("send", err)
	}
	return nil
}

func (a *OutputChannelAdapter) drain(ctx context.Context) error {
	env, err := a.channel.receive(ctx, a.pollTimeout)
	if err != nil || env.IsNull() {
		return nil
	}
	if err := a.Send(ctx, env); err != nil {
		a.logger.Error().Err(err).Str("adapter", a.name).Str("message_id", env.Header.MessageID).Msg("xmsg: output adapter dropped message")
	}
	return nil
}

// NullAdapter stands in for URIs whose scheme nobody registered. It never
// starts and never delivers; callers can type-check for it.
type NullAdapter struct {
	notifier
	errorEvents

	uri     string
	channel *Channel
	reason  error
}

var _ OutboundAdapter = (*NullAdapter)(nil)

func newNullAdapter(uri string, ch *Channel, reason error) *NullAdapter {
	if reason == nil {
		reason = ErrUnknownScheme
	}
	return &NullAdapter{uri: uri, channel: ch, reason: reason}
}

func (n *NullAdapter) Name() string      { return "null" }
func (n *NullAdapter) URI() string       { return n.uri }
func (n *NullAdapter) Channel() *Channel { return n.channel }
func (n *NullAdapter) Running() bool     { return false }
func (n *NullAdapter) Stop()             {}
func (n *NullAdapter) Close() error      { return nil }

// Reason returns why no real adapter could be built.
func (n *NullAdapter) Reason() error { return n.reason }

// Start always fails: a message routed to an unknown scheme would be lost.
func (n *NullAdapter) Start(context.Context) error {
	return n.raise(&AdapterError{Adapter: "null", URI: n.uri, Op: "start", Err: n.reason})
}

// Send always fails for the same reason as Start.
func (n *NullAdapter) Send(context.Context, *Envelope) error {
	return n.raise(&AdapterError{Adapter: "null", URI: n.uri, Op: "send", Err: n.reason})
}

// IsNullAdapter reports whether a is the unknown-scheme stand-in.
func IsNullAdapter(a Adapter) bool {
	_, ok := a.(*NullAdapter)
	return ok
}
