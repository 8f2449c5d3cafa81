package xmsg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// AdapterFactory resolves URI schemes to transports and wires them to channels.
// Schemes registered on the factory shadow the process-wide ones.
type AdapterFactory struct {
	channels   *ChannelRegistry
	components ComponentResolver
	logger     *xlog.Logger
	clock      xclock.Clock
	retry      RetryStrategy
	service    ServiceConfig

	mu      sync.RWMutex
	schemes map[string]TransportFactory
}

// FactoryOption configures an AdapterFactory.
type FactoryOption func(*AdapterFactory)

// WithComponents sets the resolver used by component-bound schemes.
func WithComponents(r ComponentResolver) FactoryOption {
	return func(f *AdapterFactory) { f.components = r }
}

// WithFactoryLogger injects a logger.
func WithFactoryLogger(l *xlog.Logger) FactoryOption {
	return func(f *AdapterFactory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithFactoryClock injects a clock.
func WithFactoryClock(c xclock.Clock) FactoryOption {
	return func(f *AdapterFactory) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithDefaultRetry sets the retry strategy for output adapters and the template.
func WithDefaultRetry(r RetryStrategy) FactoryOption {
	return func(f *AdapterFactory) { f.retry = r }
}

// WithDefaultService sets the background execution settings for new adapters.
func WithDefaultService(cfg ServiceConfig) FactoryOption {
	return func(f *AdapterFactory) { f.service = cfg }
}

// NewAdapterFactory builds a factory on top of channels (a fresh registry when nil).
func NewAdapterFactory(channels *ChannelRegistry, opts ...FactoryOption) *AdapterFactory {
	if channels == nil {
		channels = NewChannelRegistry()
	}
	f := &AdapterFactory{
		channels: channels,
		logger:   xlog.Default(),
		clock:    xclock.Default(),
		retry:    DefaultRetryStrategy(),
		service:  ServiceConfig{Concurrency: 1, Frequency: 10 * time.Millisecond},
		schemes:  make(map[string]TransportFactory),
	}
	for _, o := range opts {
		if o != nil {
			o(f)
		}
	}
	if f.components == nil {
		f.components = NewComponents()
	}
	return f
}

// Channels returns the channel registry adapters bind to.
func (f *AdapterFactory) Channels() *ChannelRegistry { return f.channels }

// Components returns the component resolver.
func (f *AdapterFactory) Components() ComponentResolver { return f.components }

// Register adds a scheme local to this factory.
func (f *AdapterFactory) Register(scheme string, factory TransportFactory) {
	if scheme == "" || factory == nil {
		return
	}
	f.mu.Lock()
	f.schemes[strings.ToLower(scheme)] = factory
	f.mu.Unlock()
}

func (f *AdapterFactory) resolve(scheme string) (TransportFactory, bool) {
	f.mu.RLock()
	tf, ok := f.schemes[strings.ToLower(scheme)]
	f.mu.RUnlock()
	if ok {
		return tf, true
	}
	return lookupScheme(scheme)
}

// Supports reports whether a transport is known for the URI's scheme.
func (f *AdapterFactory) Supports(rawURI string) bool {
	u, err := url.Parse(rawURI)
	if err != nil {
		return false
	}
	_, ok := f.resolve(u.Scheme)
	return ok
}

func (f *AdapterFactory) newTransport(u *url.URL, dir Direction) (Transport, error) {
	tf, ok := f.resolve(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return tf(TransportDeps{
		Channels:   f.channels,
		Components: f.components,
		Logger:     f.logger,
		Clock:      f.clock,
		Direction:  dir,
	})
}

// OpenTransport builds and opens a transport for rawURI. The caller owns it.
func (f *AdapterFactory) OpenTransport(ctx context.Context, rawURI string) (Transport, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, &AdapterError{Adapter: "template", URI: rawURI, Op: "open", Err: err}
	}
	t, err := f.newTransport(u, 0)
	if err != nil {
		return nil, &AdapterError{Adapter: "template", URI: rawURI, Op: "open", Err: err}
	}
	if err := t.Open(ctx, u); err != nil {
		_ = t.Close(ctx)
		return nil, &AdapterError{Adapter: u.Scheme, URI: rawURI, Op: "open", Err: err}
	}
	return t, nil
}

// AdapterOption tunes one adapter built by the factory.
type AdapterOption func(*adapterSettings)

type adapterSettings struct {
	name        string
	service     ServiceConfig
	pipeline    *Pipeline
	retry       RetryStrategy
	pollTimeout time.Duration
}

// WithAdapterName overrides the adapter name used in logs and events.
func WithAdapterName(name string) AdapterOption {
	return func(s *adapterSettings) { s.name = name }
}

// WithService sets concurrency, frequency and interval for the adapter.
func WithService(cfg ServiceConfig) AdapterOption {
	return func(s *adapterSettings) { s.service = cfg }
}

// WithPipeline attaches a receive (input) or send (output) pipeline.
func WithPipeline(p *Pipeline) AdapterOption {
	return func(s *adapterSettings) { s.pipeline = p }
}

// WithRetry sets the output adapter's retry strategy.
func WithRetry(r RetryStrategy) AdapterOption {
	return func(s *adapterSettings) { s.retry = r }
}

// WithPollTimeout bounds each channel receive of an output adapter.
func WithPollTimeout(d time.Duration) AdapterOption {
	return func(s *adapterSettings) { s.pollTimeout = d }
}

func (f *AdapterFactory) prepare(channelName, rawURI string, dir Direction, opts []AdapterOption) (adapterSpec, adapterSettings, error) {
	settings := adapterSettings{service: f.service, retry: f.retry}
	for _, o := range opts {
		if o != nil {
			o(&settings)
		}
	}
	// Transports poll without blocking, so worker mode always needs a delay.
	if !settings.service.Scheduled() && settings.service.Frequency <= 0 {
		settings.service.Frequency = f.service.Frequency
		if settings.service.Frequency <= 0 {
			settings.service.Frequency = 10 * time.Millisecond
		}
	}
	spec := adapterSpec{raw: rawURI, pipeline: settings.pipeline}

	ch, err := f.channels.GetOrCreate(channelName)
	if err != nil {
		return spec, settings, err
	}
	spec.channel = ch

	u, err := url.Parse(rawURI)
	if err != nil {
		return spec, settings, fmt.Errorf("xmsg: invalid adapter uri %q: %w", rawURI, err)
	}
	spec.uri = u

	if settings.pipeline != nil && settings.pipeline.Kind() != dir {
		return spec, settings, fmt.Errorf("%w: %s adapter needs a %s pipeline", ErrDirectionNotSupported, dir, dir)
	}

	t, err := f.newTransport(u, dir)
	if err != nil {
		return spec, settings, err
	}
	spec.transport = t
	spec.name = settings.name
	if spec.name == "" {
		kind := "in"
		if dir == Send {
			kind = "out"
		}
		spec.name = fmt.Sprintf("%s-%s:%s", u.Scheme, kind, ch.Name())
	}
	spec.logger = f.logger.With(xlog.Str("adapter", spec.name), xlog.Str("channel", ch.Name()))
	return spec, settings, nil
}

// BuildInputAdapterFromURI returns a ready-to-start adapter that moves
// messages from rawURI into channelName, creating the channel when missing.
// An unknown scheme yields a *NullAdapter and no error; other failures
// (empty channel name, unparsable URI) return a *NullAdapter and the error.
func (f *AdapterFactory) BuildInputAdapterFromURI(channelName, rawURI string, opts ...AdapterOption) (Adapter, error) {
	spec, settings, err := f.prepare(channelName, rawURI, Receive, opts)
	if err != nil {
		return newNullAdapter(rawURI, spec.channel, err), nullErr(err)
	}
	return newInputAdapter(spec, settings.service), nil
}

// BuildOutputAdapterFromURI returns a ready-to-start adapter that moves
// messages from channelName out to rawURI, creating the channel when missing.
// Failures follow BuildInputAdapterFromURI.
func (f *AdapterFactory) BuildOutputAdapterFromURI(channelName, rawURI string, opts ...AdapterOption) (OutboundAdapter, error) {
	spec, settings, err := f.prepare(channelName, rawURI, Send, opts)
	if err != nil {
		return newNullAdapter(rawURI, spec.channel, err), nullErr(err)
	}
	return newOutputAdapter(spec, settings.service, settings.retry, settings.pollTimeout), nil
}

func nullErr(err error) error {
	if errors.Is(err, ErrUnknownScheme) {
		return nil
	}
	return err
}
