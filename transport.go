package xmsg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Transport is the Strategy interface for physical transports addressed by URI.
// Receive never blocks for long: it returns NullEnvelope when nothing is
// pending so the owning adapter's polling loop stays responsive.
type Transport interface {
	// Open binds the transport to uri and validates its parameters.
	Open(ctx context.Context, uri *url.URL) error
	// Receive returns the next inbound envelope or NullEnvelope.
	Receive(ctx context.Context) (*Envelope, error)
	// Send submits env to the bound destination.
	Send(ctx context.Context, env *Envelope) error
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportDeps are the collaborators a transport factory may need.
type TransportDeps struct {
	Channels   *ChannelRegistry
	Components ComponentResolver
	Logger     *xlog.Logger
	Clock      xclock.Clock
	// Direction is Receive for input adapters and Send for output adapters.
	// The messaging template leaves it zero.
	Direction Direction
}

// TransportFactory constructs a transport for one URI.
type TransportFactory func(deps TransportDeps) (Transport, error)

var (
	schemeRegistryMu sync.RWMutex
	schemeRegistry   = map[string]TransportFactory{
		"channel": newChannelTransport,
	}
)

// RegisterScheme registers a transport for a URI scheme. Adapters call it from init().
func RegisterScheme(scheme string, factory TransportFactory) error {
	if scheme == "" {
		return errors.New("xmsg: scheme must not be empty")
	}
	if factory == nil {
		return errors.New("xmsg: transport factory must not be nil")
	}
	schemeRegistryMu.Lock()
	schemeRegistry[strings.ToLower(scheme)] = factory
	schemeRegistryMu.Unlock()
	return nil
}

func lookupScheme(scheme string) (TransportFactory, bool) {
	schemeRegistryMu.RLock()
	defer schemeRegistryMu.RUnlock()
	f, ok := schemeRegistry[strings.ToLower(scheme)]
	return f, ok
}

// Schemes lists the registered schemes in sorted order.
func Schemes() []string {
	schemeRegistryMu.RLock()
	defer schemeRegistryMu.RUnlock()
	out := make([]string, 0, len(schemeRegistry))
	for s := range schemeRegistry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ResourceName returns the resource a URI addresses: the host, or the first
// path segment when the host is empty (queue:///orders).
func ResourceName(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.Host != "" {
		return u.Host
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	p := strings.Trim(u.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}

// channelTransport delivers to a named Channel of the registry.
type channelTransport struct {
	channels *ChannelRegistry
	channel  *Channel
}

func newChannelTransport(deps TransportDeps) (Transport, error) {
	if deps.Channels == nil {
		return nil, errors.New("xmsg: channel transport needs a channel registry")
	}
	return &channelTransport{channels: deps.Channels}, nil
}

func (t *channelTransport) Open(_ context.Context, uri *url.URL) error {
	name := ResourceName(uri)
	if name == "" {
		return fmt.Errorf("%w: %s", ErrMissingChannel, uri)
	}
	ch, err := t.channels.GetOrCreate(name)
	if err != nil {
		return err
	}
	t.channel = ch
	return nil
}

func (t *channelTransport) Receive(context.Context) (*Envelope, error) {
	if t.channel == nil {
		return NullEnvelope(), ErrMissingChannel
	}
	return t.channel.TryReceive(), nil
}

func (t *channelTransport) Send(ctx context.Context, env *Envelope) error {
	if t.channel == nil {
		return ErrMissingChannel
	}
	return t.channel.Send(ctx, env.Clone())
}

func (t *channelTransport) Close(context.Context) error { return nil }
