// Package direct binds adapters to registered components:
//
//	direct://<component>/?method=<name>&channel=<channel>
//
// As an input, the method must be a producer (see xmsg.Produce); each poll
// calls it and a non-nil result becomes an envelope. As an output, the method
// takes one message; each envelope body is passed to it and a non-nil result
// is sent to the named channel, correlated to the input.
//
// All resolution happens in Open, so a bad URI fails the adapter at start.
package direct

import (
	"context"
	"fmt"
	"net/url"
	"reflect"

	"github.com/trickstertwo/xmsg"
)

// Scheme is the URI scheme served by this package.
const Scheme = "direct"

func init() {
	if err := xmsg.RegisterScheme(Scheme, New); err != nil {
		panic(fmt.Errorf("xmsg/direct: failed to register scheme: %w", err))
	}
}

// Target is a resolved direct:// URI.
type Target struct {
	Endpoint *xmsg.Endpoint
	Method   *xmsg.Method
	Channel  string
}

// ResolveTarget validates u against the component resolver. Each failure wraps
// a distinct sentinel so callers can tell them apart with errors.Is.
func ResolveTarget(u *url.URL, components xmsg.ComponentResolver, dir xmsg.Direction) (Target, error) {
	id := xmsg.ResourceName(u)
	if id == "" {
		return Target{}, fmt.Errorf("%w: %s", xmsg.ErrMissingComponent, u.Redacted())
	}
	q := u.Query()
	method := q.Get("method")
	if method == "" {
		return Target{}, fmt.Errorf("%w: %s", xmsg.ErrMissingMethod, u.Redacted())
	}
	channel := q.Get("channel")
	if channel == "" {
		return Target{}, fmt.Errorf("%w: %s", xmsg.ErrMissingChannel, u.Redacted())
	}
	if components == nil {
		return Target{}, fmt.Errorf("%w: %s (no component registry)", xmsg.ErrComponentNotFound, id)
	}
	ep, ok := components.Resolve(id)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", xmsg.ErrComponentNotFound, id)
	}
	m, err := ep.Method(method)
	if err != nil {
		return Target{}, err
	}
	want := 1
	if dir == xmsg.Receive {
		want = 0
	}
	if m.Arity != want {
		return Target{}, fmt.Errorf("%w: %s.%s takes %d message parameters, %s adapter needs %d",
			xmsg.ErrMethodArity, id, method, m.Arity, directionName(dir), want)
	}
	return Target{Endpoint: ep, Method: m, Channel: channel}, nil
}

func directionName(dir xmsg.Direction) string {
	if dir == xmsg.Receive {
		return "input"
	}
	return "output"
}

// Transport invokes a component method.
type Transport struct {
	deps   xmsg.TransportDeps
	target Target
	opened bool
}

var _ xmsg.Transport = (*Transport)(nil)

// New is the xmsg.TransportFactory for direct:// URIs.
func New(deps xmsg.TransportDeps) (xmsg.Transport, error) {
	return &Transport{deps: deps}, nil
}

// Target returns the resolved binding; zero before Open.
func (t *Transport) Target() Target { return t.target }

// Open resolves the component and method.
func (t *Transport) Open(_ context.Context, u *url.URL) error {
	target, err := ResolveTarget(u, t.deps.Components, t.deps.Direction)
	if err != nil {
		return err
	}
	t.target = target
	t.opened = true
	return nil
}

// Receive calls the producer once.
func (t *Transport) Receive(ctx context.Context) (*xmsg.Envelope, error) {
	if !t.opened {
		return xmsg.NullEnvelope(), fmt.Errorf("direct: transport not opened")
	}
	if t.target.Method.Arity != 0 {
		return xmsg.NullEnvelope(), fmt.Errorf("%w: %s is not a producer", xmsg.ErrMethodArity, t.target.Method.Name)
	}
	out, err := t.target.Endpoint.Invoke(ctx, t.target.Method, t.target.Endpoint.Instance(), nil)
	if err != nil {
		return xmsg.NullEnvelope(), err
	}
	if isNil(out) {
		return xmsg.NullEnvelope(), nil
	}
	if env, ok := out.(*xmsg.Envelope); ok {
		return env, nil
	}
	return xmsg.NewEnvelope(out), nil
}

// Send passes the envelope body to the method and forwards any result.
func (t *Transport) Send(ctx context.Context, env *xmsg.Envelope) error {
	if !t.opened {
		return fmt.Errorf("direct: transport not opened")
	}
	if env.IsNull() {
		return nil
	}
	m := t.target.Method
	if m.MessageType != nil && (env.Body == nil || !reflect.TypeOf(env.Body).AssignableTo(m.MessageType)) {
		return fmt.Errorf("%w: %s.%s expects %s, got %T", xmsg.ErrUnsupportedBody,
			t.target.Endpoint.Name(), m.Name, m.MessageType, env.Body)
	}
	out, err := t.target.Endpoint.Invoke(xmsg.WithEnvelope(ctx, env), m, t.target.Endpoint.Instance(), env.Body)
	if err != nil {
		return err
	}
	if isNil(out) || t.deps.Channels == nil {
		return nil
	}
	ch, err := t.deps.Channels.GetOrCreate(t.target.Channel)
	if err != nil {
		return err
	}
	reply := xmsg.NewEnvelope(out)
	reply.Header.CorrelationID = env.Header.MessageID
	return ch.Send(ctx, reply)
}

// Close is a no-op; components are owned by their registry.
func (t *Transport) Close(context.Context) error { return nil }

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
