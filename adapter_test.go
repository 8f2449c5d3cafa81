package xmsg

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyTransport fails the first failures sends and records the rest.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	openErr  error

	mu   sync.Mutex
	sent []*Envelope
}

func (f *flakyTransport) Open(context.Context, *url.URL) error { return f.openErr }

func (f *flakyTransport) Receive(context.Context) (*Envelope, error) { return NullEnvelope(), nil }

func (f *flakyTransport) Send(_ context.Context, env *Envelope) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("transient")
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *flakyTransport) Close(context.Context) error { return nil }

func (f *flakyTransport) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func factoryWith(scheme string, t Transport) *AdapterFactory {
	f := NewAdapterFactory(nil)
	f.Register(scheme, func(TransportDeps) (Transport, error) { return t, nil })
	return f
}

func TestInputAdapter_ChannelScheme(t *testing.T) {
	f := NewAdapterFactory(nil)
	a, err := f.BuildInputAdapterFromURI("dst", "channel://src")
	require.NoError(t, err)
	assert.Equal(t, "channel-in:dst", a.Name())
	assert.Equal(t, "channel://src", a.URI())

	src, err := f.Channels().GetOrCreate("src")
	require.NoError(t, err)
	require.NoError(t, src.Send(context.Background(), NewEnvelope("hello")))

	in := a.(*InputChannelAdapter)
	require.NoError(t, in.PollOnce(context.Background()))

	got := a.Channel().TryReceive()
	require.False(t, got.IsNull())
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, "dst", got.Header.InputChannel)
	assert.Equal(t, "channel://src", got.Item(HeaderSourceURI))

	// Nothing pending is not an error.
	require.NoError(t, in.PollOnce(context.Background()))
	assert.True(t, a.Channel().TryReceive().IsNull())
}

func TestInputAdapter_ReceivePipeline(t *testing.T) {
	f := NewAdapterFactory(nil)
	p := NewReceivePipeline("rx")
	p.RegisterComponents(upper())
	a, err := f.BuildInputAdapterFromURI("dst", "channel://src", WithPipeline(p))
	require.NoError(t, err)

	src, _ := f.Channels().GetOrCreate("src")
	require.NoError(t, src.Send(context.Background(), NewEnvelope("quiet")))
	require.NoError(t, a.(*InputChannelAdapter).PollOnce(context.Background()))
	assert.Equal(t, "QUIET", a.Channel().TryReceive().Body)
}

func TestBuildAdapter_PipelineDirectionMismatch(t *testing.T) {
	f := NewAdapterFactory(nil)
	a, err := f.BuildInputAdapterFromURI("dst", "channel://src", WithPipeline(NewSendPipeline("tx")))
	require.ErrorIs(t, err, ErrDirectionNotSupported)
	assert.True(t, IsNullAdapter(a))

	o, err := f.BuildOutputAdapterFromURI("out", "channel://sink", WithPipeline(NewReceivePipeline("rx")))
	require.ErrorIs(t, err, ErrDirectionNotSupported)
	assert.True(t, IsNullAdapter(o))
}

func TestBuildAdapter_UnknownSchemeYieldsNullAdapter(t *testing.T) {
	f := NewAdapterFactory(nil)
	a, err := f.BuildInputAdapterFromURI("dst", "carrier-pigeon://loft")
	require.NoError(t, err)
	require.True(t, IsNullAdapter(a))
	assert.False(t, a.Running())
	assert.Equal(t, "dst", a.Channel().Name())

	err = a.Start(context.Background())
	require.ErrorIs(t, err, ErrUnknownScheme)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "start", aerr.Op)

	o, err := f.BuildOutputAdapterFromURI("out", "carrier-pigeon://loft")
	require.NoError(t, err)
	require.ErrorIs(t, o.Send(context.Background(), NewEnvelope(1)), ErrUnknownScheme)

	var seen []error
	o.OnError(func(err error) { seen = append(seen, err) })
	require.NoError(t, o.Send(context.Background(), NewEnvelope(1)))
	require.Len(t, seen, 1)
}

func TestBuildAdapter_Failures(t *testing.T) {
	f := NewAdapterFactory(nil)
	_, err := f.BuildInputAdapterFromURI("", "channel://src")
	require.ErrorIs(t, err, ErrEmptyChannelName)

	a, err := f.BuildInputAdapterFromURI("dst", "://nope")
	require.Error(t, err)
	assert.True(t, IsNullAdapter(a))
}

func TestOutputAdapter_SendAndDrain(t *testing.T) {
	f := NewAdapterFactory(nil)
	o, err := f.BuildOutputAdapterFromURI("out", "channel://sink", WithPollTimeout(20*time.Millisecond))
	require.NoError(t, err)
	defer o.Close()
	sink, _ := f.Channels().GetOrCreate("sink")

	require.NoError(t, o.Send(context.Background(), NewEnvelope("direct")))
	assert.Equal(t, "direct", sink.TryReceive().Body)
	require.ErrorIs(t, o.Send(context.Background(), nil), ErrNilEnvelope)
	require.NoError(t, o.Send(context.Background(), NullEnvelope()))

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Running())
	require.NoError(t, o.Channel().Send(context.Background(), NewEnvelope("drained")))

	got, err := sink.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "drained", got.Body)

	o.Stop()
	assert.False(t, o.Running())
}

func TestOutputAdapter_RetriesTransientFailures(t *testing.T) {
	tr := &flakyTransport{failures: 2}
	f := factoryWith("flaky", tr)
	o, err := f.BuildOutputAdapterFromURI("out", "flaky://x", WithRetry(RetryStrategy{MaxAttempts: 3}))
	require.NoError(t, err)

	require.NoError(t, o.Send(context.Background(), NewEnvelope("x")))
	assert.EqualValues(t, 3, tr.calls.Load())
	assert.Equal(t, 1, tr.delivered())
}

func TestOutputAdapter_SendFailureEmitsOneEvent(t *testing.T) {
	tr := &flakyTransport{failures: 100}
	f := factoryWith("flaky", tr)
	o, err := f.BuildOutputAdapterFromURI("out", "flaky://x", WithRetry(RetryStrategy{MaxAttempts: 2}), WithAdapterName("flaky-out"))
	require.NoError(t, err)

	var events []Event
	o.AddObserver(ObserverFunc(func(e Event) {
		if e.Type == AdapterFailed {
			events = append(events, e)
		}
	}))

	err = o.Send(context.Background(), NewEnvelope("x"))
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "send", aerr.Op)
	assert.Equal(t, "flaky-out", aerr.Adapter)
	assert.EqualValues(t, 2, tr.calls.Load())
	require.Len(t, events, 1)
	assert.Equal(t, "flaky-out", events[0].Source)
}

func TestAdapter_StartFailure(t *testing.T) {
	boom := errors.New("refused")
	f := factoryWith("broken", &flakyTransport{openErr: boom})
	a, err := f.BuildInputAdapterFromURI("dst", "broken://x")
	require.NoError(t, err)

	var failed atomic.Int32
	a.AddObserver(ObserverFunc(func(e Event) {
		if e.Type == AdapterFailed {
			failed.Add(1)
		}
	}))
	err = a.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, a.Running())
	assert.EqualValues(t, 1, failed.Load())
}

func TestAdapter_Lifecycle(t *testing.T) {
	f := NewAdapterFactory(nil)
	a, err := f.BuildInputAdapterFromURI("dst", "channel://src", WithService(ServiceConfig{Frequency: 5 * time.Millisecond}))
	require.NoError(t, err)

	var started, stopped atomic.Int32
	a.AddObserver(ObserverFunc(func(e Event) {
		switch e.Type {
		case AdapterStarted:
			started.Add(1)
		case AdapterStopped:
			stopped.Add(1)
		}
	}))

	require.NoError(t, a.Start(context.Background()))
	src, _ := f.Channels().GetOrCreate("src")
	require.NoError(t, src.Send(context.Background(), NewEnvelope(42)))
	got, err := a.Channel().Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, got.Body)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, a.Running())
	assert.EqualValues(t, 1, started.Load())
	assert.EqualValues(t, 1, stopped.Load())
	require.ErrorIs(t, a.Start(context.Background()), ErrAdapterClosed)
}

func TestFactory_SchemeResolution(t *testing.T) {
	require.Error(t, RegisterScheme("", newChannelTransport))
	require.Error(t, RegisterScheme("x", nil))
	require.NoError(t, RegisterScheme("xmsgtest-loop", newChannelTransport))
	assert.Contains(t, Schemes(), "channel")
	assert.Contains(t, Schemes(), "xmsgtest-loop")

	f := NewAdapterFactory(nil)
	assert.True(t, f.Supports("channel://a"))
	assert.True(t, f.Supports("XMSGTEST-LOOP://a"))
	assert.False(t, f.Supports("nope://a"))

	// A factory-local scheme shadows the global one.
	local := &flakyTransport{}
	f.Register("channel", func(TransportDeps) (Transport, error) { return local, nil })
	o, err := f.BuildOutputAdapterFromURI("out", "channel://sink")
	require.NoError(t, err)
	require.NoError(t, o.Send(context.Background(), NewEnvelope("x")))
	assert.Equal(t, 1, local.delivered())
}

func TestResourceName(t *testing.T) {
	cases := map[string]string{
		"channel://orders":        "orders",
		"queue:///orders/pending": "orders",
		"direct://comp1?method=m": "comp1",
		"urn:orders":              "orders",
		"channel://":              "",
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, ResourceName(u), raw)
	}
	assert.Empty(t, ResourceName(nil))
}

func TestMessagingTemplate(t *testing.T) {
	ctx := context.Background()
	tpl := NewMessagingTemplate(NewAdapterFactory(nil))

	require.NoError(t, tpl.DoSend(ctx, "channel://t", NewEnvelope("a")))
	require.NoError(t, tpl.DoSend(ctx, "channel://t", NewEnvelope("b")))
	require.ErrorIs(t, tpl.DoSend(ctx, "channel://t", nil), ErrNilEnvelope)

	got, err := tpl.DoReceive(ctx, "channel://t")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Body)
	got, _ = tpl.DoReceive(ctx, "channel://t")
	assert.Equal(t, "b", got.Body)
	got, err = tpl.DoReceive(ctx, "channel://t")
	require.NoError(t, err)
	assert.True(t, got.IsNull())

	err = tpl.DoSend(ctx, "nope://t", NewEnvelope("x"))
	require.ErrorIs(t, err, ErrUnknownScheme)
	_, err = tpl.DoReceive(ctx, "channel://")
	require.ErrorIs(t, err, ErrMissingChannel)

	require.NoError(t, tpl.Close(ctx))
	require.NoError(t, tpl.Close(ctx))
	require.ErrorIs(t, tpl.DoSend(ctx, "channel://t", NewEnvelope("c")), ErrAdapterClosed)
}
