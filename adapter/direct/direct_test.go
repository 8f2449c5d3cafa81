package direct

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

	"github.com/trickstertwo/xmsg"
)

type Order struct{ ID int }

type Receipt struct{ OrderID int }

type shop struct {
	mu      sync.Mutex
	pending []Order
	seen    []Order
}

func (s *shop) Next(context.Context) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	o := s.pending[0]
	s.pending = s.pending[1:]
	return &o, nil
}

func (s *shop) Process(_ context.Context, o Order) (Receipt, error) {
	s.mu.Lock()
	s.seen = append(s.seen, o)
	s.mu.Unlock()
	return Receipt{OrderID: o.ID}, nil
}

func (s *shop) Fail(context.Context, Order) error { return errors.New("boom") }

func newShop(t *testing.T) (*shop, *xmsg.Components) {
	t.Helper()
	s := &shop{pending: []Order{{ID: 1}, {ID: 2}}}
	ep, err := xmsg.NewEndpoint(xmsg.EndpointConfig{Name: "comp1", Channel: "orders", Component: s},
		xmsg.Produce("Next", (*shop).Next),
		xmsg.HandleReply("Process", (*shop).Process),
		xmsg.Handle("Fail", (*shop).Fail),
	)
	require.NoError(t, err)
	return s, xmsg.NewComponents(ep)
}

func TestResolveTarget_Failures(t *testing.T) {
	_, comps := newShop(t)

	cases := []struct {
		uri  string
		dir  xmsg.Direction
		want error
	}{
		{"direct:///?method=Process&channel=out", xmsg.Send, xmsg.ErrMissingComponent},
		{"direct://comp1/?channel=out", xmsg.Send, xmsg.ErrMissingMethod},
		{"direct://comp1/?method=Process", xmsg.Send, xmsg.ErrMissingChannel},
		{"direct://nope/?method=Process&channel=out", xmsg.Send, xmsg.ErrComponentNotFound},
		{"direct://comp1/?method=Nope&channel=out", xmsg.Send, xmsg.ErrMethodNotFound},
		{"direct://comp1/?method=Next&channel=out", xmsg.Send, xmsg.ErrMethodArity},
		{"direct://comp1/?method=Process&channel=out", xmsg.Receive, xmsg.ErrMethodArity},
	}
	for _, tc := range cases {
		t.Run(tc.uri, func(t *testing.T) {
			u, err := url.Parse(tc.uri)
			require.NoError(t, err)
			_, err = ResolveTarget(u, comps, tc.dir)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestResolveTarget_OK(t *testing.T) {
	_, comps := newShop(t)
	u, _ := url.Parse("direct://comp1/?method=Process&channel=receipts")
	target, err := ResolveTarget(u, comps, xmsg.Send)
	require.NoError(t, err)
	assert.Equal(t, "comp1", target.Endpoint.Name())
	assert.Equal(t, "Process", target.Method.Name)
	assert.Equal(t, "receipts", target.Channel)
}

func TestInputAdapter_ProducesIntoChannel(t *testing.T) {
	_, comps := newShop(t)
	f := xmsg.NewAdapterFactory(xmsg.NewChannelRegistry(), xmsg.WithComponents(comps))
	ctx := context.Background()

	a, err := f.BuildInputAdapterFromURI("orders", "direct://comp1/?method=Next&channel=orders")
	require.NoError(t, err)
	defer a.Close()
	in := a.(*xmsg.InputChannelAdapter)
	for i := 0; i < 3; i++ {
		require.NoError(t, in.PollOnce(ctx))
	}

	assert.Equal(t, 2, a.Channel().Len())
	env, err := a.Channel().Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, &Order{ID: 1}, env.Body)
}

func TestOutputAdapter_InvokesAndForwardsResult(t *testing.T) {
	s, comps := newShop(t)
	channels := xmsg.NewChannelRegistry()
	f := xmsg.NewAdapterFactory(channels, xmsg.WithComponents(comps))
	ctx := context.Background()

	out, err := f.BuildOutputAdapterFromURI("to-shop", "direct://comp1/?method=Process&channel=receipts")
	require.NoError(t, err)
	defer out.Close()

	in := xmsg.NewEnvelope(Order{ID: 7})
	require.NoError(t, out.Send(ctx, in))
	assert.Equal(t, []Order{{ID: 7}}, s.seen)

	receipts, ok := channels.Lookup("receipts")
	require.True(t, ok)
	env, err := receipts.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Receipt{OrderID: 7}, env.Body)
	assert.Equal(t, in.Header.MessageID, env.Header.CorrelationID)
}

func TestOutputAdapter_WrongBodyType(t *testing.T) {
	_, comps := newShop(t)
	f := xmsg.NewAdapterFactory(xmsg.NewChannelRegistry(), xmsg.WithComponents(comps))
	out, err := f.BuildOutputAdapterFromURI("to-shop", "direct://comp1/?method=Process&channel=receipts",
		xmsg.WithRetry(xmsg.NoRetry()))
	require.NoError(t, err)
	defer out.Close()

	err = out.Send(context.Background(), xmsg.NewEnvelope("not an order"))
	require.ErrorIs(t, err, xmsg.ErrUnsupportedBody)
}

func TestAdapter_UnregisteredComponentFailsStartOnce(t *testing.T) {
	f := xmsg.NewAdapterFactory(xmsg.NewChannelRegistry(), xmsg.WithComponents(xmsg.NewComponents()))

	a, err := f.BuildOutputAdapterFromURI("out", "direct://comp1/?method=Process&channel=out")
	require.NoError(t, err)
	defer a.Close()

	var events atomic.Int32
	a.AddObserver(xmsg.ObserverFunc(func(e xmsg.Event) {
		if e.Type == xmsg.AdapterFailed {
			events.Add(1)
		}
	}))

	err = a.Start(context.Background())
	require.ErrorIs(t, err, xmsg.ErrComponentNotFound)
	var ae *xmsg.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "start", ae.Op)
	assert.EqualValues(t, 1, events.Load())
	assert.False(t, a.Running())
}

func TestAdapter_ErrorListenerSwallowsStartFailure(t *testing.T) {
	f := xmsg.NewAdapterFactory(xmsg.NewChannelRegistry(), xmsg.WithComponents(xmsg.NewComponents()))
	a, err := f.BuildInputAdapterFromURI("in", "direct://comp1/?channel=in")
	require.NoError(t, err)
	defer a.Close()

	var got error
	a.OnError(func(err error) { got = err })
	require.NoError(t, a.Start(context.Background()))
	require.ErrorIs(t, got, xmsg.ErrMissingMethod)
}
