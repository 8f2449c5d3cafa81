package nats

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(4 * time.Second) {
		s.Shutdown()
		t.Fatal("nats server failed to start")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func uriFor(s *server.Server, subject string) string {
	u, _ := url.Parse(s.ClientURL())
	return "nats://" + u.Host + "/" + subject
}

func openTransport(t *testing.T, raw string, dir xmsg.Direction, opts ...Option) *Transport {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	tr := NewTransport(Config{}, dir, opts...)
	require.NoError(t, tr.Open(context.Background(), u))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func receiveWithin(t *testing.T, tr *Transport, d time.Duration) *xmsg.Envelope {
	t.Helper()
	var got *xmsg.Envelope
	require.Eventually(t, func() bool {
		env, err := tr.Receive(context.Background())
		require.NoError(t, err)
		if env.IsNull() {
			return false
		}
		got = env
		return true
	}, d, 5*time.Millisecond)
	return got
}

func TestParseEndpoint(t *testing.T) {
	u, _ := url.Parse("nats://localhost:4222/orders/placed?queue=billing&buffer=8")
	ep, err := parseEndpoint(u, Config{}.Defaults())
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", ep.server)
	assert.Equal(t, "orders.placed", ep.subject)
	assert.Equal(t, "billing", ep.queue)
	assert.Equal(t, 8, ep.buffer)

	u, _ = url.Parse("nats://localhost:4222")
	_, err = parseEndpoint(u, Config{}.Defaults())
	require.Error(t, err)

	u, _ = url.Parse("nats://localhost:4222/x?buffer=0")
	_, err = parseEndpoint(u, Config{}.Defaults())
	require.Error(t, err)
}

func TestTransport_SendReceive(t *testing.T) {
	s := runServer(t)
	raw := uriFor(s, "orders")
	in := openTransport(t, raw, xmsg.Receive)
	out := openTransport(t, raw, xmsg.Send)

	env := xmsg.NewEnvelope([]byte("hello"))
	env.Header.CorrelationID = "c-1"
	env.SetItem(xmsg.HeaderMessageType, "orders.Placed")
	require.NoError(t, out.Send(context.Background(), env))

	got := receiveWithin(t, in, 2*time.Second)
	assert.Equal(t, env.Header.MessageID, got.Header.MessageID)
	assert.Equal(t, "c-1", got.Header.CorrelationID)
	assert.Equal(t, "orders.Placed", got.Item(xmsg.HeaderMessageType))
	assert.Equal(t, []byte("hello"), got.Body)

	next, err := in.Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, next.IsNull())
}

func TestTransport_QueueGroupDeliversOnce(t *testing.T) {
	s := runServer(t)
	raw := uriFor(s, "jobs") + "?queue=workers"
	a := openTransport(t, raw, xmsg.Receive)
	b := openTransport(t, raw, xmsg.Receive)
	out := openTransport(t, uriFor(s, "jobs"), xmsg.Send)

	for i := 0; i < 10; i++ {
		require.NoError(t, out.Send(context.Background(), xmsg.NewEnvelope("job")))
	}

	total := 0
	require.Eventually(t, func() bool {
		for _, tr := range []*Transport{a, b} {
			for {
				env, err := tr.Receive(context.Background())
				require.NoError(t, err)
				if env.IsNull() {
					break
				}
				total++
			}
		}
		return total == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_SharedConnSurvivesClose(t *testing.T) {
	s := runServer(t)
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	tr := openTransport(t, uriFor(s, "x"), xmsg.Send, WithConn(nc))
	require.NoError(t, tr.Close(context.Background()))
	assert.True(t, nc.IsConnected())
	require.ErrorIs(t, tr.Send(context.Background(), xmsg.NewEnvelope("x")), xmsg.ErrAdapterClosed)
}

func TestTransport_RejectsObjectBody(t *testing.T) {
	s := runServer(t)
	out := openTransport(t, uriFor(s, "x"), xmsg.Send)
	err := out.Send(context.Background(), xmsg.NewEnvelope(map[string]int{"a": 1}))
	require.ErrorIs(t, err, xmsg.ErrUnsupportedBody)
}

func TestAdapters_EndToEnd(t *testing.T) {
	s := runServer(t)
	f := xmsg.NewAdapterFactory(xmsg.NewChannelRegistry())
	raw := uriFor(s, "events")
	ctx := context.Background()

	a, err := f.BuildInputAdapterFromURI("from-nats", raw)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	out, err := f.BuildOutputAdapterFromURI("to-nats", raw)
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, out.Send(ctx, xmsg.NewEnvelope("ping")))

	env, err := a.Channel().Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", env.Body)
	assert.Equal(t, "from-nats", env.Header.InputChannel)
}
