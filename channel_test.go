package xmsg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, name string, opts ...ChannelOption) *Channel {
	t.Helper()
	opts = append([]ChannelOption{WithPollInterval(5 * time.Millisecond)}, opts...)
	ch, err := NewChannel(name, opts...)
	require.NoError(t, err)
	return ch
}

func TestNewChannel_EmptyName(t *testing.T) {
	_, err := NewChannel("")
	require.ErrorIs(t, err, ErrEmptyChannelName)
}

func TestChannel_SendReceiveFIFO(t *testing.T) {
	ch := newTestChannel(t, "orders")
	ctx := context.Background()

	first, second := NewEnvelope("a"), NewEnvelope("b")
	require.NoError(t, ch.Send(ctx, first))
	require.NoError(t, ch.Send(ctx, second))
	assert.Equal(t, 2, ch.Len())

	got, err := ch.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Same(t, first, got)
	got, err = ch.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Zero(t, ch.Len())
}

func TestChannel_NullAndNil(t *testing.T) {
	ch := newTestChannel(t, "c")
	require.NoError(t, ch.Send(context.Background(), NullEnvelope()))
	assert.Zero(t, ch.Len())
	require.ErrorIs(t, ch.Send(context.Background(), nil), ErrNilEnvelope)
}

func TestChannel_Idempotency(t *testing.T) {
	ctx := context.Background()
	env := NewEnvelope("same")

	dup := newTestChannel(t, "dup")
	require.NoError(t, dup.Send(ctx, env))
	require.NoError(t, dup.Send(ctx, env.Clone()))
	assert.True(t, dup.Idempotent())
	assert.Equal(t, 2, dup.Len(), "default channels store duplicates")

	uniq := newTestChannel(t, "uniq", WithIdempotency(false))
	require.NoError(t, uniq.Send(ctx, env))
	require.NoError(t, uniq.Send(ctx, env.Clone()))
	assert.Equal(t, 1, uniq.Len())
}

func TestChannel_ReceiveTimeout(t *testing.T) {
	ch := newTestChannel(t, "empty")

	start := time.Now()
	env, err := ch.Receive(context.Background(), 30*time.Millisecond)
	assert.True(t, env.IsNull())
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	var te *ReceiveTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "empty", te.Channel)
	assert.Equal(t, 30*time.Millisecond, te.Timeout)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
}

func TestChannel_ReceiveTimeoutWithListener(t *testing.T) {
	ch := newTestChannel(t, "empty")
	var got error
	ch.OnError(func(err error) { got = err })

	env, err := ch.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, env.IsNull())
	assert.ErrorIs(t, got, ErrReceiveTimeout)
}

func TestChannel_ReceiveWakesOnSend(t *testing.T) {
	ch := newTestChannel(t, "wake", WithPollInterval(time.Hour))
	want := NewEnvelope("late")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ch.Send(context.Background(), want)
	}()

	got, err := ch.Receive(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestChannel_ReceiveContextCancel(t *testing.T) {
	ch := newTestChannel(t, "cancel")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := ch.Receive(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestChannel_SharedStorageByName(t *testing.T) {
	storage := NewQueueStorage()
	a := newTestChannel(t, "shared", WithStorage(storage))
	b := newTestChannel(t, "shared", WithStorage(storage))

	require.NoError(t, a.Send(context.Background(), NewEnvelope(1)))
	got, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Body)
}

func TestChannel_SetMessage(t *testing.T) {
	ch := newTestChannel(t, "seeded")
	require.NoError(t, ch.Send(context.Background(), NewEnvelope("stored")))
	seeded := NewEnvelope("seeded")
	require.NoError(t, ch.SetMessage(seeded))
	require.ErrorIs(t, ch.SetMessage(nil), ErrNilEnvelope)

	got, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, seeded, got)

	got, err = ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stored", got.Body)
}

func TestChannel_TryReceive(t *testing.T) {
	ch := newTestChannel(t, "try")
	assert.True(t, ch.TryReceive().IsNull())
	require.NoError(t, ch.Send(context.Background(), NewEnvelope("x")))
	assert.Equal(t, "x", ch.TryReceive().Body)
}

func TestChannel_Events(t *testing.T) {
	ch := newTestChannel(t, "events")
	var (
		mu    sync.Mutex
		types []EventType
	)
	ch.AddObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}))

	require.NoError(t, ch.Send(context.Background(), NewEnvelope("x")))
	_, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{MessageSent, MessageReceived}, types)
}

func TestChannel_ConcurrentProducersConsumers(t *testing.T) {
	ch := newTestChannel(t, "busy")
	ctx := context.Background()
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = ch.Send(ctx, NewEnvelope(i))
			}
		}()
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		cwg  sync.WaitGroup
	)
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				env, err := ch.Receive(ctx, 200*time.Millisecond)
				if errors.Is(err, ErrReceiveTimeout) {
					return
				}
				mu.Lock()
				seen[env.Header.MessageID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	cwg.Wait()
	assert.Len(t, seen, producers*perProducer, "every envelope delivered exactly once")
}

func TestQueueStorage(t *testing.T) {
	s := NewQueueStorage()
	env := NewEnvelope("x")

	assert.True(t, s.Dequeue("a").IsNull())
	assert.True(t, s.Enqueue("a", env, true))
	assert.True(t, s.Enqueue("a", env, true))
	assert.False(t, s.Enqueue("a", env.Clone(), false))
	assert.False(t, s.Enqueue("a", NullEnvelope(), true))
	assert.Equal(t, 2, s.Len("a"))
	assert.Zero(t, s.Len("b"))

	select {
	case <-s.Signal("a"):
	default:
		t.Fatal("enqueue should leave a wake-up signal")
	}

	drained := s.Drain("a")
	assert.Len(t, drained, 2)
	assert.Zero(t, s.Len("a"))

	s.Enqueue("gone", env, true)
	s.Delete("gone")
	assert.Zero(t, s.Len("gone"))
}

func TestChannelRegistry(t *testing.T) {
	r := NewChannelRegistry(WithPollInterval(time.Millisecond))

	_, err := r.GetOrCreate("")
	require.ErrorIs(t, err, ErrEmptyChannelName)

	a, err := r.GetOrCreate("orders")
	require.NoError(t, err)
	b, err := r.GetOrCreate("orders", WithIdempotency(false))
	require.NoError(t, err)
	assert.Same(t, a, b, "extra options only apply on creation")
	assert.True(t, b.Idempotent())

	_, err = r.GetOrCreate("audit")
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "orders"}, r.Names())

	got, ok := r.Lookup("orders")
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	require.NoError(t, a.Send(context.Background(), NewEnvelope("x")))
	assert.Equal(t, 1, r.Storage().Len("orders"))

	r.release("orders")
	_, ok = r.Lookup("orders")
	assert.False(t, ok)
	assert.Zero(t, r.Storage().Len("orders"))
}
