package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xmsg"
)

// Scheme is the URI scheme served by this package: queue://<name>.
const Scheme = "queue"

var defaultBroker = NewBroker()

func init() {
	if err := xmsg.RegisterScheme(Scheme, Factory(defaultBroker, Config{})); err != nil {
		panic(fmt.Errorf("xmsg/memory: failed to register scheme: %w", err))
	}
}

// DefaultBroker returns the process-wide broker behind queue:// URIs.
func DefaultBroker() *Broker { return defaultBroker }

// Config controls queue behavior. URI query parameters override it per transport.
type Config struct {
	// BufferSize is the per-queue capacity (default: 1024). Only the first
	// transport to open a queue decides its size.
	BufferSize int
	// AssignIDs gives envelopes without a message id a broker-local one (default: true).
	AssignIDs *bool
}

// Defaults fills zero values.
func (c Config) Defaults() Config {
	if c.BufferSize < 1 {
		c.BufferSize = 1024
	}
	if c.AssignIDs == nil {
		on := true
		c.AssignIDs = &on
	}
	return c
}

// ConfigFromURI reads ?buffer_size=&assign_ids= on top of base.
func ConfigFromURI(u *url.URL, base Config) (Config, error) {
	cfg := base
	q := u.Query()
	if v := q.Get("buffer_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("xmsg/memory: invalid buffer_size %q", v)
		}
		cfg.BufferSize = n
	}
	if v := q.Get("assign_ids"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("xmsg/memory: invalid assign_ids %q", v)
		}
		cfg.AssignIDs = &b
	}
	return cfg.Defaults(), nil
}

// Broker owns named bounded queues. Every transport opened on the same
// broker and queue name shares one FIFO; each envelope is received once.
type Broker struct {
	mu     sync.RWMutex
	queues map[string]*queue
	seq    atomic.Uint64

	metrics brokerMetrics
}

type brokerMetrics struct {
	sent     atomic.Uint64
	received atomic.Uint64
	rejected atomic.Uint64
}

type queue struct {
	name  string
	items chan *xmsg.Envelope
}

// NewBroker returns a broker with no queues.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

func (b *Broker) ensure(name string, size int) *queue {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q
	}
	q = &queue{name: name, items: make(chan *xmsg.Envelope, size)}
	b.queues[name] = q
	return q
}

// Len returns the number of envelopes waiting in a queue.
func (b *Broker) Len(name string) int {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(q.items)
}

// Stats is broker telemetry.
type Stats struct {
	Queues   int
	Sent     uint64
	Received uint64
	Rejected uint64
}

// Stats returns current broker metrics.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	n := len(b.queues)
	b.mu.RUnlock()
	return Stats{
		Queues:   n,
		Sent:     b.metrics.sent.Load(),
		Received: b.metrics.received.Load(),
		Rejected: b.metrics.rejected.Load(),
	}
}

func (b *Broker) nextID() string {
	return "mem-" + strconv.FormatUint(b.seq.Add(1), 10)
}

// Factory returns a TransportFactory serving queue:// URIs from broker.
func Factory(broker *Broker, base Config) xmsg.TransportFactory {
	return func(xmsg.TransportDeps) (xmsg.Transport, error) {
		return NewTransport(broker, base), nil
	}
}

// Transport implements xmsg.Transport on a broker queue.
type Transport struct {
	broker *Broker
	base   Config
	cfg    Config
	q      *queue
	closed atomic.Bool
}

var _ xmsg.Transport = (*Transport)(nil)

// ErrQueueFull is returned when a send would block past the caller's context.
var ErrQueueFull = errors.New("xmsg/memory: queue is full")

// NewTransport creates an unopened transport on broker.
func NewTransport(broker *Broker, base Config) *Transport {
	if broker == nil {
		broker = defaultBroker
	}
	return &Transport{broker: broker, base: base}
}

func (t *Transport) Open(_ context.Context, u *url.URL) error {
	name := xmsg.ResourceName(u)
	if name == "" {
		return fmt.Errorf("%w: %s", xmsg.ErrMissingChannel, u)
	}
	cfg, err := ConfigFromURI(u, t.base)
	if err != nil {
		return err
	}
	t.cfg = cfg
	t.q = t.broker.ensure(name, cfg.BufferSize)
	return nil
}

// Receive takes the next envelope without waiting.
func (t *Transport) Receive(ctx context.Context) (*xmsg.Envelope, error) {
	if t.closed.Load() {
		return xmsg.NullEnvelope(), xmsg.ErrAdapterClosed
	}
	if t.q == nil {
		return xmsg.NullEnvelope(), xmsg.ErrMissingChannel
	}
	select {
	case <-ctx.Done():
		return xmsg.NullEnvelope(), ctx.Err()
	case env := <-t.q.items:
		t.broker.metrics.received.Add(1)
		return env, nil
	default:
		return xmsg.NullEnvelope(), nil
	}
}

// Send enqueues a copy of env. A full queue blocks until ctx is done.
func (t *Transport) Send(ctx context.Context, env *xmsg.Envelope) error {
	if t.closed.Load() {
		return xmsg.ErrAdapterClosed
	}
	if t.q == nil {
		return xmsg.ErrMissingChannel
	}
	if env.IsNull() {
		return nil
	}
	c := env.Clone()
	if *t.cfg.AssignIDs && c.Header.MessageID == "" {
		c.Header.MessageID = t.broker.nextID()
	}

	select {
	case t.q.items <- c:
	default:
		// Queue full: block to preserve ordering.
		select {
		case t.q.items <- c:
		case <-ctx.Done():
			t.broker.metrics.rejected.Add(1)
			return fmt.Errorf("%w: %s: %w", ErrQueueFull, t.q.name, ctx.Err())
		}
	}
	t.broker.metrics.sent.Add(1)
	return nil
}

// Close detaches the transport; queued envelopes stay in the broker.
func (t *Transport) Close(context.Context) error {
	t.closed.Store(true)
	return nil
}
