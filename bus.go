package xmsg

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// MessageBus routes messages to endpoints by subscription. Sending serializes
// the message and fans it out to every subscription's URI; receiving queues
// envelopes for a single dispatch loop that invokes one endpoint at a time.
type MessageBus struct {
	errorEvents

	serializer    Serializer
	subscriptions SubscriptionPersister
	builder       *SubscriptionBuilder
	factory       *AdapterFactory
	template      *MessagingTemplate
	channels      *ChannelRegistry
	components    *Components
	sagas         *SagaStrategy
	plain         *DefaultStrategy
	middlewares   []Middleware
	clock         xclock.Clock
	logger        *xlog.Logger

	pumpTimeout time.Duration
	pumpService ServiceConfig

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	// pending is the inbound FIFO; cond wakes the dispatch loop.
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*Envelope
	stopping bool

	// dispatchMu serializes endpoint invocations bus-wide.
	dispatchMu sync.Mutex

	// regMu also guards the run state below; started is set only after
	// runCtx and loopDone exist.
	regMu     sync.RWMutex
	endpoints map[string]*Endpoint
	pumps     map[string]*BackgroundService
	runCtx    context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	shutdown  bool
	started   atomic.Bool

	metrics   *busMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// busMetrics uses lock-free atomics.
type busMetrics struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	dispatched   atomic.Uint64
	fanoutErrors atomic.Uint64
	errors       atomic.Uint64
	dispatchNs   atomic.Int64
}

// SendOption adds header data to an outgoing message.
type SendOption func(*Envelope)

// WithReplyTo asks the handling endpoint to send its result to channel.
func WithReplyTo(channel string) SendOption {
	return func(e *Envelope) { e.SetItem(HeaderReplyTo, channel) }
}

// WithCorrelationID sets the conversation id carried by the envelope.
func WithCorrelationID(id string) SendOption {
	return func(e *Envelope) { e.Header.CorrelationID = id }
}

// WithHeader sets an arbitrary header item.
func WithHeader(key, value string) SendOption {
	return func(e *Envelope) { e.SetItem(key, value) }
}

// Serializer returns the configured serializer.
func (b *MessageBus) Serializer() Serializer { return b.serializer }

// Channels returns the channel registry shared with the adapter factory.
func (b *MessageBus) Channels() *ChannelRegistry { return b.channels }

// Factory returns the adapter factory.
func (b *MessageBus) Factory() *AdapterFactory { return b.factory }

// Subscriptions returns the subscription persister.
func (b *MessageBus) Subscriptions() SubscriptionPersister { return b.subscriptions }

// SagaPersisters returns the saga persister registry.
func (b *MessageBus) SagaPersisters() *SagaPersisters { return b.sagas.Persisters() }

// Register adds ep: its concrete message types join the serializer catalog,
// its subscriptions are stored and its component becomes resolvable.
func (b *MessageBus) Register(ep *Endpoint) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if ep == nil {
		return ErrInvalidEndpoint
	}
	if reg, ok := b.serializer.(TypeRegistrar); ok {
		for _, m := range ep.Methods() {
			if m.Arity == 1 && m.MessageType.Kind() != reflect.Interface {
				reg.RegisterType(m.MessageType)
			}
		}
	}
	subs := b.builder.BuildSubscriptions(ep)
	if err := b.subscriptions.Add(context.Background(), subs...); err != nil {
		return fmt.Errorf("xmsg: store subscriptions for %s: %w", ep.Name(), err)
	}

	b.regMu.Lock()
	b.endpoints[ep.Name()] = ep
	b.regMu.Unlock()
	b.components.Add(ep)

	b.logger.Debug().Str("endpoint", ep.Name()).Str("channel", ep.Channel()).Msg("xmsg: endpoint registered")
	if b.started.Load() {
		return b.ensurePump(ep.Channel())
	}
	return nil
}

func (b *MessageBus) endpoint(name string) (*Endpoint, bool) {
	b.regMu.RLock()
	defer b.regMu.RUnlock()
	ep, ok := b.endpoints[name]
	return ep, ok
}

// Start launches the dispatch loop and one pump per subscribed channel.
func (b *MessageBus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	b.regMu.Lock()
	if b.shutdown {
		b.regMu.Unlock()
		return ErrBusClosed
	}
	if b.started.Load() {
		b.regMu.Unlock()
		return nil
	}
	b.runCtx, b.cancel = context.WithCancel(ctx)
	b.loopDone = make(chan struct{})
	go b.loop(b.runCtx, b.loopDone)
	b.started.Store(true)

	channels := make([]string, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		channels = append(channels, ep.Channel())
	}
	b.regMu.Unlock()

	for _, name := range channels {
		if err := b.ensurePump(name); err != nil {
			return err
		}
	}
	return nil
}

// ensurePump starts a service moving envelopes from channel into the bus.
func (b *MessageBus) ensurePump(name string) error {
	b.regMu.Lock()
	if b.shutdown {
		b.regMu.Unlock()
		return ErrBusClosed
	}
	if _, ok := b.pumps[name]; ok {
		b.regMu.Unlock()
		return nil
	}
	ch, err := b.channels.GetOrCreate(name)
	if err != nil {
		b.regMu.Unlock()
		return err
	}
	svc := NewBackgroundService("pump:"+name, b.pumpService, func(ctx context.Context) error {
		env, err := ch.receive(ctx, b.pumpTimeout)
		if err != nil || env.IsNull() {
			return nil
		}
		return b.Receive(env)
	}, b.logger)
	b.pumps[name] = svc
	runCtx := b.runCtx
	b.regMu.Unlock()
	return svc.Start(runCtx)
}

// Send routes msg to every matching subscription. A message nobody subscribes
// to fails with a *ConfigurationError before any transport is touched. A
// failed delivery to one subscription is logged and the others still get the
// message; Send only fails when every delivery failed.
func (b *MessageBus) Send(ctx context.Context, msg any, opts ...SendOption) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg == nil {
		return ErrNilEnvelope
	}
	msgType := TypeNameOf(msg)

	subs, err := b.subscriptions.Find(ctx, msg)
	if err != nil {
		b.metrics.errors.Add(1)
		return fmt.Errorf("xmsg: find subscriptions for %s: %w", msgType, err)
	}
	if len(subs) == 0 {
		b.metrics.errors.Add(1)
		return &ConfigurationError{Subject: msgType, Err: ErrNoSubscription}
	}

	data, err := b.serializer.Serialize(msg)
	if err != nil {
		b.metrics.errors.Add(1)
		return fmt.Errorf("xmsg: serialize %s: %w", msgType, err)
	}

	var failures []error
	for _, sub := range subs {
		env := b.envelope(data, msg, sub, opts)
		if err := b.template.DoSend(ctx, sub.URI, env); err != nil {
			b.metrics.fanoutErrors.Add(1)
			failures = append(failures, err)
			b.logger.Warn().
				Str("message_type", msgType).
				Str("subscription", sub.ID).
				Str("uri", sub.URI).
				Err(err).
				Msg("xmsg: delivery to subscription failed")
			continue
		}
		b.metrics.sent.Add(1)
		b.notifyAsync(Event{Type: MessageSent, Source: sub.URI, MessageID: env.Header.MessageID})
	}
	if len(failures) == len(subs) {
		b.metrics.errors.Add(1)
		return errors.Join(failures...)
	}
	return nil
}

func (b *MessageBus) envelope(data []byte, msg any, sub Subscription, opts []SendOption) *Envelope {
	env := NewEnvelope(data)
	env.Header.Timestamp = b.clock.Now()
	if c, ok := msg.(Correlated); ok {
		env.Header.CorrelationID = c.CorrelationID()
	}
	env.SetItem(HeaderMessageType, TypeNameOf(msg))
	env.SetItem(HeaderSubscription, sub.ID)
	for _, o := range opts {
		if o != nil {
			o(env)
		}
	}
	return env
}

// Receive queues env for dispatch. The null envelope and envelopes already
// queued are ignored.
func (b *MessageBus) Receive(env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if env.IsNull() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping || b.closed.Load() {
		return ErrBusClosed
	}
	for _, p := range b.pending {
		if p == env || p.Equal(env) {
			return nil
		}
	}
	b.pending = append(b.pending, env)
	b.metrics.received.Add(1)
	b.cond.Signal()
	return nil
}

// next blocks until an envelope is pending or the loop is stopping.
func (b *MessageBus) next() (*Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) == 0 && !b.stopping {
		b.cond.Wait()
	}
	if b.stopping {
		return nil, false
	}
	env := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	return env, true
}

func (b *MessageBus) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		env, ok := b.next()
		if !ok {
			return
		}
		if err := b.Dispatch(ctx, env); err != nil {
			b.logger.Error().Err(err).Str("message_id", env.Header.MessageID).Msg("xmsg: dispatch failed")
		}
	}
}

// Dispatch delivers one envelope synchronously: deserialize, resolve the
// subscription and endpoint, run the handling strategy and forward any
// result. Only one Dispatch runs at a time. Failures follow event-or-throw.
func (b *MessageBus) Dispatch(ctx context.Context, env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if env.IsNull() {
		return nil
	}
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	start := b.clock.Now()
	err := b.dispatch(ctx, env)
	b.recordDispatchTime(b.clock.Since(start).Nanoseconds())
	if err != nil {
		b.metrics.errors.Add(1)
		b.notifyAsync(Event{Type: Error, Source: "bus", MessageID: env.Header.MessageID, Err: err})
		return b.raise(err)
	}
	b.metrics.dispatched.Add(1)
	b.notifyAsync(Event{Type: Dispatched, Source: "bus", MessageID: env.Header.MessageID, Duration: b.clock.Since(start)})
	return nil
}

func (b *MessageBus) decode(env *Envelope) (any, error) {
	switch body := env.Body.(type) {
	case []byte:
		return b.serializer.Deserialize(body)
	case string:
		return b.serializer.Deserialize([]byte(body))
	case nil:
		return nil, fmt.Errorf("%w: message %s has no body", ErrUnsupportedBody, env.Header.MessageID)
	default:
		return body, nil
	}
}

func (b *MessageBus) route(ctx context.Context, env *Envelope, msg any) ([]Subscription, error) {
	subs, err := b.subscriptions.Find(ctx, msg)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, &ConfigurationError{Subject: TypeNameOf(msg), Err: ErrNoSubscription}
	}
	if id := env.Item(HeaderSubscription); id != "" {
		for _, s := range subs {
			if s.ID == id {
				return []Subscription{s}, nil
			}
		}
	}
	if ch := env.Header.InputChannel; ch != "" {
		var onChannel []Subscription
		for _, s := range subs {
			if s.Channel == ch {
				onChannel = append(onChannel, s)
			}
		}
		if len(onChannel) > 0 {
			return onChannel, nil
		}
	}
	return subs, nil
}

func (b *MessageBus) dispatch(ctx context.Context, env *Envelope) error {
	msg, err := b.decode(env)
	if err != nil {
		return err
	}
	subs, err := b.route(ctx, env, msg)
	if err != nil {
		return err
	}

	hctx := InjectAll(ctx, b.logger, b.clock, b)
	hctx = injectEnvelope(hctx, env)

	for _, sub := range subs {
		ep, ok := b.endpoint(sub.Component)
		if !ok {
			return &ConfigurationError{Subject: sub.Component, Err: ErrComponentNotFound}
		}
		m, err := ep.Method(sub.Method)
		if err != nil {
			return &ConfigurationError{Subject: sub.Component, Err: err}
		}
		d := &Dispatch{Endpoint: ep, Method: m, Message: msg, Envelope: env}
		strategy := MessageHandlingStrategy(b.plain)
		if IsSagaEndpoint(ep) {
			strategy = b.sagas
		}
		run := Chain(func(ctx context.Context, _ *Invocation) (any, error) {
			return strategy.Execute(ctx, d)
		}, b.middlewares...)
		out, err := run(hctx, &Invocation{Endpoint: ep.Name(), Method: m.Name, Message: msg})
		if err != nil {
			return err
		}
		if err := b.forward(ctx, ep, env, out); err != nil {
			return err
		}
	}
	return nil
}

// forward sends a method result to the reply channel named by the request, or
// else to the endpoint's output channel.
func (b *MessageBus) forward(ctx context.Context, ep *Endpoint, req *Envelope, out any) error {
	if out == nil {
		return nil
	}
	if v := reflect.ValueOf(out); (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
		return nil
	}
	target := req.Item(HeaderReplyTo)
	if target == "" {
		target = ep.OutputChannel()
	}
	if target == "" {
		return nil
	}
	ch, err := b.channels.GetOrCreate(target)
	if err != nil {
		return err
	}
	reply := NewEnvelope(out)
	reply.Header.Timestamp = b.clock.Now()
	reply.Header.CorrelationID = req.Header.CorrelationID
	reply.SetItem(HeaderMessageType, TypeNameOf(out))
	return ch.Send(ctx, reply)
}

// Metrics returns current bus counters.
func (b *MessageBus) Metrics() Metrics {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Sent:              b.metrics.sent.Load(),
		Received:          b.metrics.received.Load(),
		Dispatched:        b.metrics.dispatched.Load(),
		FanoutErrors:      b.metrics.fanoutErrors.Load(),
		Errors:            b.metrics.errors.Load(),
		EventsDropped:     dropped,
		Pending:           pending,
		AvgDispatchTimeMs: float64(b.metrics.dispatchNs.Load()) / 1e6,
	}
}

// Health reports unhealthy once closed and degraded above a 5% error rate.
func (b *MessageBus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.Metrics()
	status := "healthy"
	total := metrics.Sent + metrics.Dispatched
	if metrics.Errors > 0 && (total == 0 || float64(metrics.Errors)/float64(total) > 0.05) {
		status = "degraded"
	}
	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close stops the pumps and the dispatch loop, forwards still-queued
// envelopes to their subscriptions' URIs, then releases transports and the
// observer pool. It is idempotent.
func (b *MessageBus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		// 1. Stop feeding the queue. No pump or loop starts after this.
		b.regMu.Lock()
		b.shutdown = true
		pumps := make([]*BackgroundService, 0, len(b.pumps))
		for _, p := range b.pumps {
			pumps = append(pumps, p)
		}
		loopDone, cancel := b.loopDone, b.cancel
		b.regMu.Unlock()
		for _, p := range pumps {
			_ = p.Close()
		}

		// 2. Stop the dispatch loop after its current message.
		b.mu.Lock()
		b.stopping = true
		b.cond.Broadcast()
		b.mu.Unlock()
		if loopDone != nil {
			<-loopDone
			cancel()
		}
		b.closed.Store(true)

		// 3. Forward what is left.
		b.mu.Lock()
		left := b.pending
		b.pending = nil
		b.mu.Unlock()
		for _, env := range left {
			b.forwardOnShutdown(ctx, env)
		}

		// 4. Release resources.
		if err := b.template.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xmsg: transport close failed")
			closeErr = err
		}
		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xmsg: observer pool shutdown timeout")
				closeErr = errors.Join(closeErr, err)
			}
		}
	})

	return closeErr
}

func (b *MessageBus) forwardOnShutdown(ctx context.Context, env *Envelope) {
	msg, err := b.decode(env)
	if err == nil {
		var subs []Subscription
		subs, err = b.route(ctx, env, msg)
		for _, sub := range subs {
			if ferr := b.template.DoSend(ctx, sub.URI, env); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
	}
	if err != nil {
		b.logger.Warn().Err(err).Str("message_id", env.Header.MessageID).Msg("xmsg: could not forward queued message on shutdown")
	}
}

// AddObserver registers an observer (thread-safe).
func (b *MessageBus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
	b.plain.AddObserver(obs)
	b.sagas.AddObserver(obs)
}

// RemoveObserver removes an observer.
func (b *MessageBus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
	b.observersMu.Unlock()
	b.plain.RemoveObserver(obs)
	b.sagas.RemoveObserver(obs)
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (b *MessageBus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordDispatchTime keeps an exponential moving average of dispatch time.
func (b *MessageBus) recordDispatchTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.dispatchNs.Load()
	if current == 0 {
		b.metrics.dispatchNs.Store(ns)
		return
	}
	b.metrics.dispatchNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
