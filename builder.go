package xmsg

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs MessageBus instances (Builder pattern).
type BusBuilder struct {
	serializerName string
	serializerInst Serializer

	channels      *ChannelRegistry
	components    *Components
	subscriptions SubscriptionPersister
	persisters    *SagaPersisters
	sagaStores    []sagaStore
	schemes       map[string]TransportFactory

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	retry       RetryStrategy
	service     ServiceConfig

	pumpTimeout     time.Duration
	observerWorkers int
	observerBuffer  int
}

type sagaStore struct {
	sample    Saga
	persister SagaPersister
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		serializerName:  "json",
		retry:           DefaultRetryStrategy(),
		service:         ServiceConfig{Concurrency: 1},
		pumpTimeout:     250 * time.Millisecond,
		observerWorkers: 2,
		observerBuffer:  1024,
		schemes:         make(map[string]TransportFactory),
	}
}

// WithSerializer selects a registered serializer by name.
func (bb *BusBuilder) WithSerializer(name string) *BusBuilder {
	bb.serializerName = name
	return bb
}

// WithSerializerInstance accepts a ready Serializer.
func (bb *BusBuilder) WithSerializerInstance(s Serializer) *BusBuilder {
	bb.serializerInst = s
	return bb
}

// WithChannels shares an existing channel registry.
func (bb *BusBuilder) WithChannels(r *ChannelRegistry) *BusBuilder {
	bb.channels = r
	return bb
}

// WithComponents shares an existing component registry.
func (bb *BusBuilder) WithComponents(c *Components) *BusBuilder {
	bb.components = c
	return bb
}

// WithSubscriptionPersister replaces the in-memory subscription store.
func (bb *BusBuilder) WithSubscriptionPersister(p SubscriptionPersister) *BusBuilder {
	bb.subscriptions = p
	return bb
}

// WithSagaPersisters shares a persister registry.
func (bb *BusBuilder) WithSagaPersisters(p *SagaPersisters) *BusBuilder {
	bb.persisters = p
	return bb
}

// WithSagaPersister registers p for the dynamic type of sample.
func (bb *BusBuilder) WithSagaPersister(sample Saga, p SagaPersister) *BusBuilder {
	if sample != nil && p != nil {
		bb.sagaStores = append(bb.sagaStores, sagaStore{sample: sample, persister: p})
	}
	return bb
}

// WithScheme registers a transport for this bus only.
func (bb *BusBuilder) WithScheme(scheme string, f TransportFactory) *BusBuilder {
	if scheme != "" && f != nil {
		bb.schemes[scheme] = f
	}
	return bb
}

// WithMiddleware wraps every dispatch. RecoveryMiddleware is always applied first.
func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithRetry sets the retry strategy used for transport sends.
func (bb *BusBuilder) WithRetry(r RetryStrategy) *BusBuilder {
	bb.retry = r
	return bb
}

// WithPumpService sets the execution settings of the channel pumps.
func (bb *BusBuilder) WithPumpService(cfg ServiceConfig) *BusBuilder {
	bb.service = cfg
	return bb
}

// WithPumpTimeout bounds each channel receive of a pump.
func (bb *BusBuilder) WithPumpTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.pumpTimeout = d
	}
	return bb
}

// WithObserverPool sizes the async observer pool.
func (bb *BusBuilder) WithObserverPool(workers, buffer int) *BusBuilder {
	if workers > 0 {
		bb.observerWorkers = workers
	}
	if buffer > 0 {
		bb.observerBuffer = buffer
	}
	return bb
}

func (bb *BusBuilder) Build() (*MessageBus, error) {
	var err error
	ser := bb.serializerInst
	if ser == nil {
		ser, err = NewSerializer(bb.serializerName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	channels := bb.channels
	if channels == nil {
		channels = NewChannelRegistry(WithChannelClock(clk), WithChannelLogger(lg))
	}
	components := bb.components
	if components == nil {
		components = NewComponents()
	}
	subs := bb.subscriptions
	if subs == nil {
		subs = NewInMemorySubscriptionPersister()
	}
	persisters := bb.persisters
	if persisters == nil {
		persisters = NewSagaPersisters(lg)
	}
	for _, s := range bb.sagaStores {
		persisters.Register(s.sample, s.persister)
	}

	factory := NewAdapterFactory(channels,
		WithComponents(components),
		WithFactoryLogger(lg),
		WithFactoryClock(clk),
		WithDefaultRetry(bb.retry),
	)
	for scheme, f := range bb.schemes {
		factory.Register(scheme, f)
	}

	b := &MessageBus{
		serializer:    ser,
		subscriptions: subs,
		builder:       NewSubscriptionBuilder(ser),
		factory:       factory,
		template:      NewMessagingTemplate(factory),
		channels:      channels,
		components:    components,
		plain:         &DefaultStrategy{},
		middlewares:   append([]Middleware{RecoveryMiddleware()}, bb.middlewares...),
		clock:         clk,
		logger:        lg,
		pumpTimeout:   bb.pumpTimeout,
		pumpService:   bb.service,
		observerPool:  NewObserverPool(bb.observerWorkers, bb.observerBuffer),
		endpoints:     make(map[string]*Endpoint),
		pumps:         make(map[string]*BackgroundService),
		metrics:       &busMetrics{},
	}
	b.cond = sync.NewCond(&b.mu)
	b.sagas = NewSagaStrategy(persisters, b, lg)

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}
	return b, nil
}

// New constructs a MessageBus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*MessageBus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
