package xmsg

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

// Saga is a component whose state spans several messages, tracked by a
// correlation id.
type Saga interface {
	SagaID() string
	SetSagaID(id string)
	IsCompleted() bool
	// AttachBus injects the live bus; nil detaches it before persistence.
	AttachBus(bus Sender)
}

// SagaBase implements Saga for embedding. The bus reference is never serialized.
type SagaBase struct {
	ID        string `json:"id"`
	Completed bool   `json:"completed"`

	bus Sender
}

func (s *SagaBase) SagaID() string       { return s.ID }
func (s *SagaBase) SetSagaID(id string)  { s.ID = id }
func (s *SagaBase) IsCompleted() bool    { return s.Completed }
func (s *SagaBase) AttachBus(bus Sender) { s.bus = bus }
func (s *SagaBase) Bus() Sender          { return s.bus }
func (s *SagaBase) MarkCompleted()       { s.Completed = true }

// Reset clears the conversation fields before a new conversation starts on a
// shared instance.
func (s *SagaBase) Reset() {
	s.ID = ""
	s.Completed = false
}

// Correlated is implemented by messages that carry their conversation id in
// the payload as well as in the envelope header.
type Correlated interface {
	CorrelationID() string
	SetCorrelationID(id string)
}

// SagaStrategy runs conversation methods: it restores state, assigns or
// checks the correlation id, invokes the method and persists the outcome.
// At most one invocation per (saga type, id) runs at a time.
type SagaStrategy struct {
	notifier

	persisters *SagaPersisters
	bus        Sender
	logger     *xlog.Logger

	locks keyedMutex
}

var _ MessageHandlingStrategy = (*SagaStrategy)(nil)

// NewSagaStrategy builds a strategy resolving persisters from persisters
// (a fresh registry when nil) and injecting bus into every saga it runs.
func NewSagaStrategy(persisters *SagaPersisters, bus Sender, logger *xlog.Logger) *SagaStrategy {
	if logger == nil {
		logger = xlog.Default()
	}
	if persisters == nil {
		persisters = NewSagaPersisters(logger)
	}
	return &SagaStrategy{persisters: persisters, bus: bus, logger: logger}
}

func (s *SagaStrategy) Name() string { return "saga" }

// Persisters returns the persister registry.
func (s *SagaStrategy) Persisters() *SagaPersisters { return s.persisters }

// IsSagaEndpoint reports whether ep's component is a Saga.
func IsSagaEndpoint(ep *Endpoint) bool {
	return ep != nil && ep.ComponentType().Implements(reflect.TypeOf((*Saga)(nil)).Elem())
}

func incomingCorrelation(d *Dispatch) string {
	if c, ok := d.Message.(Correlated); ok && c.CorrelationID() != "" {
		return c.CorrelationID()
	}
	if !d.Envelope.IsNull() {
		return d.Envelope.Header.CorrelationID
	}
	return ""
}

func stampCorrelation(d *Dispatch, id string) {
	if c, ok := d.Message.(Correlated); ok {
		c.SetCorrelationID(id)
	}
	if !d.Envelope.IsNull() {
		d.Envelope.Header.CorrelationID = id
	}
}

// Execute handles one conversation message.
func (s *SagaStrategy) Execute(ctx context.Context, d *Dispatch) (any, error) {
	inst := d.Endpoint.Instance()
	saga, ok := inst.(Saga)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a saga", ErrInvalidEndpoint, d.Endpoint.Name())
	}
	sagaType := reflect.TypeOf(inst)
	typeName := TypeName(sagaType)
	msgType := TypeNameOf(d.Message)
	wrap := func(id string, err error) error {
		return &SagaError{SagaType: typeName, SagaID: id, MessageType: msgType, Err: err}
	}

	incoming := incomingCorrelation(d)
	persister := s.persisters.For(sagaType)

	var id string
	if d.Method.Role == RoleInitiates {
		// A new conversation always gets a fresh id, whatever the message carries.
		if r, ok := saga.(interface{ Reset() }); ok {
			r.Reset()
		}
		id = uuid.NewString()
	} else {
		id = saga.SagaID()
		if id == "" {
			id = incoming
		}
	}

	unlock := s.locks.lock(typeName + "/" + id)
	defer unlock()

	if d.Method.Role != RoleInitiates && id != "" {
		stored, err := persister.Find(ctx, id)
		if err != nil {
			return nil, wrap(id, fmt.Errorf("load: %w", err))
		}
		switch {
		case stored != nil:
			saga = stored
		case d.Method.Role == RoleOrchestrates:
			return nil, wrap(id, fmt.Errorf("%w: conversation %s not found", ErrMissingCorrelation, id))
		}
	}

	saga.AttachBus(s.bus)

	switch d.Method.Role {
	case RoleInitiates:
		saga.SetSagaID(id)
	case RoleOrchestrates:
		if saga.SagaID() == "" {
			return nil, wrap("", ErrMissingCorrelation)
		}
		if incoming != "" && incoming != saga.SagaID() {
			return nil, wrap(saga.SagaID(), fmt.Errorf("%w: message carries %s", ErrCorrelationMismatch, incoming))
		}
	}
	if saga.SagaID() != "" {
		stampCorrelation(d, saga.SagaID())
	}

	out, err := d.Endpoint.Invoke(ctx, d.Method, saga, d.Message)
	if err != nil {
		return nil, wrap(saga.SagaID(), err)
	}

	if saga.SagaID() != "" {
		if saga.IsCompleted() {
			err = persister.Complete(ctx, saga.SagaID())
		} else {
			saga.AttachBus(nil)
			err = persister.Save(ctx, saga)
			saga.AttachBus(s.bus)
		}
		if err != nil {
			return nil, wrap(saga.SagaID(), fmt.Errorf("persist: %w", err))
		}
	}

	s.notify(Event{Type: StrategyCompleted, Source: typeName, MessageID: messageIDOf(d.Envelope)})
	s.logger.Debug().
		Str("saga", typeName).
		Str("saga_id", saga.SagaID()).
		Str("method", d.Method.Name).
		Msg("xmsg: saga message handled")
	return out, nil
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
