package xmsg

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/trickstertwo/xlog"
)

// SagaPersister stores the state of one saga type.
type SagaPersister interface {
	// Find returns the stored instance, or nil and no error when absent.
	Find(ctx context.Context, id string) (Saga, error)
	// Save inserts or replaces the instance under its id.
	Save(ctx context.Context, saga Saga) error
	// Complete removes the instance.
	Complete(ctx context.Context, id string) error
}

// NewSagaInstance allocates a zero instance of a saga type. t must be a
// pointer to a struct implementing Saga.
func NewSagaInstance(t reflect.Type) (Saga, error) {
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("%w: saga type %v must be a pointer", ErrInvalidEndpoint, t)
	}
	s, ok := reflect.New(t.Elem()).Interface().(Saga)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not implement Saga", ErrInvalidEndpoint, TypeName(t))
	}
	return s, nil
}

// EncodeSaga snapshots a saga as JSON.
func EncodeSaga(s Saga) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSaga restores a snapshot into a fresh instance of t.
func DecodeSaga(t reflect.Type, data []byte) (Saga, error) {
	s, err := NewSagaInstance(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", TypeName(t), err)
	}
	return s, nil
}

// InMemorySagaPersister keeps JSON snapshots so callers never share state
// with the store.
type InMemorySagaPersister struct {
	sagaType reflect.Type

	mu    sync.RWMutex
	state map[string][]byte
}

var _ SagaPersister = (*InMemorySagaPersister)(nil)

// NewInMemorySagaPersister returns a store for instances shaped like sample.
func NewInMemorySagaPersister(sample Saga) *InMemorySagaPersister {
	return newInMemorySagaPersister(reflect.TypeOf(sample))
}

func newInMemorySagaPersister(t reflect.Type) *InMemorySagaPersister {
	return &InMemorySagaPersister{sagaType: t, state: make(map[string][]byte)}
}

func (p *InMemorySagaPersister) Find(_ context.Context, id string) (Saga, error) {
	p.mu.RLock()
	data, ok := p.state[id]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return DecodeSaga(p.sagaType, data)
}

func (p *InMemorySagaPersister) Save(_ context.Context, s Saga) error {
	if s == nil || s.SagaID() == "" {
		return ErrMissingCorrelation
	}
	data, err := EncodeSaga(s)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.state[s.SagaID()] = data
	p.mu.Unlock()
	return nil
}

func (p *InMemorySagaPersister) Complete(_ context.Context, id string) error {
	p.mu.Lock()
	delete(p.state, id)
	p.mu.Unlock()
	return nil
}

// Len returns the number of stored instances.
func (p *InMemorySagaPersister) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.state)
}

// SagaPersisters resolves the persister for a saga type. Types with no
// registered persister get an in-memory one, created once and reused.
type SagaPersisters struct {
	logger *xlog.Logger

	mu     sync.RWMutex
	byType map[reflect.Type]SagaPersister
}

// NewSagaPersisters returns an empty registry.
func NewSagaPersisters(logger *xlog.Logger) *SagaPersisters {
	if logger == nil {
		logger = xlog.Default()
	}
	return &SagaPersisters{logger: logger, byType: make(map[reflect.Type]SagaPersister)}
}

// Register binds p to the dynamic type of sample.
func (r *SagaPersisters) Register(sample Saga, p SagaPersister) {
	if sample == nil || p == nil {
		return
	}
	r.mu.Lock()
	r.byType[reflect.TypeOf(sample)] = p
	r.mu.Unlock()
}

// For returns the persister for t, falling back to an in-memory one.
func (r *SagaPersisters) For(t reflect.Type) SagaPersister {
	r.mu.RLock()
	p, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byType[t]; ok {
		return p
	}
	mem := newInMemorySagaPersister(t)
	r.byType[t] = mem
	r.logger.Warn().Str("saga", TypeName(t)).Msg("xmsg: no saga persister registered, using in-memory store")
	return mem
}
