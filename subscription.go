package xmsg

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Subscription binds a message type to a component method and channel.
// Match-all subscriptions declare an interface in MessageType and record the
// concrete type they were expanded for in ConcreteMessageType.
type Subscription struct {
	ID                  string `json:"id"`
	Channel             string `json:"channel"`
	MessageType         string `json:"message_type"`
	ConcreteMessageType string `json:"concrete_message_type,omitempty"`
	Method              string `json:"method"`
	Component           string `json:"component"`
	URI                 string `json:"uri,omitempty"`

	declared reflect.Type
}

// Key identifies the (component, message type, method) triple. Persisters
// dedupe on it.
func (s Subscription) Key() string {
	return s.Component + "|" + s.MessageType + "|" + s.ConcreteMessageType + "|" + s.Method
}

// Matches reports whether a message of runtime type t is routed by s: either
// t is exactly the declared type, or the declared type is an interface t
// implements and t is exactly the recorded concrete type. Subscriptions loaded
// from a durable store have no declared type and match on names alone.
func (s Subscription) Matches(t reflect.Type) bool {
	if t == nil {
		return false
	}
	name := TypeName(t)
	if s.ConcreteMessageType == "" {
		return s.MessageType == name
	}
	if s.ConcreteMessageType != name {
		return false
	}
	if s.declared != nil && s.declared.Kind() == reflect.Interface {
		return t.Implements(s.declared)
	}
	return true
}

// SubscriptionBuilder derives subscriptions from endpoints. Match-all methods
// are expanded over the serializer's known-type catalog.
type SubscriptionBuilder struct {
	serializer Serializer
}

// NewSubscriptionBuilder returns a builder using s for the type catalog.
func NewSubscriptionBuilder(s Serializer) *SubscriptionBuilder {
	return &SubscriptionBuilder{serializer: s}
}

// BuildSubscriptions returns one subscription per one-argument method, or one
// per known concrete type for match-all methods. Producers are skipped.
func (b *SubscriptionBuilder) BuildSubscriptions(ep *Endpoint) []Subscription {
	if ep == nil {
		return nil
	}
	var known []reflect.Type
	if b.serializer != nil {
		known = b.serializer.Types()
	}

	var out []Subscription
	for _, m := range ep.Methods() {
		if m.Arity != 1 {
			continue
		}
		base := Subscription{
			Channel:     ep.Channel(),
			MessageType: TypeName(m.MessageType),
			Method:      m.Name,
			Component:   ep.Name(),
			URI:         ep.URI(),
			declared:    m.MessageType,
		}
		if !m.MatchAll {
			base.ID = uuid.NewString()
			out = append(out, base)
			continue
		}
		for _, t := range known {
			if t.Kind() == reflect.Interface || !t.Implements(m.MessageType) {
				continue
			}
			s := base
			s.ID = uuid.NewString()
			s.ConcreteMessageType = TypeName(t)
			out = append(out, s)
		}
	}
	return out
}

// SubscriptionPersister stores subscriptions.
type SubscriptionPersister interface {
	// Add stores subs, ignoring ones whose (component, type, method) is already present.
	Add(ctx context.Context, subs ...Subscription) error
	Remove(ctx context.Context, id string) error
	// Find returns the subscriptions routing msg; empty means unroutable.
	Find(ctx context.Context, msg any) ([]Subscription, error)
	All(ctx context.Context) ([]Subscription, error)
}

// InMemorySubscriptionPersister keeps subscriptions in insertion order.
type InMemorySubscriptionPersister struct {
	mu   sync.RWMutex
	subs []Subscription
	keys map[string]struct{}
}

var _ SubscriptionPersister = (*InMemorySubscriptionPersister)(nil)

// NewInMemorySubscriptionPersister returns an empty persister.
func NewInMemorySubscriptionPersister() *InMemorySubscriptionPersister {
	return &InMemorySubscriptionPersister{keys: make(map[string]struct{})}
}

func (p *InMemorySubscriptionPersister) Add(_ context.Context, subs ...Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range subs {
		k := s.Key()
		if _, ok := p.keys[k]; ok {
			continue
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		p.keys[k] = struct{}{}
		p.subs = append(p.subs, s)
	}
	return nil
}

func (p *InMemorySubscriptionPersister) Remove(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.ID == id {
			delete(p.keys, s.Key())
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (p *InMemorySubscriptionPersister) Find(_ context.Context, msg any) ([]Subscription, error) {
	t := reflect.TypeOf(msg)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Subscription
	for _, s := range p.subs {
		if s.Matches(t) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *InMemorySubscriptionPersister) All(context.Context) ([]Subscription, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Subscription, len(p.subs))
	copy(out, p.subs)
	return out, nil
}

// FilterSubscriptions is the Find logic for persisters that load all
// subscriptions first.
func FilterSubscriptions(subs []Subscription, msg any) []Subscription {
	t := reflect.TypeOf(msg)
	var out []Subscription
	for _, s := range subs {
		if s.Matches(t) {
			out = append(out, s)
		}
	}
	return out
}
