package xmsg

import (
	"context"
	"errors"
	"sync"
)

// MessagingTemplate sends to and receives from arbitrary URIs, opening one
// transport per URI on first use and keeping it until Close.
type MessagingTemplate struct {
	factory *AdapterFactory
	retry   RetryStrategy

	mu         sync.Mutex
	transports map[string]Transport
	closed     bool
}

// NewMessagingTemplate builds a template on top of factory.
func NewMessagingTemplate(factory *AdapterFactory) *MessagingTemplate {
	if factory == nil {
		factory = NewAdapterFactory(nil)
	}
	return &MessagingTemplate{
		factory:    factory,
		retry:      factory.retry,
		transports: make(map[string]Transport),
	}
}

func (m *MessagingTemplate) transport(ctx context.Context, uri string) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrAdapterClosed
	}
	if t, ok := m.transports[uri]; ok {
		return t, nil
	}
	t, err := m.factory.OpenTransport(ctx, uri)
	if err != nil {
		return nil, err
	}
	m.transports[uri] = t
	return t, nil
}

// DoSend submits env to uri, retrying transient failures.
func (m *MessagingTemplate) DoSend(ctx context.Context, uri string, env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	t, err := m.transport(ctx, uri)
	if err != nil {
		return err
	}
	if err := m.retry.Do(ctx, func() error { return t.Send(ctx, env) }); err != nil {
		return &AdapterError{Adapter: "template", URI: uri, Op: "send", Err: err}
	}
	return nil
}

// DoReceive returns the next envelope pending at uri, or NullEnvelope.
func (m *MessagingTemplate) DoReceive(ctx context.Context, uri string) (*Envelope, error) {
	t, err := m.transport(ctx, uri)
	if err != nil {
		return NullEnvelope(), err
	}
	env, err := t.Receive(ctx)
	if err != nil {
		return NullEnvelope(), &AdapterError{Adapter: "template", URI: uri, Op: "receive", Err: err}
	}
	return env, nil
}

// Close releases every cached transport.
func (m *MessagingTemplate) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ts := m.transports
	m.transports = nil
	m.mu.Unlock()

	var errs []error
	for _, t := range ts {
		if err := t.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
