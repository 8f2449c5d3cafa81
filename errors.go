package xmsg

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNilEnvelope           = errors.New("xmsg: envelope must not be nil, use NullEnvelope()")
	ErrEmptyChannelName      = errors.New("xmsg: channel name must not be empty")
	ErrReceiveTimeout        = errors.New("xmsg: receive timeout exceeded")
	ErrDirectionNotSupported = errors.New("xmsg: pipeline direction not supported")
	ErrPipelineAborted       = errors.New("xmsg: pipeline aborted by null envelope")
	ErrNoSubscription        = errors.New("xmsg: no subscription for message type")
	ErrCorrelationMismatch   = errors.New("xmsg: correlation id mismatch")
	ErrMissingCorrelation    = errors.New("xmsg: orchestrated message has no conversation to join")
	ErrUnknownScheme         = errors.New("xmsg: unknown adapter scheme")
	ErrMissingComponent      = errors.New("xmsg: uri has no component")
	ErrMissingMethod         = errors.New("xmsg: uri has no method parameter")
	ErrMissingChannel        = errors.New("xmsg: uri has no channel parameter")
	ErrComponentNotFound     = errors.New("xmsg: component not found")
	ErrMethodNotFound        = errors.New("xmsg: method not found")
	ErrMethodArity           = errors.New("xmsg: method has wrong parameter arity")
	ErrAmbiguousMethod       = errors.New("xmsg: ambiguous method match")
	ErrNoMethod              = errors.New("xmsg: no method accepts message")
	ErrInvalidEndpoint       = errors.New("xmsg: invalid endpoint")
	ErrUnsupportedBody       = errors.New("xmsg: envelope body must be []byte or string")
	ErrUnknownType           = errors.New("xmsg: type not registered with serializer")
	ErrBusClosed             = errors.New("xmsg: bus is closed")
	ErrAdapterClosed         = errors.New("xmsg: adapter is closed")

	ErrObserverPoolShutdownTimeout = errors.New("xmsg: observer pool shutdown timeout")
)

// ReceiveTimeoutError is returned by Channel.Receive when no message arrived in time.
type ReceiveTimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *ReceiveTimeoutError) Error() string {
	return fmt.Sprintf("xmsg: receive on channel %q exceeded %s", e.Channel, e.Timeout)
}

func (e *ReceiveTimeoutError) Unwrap() error { return ErrReceiveTimeout }

// PipelineError carries the pipeline, the failing stage and the envelope being processed.
type PipelineError struct {
	Pipeline  string
	Stage     string
	MessageID string
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("xmsg: pipeline %q stage %q (message %s): %v", e.Pipeline, e.Stage, e.MessageID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ConfigurationError marks a fatal wiring problem: a message that would otherwise be lost.
type ConfigurationError struct {
	Subject string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("xmsg: configuration error for %s: %v", e.Subject, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// AdapterError is raised by adapters on start, receive or send failures.
type AdapterError struct {
	Adapter string
	URI     string
	Op      string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("xmsg: adapter %s (%s) %s: %v", e.Adapter, e.URI, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// SagaError wraps any failure while handling a conversation message.
type SagaError struct {
	SagaType    string
	SagaID      string
	MessageType string
	Err         error
}

func (e *SagaError) Error() string {
	return fmt.Sprintf("xmsg: saga %s[%s] handling %s: %v", e.SagaType, e.SagaID, e.MessageType, e.Err)
}

func (e *SagaError) Unwrap() error { return e.Err }
