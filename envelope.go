package xmsg

import (
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Well-known header item keys.
const (
	HeaderMessageType  = "xmsg-message-type"
	HeaderReplyTo      = "xmsg-reply-to"
	HeaderSourceURI    = "xmsg-source-uri"
	// HeaderSubscription names the subscription a bus envelope was fanned out for.
	HeaderSubscription = "xmsg-subscription"
)

// Header is the metadata part of an Envelope.
type Header struct {
	MessageID     string            `json:"message_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	SequenceSize  int               `json:"sequence_size,omitempty"`
	InputChannel  string            `json:"input_channel,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Items         map[string]string `json:"items,omitempty"`
}

// Envelope is the message in transit: a Header plus a Body of any type.
// Pipelines replace the Body in place as it flows through their stages.
type Envelope struct {
	Header Header
	Body   any
}

var nullEnvelope = &Envelope{Header: Header{MessageID: "null"}}

// NullEnvelope returns the sentinel meaning "no message".
func NullEnvelope() *Envelope { return nullEnvelope }

// NewEnvelope wraps body with a fresh message id.
func NewEnvelope(body any) *Envelope {
	return &Envelope{
		Header: Header{
			MessageID: uuid.NewString(),
			Timestamp: xclock.Default().Now(),
			Items:     make(map[string]string),
		},
		Body: body,
	}
}

// IsNull reports whether e is the null sentinel (or a nil pointer).
func (e *Envelope) IsNull() bool {
	return e == nil || e == nullEnvelope
}

// Item returns a header item.
func (e *Envelope) Item(key string) string {
	if e.IsNull() || e.Header.Items == nil {
		return ""
	}
	return e.Header.Items[key]
}

// SetItem sets a header item, allocating the map lazily.
func (e *Envelope) SetItem(key, value string) {
	if e.IsNull() {
		return
	}
	if e.Header.Items == nil {
		e.Header.Items = make(map[string]string)
	}
	e.Header.Items[key] = value
}

// Equal reports value equality of header and body.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == o {
		return true
	}
	if e.IsNull() || o.IsNull() {
		return false
	}
	return reflect.DeepEqual(e.Header, o.Header) && reflect.DeepEqual(e.Body, o.Body)
}

// Clone copies the header (including items) and keeps the same body reference.
func (e *Envelope) Clone() *Envelope {
	if e.IsNull() {
		return e
	}
	c := &Envelope{Header: e.Header, Body: e.Body}
	c.Header.Items = maps.Clone(e.Header.Items)
	return c
}

// BodyAs is the typed accessor for an envelope body.
func BodyAs[T any](e *Envelope) (T, bool) {
	var zero T
	if e.IsNull() {
		return zero, false
	}
	v, ok := e.Body.(T)
	return v, ok
}
