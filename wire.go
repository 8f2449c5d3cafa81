package xmsg

import (
	"encoding/json"
	"fmt"
)

// wireEnvelope is the byte form used by transports that cross a process boundary.
type wireEnvelope struct {
	Header Header `json:"header"`
	Body   []byte `json:"body"`
	Text   bool   `json:"text,omitempty"`
}

// MarshalEnvelope encodes env for a byte transport. The body must already be
// []byte or string; run a serializing send pipeline first for objects.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if env.IsNull() {
		return nil, ErrNilEnvelope
	}
	w := wireEnvelope{Header: env.Header}
	switch b := env.Body.(type) {
	case []byte:
		w.Body = b
	case string:
		w.Body, w.Text = []byte(b), true
	case nil:
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedBody, env.Body)
	}
	return json.Marshal(w)
}

// UnmarshalEnvelope is the inverse of MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("xmsg: decode envelope: %w", err)
	}
	env := &Envelope{Header: w.Header}
	if w.Text {
		env.Body = string(w.Body)
	} else {
		env.Body = w.Body
	}
	return env, nil
}
