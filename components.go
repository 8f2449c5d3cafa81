package xmsg

import (
	"context"
	"fmt"
)

// StringToBytes converts a string body to []byte. Other bodies pass through.
func StringToBytes() Component {
	return ComponentFunc("string-to-bytes", func(_ context.Context, env *Envelope) (*Envelope, error) {
		if s, ok := env.Body.(string); ok {
			env.Body = []byte(s)
		}
		return env, nil
	})
}

// BytesToString converts a []byte body to string. Other bodies pass through.
func BytesToString() Component {
	return ComponentFunc("bytes-to-string", func(_ context.Context, env *Envelope) (*Envelope, error) {
		if b, ok := env.Body.([]byte); ok {
			env.Body = string(b)
		}
		return env, nil
	})
}

// SerializeComponent replaces the body with its serialized bytes and records
// the message type in the header.
func SerializeComponent(s Serializer) Component {
	return ComponentFunc("serialize-"+s.Name(), func(_ context.Context, env *Envelope) (*Envelope, error) {
		if _, raw := env.Body.([]byte); raw {
			return env, nil
		}
		data, err := s.Serialize(env.Body)
		if err != nil {
			return nil, err
		}
		env.SetItem(HeaderMessageType, TypeNameOf(env.Body))
		env.Body = data
		return env, nil
	})
}

// DeserializeComponent replaces a []byte or string body with the decoded object.
func DeserializeComponent(s Serializer) Component {
	return ComponentFunc("deserialize-"+s.Name(), func(_ context.Context, env *Envelope) (*Envelope, error) {
		var data []byte
		switch b := env.Body.(type) {
		case []byte:
			data = b
		case string:
			data = []byte(b)
		default:
			return nil, fmt.Errorf("%w: got %T", ErrUnsupportedBody, env.Body)
		}
		v, err := s.Deserialize(data)
		if err != nil {
			return nil, err
		}
		env.Body = v
		return env, nil
	})
}
