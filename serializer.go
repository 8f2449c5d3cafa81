package xmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Serializer is the Strategy for turning message objects into bytes and back.
// Types lists the concrete types the serializer knows; match-all subscriptions
// expand against it.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte) (any, error)
	Types() []reflect.Type
	Name() string
}

// TypeRegistrar is implemented by serializers that accept new known types.
type TypeRegistrar interface {
	RegisterType(t reflect.Type)
}

// SerializerFactory constructs serializers via Factory pattern.
type SerializerFactory func() Serializer

var (
	serializerRegistryMu sync.RWMutex
	serializerRegistry   = map[string]SerializerFactory{
		"json": func() Serializer { return NewJSONSerializer() },
	}
)

// RegisterSerializer registers a serializer factory by name.
func RegisterSerializer(name string, factory SerializerFactory) error {
	if name == "" {
		return errors.New("serializer name must not be empty")
	}
	if factory == nil {
		return errors.New("serializer factory must not be nil")
	}
	serializerRegistryMu.Lock()
	serializerRegistry[name] = factory
	serializerRegistryMu.Unlock()
	return nil
}

// NewSerializer constructs a serializer by name or returns an error.
func NewSerializer(name string) (Serializer, error) {
	serializerRegistryMu.RLock()
	f, ok := serializerRegistry[name]
	serializerRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("serializer %q not registered", name)
	}
	return f(), nil
}

// TypeName is the stable name used for subscriptions and payload tagging.
func TypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		return "*" + TypeName(t.Elem())
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// TypeNameOf returns TypeName of v's dynamic type.
func TypeNameOf(v any) string {
	return TypeName(reflect.TypeOf(v))
}

// JSONSerializer writes self-describing JSON: {"type": "<TypeName>", "data": ...}.
type JSONSerializer struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	order []reflect.Type
}

type jsonPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewJSONSerializer returns a serializer knowing the types of samples.
func NewJSONSerializer(samples ...any) *JSONSerializer {
	s := &JSONSerializer{types: make(map[string]reflect.Type)}
	s.Register(samples...)
	return s
}

// Register adds the dynamic types of samples to the known-type catalog.
func (s *JSONSerializer) Register(samples ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range samples {
		t := reflect.TypeOf(v)
		if t == nil {
			continue
		}
		s.registerLocked(t)
	}
}

// RegisterType adds t to the catalog.
func (s *JSONSerializer) RegisterType(t reflect.Type) {
	if t == nil || t.Kind() == reflect.Interface {
		return
	}
	s.mu.Lock()
	s.registerLocked(t)
	s.mu.Unlock()
}

func (s *JSONSerializer) registerLocked(t reflect.Type) {
	name := TypeName(t)
	if _, ok := s.types[name]; ok {
		return
	}
	s.types[name] = t
	s.order = append(s.order, t)
}

// Types returns the catalog in registration order.
func (s *JSONSerializer) Types() []reflect.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reflect.Type, len(s.order))
	copy(out, s.order)
	return out
}

func (s *JSONSerializer) Name() string { return "json" }

// Serialize encodes v; its type must be registered.
func (s *JSONSerializer) Serialize(v any) ([]byte, error) {
	name := TypeNameOf(v)
	s.mu.RLock()
	_, ok := s.types[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", name, err)
	}
	return json.Marshal(jsonPayload{Type: name, Data: data})
}

// Deserialize decodes a payload produced by Serialize into a value of the
// registered type (a pointer if the type was registered as a pointer).
func (s *JSONSerializer) Deserialize(data []byte) (any, error) {
	var p jsonPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("deserialize: %w", err)
	}
	s.mu.RLock()
	t, ok := s.types[p.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}

	base := t
	if t.Kind() == reflect.Pointer {
		base = t.Elem()
	}
	ptr := reflect.New(base)
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("deserialize %s: %w", p.Type, err)
		}
	}
	if t.Kind() == reflect.Pointer {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}

var (
	_ Serializer    = (*JSONSerializer)(nil)
	_ TypeRegistrar = (*JSONSerializer)(nil)
)
