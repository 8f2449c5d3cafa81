package xmsg

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Role tags a method's part in a conversation.
type Role int

const (
	// RoleNone marks a plain handler.
	RoleNone Role = iota
	// RoleInitiates starts a new conversation and assigns its correlation id.
	RoleInitiates
	// RoleOrchestrates continues an existing conversation.
	RoleOrchestrates
)

func (r Role) String() string {
	switch r {
	case RoleInitiates:
		return "initiates"
	case RoleOrchestrates:
		return "orchestrates"
	default:
		return "none"
	}
}

// Method is one entry of an endpoint's method table. Build it with Handle,
// HandleReply, HandleAll or Produce.
type Method struct {
	Name string
	// MessageType is the declared parameter type; nil for producers.
	MessageType reflect.Type
	// MatchAll expands the subscription to every known type implementing MessageType.
	MatchAll bool
	Role     Role
	// Arity is the number of message parameters (0 for producers, 1 otherwise).
	Arity int

	componentType reflect.Type
	invoke        func(ctx context.Context, component any, msg any) (any, error)
}

// MethodOption tunes a Method.
type MethodOption func(*Method)

// Initiates marks the method as the start of a conversation.
func Initiates() MethodOption { return func(m *Method) { m.Role = RoleInitiates } }

// Orchestrates marks the method as a continuation of a conversation.
func Orchestrates() MethodOption { return func(m *Method) { m.Role = RoleOrchestrates } }

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

func newMethod(name string, ct, mt reflect.Type, arity int, opts []MethodOption, invoke func(ctx context.Context, component any, msg any) (any, error)) Method {
	m := Method{
		Name:          name,
		MessageType:   mt,
		Arity:         arity,
		componentType: ct,
		invoke:        invoke,
	}
	for _, o := range opts {
		if o != nil {
			o(&m)
		}
	}
	return m
}

// Handle binds a one-way handler, typically a method expression such as
// (*Orders).Place.
func Handle[C any, M any](name string, fn func(C, context.Context, M) error, opts ...MethodOption) Method {
	return newMethod(name, typeOf[C](), typeOf[M](), 1, opts, func(ctx context.Context, component any, msg any) (any, error) {
		c, ok := component.(C)
		if !ok {
			return nil, fmt.Errorf("%w: component %T is not %s", ErrInvalidEndpoint, component, typeOf[C]())
		}
		m, ok := msg.(M)
		if !ok {
			return nil, fmt.Errorf("%w: %s cannot accept %T", ErrNoMethod, name, msg)
		}
		return nil, fn(c, ctx, m)
	})
}

// HandleReply binds a handler whose result is forwarded to the endpoint's
// output channel.
func HandleReply[C any, M any, R any](name string, fn func(C, context.Context, M) (R, error), opts ...MethodOption) Method {
	return newMethod(name, typeOf[C](), typeOf[M](), 1, opts, func(ctx context.Context, component any, msg any) (any, error) {
		c, ok := component.(C)
		if !ok {
			return nil, fmt.Errorf("%w: component %T is not %s", ErrInvalidEndpoint, component, typeOf[C]())
		}
		m, ok := msg.(M)
		if !ok {
			return nil, fmt.Errorf("%w: %s cannot accept %T", ErrNoMethod, name, msg)
		}
		return fn(c, ctx, m)
	})
}

// HandleAll binds a match-all handler: I must be an interface and the method
// subscribes to every known concrete type implementing it.
func HandleAll[C any, I any](name string, fn func(C, context.Context, I) error, opts ...MethodOption) Method {
	m := Handle[C, I](name, fn, opts...)
	m.MatchAll = true
	return m
}

// Produce binds a zero-argument method that yields messages, used by direct
// input adapters. A nil result means "nothing to produce".
func Produce[C any, R any](name string, fn func(C, context.Context) (R, error), opts ...MethodOption) Method {
	return newMethod(name, typeOf[C](), nil, 0, opts, func(ctx context.Context, component any, _ any) (any, error) {
		c, ok := component.(C)
		if !ok {
			return nil, fmt.Errorf("%w: component %T is not %s", ErrInvalidEndpoint, component, typeOf[C]())
		}
		return fn(c, ctx)
	})
}

// EndpointConfig declares a message endpoint.
type EndpointConfig struct {
	// Name identifies the component; defaults to its type name.
	Name string
	// Channel is the channel the endpoint subscribes to.
	Channel string
	// URI is where messages for this endpoint are sent; defaults to channel://<Channel>.
	URI string
	// OutputChannel receives non-nil method results.
	OutputChannel string
	// Component is the shared instance. New, when set, builds a fresh
	// instance for every message instead.
	Component any
	New       func() any
	// Middleware wraps every invocation.
	Middleware []Middleware
}

// Endpoint is a component with its compiled method table.
type Endpoint struct {
	cfg           EndpointConfig
	componentType reflect.Type
	methods       []*Method
	byName        map[string]*Method
	byType        map[reflect.Type][]*Method
	interfaces    []*Method
	invoker       Invoker
}

// NewEndpoint validates cfg and compiles the method table once.
func NewEndpoint(cfg EndpointConfig, methods ...Method) (*Endpoint, error) {
	if cfg.Channel == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, ErrMissingChannel)
	}
	sample := cfg.Component
	if cfg.New != nil {
		sample = cfg.New()
	}
	if sample == nil {
		return nil, fmt.Errorf("%w: endpoint on %q has no component", ErrInvalidEndpoint, cfg.Channel)
	}
	ct := reflect.TypeOf(sample)
	if cfg.Name == "" {
		cfg.Name = TypeName(ct)
	}
	if cfg.URI == "" {
		cfg.URI = "channel://" + cfg.Channel
	}

	ep := &Endpoint{
		cfg:           cfg,
		componentType: ct,
		byName:        make(map[string]*Method, len(methods)),
		byType:        make(map[reflect.Type][]*Method),
	}
	for i := range methods {
		m := methods[i]
		if m.Name == "" || m.invoke == nil {
			return nil, fmt.Errorf("%w: %s has an unnamed or unbound method", ErrInvalidEndpoint, cfg.Name)
		}
		if _, dup := ep.byName[m.Name]; dup {
			return nil, fmt.Errorf("%w: %s declares %s twice", ErrInvalidEndpoint, cfg.Name, m.Name)
		}
		if !ct.AssignableTo(m.componentType) {
			return nil, fmt.Errorf("%w: %s.%s expects component %s", ErrInvalidEndpoint, cfg.Name, m.Name, m.componentType)
		}
		if m.MatchAll && m.MessageType.Kind() != reflect.Interface {
			return nil, fmt.Errorf("%w: match-all method %s.%s needs an interface parameter", ErrInvalidEndpoint, cfg.Name, m.Name)
		}
		// An interface parameter can only ever be routed per concrete type.
		if m.Arity == 1 && m.MessageType.Kind() == reflect.Interface {
			m.MatchAll = true
		}
		mp := &m
		ep.methods = append(ep.methods, mp)
		ep.byName[m.Name] = mp
		if m.Arity == 0 {
			continue
		}
		if m.MessageType.Kind() == reflect.Interface {
			ep.interfaces = append(ep.interfaces, mp)
		} else {
			ep.byType[m.MessageType] = append(ep.byType[m.MessageType], mp)
		}
	}

	base := func(ctx context.Context, inv *Invocation) (any, error) {
		m := ep.byName[inv.Method]
		return m.invoke(ctx, inv.Component, inv.Message)
	}
	ep.invoker = Chain(base, cfg.Middleware...)
	return ep, nil
}

// Name returns the component id.
func (e *Endpoint) Name() string { return e.cfg.Name }

// Channel returns the subscribing channel.
func (e *Endpoint) Channel() string { return e.cfg.Channel }

// URI returns the remote location subscriptions point at.
func (e *Endpoint) URI() string { return e.cfg.URI }

// OutputChannel returns the channel receiving method results, if any.
func (e *Endpoint) OutputChannel() string { return e.cfg.OutputChannel }

// ComponentType returns the component's dynamic type.
func (e *Endpoint) ComponentType() reflect.Type { return e.componentType }

// Methods returns the declared methods in declaration order.
func (e *Endpoint) Methods() []*Method {
	out := make([]*Method, len(e.methods))
	copy(out, e.methods)
	return out
}

// Method looks a method up by name.
func (e *Endpoint) Method(name string) (*Method, error) {
	m, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, e.cfg.Name, name)
	}
	return m, nil
}

// Resolve picks the method accepting msg: an exact type match wins over an
// interface match. More than one candidate at the same level is ambiguous.
func (e *Endpoint) Resolve(msg any) (*Method, error) {
	t := reflect.TypeOf(msg)
	if t == nil {
		return nil, fmt.Errorf("%w: %s got a nil message", ErrNoMethod, e.cfg.Name)
	}
	if exact := e.byType[t]; len(exact) > 0 {
		if len(exact) > 1 {
			return nil, fmt.Errorf("%w: %s has %d methods for %s", ErrAmbiguousMethod, e.cfg.Name, len(exact), TypeName(t))
		}
		return exact[0], nil
	}
	var found []*Method
	for _, m := range e.interfaces {
		if t.Implements(m.MessageType) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s has no method for %s", ErrNoMethod, e.cfg.Name, TypeName(t))
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: %s has %d methods for %s", ErrAmbiguousMethod, e.cfg.Name, len(found), TypeName(t))
	}
}

// Instance returns the component that should handle the next message.
func (e *Endpoint) Instance() any {
	if e.cfg.New != nil {
		return e.cfg.New()
	}
	return e.cfg.Component
}

// Invoke calls m on component through the endpoint middleware.
func (e *Endpoint) Invoke(ctx context.Context, m *Method, component any, msg any) (any, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, e.cfg.Name)
	}
	return e.invoker(ctx, &Invocation{Endpoint: e.cfg.Name, Method: m.Name, Component: component, Message: msg})
}

// ComponentResolver resolves component ids used in direct:// URIs.
type ComponentResolver interface {
	Resolve(id string) (*Endpoint, bool)
}

// Components is the explicit component registry.
type Components struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewComponents returns a registry holding eps.
func NewComponents(eps ...*Endpoint) *Components {
	c := &Components{endpoints: make(map[string]*Endpoint)}
	for _, ep := range eps {
		c.Add(ep)
	}
	return c
}

// Add registers ep under its name, replacing a previous one.
func (c *Components) Add(ep *Endpoint) {
	if ep == nil {
		return
	}
	c.mu.Lock()
	c.endpoints[ep.Name()] = ep
	c.mu.Unlock()
}

// Resolve implements ComponentResolver.
func (c *Components) Resolve(id string) (*Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[id]
	return ep, ok
}

// Names lists the registered ids in sorted order.
func (c *Components) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.endpoints))
	for n := range c.endpoints {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
