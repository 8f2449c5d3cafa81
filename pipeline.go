package xmsg

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Direction tells a pipeline which way an envelope is travelling.
type Direction int

const (
	Send Direction = iota + 1
	Receive
)

func (d Direction) String() string {
	switch d {
	case Send:
		return "send"
	case Receive:
		return "receive"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Component is one transformation stage. Returning NullEnvelope aborts the pipeline.
type Component interface {
	Name() string
	Execute(ctx context.Context, env *Envelope) (*Envelope, error)
}

// ComponentFunc adapts a function into a named Component.
func ComponentFunc(name string, fn func(ctx context.Context, env *Envelope) (*Envelope, error)) Component {
	return funcComponent{name: name, fn: fn}
}

type funcComponent struct {
	name string
	fn   func(ctx context.Context, env *Envelope) (*Envelope, error)
}

func (f funcComponent) Name() string { return f.name }

func (f funcComponent) Execute(ctx context.Context, env *Envelope) (*Envelope, error) {
	return f.fn(ctx, env)
}

// Pipeline runs its components in registration order for one Direction.
type Pipeline struct {
	notifier
	errorEvents

	name   string
	kind   Direction
	clock  xclock.Clock
	logger *xlog.Logger

	mu         sync.RWMutex
	components []Component
}

// NewSendPipeline returns an empty pipeline accepting only Send invocations.
func NewSendPipeline(name string) *Pipeline { return newPipeline(name, Send) }

// NewReceivePipeline returns an empty pipeline accepting only Receive invocations.
func NewReceivePipeline(name string) *Pipeline { return newPipeline(name, Receive) }

func newPipeline(name string, kind Direction) *Pipeline {
	return &Pipeline{
		name:   name,
		kind:   kind,
		clock:  xclock.Default(),
		logger: xlog.Default(),
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Kind returns the direction the pipeline serves.
func (p *Pipeline) Kind() Direction { return p.kind }

// RegisterComponents appends stages in order; a stage whose name is already
// registered is ignored.
func (p *Pipeline) RegisterComponents(cs ...Component) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cs {
		if c == nil || p.hasLocked(c.Name()) {
			continue
		}
		p.components = append(p.components, c)
	}
}

func (p *Pipeline) hasLocked(name string) bool {
	for _, c := range p.components {
		if c.Name() == name {
			return true
		}
	}
	return false
}

// Components returns the registered stages in order.
func (p *Pipeline) Components() []Component {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Component, len(p.components))
	copy(out, p.components)
	return out
}

// Invoke runs the stages over env. A stage returning the null envelope stops
// the run with ErrPipelineAborted naming that stage. Stage failures are wrapped
// in a *PipelineError; when an error listener is attached they are handed to
// it and Invoke returns the null envelope with a nil error.
func (p *Pipeline) Invoke(ctx context.Context, dir Direction, env *Envelope) (*Envelope, error) {
	if dir != p.kind {
		return NullEnvelope(), fmt.Errorf("%w: %s pipeline %q cannot run %s", ErrDirectionNotSupported, p.kind, p.name, dir)
	}
	if env == nil {
		return NullEnvelope(), ErrNilEnvelope
	}
	if env.IsNull() {
		return env, nil
	}

	start := p.clock.Now()
	msgID := env.Header.MessageID
	p.notify(Event{Type: PipelineStarted, Source: p.name, MessageID: msgID})

	current := env
	for _, c := range p.Components() {
		next, err := c.Execute(ctx, current)
		if err == nil && next.IsNull() {
			err = fmt.Errorf("%w: stage %q returned no envelope", ErrPipelineAborted, c.Name())
		}
		if err != nil {
			perr := &PipelineError{Pipeline: p.name, Stage: c.Name(), MessageID: msgID, Err: err}
			p.notify(Event{Type: Error, Source: p.name, Stage: c.Name(), MessageID: msgID, Err: perr})
			return NullEnvelope(), p.raise(perr)
		}
		current = next
		p.notify(Event{Type: StageCompleted, Source: p.name, Stage: c.Name(), MessageID: msgID})
	}

	p.notify(Event{Type: PipelineCompleted, Source: p.name, MessageID: msgID, Duration: p.clock.Since(start)})
	return current, nil
}

// run is a nil-safe helper used by adapters with optional pipelines.
func (p *Pipeline) run(ctx context.Context, env *Envelope) (*Envelope, error) {
	if p == nil {
		return env, nil
	}
	return p.Invoke(ctx, p.kind, env)
}
