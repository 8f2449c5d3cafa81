package xmsg

import (
	"sync"
	"time"
)

// EventType enumerates lifecycle notifications raised by channels, pipelines,
// adapters, strategies and the bus.
type EventType string

const (
	MessageSent       EventType = "message_sent"
	MessageReceived   EventType = "message_received"
	PipelineStarted   EventType = "pipeline_started"
	StageCompleted    EventType = "stage_completed"
	PipelineCompleted EventType = "pipeline_completed"
	AdapterStarted    EventType = "adapter_started"
	AdapterStopped    EventType = "adapter_stopped"
	AdapterFailed     EventType = "adapter_error"
	Dispatched        EventType = "dispatched"
	StrategyCompleted EventType = "strategy_completed"
	Error             EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Source    string // channel, pipeline, adapter or strategy name
	Stage     string
	MessageID string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

// Observer receives lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// notifier is the synchronous observer list shared by components.
type notifier struct {
	mu        sync.RWMutex
	observers []Observer
}

// AddObserver registers an observer (thread-safe).
func (n *notifier) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	n.mu.Lock()
	n.observers = append(n.observers, obs)
	n.mu.Unlock()
}

// RemoveObserver removes an observer.
func (n *notifier) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, o := range n.observers {
		if o == obs {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			break
		}
	}
}

func (n *notifier) snapshot() []Observer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.observers) == 0 {
		return nil
	}
	obs := make([]Observer, len(n.observers))
	copy(obs, n.observers)
	return obs
}

func (n *notifier) notify(e Event) {
	for _, o := range n.snapshot() {
		o.OnEvent(e)
	}
}

// ErrorHandler observes an error raised by a component. Attaching one means
// the caller takes responsibility for the error: the component stops returning it.
type ErrorHandler func(err error)

// errorEvents implements the event-or-throw contract.
type errorEvents struct {
	mu       sync.RWMutex
	handlers []ErrorHandler
}

// OnError attaches an error listener.
func (ev *errorEvents) OnError(h ErrorHandler) {
	if h == nil {
		return
	}
	ev.mu.Lock()
	ev.handlers = append(ev.handlers, h)
	ev.mu.Unlock()
}

// HasErrorListeners reports whether any listener is attached.
func (ev *errorEvents) HasErrorListeners() bool {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return len(ev.handlers) > 0
}

// raise hands err to the listeners and returns nil, or returns err untouched
// when nobody is listening.
func (ev *errorEvents) raise(err error) error {
	if err == nil {
		return nil
	}
	ev.mu.RLock()
	hs := make([]ErrorHandler, len(ev.handlers))
	copy(hs, ev.handlers)
	ev.mu.RUnlock()
	if len(hs) == 0 {
		return err
	}
	for _, h := range hs {
		h(err)
	}
	return nil
}
