package xmsg

import "sync"

// QueueStorage keeps one FIFO per named location. Each location has its own
// lock so unrelated channels never contend; the location map itself is only
// write-locked when a new name appears.
type QueueStorage struct {
	mu        sync.RWMutex
	locations map[string]*location
}

type location struct {
	mu     sync.Mutex
	items  []*Envelope
	signal chan struct{}
}

// NewQueueStorage returns empty storage.
func NewQueueStorage() *QueueStorage {
	return &QueueStorage{locations: make(map[string]*location)}
}

func (s *QueueStorage) location(name string) *location {
	s.mu.RLock()
	l, ok := s.locations[name]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.locations[name]; ok {
		return l
	}
	l = &location{signal: make(chan struct{}, 1)}
	s.locations[name] = l
	return l
}

// Enqueue appends env to the location. When allowDuplicates is false an
// envelope equal to one already queued is skipped and Enqueue returns false.
func (s *QueueStorage) Enqueue(name string, env *Envelope, allowDuplicates bool) bool {
	if env.IsNull() {
		return false
	}
	l := s.location(name)
	l.mu.Lock()
	if !allowDuplicates {
		for _, queued := range l.items {
			if queued.Equal(env) {
				l.mu.Unlock()
				return false
			}
		}
	}
	l.items = append(l.items, env)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Dequeue pops the oldest envelope, or NullEnvelope when the location is empty.
func (s *QueueStorage) Dequeue(name string) *Envelope {
	l := s.location(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return NullEnvelope()
	}
	env := l.items[0]
	l.items[0] = nil
	l.items = l.items[1:]
	return env
}

// Len returns the number of queued envelopes at name.
func (s *QueueStorage) Len(name string) int {
	l := s.location(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Signal returns a channel that receives a value after enqueues at name.
// It is a wake-up hint only; receivers must still Dequeue and re-check.
func (s *QueueStorage) Signal(name string) <-chan struct{} {
	return s.location(name).signal
}

// Drain removes and returns everything queued at name.
func (s *QueueStorage) Drain(name string) []*Envelope {
	l := s.location(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	return out
}

// Delete drops the location and anything queued there.
func (s *QueueStorage) Delete(name string) {
	s.mu.Lock()
	delete(s.locations, name)
	s.mu.Unlock()
}
