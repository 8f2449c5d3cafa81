package xmsg

import (
	"sort"
	"sync"
)

// ChannelRegistry resolves channel names to channels, creating them on first
// reference. All channels it creates share one QueueStorage.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	storage  *QueueStorage
	opts     []ChannelOption
}

// NewChannelRegistry returns an empty registry; opts apply to every channel it creates.
func NewChannelRegistry(opts ...ChannelOption) *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]*Channel),
		storage:  NewQueueStorage(),
		opts:     opts,
	}
}

// Storage returns the shared storage.
func (r *ChannelRegistry) Storage() *QueueStorage { return r.storage }

// Lookup returns an existing channel.
func (r *ChannelRegistry) Lookup(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	return c, ok
}

// GetOrCreate returns the channel for name, creating it with the registry's
// options (plus extra) when missing. extra only applies on creation.
func (r *ChannelRegistry) GetOrCreate(name string, extra ...ChannelOption) (*Channel, error) {
	if name == "" {
		return nil, ErrEmptyChannelName
	}
	if c, ok := r.Lookup(name); ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[name]; ok {
		return c, nil
	}
	opts := make([]ChannelOption, 0, len(r.opts)+len(extra)+1)
	opts = append(opts, r.opts...)
	opts = append(opts, extra...)
	opts = append(opts, WithStorage(r.storage))
	c, err := NewChannel(name, opts...)
	if err != nil {
		return nil, err
	}
	r.channels[name] = c
	return c, nil
}

// Names lists registered channel names in sorted order.
func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for n := range r.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// release forgets a private channel and its queued envelopes.
func (r *ChannelRegistry) release(name string) {
	r.mu.Lock()
	delete(r.channels, name)
	r.mu.Unlock()
	r.storage.Delete(name)
}
