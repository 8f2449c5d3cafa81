package memory

import (
	"github.com/trickstertwo/xmsg"
)

// Use gives a bus its own broker for queue:// URIs so tests and embedded
// buses do not share the process-wide queues.
//
// Example:
//
//	bb := xmsg.NewBusBuilder()
//	broker := memory.Use(bb, memory.Config{BufferSize: 4096})
//	bus, err := bb.Build()
func Use(bb *xmsg.BusBuilder, cfg Config) *Broker {
	broker := NewBroker()
	bb.WithScheme(Scheme, Factory(broker, cfg))
	return broker
}

// Register installs a private broker on an adapter factory.
func Register(f *xmsg.AdapterFactory, cfg Config) *Broker {
	broker := NewBroker()
	f.Register(Scheme, Factory(broker, cfg))
	return broker
}
