package xmsg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PoolStats reports observer pool telemetry.
type PoolStats struct {
	Dropped   uint64
	Processed uint64
	Queued    int
	Workers   int
}

// ObserverPool fans lifecycle events out to observers on background goroutines
// so slow observers never stall dispatch. When the buffer is full the event is
// dropped and counted.
type ObserverPool struct {
	events    chan Event
	workers   int
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of bufferSize events.
func NewObserverPool(workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &ObserverPool{
		events:  make(chan Event, bufferSize),
		workers: workers,
		stop:    cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return p
}

// Notify queues e for the given observers without blocking.
func (p *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || p.closed.Load() {
		return
	}
	e.observers = observers
	select {
	case p.events <- e:
	default:
		p.dropped.Add(1)
	}
}

func (p *ObserverPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.events:
			p.deliver(e)
		case <-ctx.Done():
			// drain what is already buffered, then exit
			for {
				select {
				case e := <-p.events:
					p.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (p *ObserverPool) deliver(e Event) {
	for _, o := range e.observers {
		if o == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			o.OnEvent(e)
		}()
	}
	p.processed.Add(1)
}

// Close stops the workers, waiting up to timeout for the buffer to drain.
func (p *ObserverPool) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (p *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:   p.dropped.Load(),
		Processed: p.processed.Load(),
		Queued:    len(p.events),
		Workers:   p.workers,
	}
}
