package xmsg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// ServiceConfig selects how a BackgroundService runs its action.
//
// Interval > 0 selects scheduled mode: a single timer fires every Interval and
// runs the action once per tick. Otherwise worker-pool mode runs Concurrency
// workers, each sleeping Frequency before every run.
type ServiceConfig struct {
	Concurrency int
	Frequency   time.Duration
	Interval    time.Duration
}

// Scheduled reports whether the config selects timer mode.
func (c ServiceConfig) Scheduled() bool { return c.Interval > 0 }

// BackgroundService is the Stopped/Running lifecycle shared by adapters and
// bus pumps. Stop only prevents the next cycle; an action already running is
// allowed to finish.
type BackgroundService struct {
	errorEvents

	name   string
	cfg    ServiceConfig
	action func(ctx context.Context) error
	logger *xlog.Logger

	mu       sync.Mutex
	running  bool
	disposed bool
	gen      uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// NewBackgroundService builds a stopped service around action.
func NewBackgroundService(name string, cfg ServiceConfig, action func(ctx context.Context) error, logger *xlog.Logger) *BackgroundService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &BackgroundService{
		name:   name,
		cfg:    cfg,
		action: action,
		logger: logger,
	}
}

// Name returns the service name.
func (s *BackgroundService) Name() string { return s.name }

// Config returns the execution settings.
func (s *BackgroundService) Config() ServiceConfig { return s.cfg }

// Running reports whether the service is started.
func (s *BackgroundService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start moves the service to Running. It is a no-op when already running or
// disposed. Cancelling ctx moves the service back to Stopped once its workers
// exit, after which it can be started again.
func (s *BackgroundService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.disposed {
		return nil
	}
	if s.action == nil {
		return fmt.Errorf("xmsg: service %q has no action", s.name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.gen++

	var run sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		s.wg.Add(1)
		run.Add(1)
		go func() {
			defer run.Done()
			fn(runCtx)
		}()
	}
	if s.cfg.Scheduled() {
		spawn(s.schedule)
	} else {
		for i := 0; i < s.cfg.Concurrency; i++ {
			spawn(s.work)
		}
	}
	go s.settle(s.gen, &run)
	return nil
}

// settle marks run gen Stopped when its workers exit on their own, which only
// happens when the context given to Start ends.
func (s *BackgroundService) settle(gen uint64, run *sync.WaitGroup) {
	run.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.cancel = nil
	s.logger.Debug().Str("service", s.name).Msg("xmsg: service stopped by context")
}

// Stop signals the workers or timer to exit and waits for in-flight actions.
// It is idempotent. It must not be called from inside the action.
func (s *BackgroundService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Close disposes the service: it stops it once, and later Start calls do nothing.
func (s *BackgroundService) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.disposed = true
		s.mu.Unlock()
		s.Stop()
	})
	return nil
}

func (s *BackgroundService) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		if s.cfg.Frequency > 0 {
			t := time.NewTimer(s.cfg.Frequency)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		s.perform(ctx)
	}
}

func (s *BackgroundService) schedule(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.perform(ctx)
		}
	}
}

// perform runs the action once. Panics become errors; errors go to the error
// listeners, or to the log when nobody listens.
func (s *BackgroundService) perform(ctx context.Context) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()
		return s.action(ctx)
	}()
	if err == nil || ctx.Err() != nil {
		return
	}
	if unhandled := s.raise(err); unhandled != nil {
		s.logger.Error().Err(unhandled).Str("service", s.name).Msg("xmsg: background action failed")
	}
}
