package xmsg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative wiring file: channels, adapters and bus settings.
//
//	bus:
//	  serializer: json
//	  pump_timeout: 250ms
//	channels:
//	  - name: orders
//	    idempotent: false
//	inputs:
//	  - channel: orders
//	    uri: redis://localhost:6379/orders?group=billing
//	    concurrency: 2
//	outputs:
//	  - channel: invoices
//	    uri: nats://localhost:4222/invoices
//	    retry: {max_attempts: 5, wait: 200ms}
type Config struct {
	Bus      BusConfig       `yaml:"bus"`
	Channels []ChannelConfig `yaml:"channels"`
	Inputs   []AdapterConfig `yaml:"inputs"`
	Outputs  []AdapterConfig `yaml:"outputs"`
}

// BusConfig holds MessageBus settings.
type BusConfig struct {
	Serializer      string        `yaml:"serializer"`
	PumpTimeout     time.Duration `yaml:"pump_timeout"`
	ObserverWorkers int           `yaml:"observer_workers"`
	ObserverBuffer  int           `yaml:"observer_buffer"`
	Retry           *RetryConfig  `yaml:"retry"`
}

// ChannelConfig declares a channel up front.
type ChannelConfig struct {
	Name       string `yaml:"name"`
	Idempotent *bool  `yaml:"idempotent"`
}

// AdapterConfig declares one input or output adapter.
type AdapterConfig struct {
	Channel     string        `yaml:"channel"`
	URI         string        `yaml:"uri"`
	Concurrency int           `yaml:"concurrency"`
	Frequency   time.Duration `yaml:"frequency"`
	Interval    time.Duration `yaml:"interval"`
	Retry       *RetryConfig  `yaml:"retry"`
}

// RetryConfig is the file form of RetryStrategy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Wait        time.Duration `yaml:"wait"`
	Exponential bool          `yaml:"exponential"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// Strategy converts the config into a RetryStrategy.
func (r RetryConfig) Strategy() RetryStrategy {
	return RetryStrategy{
		MaxAttempts: r.MaxAttempts,
		Wait:        r.Wait,
		Exponential: r.Exponential,
		Multiplier:  r.Multiplier,
		MaxWait:     r.MaxWait,
	}
}

// Service converts the execution settings.
func (a AdapterConfig) Service() ServiceConfig {
	return ServiceConfig{Concurrency: a.Concurrency, Frequency: a.Frequency, Interval: a.Interval}
}

// LoadConfig reads and validates a YAML wiring file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML wiring.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing field at once.
func (c *Config) Validate() error {
	var errs []error
	for i, ch := range c.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: %w", i, ErrEmptyChannelName))
		}
	}
	check := func(kind string, list []AdapterConfig) {
		for i, a := range list {
			if a.Channel == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, ErrMissingChannel))
			}
			if a.URI == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: uri is required", kind, i))
			}
			if a.Interval < 0 || a.Frequency < 0 || a.Concurrency < 0 {
				errs = append(errs, fmt.Errorf("%s[%d]: negative service settings", kind, i))
			}
		}
	}
	check("inputs", c.Inputs)
	check("outputs", c.Outputs)
	if len(errs) > 0 {
		return &ConfigurationError{Subject: "config", Err: errors.Join(errs...)}
	}
	return nil
}

// Configure applies the bus section to a builder.
func (c *Config) Configure(bb *BusBuilder) *BusBuilder {
	if c.Bus.Serializer != "" {
		bb.WithSerializer(c.Bus.Serializer)
	}
	bb.WithPumpTimeout(c.Bus.PumpTimeout)
	bb.WithObserverPool(c.Bus.ObserverWorkers, c.Bus.ObserverBuffer)
	if c.Bus.Retry != nil {
		bb.WithRetry(c.Bus.Retry.Strategy())
	}
	return bb
}

// Apply creates the declared channels and adapters on factory and starts the
// adapters. On failure the adapters started so far are closed.
func (c *Config) Apply(ctx context.Context, factory *AdapterFactory) ([]Adapter, error) {
	for _, ch := range c.Channels {
		var opts []ChannelOption
		if ch.Idempotent != nil {
			opts = append(opts, WithIdempotency(*ch.Idempotent))
		}
		if _, err := factory.Channels().GetOrCreate(ch.Name, opts...); err != nil {
			return nil, err
		}
	}

	var started []Adapter
	rollback := func(err error) ([]Adapter, error) {
		for _, a := range started {
			_ = a.Close()
		}
		return nil, err
	}

	for _, in := range c.Inputs {
		a, err := factory.BuildInputAdapterFromURI(in.Channel, in.URI, adapterOptions(in)...)
		if err == nil {
			err = a.Start(ctx)
		}
		if err != nil {
			return rollback(fmt.Errorf("input %s -> %s: %w", in.URI, in.Channel, err))
		}
		started = append(started, a)
	}
	for _, out := range c.Outputs {
		a, err := factory.BuildOutputAdapterFromURI(out.Channel, out.URI, adapterOptions(out)...)
		if err == nil {
			err = a.Start(ctx)
		}
		if err != nil {
			return rollback(fmt.Errorf("output %s -> %s: %w", out.Channel, out.URI, err))
		}
		started = append(started, a)
	}
	return started, nil
}

func adapterOptions(a AdapterConfig) []AdapterOption {
	opts := []AdapterOption{WithService(a.Service())}
	if a.Retry != nil {
		opts = append(opts, WithRetry(a.Retry.Strategy()))
	}
	return opts
}
