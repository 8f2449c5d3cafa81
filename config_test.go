package xmsg

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wiring = `
bus:
  serializer: json
  pump_timeout: 40ms
  observer_workers: 3
  retry: {max_attempts: 4, wait: 10ms, exponential: true, multiplier: 2, max_wait: 1s}
channels:
  - name: orders
    idempotent: false
inputs:
  - channel: orders
    uri: channel://incoming
    frequency: 5ms
outputs:
  - channel: invoices
    uri: channel://billing
    concurrency: 2
    retry: {max_attempts: 2}
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(wiring))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Bus.Serializer)
	assert.Equal(t, 40*time.Millisecond, cfg.Bus.PumpTimeout)
	require.NotNil(t, cfg.Bus.Retry)
	assert.Equal(t, RetryStrategy{MaxAttempts: 4, Wait: 10 * time.Millisecond, Exponential: true, Multiplier: 2, MaxWait: time.Second}, cfg.Bus.Retry.Strategy())

	require.Len(t, cfg.Channels, 1)
	require.NotNil(t, cfg.Channels[0].Idempotent)
	assert.False(t, *cfg.Channels[0].Idempotent)

	require.Len(t, cfg.Inputs, 1)
	assert.Equal(t, ServiceConfig{Frequency: 5 * time.Millisecond}, cfg.Inputs[0].Service())
	require.Len(t, cfg.Outputs, 1)
	assert.Equal(t, 2, cfg.Outputs[0].Concurrency)
}

func TestParseConfig_ReportsEveryProblem(t *testing.T) {
	_, err := ParseConfig([]byte(`
channels:
  - idempotent: true
inputs:
  - uri: channel://x
outputs:
  - channel: out
    interval: -1s
`))
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, ErrEmptyChannelName)
	require.ErrorIs(t, err, ErrMissingChannel)
	assert.Contains(t, err.Error(), "outputs[0]: uri is required")
	assert.Contains(t, err.Error(), "outputs[0]: negative service settings")

	_, err = ParseConfig([]byte("bus: [not, a, map]"))
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xmsg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(wiring), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Inputs, 1)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_ConfigureAndApply(t *testing.T) {
	cfg, err := ParseConfig([]byte(wiring))
	require.NoError(t, err)

	bus, err := cfg.Configure(NewBusBuilder()).Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())
	assert.Equal(t, 40*time.Millisecond, bus.pumpTimeout)

	ctx := context.Background()
	adapters, err := cfg.Apply(ctx, bus.Factory())
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	for _, a := range adapters {
		assert.True(t, a.Running(), a.Name())
		defer a.Close()
	}

	orders, ok := bus.Channels().Lookup("orders")
	require.True(t, ok)
	assert.False(t, orders.Idempotent())

	incoming, _ := bus.Channels().GetOrCreate("incoming")
	require.NoError(t, incoming.Send(ctx, NewEnvelope("o-1")))
	got, err := orders.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.Body)

	invoices, _ := bus.Channels().GetOrCreate("invoices")
	require.NoError(t, invoices.Send(ctx, NewEnvelope("i-1")))
	billing, _ := bus.Channels().GetOrCreate("billing")
	got, err = billing.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "i-1", got.Body)
}

func TestConfig_ApplyRollsBack(t *testing.T) {
	cfg := &Config{
		Inputs: []AdapterConfig{
			{Channel: "a", URI: "channel://a-src"},
			{Channel: "b", URI: "carrier-pigeon://loft"},
		},
	}
	require.NoError(t, cfg.Validate())

	f := NewAdapterFactory(nil)
	adapters, err := cfg.Apply(context.Background(), f)
	require.ErrorIs(t, err, ErrUnknownScheme)
	assert.Nil(t, adapters)

	// The first adapter was closed: its channel no longer receives.
	src, _ := f.Channels().GetOrCreate("a-src")
	require.NoError(t, src.Send(context.Background(), NewEnvelope("late")))
	time.Sleep(50 * time.Millisecond)
	a, _ := f.Channels().GetOrCreate("a")
	assert.Zero(t, a.Len())
}
