package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmsg"
)

// Transport implements xmsg.Transport on one Redis stream. Sends are XADDs;
// receives read the consumer group in batches without blocking and hand out
// one entry per call, acknowledging it on hand-off.
type Transport struct {
	base   Config
	cfg    Config
	client *redis.Client
	shared bool
	logger *xlog.Logger
	clock  xclock.Clock

	mu         sync.Mutex
	buf        []redis.XMessage
	groupReady bool
	lastClaim  time.Time

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	sent          atomic.Uint64
	received      atomic.Uint64
	claimed       atomic.Uint64
	deadLettered  atomic.Uint64
	sendErrors    atomic.Uint64
	receiveErrors atomic.Uint64
}

var _ xmsg.Transport = (*Transport)(nil)

// NewTransport creates an unopened transport; URI settings are applied by Open.
func NewTransport(base Config, opts ...Option) *Transport {
	t := &Transport{
		base:    base,
		logger:  xlog.Default(),
		clock:   xclock.Default(),
		metrics: &transportMetrics{},
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

// Config returns the effective configuration after Open.
func (t *Transport) Config() Config { return t.cfg }

// Open resolves the URI, connects and pings Redis.
func (t *Transport) Open(ctx context.Context, u *url.URL) error {
	cfg, err := ConfigFromURI(u, t.base)
	if err != nil {
		return err
	}
	t.cfg = cfg

	if t.client == nil {
		opts := &redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   3,
			PoolSize:     10,
			MinIdleConns: 1,
		}
		if cfg.TLS {
			opts.TLSConfig = &tls.Config{
				MinVersion:    tls.VersionTLS12,
				ServerName:    cfg.TLSServerName,
				Renegotiation: tls.RenegotiateNever,
			}
		}
		t.client = redis.NewClient(opts)
	}
	if err := ping(ctx, t.client); err != nil {
		if !t.shared {
			_ = t.client.Close()
			t.client = nil
		}
		return err
	}
	return nil
}

// Send appends env to the stream.
func (t *Transport) Send(ctx context.Context, env *xmsg.Envelope) error {
	if t.closed.Load() {
		return xmsg.ErrAdapterClosed
	}
	if t.client == nil {
		return errors.New("redisstream: transport not opened")
	}
	if env.IsNull() {
		return nil
	}
	vals, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: t.cfg.Stream,
		ID:     "*", // Let Redis generate ID
		Values: vals,
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.sendErrors.Add(1)
		return err
	}
	t.metrics.sent.Add(1)
	return nil
}

// Receive returns the next entry for this consumer or NullEnvelope.
func (t *Transport) Receive(ctx context.Context) (*xmsg.Envelope, error) {
	if t.closed.Load() {
		return xmsg.NullEnvelope(), xmsg.ErrAdapterClosed
	}
	if t.client == nil {
		return xmsg.NullEnvelope(), errors.New("redisstream: transport not opened")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureGroup(ctx); err != nil {
		t.metrics.receiveErrors.Add(1)
		return xmsg.NullEnvelope(), err
	}
	if len(t.buf) == 0 {
		if err := t.fill(ctx); err != nil {
			t.metrics.receiveErrors.Add(1)
			return xmsg.NullEnvelope(), err
		}
	}
	if len(t.buf) == 0 {
		return xmsg.NullEnvelope(), nil
	}

	msg := t.buf[0]
	t.buf = t.buf[1:]

	env, decodeErr := decodeEnvelope(msg.Values)
	if decodeErr != nil {
		t.deadLetter(ctx, msg, decodeErr)
	}
	if err := t.ack(ctx, msg.ID); err != nil {
		return xmsg.NullEnvelope(), err
	}
	if decodeErr != nil {
		return xmsg.NullEnvelope(), fmt.Errorf("redisstream: entry %s: %w", msg.ID, decodeErr)
	}
	t.metrics.received.Add(1)
	return env, nil
}

func (t *Transport) ensureGroup(ctx context.Context) error {
	if t.groupReady {
		return nil
	}
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, t.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redisstream: create group %s on %s: %w", t.cfg.Group, t.cfg.Stream, err)
		}
	}
	t.groupReady = true
	return nil
}

// fill reclaims idle pending entries when due, then reads new ones.
func (t *Transport) fill(ctx context.Context) error {
	if t.cfg.ClaimMinIdle > 0 && t.clock.Since(t.lastClaim) >= t.cfg.ClaimInterval {
		t.lastClaim = t.clock.Now()
		msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.cfg.Stream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(max(1, t.cfg.ClaimBatch)),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			t.logger.Warn().Err(err).Str("stream", t.cfg.Stream).Msg("redisstream: claim failed")
		}
		if len(msgs) > 0 {
			t.metrics.claimed.Add(uint64(len(msgs)))
			t.buf = append(t.buf, msgs...)
			return nil
		}
	}

	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    -1, // no BLOCK argument: return immediately
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, stream := range res {
		t.buf = append(t.buf, stream.Messages...)
	}
	return nil
}

func (t *Transport) ack(ctx context.Context, id string) error {
	if err := t.client.XAck(ctx, t.cfg.Stream, t.cfg.Group, id).Err(); err != nil {
		return err
	}
	// Optionally delete from stream after ack (saves memory)
	if t.cfg.AutoDeleteOnAck {
		_ = t.client.XDel(ctx, t.cfg.Stream, id).Err()
	}
	return nil
}

// deadLetter copies an undecodable entry to the dead-letter stream, if any.
func (t *Transport) deadLetter(ctx context.Context, msg redis.XMessage, reason error) {
	if t.cfg.DeadLetter == "" {
		return
	}
	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values[fieldOrigStream] = t.cfg.Stream
	values[fieldOrigID] = msg.ID
	values[fieldError] = reason.Error()
	if err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: t.cfg.DeadLetter, ID: "*", Values: values}).Err(); err != nil {
		t.logger.Warn().Err(err).Str("stream", t.cfg.DeadLetter).Msg("redisstream: dead-letter write failed")
		return
	}
	t.metrics.deadLettered.Add(1)
}

// Close gracefully shuts down the transport. A shared client stays open.
func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.client != nil && !t.shared {
			err = t.client.Close()
		}
	})
	return err
}

// Stats is transport telemetry.
type Stats struct {
	Sent          uint64
	Received      uint64
	Claimed       uint64
	DeadLettered  uint64
	SendErrors    uint64
	ReceiveErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Received:      t.metrics.received.Load(),
		Claimed:       t.metrics.claimed.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		SendErrors:    t.metrics.sendErrors.Load(),
		ReceiveErrors: t.metrics.receiveErrors.Load(),
	}
}

func encodeEnvelope(env *xmsg.Envelope) (map[string]any, error) {
	// Pre-size map: id, correlation, sequence, producedAt, body, text + items
	vals := make(map[string]any, 6+len(env.Header.Items))
	vals[fieldID] = env.Header.MessageID
	if env.Header.CorrelationID != "" {
		vals[fieldCorrelation] = env.Header.CorrelationID
	}
	if env.Header.SequenceSize != 0 {
		vals[fieldSequence] = env.Header.SequenceSize
	}
	vals[fieldProducedAt] = env.Header.Timestamp.UnixNano()

	switch b := env.Body.(type) {
	case []byte:
		vals[fieldBody] = b
	case string:
		vals[fieldBody] = b
		vals[fieldText] = "1"
	case nil:
	default:
		return nil, fmt.Errorf("%w: got %T", xmsg.ErrUnsupportedBody, env.Body)
	}

	// Flatten items to avoid nested encodings
	for k, v := range env.Header.Items {
		vals[fieldMetaPrefix+k] = v
	}
	return vals, nil
}

func decodeEnvelope(vals map[string]any) (*xmsg.Envelope, error) {
	id := asString(vals[fieldID])
	if id == "" {
		return nil, errors.New("entry has no message id")
	}
	env := &xmsg.Envelope{Header: xmsg.Header{
		MessageID:     id,
		CorrelationID: asString(vals[fieldCorrelation]),
		Items:         make(map[string]string, 4),
	}}
	if n, ok := toInt64(vals[fieldSequence]); ok {
		env.Header.SequenceSize = int(n)
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		env.Header.Timestamp = time.Unix(0, ns)
	}
	if v, ok := vals[fieldBody]; ok {
		if asString(vals[fieldText]) == "1" {
			env.Body = asString(v)
		} else {
			switch p := v.(type) {
			case []byte:
				env.Body = p
			case string:
				env.Body = []byte(p)
			default:
				return nil, fmt.Errorf("unexpected body type %T", v)
			}
		}
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			env.Header.Items[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return env, nil
}

// Helper functions

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
