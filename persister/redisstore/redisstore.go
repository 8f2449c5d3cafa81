// Package redisstore keeps saga state and subscriptions in Redis.
//
// Saga snapshots are plain string keys, one per instance:
//
//	<prefix>:saga:<saga type>:<id>
//
// Subscriptions live in two hashes: <prefix>:subs maps the dedupe key to the
// JSON subscription and <prefix>:subs:ids maps ids back to keys.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmsg"
)

const defaultPrefix = "xmsg"

// Option configures the stores.
type Option func(*options)

type options struct {
	prefix string
	ttl    time.Duration
}

// WithPrefix namespaces every key (default "xmsg").
func WithPrefix(p string) Option {
	return func(o *options) {
		if p != "" {
			o.prefix = p
		}
	}
}

// WithTTL expires saga snapshots that are not touched for d. Zero keeps them
// until completed.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

func buildOptions(opts []Option) options {
	o := options{prefix: defaultPrefix}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// SagaStore persists one saga type.
type SagaStore struct {
	client   redis.UniversalClient
	sagaType reflect.Type
	opts     options
}

var _ xmsg.SagaPersister = (*SagaStore)(nil)

// NewSagaStore returns a store for instances shaped like sample. The caller
// owns client.
func NewSagaStore(client redis.UniversalClient, sample xmsg.Saga, opts ...Option) (*SagaStore, error) {
	if client == nil {
		return nil, errors.New("redisstore: client required")
	}
	t := reflect.TypeOf(sample)
	if _, err := xmsg.NewSagaInstance(t); err != nil {
		return nil, err
	}
	return &SagaStore{client: client, sagaType: t, opts: buildOptions(opts)}, nil
}

func (s *SagaStore) key(id string) string {
	return fmt.Sprintf("%s:saga:%s:%s", s.opts.prefix, xmsg.TypeName(s.sagaType), id)
}

// Find returns nil and no error when the instance does not exist.
func (s *SagaStore) Find(ctx context.Context, id string) (xmsg.Saga, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: find %s: %w", id, err)
	}
	return xmsg.DecodeSaga(s.sagaType, data)
}

func (s *SagaStore) Save(ctx context.Context, saga xmsg.Saga) error {
	if saga == nil || saga.SagaID() == "" {
		return xmsg.ErrMissingCorrelation
	}
	data, err := xmsg.EncodeSaga(saga)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(saga.SagaID()), data, s.opts.ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: save %s: %w", saga.SagaID(), err)
	}
	return nil
}

func (s *SagaStore) Complete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redisstore: complete %s: %w", id, err)
	}
	return nil
}

// SubscriptionStore is a xmsg.SubscriptionPersister shared by every bus
// pointing at the same Redis and prefix.
type SubscriptionStore struct {
	client redis.UniversalClient
	subs   string
	ids    string
}

var _ xmsg.SubscriptionPersister = (*SubscriptionStore)(nil)

// NewSubscriptionStore returns a store; the caller owns client.
func NewSubscriptionStore(client redis.UniversalClient, opts ...Option) (*SubscriptionStore, error) {
	if client == nil {
		return nil, errors.New("redisstore: client required")
	}
	o := buildOptions(opts)
	return &SubscriptionStore{client: client, subs: o.prefix + ":subs", ids: o.prefix + ":subs:ids"}, nil
}

// Add stores subscriptions whose key is not present yet.
func (s *SubscriptionStore) Add(ctx context.Context, subs ...xmsg.Subscription) error {
	for _, sub := range subs {
		if sub.ID == "" {
			return fmt.Errorf("redisstore: subscription for %s.%s has no id", sub.Component, sub.Method)
		}
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		added, err := s.client.HSetNX(ctx, s.subs, sub.Key(), data).Result()
		if err != nil {
			return fmt.Errorf("redisstore: add subscription: %w", err)
		}
		if !added {
			continue
		}
		if err := s.client.HSet(ctx, s.ids, sub.ID, sub.Key()).Err(); err != nil {
			return fmt.Errorf("redisstore: index subscription: %w", err)
		}
	}
	return nil
}

func (s *SubscriptionStore) Remove(ctx context.Context, id string) error {
	key, err := s.client.HGet(ctx, s.ids, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redisstore: remove subscription: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.subs, key)
		p.HDel(ctx, s.ids, id)
		return nil
	})
	return err
}

func (s *SubscriptionStore) Find(ctx context.Context, msg any) ([]xmsg.Subscription, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return xmsg.FilterSubscriptions(all, msg), nil
}

// All returns every subscription ordered by component, type and method.
func (s *SubscriptionStore) All(ctx context.Context) ([]xmsg.Subscription, error) {
	raw, err := s.client.HGetAll(ctx, s.subs).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load subscriptions: %w", err)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]xmsg.Subscription, 0, len(raw))
	for _, k := range keys {
		var sub xmsg.Subscription
		if err := json.Unmarshal([]byte(raw[k]), &sub); err != nil {
			return nil, fmt.Errorf("redisstore: decode subscription %q: %w", k, err)
		}
		out = append(out, sub)
	}
	return out, nil
}
