package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/trickstertwo/xmsg"
)

// SagaStore persists one saga type in xmsg_sagas.
type SagaStore struct {
	db       *sql.DB
	sagaType reflect.Type
	typeName string
}

var _ xmsg.SagaPersister = (*SagaStore)(nil)

// NewSagaStore returns a store for instances shaped like sample. Run Migrate
// (or OpenSQLite) first.
func NewSagaStore(db *sql.DB, sample xmsg.Saga) (*SagaStore, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db required")
	}
	t := reflect.TypeOf(sample)
	if _, err := xmsg.NewSagaInstance(t); err != nil {
		return nil, err
	}
	return &SagaStore{db: db, sagaType: t, typeName: xmsg.TypeName(t)}, nil
}

// Find returns nil and no error when the instance does not exist.
func (s *SagaStore) Find(ctx context.Context, id string) (xmsg.Saga, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT state FROM xmsg_sagas WHERE saga_type = ? AND saga_id = ?", s.typeName, id)
	var state string
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load saga %s: %w", id, err)
	}
	return xmsg.DecodeSaga(s.sagaType, []byte(state))
}

func (s *SagaStore) Save(ctx context.Context, saga xmsg.Saga) error {
	if saga == nil || saga.SagaID() == "" {
		return xmsg.ErrMissingCorrelation
	}
	data, err := xmsg.EncodeSaga(saga)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO xmsg_sagas (saga_type, saga_id, state, updated_at)
	VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(saga_type, saga_id) DO UPDATE SET
		state = excluded.state,
		updated_at = excluded.updated_at;
	`
	if _, err := s.db.ExecContext(ctx, query, s.typeName, saga.SagaID(), string(data)); err != nil {
		return fmt.Errorf("failed to save saga %s: %w", saga.SagaID(), err)
	}
	return nil
}

func (s *SagaStore) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM xmsg_sagas WHERE saga_type = ? AND saga_id = ?", s.typeName, id)
	if err != nil {
		return fmt.Errorf("failed to complete saga %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored instances of this saga type.
func (s *SagaStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM xmsg_sagas WHERE saga_type = ?", s.typeName).Scan(&n)
	return n, err
}

// SubscriptionStore persists subscriptions in xmsg_subscriptions.
type SubscriptionStore struct {
	db *sql.DB
}

var _ xmsg.SubscriptionPersister = (*SubscriptionStore)(nil)

// NewSubscriptionStore returns a store on db. Run Migrate (or OpenSQLite) first.
func NewSubscriptionStore(db *sql.DB) (*SubscriptionStore, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db required")
	}
	return &SubscriptionStore{db: db}, nil
}

// Add inserts subscriptions, skipping keys that are already stored.
func (s *SubscriptionStore) Add(ctx context.Context, subs ...xmsg.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, sub := range subs {
		if sub.ID == "" {
			return fmt.Errorf("sqlstore: subscription for %s.%s has no id", sub.Component, sub.Method)
		}
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO xmsg_subscriptions (id, sub_key, subscription_json)
		VALUES (?, ?, ?)
		ON CONFLICT(sub_key) DO NOTHING;
		`, sub.ID, sub.Key(), string(data))
		if err != nil {
			return fmt.Errorf("failed to add subscription: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SubscriptionStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM xmsg_subscriptions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Find(ctx context.Context, msg any) ([]xmsg.Subscription, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return xmsg.FilterSubscriptions(all, msg), nil
}

// All returns subscriptions in insertion order.
func (s *SubscriptionStore) All(ctx context.Context) ([]xmsg.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT subscription_json FROM xmsg_subscriptions ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []xmsg.Subscription
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		var sub xmsg.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
