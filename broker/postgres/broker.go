// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres provides a durable broker backed by PostgreSQL tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ broker.Broker = (*Broker)(nil)

// Broker implements broker.Broker on the messages and consumer_offsets tables.
type Broker struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	closed       atomic.Bool
}

// New creates a broker over pool. The tables must already exist; see
// storage/postgres. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool, pollInterval time.Duration) *Broker {
	if pollInterval <= 0 {
		pollInterval = broker.DefaultPollInterval
	}
	return &Broker{pool: pool, pollInterval: pollInterval}
}

// Publish appends value to topic. Publishers to the same topic are serialized
// by a transaction-scoped advisory lock, so offsets stay contiguous.
func (b *Broker) Publish(ctx context.Context, topic, key string, value broker.Payload) (int64, error) {
	if b.closed.Load() {
		return 0, broker.ErrClosed
	}
	if topic == "" {
		return 0, broker.ErrInvalidTopic
	}

	data, err := broker.EncodePayload(value)
	if err != nil {
		return 0, err
	}

	var offset int64
	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, topic); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO messages (topic, "offset", key, value, produced_at, schema_version)
			 SELECT $1::text, COALESCE(MAX("offset"), -1) + 1, $2::text, $3::jsonb, $4::timestamptz, $5::text
			 FROM messages WHERE topic = $1
			 RETURNING "offset"`,
			topic, key, data, time.Now().UTC(), broker.SchemaV1,
		).Scan(&offset)
	})
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", topic, err)
	}

	return offset, nil
}

// Subscribe returns a cursor starting right after the group's committed offset.
func (b *Broker) Subscribe(ctx context.Context, topic, group string) (*broker.Subscription, error) {
	if topic == "" {
		return nil, broker.ErrInvalidTopic
	}
	if group == "" {
		return nil, broker.ErrInvalidGroup
	}

	committed, err := b.Offset(ctx, topic, group)
	if err != nil {
		return nil, err
	}

	return broker.NewSubscription(topic, group, committed+1, b.pollInterval, b.read), nil
}

// Commit stores max(current, offset) for the group.
func (b *Broker) Commit(ctx context.Context, topic, group string, offset int64) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	if err := broker.ValidateCommit(topic, group, offset); err != nil {
		return err
	}

	_, err := b.pool.Exec(ctx,
		`INSERT INTO consumer_offsets (topic, group_id, "offset", updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (topic, group_id) DO UPDATE
		 SET "offset" = GREATEST(consumer_offsets."offset", EXCLUDED."offset"),
		     updated_at = NOW()`,
		topic, group, offset,
	)
	if err != nil {
		return fmt.Errorf("commit %s/%s: %w", topic, group, err)
	}
	return nil
}

// Offset returns the committed offset of group or broker.NoOffset.
func (b *Broker) Offset(ctx context.Context, topic, group string) (int64, error) {
	if b.closed.Load() {
		return broker.NoOffset, broker.ErrClosed
	}

	var off int64
	err := b.pool.QueryRow(ctx,
		`SELECT "offset" FROM consumer_offsets WHERE topic = $1 AND group_id = $2`,
		topic, group,
	).Scan(&off)
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.NoOffset, nil
	}
	if err != nil {
		return broker.NoOffset, err
	}
	return off, nil
}

// Tail returns the offset the next publish to topic will get.
func (b *Broker) Tail(ctx context.Context, topic string) (int64, error) {
	if b.closed.Load() {
		return 0, broker.ErrClosed
	}

	var tail int64
	err := b.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX("offset"), -1) + 1 FROM messages WHERE topic = $1`,
		topic,
	).Scan(&tail)
	return tail, err
}

// Close marks the broker closed. The pool is left open.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Broker) read(ctx context.Context, topic string, offset int64) (broker.Message, bool, error) {
	if b.closed.Load() {
		return broker.Message{}, false, broker.ErrClosed
	}

	var (
		msg  = broker.Message{Topic: topic, Offset: offset}
		data []byte
	)
	err := b.pool.QueryRow(ctx,
		`SELECT key, value, produced_at, schema_version
		 FROM messages WHERE topic = $1 AND "offset" = $2`,
		topic, offset,
	).Scan(&msg.Key, &data, &msg.ProducedAt, &msg.SchemaVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.Message{}, false, nil
	}
	if err != nil {
		return broker.Message{}, false, err
	}

	msg.Value, err = broker.DecodePayload(msg.SchemaVersion, data)
	if err != nil {
		return broker.Message{}, false, fmt.Errorf("failed to decode %s@%d: %w", topic, offset, err)
	}
	msg.ProducedAt = msg.ProducedAt.UTC()

	return msg, true, nil
}
