// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres owns the connection pool shared by the postgres broker and
// the postgres sink, and creates their tables.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	URL             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, verifies the connection and applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes every connection of the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		topic          TEXT        NOT NULL,
		"offset"       BIGINT      NOT NULL,
		key            TEXT        NOT NULL,
		value          JSONB       NOT NULL,
		produced_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		schema_version TEXT        NOT NULL,
		PRIMARY KEY (topic, "offset")
	)`,
	`CREATE TABLE IF NOT EXISTS consumer_offsets (
		topic      TEXT        NOT NULL,
		group_id   TEXT        NOT NULL,
		"offset"   BIGINT      NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (topic, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS streaming_dedup (
		topic      TEXT        NOT NULL,
		msg_key    TEXT        NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (topic, msg_key)
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		block_number BIGINT PRIMARY KEY,
		block_hash   TEXT   NOT NULL,
		parent_hash  TEXT   NOT NULL,
		timestamp    BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		tx_hash      TEXT PRIMARY KEY,
		block_number BIGINT NOT NULL,
		tx_index     BIGINT NOT NULL,
		from_address TEXT   NOT NULL,
		to_address   TEXT   NOT NULL,
		value        TEXT   NOT NULL,
		input        TEXT   NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		tx_hash      TEXT    NOT NULL,
		log_index    BIGINT  NOT NULL,
		block_number BIGINT  NOT NULL,
		address      TEXT    NOT NULL,
		topics       JSONB   NOT NULL,
		data         TEXT    NOT NULL,
		removed      BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (tx_hash, log_index)
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		tx_hash      TEXT          NOT NULL,
		log_index    BIGINT        NOT NULL,
		contract     TEXT          NOT NULL,
		sender       TEXT          NOT NULL,
		recipient    TEXT          NOT NULL,
		value        NUMERIC(78,0) NOT NULL,
		block_number BIGINT        NOT NULL,
		PRIMARY KEY (tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS transfers_contract_block ON transfers (contract, block_number)`,
	`CREATE TABLE IF NOT EXISTS erc20_metadata (
		contract     TEXT PRIMARY KEY,
		symbol       TEXT          NOT NULL,
		decimals     BIGINT        NOT NULL,
		total_supply NUMERIC(78,0) NOT NULL,
		as_of_block  BIGINT,
		updated_at   TIMESTAMPTZ   NOT NULL DEFAULT NOW()
	)`,
}
