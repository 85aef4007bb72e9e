// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres provides a sink store on PostgreSQL. Inserts use
// ON CONFLICT DO NOTHING for idempotency and deduplication.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/sink"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ sink.Store         = (*Store)(nil)
	_ sink.Querier       = (*Store)(nil)
	_ sink.MetadataStore = (*Store)(nil)
)

// Store implements sink.Store on the streaming_dedup table and the record
// tables created by storage/postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over pool. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) MarkSeen(ctx context.Context, topic, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertDedup, topic, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Apply(ctx context.Context, topic, key string, write func(sink.Writer) error) (bool, error) {
	var first bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertDedup, topic, key)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		if err := write(&txWriter{ctx: ctx, tx: tx}); err != nil {
			return err
		}
		first = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Block(ctx context.Context, number uint64) (chain.BlockHeader, bool, error) {
	var (
		b     chain.BlockHeader
		n, ts int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT block_number, block_hash, parent_hash, timestamp FROM blocks WHERE block_number = $1`,
		int64(number),
	).Scan(&n, &b.Hash, &b.ParentHash, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return chain.BlockHeader{}, false, nil
	}
	if err != nil {
		return chain.BlockHeader{}, false, err
	}
	b.Number, b.Timestamp = uint64(n), uint64(ts)
	return b, true, nil
}

func (s *Store) Blocks(ctx context.Context, from, to uint64) ([]chain.BlockHeader, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT block_number, block_hash, parent_hash, timestamp
		 FROM blocks
		 WHERE block_number BETWEEN $1 AND $2
		 ORDER BY block_number`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (chain.BlockHeader, error) {
		var (
			b     chain.BlockHeader
			n, ts int64
		)
		if err := row.Scan(&n, &b.Hash, &b.ParentHash, &ts); err != nil {
			return chain.BlockHeader{}, err
		}
		b.Number, b.Timestamp = uint64(n), uint64(ts)
		return b, nil
	})
}

func (s *Store) Transfers(ctx context.Context, contract string) ([]chain.Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tx_hash, log_index, contract, sender, recipient, value::text, block_number
		 FROM transfers
		 WHERE $1 = '' OR contract = lower($1)
		 ORDER BY block_number, tx_hash, log_index`,
		contract,
	)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (chain.Transfer, error) {
		var (
			tr         chain.Transfer
			idx, block int64
			value      string
		)
		if err := row.Scan(&tr.TxHash, &idx, &tr.Contract, &tr.Sender, &tr.Recipient, &value, &block); err != nil {
			return chain.Transfer{}, err
		}
		v, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return chain.Transfer{}, fmt.Errorf("invalid transfer value %q", value)
		}
		tr.Value = v
		tr.LogIndex, tr.BlockNumber = uint64(idx), uint64(block)
		return tr, nil
	})
}

func (s *Store) TokenMetadata(ctx context.Context, contract string) (chain.TokenMetadata, bool, error) {
	var (
		md       chain.TokenMetadata
		decimals int64
		supply   string
		asOf     *int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT contract, symbol, decimals, total_supply::text, as_of_block
		 FROM erc20_metadata WHERE contract = lower($1)`,
		contract,
	).Scan(&md.Contract, &md.Symbol, &decimals, &supply, &asOf)
	if errors.Is(err, pgx.ErrNoRows) {
		return chain.TokenMetadata{}, false, nil
	}
	if err != nil {
		return chain.TokenMetadata{}, false, err
	}

	v, ok := new(big.Int).SetString(supply, 10)
	if !ok {
		return chain.TokenMetadata{}, false, fmt.Errorf("invalid total supply %q", supply)
	}
	md.TotalSupply = v
	md.Decimals = uint64(decimals)
	if asOf != nil {
		n := uint64(*asOf)
		md.AsOfBlock = &n
	}
	return md, true, nil
}

func (s *Store) SaveTokenMetadata(ctx context.Context, md chain.TokenMetadata) error {
	supply := "0"
	if md.TotalSupply != nil {
		supply = md.TotalSupply.String()
	}
	var asOf *int64
	if md.AsOfBlock != nil {
		n := int64(*md.AsOfBlock)
		asOf = &n
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO erc20_metadata (contract, symbol, decimals, total_supply, as_of_block, updated_at)
		 VALUES (lower($1), $2, $3, $4::numeric, $5, NOW())
		 ON CONFLICT (contract) DO UPDATE
		 SET symbol = EXCLUDED.symbol, decimals = EXCLUDED.decimals,
		     total_supply = EXCLUDED.total_supply, as_of_block = EXCLUDED.as_of_block,
		     updated_at = EXCLUDED.updated_at`,
		md.Contract, md.Symbol, int64(md.Decimals), supply, asOf,
	)
	return err
}

const insertDedup = `INSERT INTO streaming_dedup (topic, msg_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`

type txWriter struct {
	ctx context.Context
	tx  pgx.Tx
}

func (w *txWriter) WriteBlock(b chain.BlockHeader) error {
	_, err := w.tx.Exec(w.ctx,
		`INSERT INTO blocks (block_number, block_hash, parent_hash, timestamp)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (block_number) DO UPDATE
		 SET block_hash = EXCLUDED.block_hash, parent_hash = EXCLUDED.parent_hash, timestamp = EXCLUDED.timestamp`,
		int64(b.Number), b.Hash, b.ParentHash, int64(b.Timestamp),
	)
	return err
}

func (w *txWriter) WriteTransaction(tx chain.Transaction) error {
	_, err := w.tx.Exec(w.ctx,
		`INSERT INTO transactions (tx_hash, block_number, tx_index, from_address, to_address, value, input)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tx_hash) DO UPDATE
		 SET block_number = EXCLUDED.block_number, tx_index = EXCLUDED.tx_index`,
		tx.Hash, int64(tx.BlockNumber), int64(tx.TransactionIndex), tx.From, tx.To, tx.Value, tx.Input,
	)
	return err
}

func (w *txWriter) WriteLog(l chain.Log) error {
	topics, err := json.Marshal(l.Topics)
	if err != nil {
		return err
	}
	_, err = w.tx.Exec(w.ctx,
		`INSERT INTO logs (tx_hash, log_index, block_number, address, topics, data, removed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tx_hash, log_index) DO UPDATE
		 SET removed = EXCLUDED.removed`,
		l.TransactionHash, int64(l.LogIndex), int64(l.BlockNumber), l.Address, topics, l.Data, l.Removed,
	)
	return err
}

func (w *txWriter) WriteTransfer(tr chain.Transfer) error {
	value := "0"
	if tr.Value != nil {
		value = tr.Value.String()
	}
	_, err := w.tx.Exec(w.ctx,
		`INSERT INTO transfers (tx_hash, log_index, contract, sender, recipient, value, block_number)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		 ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		tr.TxHash, int64(tr.LogIndex), tr.Contract, tr.Sender, tr.Recipient, value, int64(tr.BlockNumber),
	)
	return err
}
