// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a sink store on BadgerDB. The dedup mark and the
// record writes of one Apply share a single transaction.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/sink"
	"github.com/dgraph-io/badger/v4"
)

var (
	_ sink.Store         = (*Store)(nil)
	_ sink.Querier       = (*Store)(nil)
	_ sink.MetadataStore = (*Store)(nil)
)

// Key prefixes for BadgerDB storage.
const (
	dedupPrefix    = "dedup:"    // dedup:{topic}:{key}
	blockPrefix    = "block:"    // block:{number}
	txPrefix       = "tx:"       // tx:{hash}
	logPrefix      = "log:"      // log:{hash}:{index}
	transferPrefix = "transfer:" // transfer:{hash}:{index}
	tokenPrefix    = "erc20:"    // erc20:{contract}
)

// maxConflictRetries bounds how often a transaction that lost a write
// conflict is retried.
const maxConflictRetries = 5

// Store implements sink.Store using BadgerDB.
type Store struct {
	db *badger.DB
}

// New creates a store over db. The caller keeps ownership of db.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) MarkSeen(ctx context.Context, topic, key string) (bool, error) {
	return s.Apply(ctx, topic, key, func(sink.Writer) error { return nil })
}

func (s *Store) Apply(ctx context.Context, topic, key string, write func(sink.Writer) error) (bool, error) {
	dk := dedupKey(topic, key)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		var first bool
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(dk)
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			ts, err := time.Now().UTC().MarshalBinary()
			if err != nil {
				return err
			}
			if err := txn.Set(dk, ts); err != nil {
				return err
			}
			if err := write(&txnWriter{txn: txn}); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			first = true
			return nil
		})

		// Two concurrent applies of the same key conflict on the dedup key.
		// The retry observes the winner's mark.
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return false, err
		}
		return first, nil
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Block(ctx context.Context, number uint64) (chain.BlockHeader, bool, error) {
	var (
		b     chain.BlockHeader
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(number))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		})
	})
	return b, found, err
}

func (s *Store) Blocks(ctx context.Context, from, to uint64) ([]chain.BlockHeader, error) {
	var out []chain.BlockHeader
	if from > to {
		return out, nil
	}

	end := blockKey(to)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blockPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(blockKey(from)); it.Valid(); it.Next() {
			if bytes.Compare(it.Item().Key(), end) > 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			var b chain.BlockHeader
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) Transfers(ctx context.Context, contract string) ([]chain.Transfer, error) {
	var out []chain.Transfer

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(transferPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var tr chain.Transfer
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &tr)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			if contract != "" && !strings.EqualFold(tr.Contract, contract) {
				continue
			}
			out = append(out, tr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BlockNumber < out[j].BlockNumber
	})

	return out, nil
}

func (s *Store) TokenMetadata(ctx context.Context, contract string) (chain.TokenMetadata, bool, error) {
	var (
		md    chain.TokenMetadata
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(contract))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &md)
		})
	})
	return md, found, err
}

func (s *Store) SaveTokenMetadata(ctx context.Context, md chain.TokenMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	md.Contract = strings.ToLower(md.Contract)
	return s.db.Update(func(txn *badger.Txn) error {
		return (&txnWriter{txn: txn}).put(tokenKey(md.Contract), md)
	})
}

type txnWriter struct {
	txn *badger.Txn
}

func (w *txnWriter) WriteBlock(b chain.BlockHeader) error {
	return w.put(blockKey(b.Number), b)
}

func (w *txnWriter) WriteTransaction(tx chain.Transaction) error {
	return w.put([]byte(txPrefix+tx.Hash), tx)
}

func (w *txnWriter) WriteLog(l chain.Log) error {
	return w.put(logKey(logPrefix, l.TransactionHash, l.LogIndex.Uint64()), l)
}

func (w *txnWriter) WriteTransfer(tr chain.Transfer) error {
	return w.put(logKey(transferPrefix, tr.TxHash, tr.LogIndex), tr)
}

func (w *txnWriter) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return w.txn.Set(key, data)
}

func dedupKey(topic, key string) []byte {
	return []byte(dedupPrefix + strconv.Itoa(len(topic)) + ":" + topic + ":" + key)
}

func blockKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, n))
}

func tokenKey(contract string) []byte {
	return []byte(tokenPrefix + strings.ToLower(contract))
}

func logKey(prefix, txHash string, index uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefix, txHash, index))
}
