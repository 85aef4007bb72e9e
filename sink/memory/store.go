// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory sink store.
package memory

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/sink"
)

var (
	_ sink.Store         = (*Store)(nil)
	_ sink.Querier       = (*Store)(nil)
	_ sink.MetadataStore = (*Store)(nil)
)

type dedupKey struct {
	topic, key string
}

type logKey struct {
	txHash string
	index  uint64
}

// Store keeps the dedup ledger and every table in maps.
type Store struct {
	mu        sync.Mutex
	seen      map[dedupKey]struct{}
	blocks    map[uint64]chain.BlockHeader
	txs       map[string]chain.Transaction
	logs      map[logKey]chain.Log
	transfers map[logKey]chain.Transfer
	tokens    map[string]chain.TokenMetadata
}

// New creates an empty store.
func New() *Store {
	return &Store{
		seen:      make(map[dedupKey]struct{}),
		blocks:    make(map[uint64]chain.BlockHeader),
		txs:       make(map[string]chain.Transaction),
		logs:      make(map[logKey]chain.Log),
		transfers: make(map[logKey]chain.Transfer),
		tokens:    make(map[string]chain.TokenMetadata),
	}
}

func (s *Store) MarkSeen(ctx context.Context, topic, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := dedupKey{topic, key}
	if _, ok := s.seen[k]; ok {
		return false, nil
	}
	s.seen[k] = struct{}{}
	return true, nil
}

// Apply stages the writes and publishes them together with the mark only when
// write succeeds.
func (s *Store) Apply(ctx context.Context, topic, key string, write func(sink.Writer) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := dedupKey{topic, key}
	if _, ok := s.seen[k]; ok {
		return false, nil
	}

	w := &stagedWriter{}
	if err := write(w); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for _, op := range w.ops {
		op(s)
	}
	s.seen[k] = struct{}{}

	return true, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Block(ctx context.Context, number uint64) (chain.BlockHeader, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[number]
	return b, ok, nil
}

func (s *Store) Blocks(ctx context.Context, from, to uint64) ([]chain.BlockHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chain.BlockHeader
	for n, b := range s.blocks {
		if n >= from && n <= to {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })

	return out, nil
}

func (s *Store) Transfers(ctx context.Context, contract string) ([]chain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chain.Transfer
	for _, tr := range s.transfers {
		if contract != "" && !strings.EqualFold(tr.Contract, contract) {
			continue
		}
		tr.Value = new(big.Int).Set(tr.Value)
		out = append(out, tr)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxHash != b.TxHash {
			return a.TxHash < b.TxHash
		}
		return a.LogIndex < b.LogIndex
	})

	return out, nil
}

func (s *Store) TokenMetadata(ctx context.Context, contract string) (chain.TokenMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.tokens[strings.ToLower(contract)]
	if !ok {
		return chain.TokenMetadata{}, false, nil
	}
	return cloneMetadata(md), true, nil
}

func (s *Store) SaveTokenMetadata(ctx context.Context, md chain.TokenMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md = cloneMetadata(md)
	md.Contract = strings.ToLower(md.Contract)
	s.tokens[md.Contract] = md
	return nil
}

func cloneMetadata(md chain.TokenMetadata) chain.TokenMetadata {
	if md.TotalSupply != nil {
		md.TotalSupply = new(big.Int).Set(md.TotalSupply)
	} else {
		md.TotalSupply = new(big.Int)
	}
	if md.AsOfBlock != nil {
		n := *md.AsOfBlock
		md.AsOfBlock = &n
	}
	return md
}

// Transactions returns the number of stored transactions.
func (s *Store) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Logs returns the number of stored logs.
func (s *Store) Logs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

type stagedWriter struct {
	ops []func(*Store)
}

func (w *stagedWriter) WriteBlock(b chain.BlockHeader) error {
	w.ops = append(w.ops, func(s *Store) { s.blocks[b.Number] = b })
	return nil
}

func (w *stagedWriter) WriteTransaction(tx chain.Transaction) error {
	w.ops = append(w.ops, func(s *Store) { s.txs[tx.Hash] = tx })
	return nil
}

func (w *stagedWriter) WriteLog(l chain.Log) error {
	l.Topics = append([]string(nil), l.Topics...)
	w.ops = append(w.ops, func(s *Store) {
		s.logs[logKey{l.TransactionHash, l.LogIndex.Uint64()}] = l
	})
	return nil
}

func (w *stagedWriter) WriteTransfer(tr chain.Transfer) error {
	if tr.Value != nil {
		tr.Value = new(big.Int).Set(tr.Value)
	} else {
		tr.Value = new(big.Int)
	}
	w.ops = append(w.ops, func(s *Store) {
		s.transfers[logKey{tr.TxHash, tr.LogIndex}] = tr
	})
	return nil
}
