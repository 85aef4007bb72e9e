// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sink applies consumed messages to storage exactly once per message
// key. The broker delivers at least once; the sink's dedup ledger turns
// redeliveries into no-ops.
package sink

import (
	"context"
	"errors"

	"github.com/absmach/chainstream/chain"
)

// ErrUnexpectedPayload is returned by a handler that received a payload kind
// it does not process.
var ErrUnexpectedPayload = errors.New("unexpected payload")

// Writer upserts records by their natural key.
type Writer interface {
	WriteBlock(b chain.BlockHeader) error
	WriteTransaction(tx chain.Transaction) error
	WriteLog(l chain.Log) error
	WriteTransfer(tr chain.Transfer) error
}

// Store is a dedup ledger with the tables its effects are written to.
type Store interface {
	// MarkSeen records (topic, key) and reports whether this was the first
	// time it was recorded.
	MarkSeen(ctx context.Context, topic, key string) (bool, error)

	// Apply marks (topic, key) and runs write in a single atomic unit. It
	// returns false without calling write when the key was already marked.
	// When write fails, neither the mark nor any write is kept.
	Apply(ctx context.Context, topic, key string, write func(Writer) error) (bool, error)

	Close() error
}

// Querier reads back what the sink wrote.
type Querier interface {
	Block(ctx context.Context, number uint64) (chain.BlockHeader, bool, error)

	// Blocks returns the stored headers numbered from to to inclusive, in
	// ascending order. Gaps are skipped.
	Blocks(ctx context.Context, from, to uint64) ([]chain.BlockHeader, error)

	// Transfers returns the transfers of contract ordered by block number,
	// transaction hash and log index. An empty contract returns all of them.
	Transfers(ctx context.Context, contract string) ([]chain.Transfer, error)

	// TokenMetadata returns the stored metadata of contract, matched without
	// regard to case.
	TokenMetadata(ctx context.Context, contract string) (chain.TokenMetadata, bool, error)
}

// MetadataStore keeps ERC-20 metadata read outside the message flow.
type MetadataStore interface {
	// SaveTokenMetadata upserts md by its contract address.
	SaveTokenMetadata(ctx context.Context, md chain.TokenMetadata) error
}
