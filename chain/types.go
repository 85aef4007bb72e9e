// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package chain defines the block, transaction and log records that flow
// through chainstream, together with ERC-20 decoding helpers.
package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// Payload kinds carried on broker topics.
const (
	KindBlock       = "block"
	KindTransaction = "transaction"
	KindLog         = "log"
)

// ZeroHash is the 32-byte zero hash used when a parent hash is unknown.
var ZeroHash = "0x" + strings.Repeat("0", 64)

// Block is a block as returned by eth_getBlockByNumber with full transactions,
// plus the logs emitted in it.
type Block struct {
	Number       Quantity      `json:"number"`
	Hash         string        `json:"hash"`
	ParentHash   string        `json:"parentHash"`
	Timestamp    Quantity      `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	Logs         []Log         `json:"logs,omitempty"`
}

// BlockHeader is the message published on the blocks topic.
type BlockHeader struct {
	Number     uint64 `json:"block_number"`
	Hash       string `json:"block_hash"`
	Timestamp  uint64 `json:"timestamp"`
	ParentHash string `json:"parent_hash"`
}

// Kind implements the broker payload interface.
func (BlockHeader) Kind() string { return KindBlock }

// Header builds the header for block number n. b may be nil, in which case
// the synthetic hash and the zero parent hash are used.
func Header(n uint64, b *Block) BlockHeader {
	h := BlockHeader{
		Number:     n,
		Hash:       fmt.Sprintf("0x%064x", n),
		ParentHash: ZeroHash,
	}
	if b == nil {
		return h
	}
	if b.Hash != "" {
		h.Hash = b.Hash
	}
	if b.ParentHash != "" {
		h.ParentHash = b.ParentHash
	}
	h.Timestamp = b.Timestamp.Uint64()
	return h
}

// Transaction is a transaction object.
type Transaction struct {
	Hash             string   `json:"hash"`
	From             string   `json:"from"`
	To               string   `json:"to"`
	Value            string   `json:"value"`
	Input            string   `json:"input"`
	BlockNumber      Quantity `json:"blockNumber"`
	TransactionIndex Quantity `json:"transactionIndex"`
}

// Kind implements the broker payload interface.
func (Transaction) Kind() string { return KindTransaction }

// Log is an event log entry.
type Log struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      Quantity `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex Quantity `json:"transactionIndex"`
	LogIndex         Quantity `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// Kind implements the broker payload interface.
func (Log) Kind() string { return KindLog }

// Key returns the "txHash:logIndex" key that identifies the log.
func (l Log) Key() string {
	return fmt.Sprintf("%s:%d", l.TransactionHash, l.LogIndex.Uint64())
}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint64   `json:"log_index"`
	Contract    string   `json:"contract"`
	Sender      string   `json:"sender"`
	Recipient   string   `json:"recipient"`
	Value       *big.Int `json:"value"`
	BlockNumber uint64   `json:"block_number"`
}

// TokenMetadata describes an ERC-20 contract.
type TokenMetadata struct {
	Contract    string   `json:"contract"`
	Symbol      string   `json:"symbol"`
	Decimals    uint64   `json:"decimals"`
	TotalSupply *big.Int `json:"total_supply"`
	AsOfBlock   *uint64  `json:"as_of_block,omitempty"`
}
