// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/absmach/chainstream/chain"
)

// Token is the contract address used by TransferLog.
const Token = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

// AddressTopic left-pads addr to a 32-byte topic.
func AddressTopic(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(strings.ToLower(addr), "0x")
}

// TransferLog returns an ERC-20 Transfer log of value from sender to
// recipient emitted by contract.
func TransferLog(contract, sender, recipient string, value int64, txHash string, index, block uint64) chain.Log {
	return chain.Log{
		Address:         contract,
		Topics:          []string{chain.TransferTopic, AddressTopic(sender), AddressTopic(recipient)},
		Data:            fmt.Sprintf("0x%064x", big.NewInt(value)),
		BlockNumber:     chain.Quantity(block),
		TransactionHash: txHash,
		LogIndex:        chain.Quantity(index),
	}
}

// Block returns block n with txs transactions and logs logs. Every log after
// the first is emitted by a contract other than Token.
func Block(n uint64, txs, logs int) *chain.Block {
	b := &chain.Block{
		Number:     chain.Quantity(n),
		Hash:       fmt.Sprintf("0x%064x", n+1000),
		ParentHash: fmt.Sprintf("0x%064x", n+999),
		Timestamp:  chain.Quantity(1_700_000_000 + n),
	}
	for i := 0; i < txs; i++ {
		b.Transactions = append(b.Transactions, chain.Transaction{
			Hash:             fmt.Sprintf("0xtx%d-%d", n, i),
			From:             "0x1",
			To:               "0x2",
			Value:            "0x0",
			TransactionIndex: chain.Quantity(i),
		})
	}
	for i := 0; i < logs; i++ {
		contract := Token
		if i > 0 {
			contract = fmt.Sprintf("0x%040x", i)
		}
		b.Logs = append(b.Logs, TransferLog(contract, "0x1", "0x2", int64(i+1), fmt.Sprintf("0xtx%d-%d", n, i), uint64(i), 0))
	}
	return b
}

// FakeChain serves blocks built by Block and counts concurrent fetches.
type FakeChain struct {
	Txs, Logs int
	// Fail, when set, is returned for that block number.
	Fail map[uint64]error
	// Wait, when set, is called inside every fetch.
	Wait func()

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	fetched     []uint64
}

// Fetch implements the producer fetch function.
func (f *FakeChain) Fetch(ctx context.Context, n uint64) (*chain.Block, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.fetched = append(f.fetched, n)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Wait != nil {
		f.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.Fail[n]; ok {
		return nil, err
	}
	return Block(n, f.Txs, f.Logs), nil
}

// MaxInFlight returns the highest number of concurrent fetches observed.
func (f *FakeChain) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Fetched returns the block numbers requested so far.
func (f *FakeChain) Fetched() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.fetched...)
}
