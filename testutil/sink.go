// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SinkStore is a sink store that can be read back.
type SinkStore interface {
	sink.Store
	sink.Querier
	sink.MetadataStore
}

// RunSinkSuite exercises the sink store contract. Each subtest gets a fresh,
// empty store.
func RunSinkSuite(t *testing.T, newStore func(t *testing.T) SinkStore) {
	ctx := context.Background()

	t.Run("mark seen", func(t *testing.T) {
		s := newStore(t)

		first, err := s.MarkSeen(ctx, "logs", "0xabc:1")
		require.NoError(t, err)
		assert.True(t, first)

		first, err = s.MarkSeen(ctx, "logs", "0xabc:1")
		require.NoError(t, err)
		assert.False(t, first)

		first, err = s.MarkSeen(ctx, "transactions", "0xabc:1")
		require.NoError(t, err)
		assert.True(t, first, "keys are scoped by topic")
	})

	t.Run("write runs once across redeliveries", func(t *testing.T) {
		s := newStore(t)

		var calls int
		write := func(w sink.Writer) error {
			calls++
			return w.WriteBlock(chain.Header(7, nil))
		}
		for i := 0; i < 3; i++ {
			first, err := s.Apply(ctx, broker.TopicBlocks, "7", write)
			require.NoError(t, err)
			assert.Equal(t, i == 0, first)
		}
		assert.Equal(t, 1, calls)

		b, ok, err := s.Block(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, chain.Header(7, nil), b)
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		s := newStore(t)
		errBoom := errors.New("boom")

		first, err := s.Apply(ctx, broker.TopicBlocks, "9", func(w sink.Writer) error {
			if err := w.WriteBlock(chain.Header(9, nil)); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)
		assert.False(t, first)

		_, ok, err := s.Block(ctx, 9)
		require.NoError(t, err)
		assert.False(t, ok, "partial write must be rolled back")

		first, err = s.Apply(ctx, broker.TopicBlocks, "9", func(w sink.Writer) error {
			return w.WriteBlock(chain.Header(9, nil))
		})
		require.NoError(t, err)
		assert.True(t, first, "key must not be marked after a failed write")
	})

	t.Run("concurrent apply of one key", func(t *testing.T) {
		s := newStore(t)

		var (
			wg     sync.WaitGroup
			firsts atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				first, err := s.Apply(ctx, broker.TopicBlocks, "1", func(w sink.Writer) error {
					return w.WriteBlock(chain.Header(1, nil))
				})
				assert.NoError(t, err)
				if first {
					firsts.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), firsts.Load())
	})

	t.Run("handlers", func(t *testing.T) {
		s := newStore(t)
		h := sink.NewHandlers(s, nil, nil)

		tr := TransferLog(Token, "0x00000000000000000000000000000000000000aa", "0x00000000000000000000000000000000000000bb", 1500, "0xt1", 3, 12)
		other := TransferLog("0x0000000000000000000000000000000000000001", "0x1", "0x2", 1, "0xt2", 0, 12)
		plain := chain.Log{Address: Token, Topics: []string{"0x01"}, Data: "0x", TransactionHash: "0xt3", BlockNumber: 12}

		msgs := []broker.Message{
			{Topic: broker.TopicBlocks, Key: "12", Value: chain.Header(12, nil)},
			{Topic: broker.TopicTransactions, Key: "0xt1", Value: Tx(1)},
			{Topic: broker.TopicLogs, Key: tr.Key(), Value: tr},
			{Topic: broker.TopicLogs, Key: other.Key(), Value: other},
			{Topic: broker.TopicLogs, Key: plain.Key(), Value: plain},
		}
		handle := map[string]func(context.Context, broker.Message) error{
			broker.TopicBlocks:       h.Blocks,
			broker.TopicTransactions: h.Transactions,
			broker.TopicLogs:         h.Logs,
		}
		// Deliver everything twice.
		for round := 0; round < 2; round++ {
			for _, msg := range msgs {
				require.NoError(t, handle[msg.Topic](ctx, msg), fmt.Sprintf("round %d key %s", round, msg.Key))
			}
		}

		b, ok, err := s.Block(ctx, 12)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(12), b.Number)

		transfers, err := s.Transfers(ctx, Token)
		require.NoError(t, err)
		require.Len(t, transfers, 1)
		got := transfers[0]
		assert.Equal(t, "0xt1", got.TxHash)
		assert.Equal(t, uint64(3), got.LogIndex)
		assert.Equal(t, Token, got.Contract)
		assert.Equal(t, "0x00000000000000000000000000000000000000aa", got.Sender)
		assert.Equal(t, "0x00000000000000000000000000000000000000bb", got.Recipient)
		assert.Equal(t, 0, big.NewInt(1500).Cmp(got.Value))
		assert.Equal(t, uint64(12), got.BlockNumber)

		all, err := s.Transfers(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("block range", func(t *testing.T) {
		s := newStore(t)

		for _, n := range []uint64{3, 5, 6, 8, 12} {
			first, err := s.Apply(ctx, broker.TopicBlocks, fmt.Sprint(n), func(w sink.Writer) error {
				return w.WriteBlock(chain.Header(n, nil))
			})
			require.NoError(t, err)
			require.True(t, first)
		}

		blocks, err := s.Blocks(ctx, 4, 8)
		require.NoError(t, err)
		var numbers []uint64
		for _, b := range blocks {
			numbers = append(numbers, b.Number)
		}
		assert.Equal(t, []uint64{5, 6, 8}, numbers)
		assert.Equal(t, chain.Header(6, nil), blocks[1])

		blocks, err = s.Blocks(ctx, 12, 12)
		require.NoError(t, err)
		require.Len(t, blocks, 1)
		assert.Equal(t, uint64(12), blocks[0].Number)

		blocks, err = s.Blocks(ctx, 13, 100)
		require.NoError(t, err)
		assert.Empty(t, blocks)

		blocks, err = s.Blocks(ctx, 8, 4)
		require.NoError(t, err)
		assert.Empty(t, blocks)
	})

	t.Run("token metadata", func(t *testing.T) {
		s := newStore(t)

		_, ok, err := s.TokenMetadata(ctx, Token)
		require.NoError(t, err)
		assert.False(t, ok)

		block := uint64(100)
		supply, _ := new(big.Int).SetString("1000000000000000000000000", 10)
		md := chain.TokenMetadata{
			Contract:    "0x" + strings.ToUpper(Token[2:]),
			Symbol:      "TKN",
			Decimals:    18,
			TotalSupply: supply,
			AsOfBlock:   &block,
		}
		require.NoError(t, s.SaveTokenMetadata(ctx, md))

		got, ok, err := s.TokenMetadata(ctx, Token)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, strings.ToLower(Token), got.Contract)
		assert.Equal(t, "TKN", got.Symbol)
		assert.Equal(t, uint64(18), got.Decimals)
		assert.Equal(t, 0, supply.Cmp(got.TotalSupply))
		require.NotNil(t, got.AsOfBlock)
		assert.Equal(t, block, *got.AsOfBlock)

		// A later read replaces the stored one.
		md.Symbol = "TKN2"
		md.TotalSupply = big.NewInt(42)
		md.AsOfBlock = nil
		require.NoError(t, s.SaveTokenMetadata(ctx, md))

		got, ok, err = s.TokenMetadata(ctx, "0x"+strings.ToUpper(Token[2:]))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "TKN2", got.Symbol)
		assert.Equal(t, 0, big.NewInt(42).Cmp(got.TotalSupply))
		assert.Nil(t, got.AsOfBlock)
	})

	t.Run("unexpected payload", func(t *testing.T) {
		s := newStore(t)
		h := sink.NewHandlers(s, nil, nil)

		err := h.Logs(ctx, broker.Message{Topic: broker.TopicLogs, Key: "k", Value: Tx(1)})
		assert.ErrorIs(t, err, sink.ErrUnexpectedPayload)
		err = h.Blocks(ctx, broker.Message{Topic: broker.TopicBlocks, Key: "k"})
		assert.ErrorIs(t, err, sink.ErrUnexpectedPayload)

		// The rejected key stays unmarked.
		first, err := s.MarkSeen(ctx, broker.TopicLogs, "k")
		require.NoError(t, err)
		assert.True(t, first)
	})
}
