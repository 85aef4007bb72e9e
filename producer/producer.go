// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package producer publishes historical block ranges onto the broker topics.
package producer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/chain"
	"golang.org/x/sync/errgroup"
)

// FetchFunc returns block n with its transactions and logs. A nil block is
// published as an empty block.
type FetchFunc func(ctx context.Context, n uint64) (*chain.Block, error)

// Options select the range and shape of a produce run.
type Options struct {
	Start, End uint64 // inclusive, in any order
	// Contract keeps only logs emitted by this address when set.
	Contract    string
	Concurrency int
}

// Counts are the numbers of messages published per topic.
type Counts struct {
	Blocks       int64
	Transactions int64
	Logs         int64
}

// ProduceRange fetches every block of the range with at most
// opts.Concurrency fetches in flight and publishes its header, transactions
// and logs. Blocks are published in completion order. The first error stops
// the run and is returned with the counts published so far.
func ProduceRange(ctx context.Context, b broker.Broker, fetch FetchFunc, opts Options) (Counts, error) {
	start, end := opts.Start, opts.End
	if start > end {
		start, end = end, start
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var blocks, txs, logs atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for n := start; ; n++ {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			c, err := produceBlock(gctx, b, fetch, n, opts.Contract)
			blocks.Add(c.Blocks)
			txs.Add(c.Transactions)
			logs.Add(c.Logs)
			return err
		})

		if n == end {
			break
		}
	}

	err := g.Wait()
	if err == nil {
		// The loop stops early only when ctx is done.
		err = ctx.Err()
	}

	return Counts{
		Blocks:       blocks.Load(),
		Transactions: txs.Load(),
		Logs:         logs.Load(),
	}, err
}

func produceBlock(ctx context.Context, b broker.Broker, fetch FetchFunc, n uint64, contract string) (Counts, error) {
	var c Counts

	block, err := fetch(ctx, n)
	if err != nil {
		return c, fmt.Errorf("failed to fetch block %d: %w", n, err)
	}

	if _, err := b.Publish(ctx, broker.TopicBlocks, strconv.FormatUint(n, 10), chain.Header(n, block)); err != nil {
		return c, fmt.Errorf("failed to publish block %d: %w", n, err)
	}
	c.Blocks++

	if block == nil {
		return c, nil
	}

	for _, tx := range block.Transactions {
		tx.BlockNumber = chain.Quantity(n)
		if _, err := b.Publish(ctx, broker.TopicTransactions, tx.Hash, tx); err != nil {
			return c, fmt.Errorf("failed to publish transaction %s: %w", tx.Hash, err)
		}
		c.Transactions++
	}

	for _, l := range block.Logs {
		if contract != "" && !strings.EqualFold(l.Address, contract) {
			continue
		}
		l.BlockNumber = chain.Quantity(n)
		if _, err := b.Publish(ctx, broker.TopicLogs, l.Key(), l); err != nil {
			return c, fmt.Errorf("failed to publish log %s: %w", l.Key(), err)
		}
		c.Logs++
	}

	return c, nil
}
