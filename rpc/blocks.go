// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"

	"github.com/absmach/chainstream/chain"
)

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n chain.Quantity
	if err := c.Call(ctx, "eth_blockNumber", nil, &n); err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// BlockByNumber returns block n with full transaction objects, or nil when
// the upstream does not know the block.
func (c *Client) BlockByNumber(ctx context.Context, n uint64) (*chain.Block, error) {
	var b *chain.Block
	if err := c.Call(ctx, "eth_getBlockByNumber", []any{chain.Quantity(n).String(), true}, &b); err != nil {
		return nil, err
	}
	return b, nil
}

// FetchBlock returns block n together with its logs. When address is set
// only logs emitted by that contract are requested.
func (c *Client) FetchBlock(ctx context.Context, n uint64, address string) (*chain.Block, error) {
	b, err := c.BlockByNumber(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", n, err)
	}
	if b == nil {
		return nil, nil
	}

	logs, err := c.GetLogs(ctx, LogFilter{From: n, To: n, Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs of block %d: %w", n, err)
	}
	b.Logs = logs

	return b, nil
}

// Fetcher returns a block fetch function usable by the producer.
func (c *Client) Fetcher(address string) func(ctx context.Context, n uint64) (*chain.Block, error) {
	return func(ctx context.Context, n uint64) (*chain.Block, error) {
		return c.FetchBlock(ctx, n, address)
	}
}
