// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"

	"github.com/absmach/chainstream/chain"
)

// Range is an inclusive block range.
type Range struct {
	From, To uint64
}

// Chunks splits [from, to] into consecutive ranges of at most size blocks.
// Bounds in the wrong order are swapped and a zero size is treated as one.
func Chunks(from, to, size uint64) []Range {
	if from > to {
		from, to = to, from
	}
	if size == 0 {
		size = 1
	}

	var out []Range
	for start := from; ; start += size {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		out = append(out, Range{From: start, To: end})
		if end == to {
			return out
		}
	}
}

// LogFilter selects logs for GetLogs.
type LogFilter struct {
	From, To uint64
	Address  string
	Topics   []string
}

type logQuery struct {
	FromBlock string   `json:"fromBlock"`
	ToBlock   string   `json:"toBlock"`
	Address   string   `json:"address,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// GetLogs requests the logs of the filter range in chunks of
// Config.ChunkSize blocks, in ascending order. The first failing chunk aborts
// the call.
func (c *Client) GetLogs(ctx context.Context, f LogFilter) ([]chain.Log, error) {
	var all []chain.Log

	for _, r := range Chunks(f.From, f.To, c.config.ChunkSize) {
		q := logQuery{
			FromBlock: chain.Quantity(r.From).String(),
			ToBlock:   chain.Quantity(r.To).String(),
			Address:   f.Address,
			Topics:    f.Topics,
		}

		var logs []chain.Log
		if err := c.Call(ctx, "eth_getLogs", []any{q}, &logs); err != nil {
			return nil, fmt.Errorf("failed to get logs for blocks %d-%d: %w", r.From, r.To, err)
		}
		all = append(all, logs...)
	}

	return all, nil
}
