// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"

	"github.com/absmach/chainstream/chain"
)

type callMsg struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// EthCall executes a read-only call against contract at block, or at the
// latest block when block is nil.
func (c *Client) EthCall(ctx context.Context, contract, data string, block *uint64) (string, error) {
	tag := "latest"
	if block != nil {
		tag = chain.Quantity(*block).String()
	}

	var out string
	if err := c.Call(ctx, "eth_call", []any{callMsg{To: contract, Data: data}, tag}, &out); err != nil {
		return "", err
	}
	if out == "" {
		out = "0x"
	}
	return out, nil
}

// TokenMetadata reads symbol, decimals and total supply of an ERC-20
// contract.
func (c *Client) TokenMetadata(ctx context.Context, contract string, block *uint64) (chain.TokenMetadata, error) {
	addr, err := chain.NormalizeAddress(contract)
	if err != nil {
		return chain.TokenMetadata{}, err
	}

	md := chain.TokenMetadata{Contract: addr, AsOfBlock: block}

	out, err := c.EthCall(ctx, addr, chain.SelectorDecimals, block)
	if err != nil {
		return chain.TokenMetadata{}, fmt.Errorf("failed to read decimals: %w", err)
	}
	dec, err := chain.DecodeUint256(out)
	if err != nil {
		return chain.TokenMetadata{}, fmt.Errorf("failed to decode decimals: %w", err)
	}
	md.Decimals = dec.Uint64()

	out, err = c.EthCall(ctx, addr, chain.SelectorSymbol, block)
	if err != nil {
		return chain.TokenMetadata{}, fmt.Errorf("failed to read symbol: %w", err)
	}
	md.Symbol = chain.DecodeString(out)

	out, err = c.EthCall(ctx, addr, chain.SelectorTotalSupply, block)
	if err != nil {
		return chain.TokenMetadata{}, fmt.Errorf("failed to read total supply: %w", err)
	}
	if md.TotalSupply, err = chain.DecodeUint256(out); err != nil {
		return chain.TokenMetadata{}, fmt.Errorf("failed to decode total supply: %w", err)
	}

	return md, nil
}
