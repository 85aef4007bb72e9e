// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// ERC-20 function selectors used for metadata calls.
const (
	SelectorDecimals    = "0x313ce567"
	SelectorSymbol      = "0x95d89b41"
	SelectorTotalSupply = "0x18160ddd"
)

// ErrInvalidAddress is returned for values that are not 20-byte hex addresses.
var ErrInvalidAddress = errors.New("invalid address")

// NormalizeAddress returns addr as a lowercase 0x-prefixed 40 hex character string.
// Surrounding whitespace and quotes are ignored and the 0x prefix is optional.
func NormalizeAddress(addr string) (string, error) {
	a := strings.Trim(strings.TrimSpace(addr), `"'`)
	if a == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	h, _ := trimHexPrefix(a)
	if len(h) != 40 {
		return "", fmt.Errorf("%w: %q needs 40 hex characters", ErrInvalidAddress, addr)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("%w: %q is not hex", ErrInvalidAddress, addr)
	}

	return "0x" + strings.ToLower(h), nil
}

// IsTransfer reports whether l looks like an ERC-20 Transfer event.
func IsTransfer(l Log) bool {
	return len(l.Topics) > 0 && strings.EqualFold(l.Topics[0], TransferTopic)
}

// DecodeTransfer decodes an ERC-20 Transfer log. The second result is false
// when the log is not a transfer or lacks the indexed sender and recipient.
func DecodeTransfer(l Log) (Transfer, bool) {
	if !IsTransfer(l) || len(l.Topics) < 3 {
		return Transfer{}, false
	}

	value, err := DecodeUint256(l.Data)
	if err != nil {
		return Transfer{}, false
	}

	return Transfer{
		TxHash:      l.TransactionHash,
		LogIndex:    l.LogIndex.Uint64(),
		Contract:    strings.ToLower(l.Address),
		Sender:      topicAddress(l.Topics[1]),
		Recipient:   topicAddress(l.Topics[2]),
		Value:       value,
		BlockNumber: l.BlockNumber.Uint64(),
	}, true
}

// topicAddress extracts the address held in the last 20 bytes of a topic.
func topicAddress(topic string) string {
	t, _ := trimHexPrefix(topic)
	t = strings.ToLower(t)
	if len(t) < 40 {
		return "0x" + strings.Repeat("0", 40-len(t)) + t
	}
	return "0x" + t[len(t)-40:]
}

// DecodeUint256 decodes a hex or decimal word. Empty input and "0x" are zero.
func DecodeUint256(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	v := new(big.Int)
	if h, ok := trimHexPrefix(s); ok || s == "" {
		if h == "" {
			return v, nil
		}
		if _, ok := v.SetString(h, 16); !ok {
			return nil, fmt.Errorf("invalid hex word %q", s)
		}
		return v, nil
	}
	if _, ok := v.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid decimal word %q", s)
	}
	return v, nil
}

// DecodeString decodes an ABI encoded string return value. Contracts that
// return bytes32 instead of a dynamic string are handled too.
func DecodeString(s string) string {
	h, _ := trimHexPrefix(strings.TrimSpace(s))
	if h == "" {
		return ""
	}

	if len(h) >= 128 {
		if n, err := strconv.ParseUint(h[64:128], 16, 32); err == nil && 128+int(n)*2 <= len(h) {
			if b, err := hex.DecodeString(h[128 : 128+int(n)*2]); err == nil {
				return string(b)
			}
		}
	}

	return decodeBytes32(h)
}

func decodeBytes32(h string) string {
	if len(h) > 64 {
		h = h[:64]
	}
	if len(h)%2 != 0 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return ""
	}
	return string(bytes.Trim(b, "\x00"))
}
