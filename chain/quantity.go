// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Quantity is an unsigned integer as exchanged over JSON-RPC.
// It decodes from hex strings ("0x1a"), decimal strings and JSON numbers,
// and always encodes as a hex string.
type Quantity uint64

// Uint64 returns the quantity as uint64.
func (q Quantity) Uint64() uint64 {
	return uint64(q)
}

// String returns the hex representation.
func (q Quantity) String() string {
	return "0x" + strconv.FormatUint(uint64(q), 16)
}

// MarshalJSON encodes the quantity as a hex string.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts hex strings, decimal strings, numbers and null.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseQuantity(s)
		if err != nil {
			return err
		}
		*q = v
		return nil
	}

	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid quantity %s: %w", data, err)
	}
	*q = Quantity(v)
	return nil
}

// ParseQuantity parses a hex ("0x"-prefixed) or decimal string.
// An empty string or a bare "0x" is zero.
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if h, ok := trimHexPrefix(s); ok {
		if h == "" {
			return 0, nil
		}
		v, err := strconv.ParseUint(h, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
		}
		return Quantity(v), nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return Quantity(v), nil
}

func trimHexPrefix(s string) (string, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:], true
	}
	return s, false
}
