// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantityUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Quantity
		wantErr bool
	}{
		{name: "hex", input: `"0x1a"`, want: 26},
		{name: "upper prefix", input: `"0X10"`, want: 16},
		{name: "bare prefix", input: `"0x"`, want: 0},
		{name: "decimal string", input: `"42"`, want: 42},
		{name: "number", input: `7`, want: 7},
		{name: "null", input: `null`, want: 0},
		{name: "garbage", input: `"0xzz"`, wantErr: true},
		{name: "negative", input: `-1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Quantity
			err := json.Unmarshal([]byte(tt.input), &q)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, q)
		})
	}
}

func TestQuantityMarshalHex(t *testing.T) {
	data, err := json.Marshal(Quantity(255))
	require.NoError(t, err)
	assert.Equal(t, `"0xff"`, string(data))
}

func TestLogDecodesNumericFields(t *testing.T) {
	raw := `{"transactionHash":"0xT1","address":"0xC","logIndex":1,"blockNumber":"0x10","topics":[],"data":"0x00"}`

	var l Log
	require.NoError(t, json.Unmarshal([]byte(raw), &l))
	assert.Equal(t, uint64(1), l.LogIndex.Uint64())
	assert.Equal(t, uint64(16), l.BlockNumber.Uint64())
	assert.Equal(t, "0xT1:1", l.Key())
}

func TestHeaderDefaults(t *testing.T) {
	h := Header(5, nil)
	assert.Equal(t, uint64(5), h.Number)
	assert.Equal(t, "0x"+strings.Repeat("0", 63)+"5", h.Hash)
	assert.Equal(t, ZeroHash, h.ParentHash)
	assert.Zero(t, h.Timestamp)

	h = Header(5, &Block{Hash: "0xB5", ParentHash: "0xP4", Timestamp: 1700000005})
	assert.Equal(t, "0xB5", h.Hash)
	assert.Equal(t, "0xP4", h.ParentHash)
	assert.Equal(t, uint64(1700000005), h.Timestamp)
}

func TestNormalizeAddress(t *testing.T) {
	const want = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "checksummed", input: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		{name: "no prefix", input: "a0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
		{name: "quoted with spaces", input: `  "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" `},
		{name: "empty", input: "", wantErr: true},
		{name: "too short", input: "0x1234", wantErr: true},
		{name: "not hex", input: "0xg0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecodeTransfer(t *testing.T) {
	l := Log{
		Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Topics: []string{
			TransferTopic,
			"0x000000000000000000000000" + "1111111111111111111111111111111111111111",
			"0x000000000000000000000000" + "2222222222222222222222222222222222222222",
		},
		Data:            "0x00000000000000000000000000000000000000000000000000000000000003e8",
		TransactionHash: "0xabc",
		LogIndex:        3,
		BlockNumber:     100,
	}

	tr, ok := DecodeTransfer(l)
	require.True(t, ok)
	assert.Equal(t, "0xabc", tr.TxHash)
	assert.Equal(t, uint64(3), tr.LogIndex)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", tr.Contract)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", tr.Sender)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", tr.Recipient)
	assert.Equal(t, 0, tr.Value.Cmp(big.NewInt(1000)))
	assert.Equal(t, uint64(100), tr.BlockNumber)
}

func TestDecodeTransferRejects(t *testing.T) {
	_, ok := DecodeTransfer(Log{Topics: []string{"0xdeadbeef"}})
	assert.False(t, ok, "other event")

	_, ok = DecodeTransfer(Log{Topics: []string{TransferTopic}})
	assert.False(t, ok, "missing indexed topics")

	_, ok = DecodeTransfer(Log{})
	assert.False(t, ok, "no topics")
}

func TestDecodeString(t *testing.T) {
	// abi.encode("USDC")
	dynamic := "0x" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000004" +
		"5553444300000000000000000000000000000000000000000000000000000000"
	assert.Equal(t, "USDC", DecodeString(dynamic))

	// bytes32("MKR")
	fixed := "0x4d4b520000000000000000000000000000000000000000000000000000000000"
	assert.Equal(t, "MKR", DecodeString(fixed))

	assert.Equal(t, "", DecodeString("0x"))
}

func TestDecodeUint256(t *testing.T) {
	v, err := DecodeUint256("0x")
	require.NoError(t, err)
	assert.Zero(t, v.Sign())

	v, err = DecodeUint256("0x12")
	require.NoError(t, err)
	assert.Equal(t, int64(18), v.Int64())

	_, err = DecodeUint256("0xnope")
	assert.Error(t, err)
}
