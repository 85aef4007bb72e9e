// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec compresses message values stored by durable brokers.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Type identifies the compression applied to a stored value.
type Type uint8

const (
	None Type = iota
	S2
	Zstd
)

// MinSize is the smallest value worth compressing. Shorter values are stored
// as they are.
const MinSize = 256

// Zstd encoder/decoder shared by all callers.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// Parse maps a configuration name to a Type.
func Parse(name string) (Type, error) {
	switch name {
	case "", "none":
		return None, nil
	case "s2":
		return S2, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case S2:
		return "s2"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(t))
	}
}

// Encode compresses data with t and reports the type actually applied, which
// is None for values shorter than MinSize.
func Encode(t Type, data []byte) (Type, []byte, error) {
	if len(data) < MinSize {
		return None, data, nil
	}

	switch t {
	case None:
		return None, data, nil
	case S2:
		// S2 is Snappy-compatible but faster
		return S2, s2.Encode(nil, data), nil
	case Zstd:
		return Zstd, zstdEncoder.EncodeAll(data, nil), nil
	default:
		return None, nil, fmt.Errorf("unknown compression %s", t)
	}
}

// Decode reverses Encode.
func Decode(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case S2:
		return s2.Decode(nil, data)
	case Zstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown compression %s", t)
	}
}
