// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/chainstream/chain"
)

// SchemaV1 is the schema version stamped on every published message.
const SchemaV1 = "v1"

var (
	// ErrUnknownPayload is returned when decoding a payload of an unknown kind.
	ErrUnknownPayload = errors.New("unknown payload kind")

	// ErrUnsupportedSchema is returned when decoding a message whose schema
	// version this build does not understand.
	ErrUnsupportedSchema = errors.New("unsupported schema version")
)

// Payload is the typed value of a message. The v1 schema knows
// chain.BlockHeader, chain.Transaction and chain.Log.
type Payload interface {
	Kind() string
}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes p into its tagged envelope.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnknownPayload)
	}

	switch p.(type) {
	case chain.BlockHeader, chain.Transaction, chain.Log:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayload, p.Kind())
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}

	return json.Marshal(envelope{Kind: p.Kind(), Data: data})
}

// DecodePayload parses an envelope written by EncodePayload under the given
// schema version.
func DecodePayload(version string, data []byte) (Payload, error) {
	if version != SchemaV1 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSchema, version)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload envelope: %w", err)
	}

	var (
		p   Payload
		err error
	)
	switch env.Kind {
	case chain.KindBlock:
		var v chain.BlockHeader
		err = json.Unmarshal(env.Data, &v)
		p = v
	case chain.KindTransaction:
		var v chain.Transaction
		err = json.Unmarshal(env.Data, &v)
		p = v
	case chain.KindLog:
		var v chain.Log
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}

	return p, nil
}

// ClonePayload returns a deep copy of p by round-tripping it through its
// encoded form. It also rejects payloads the schema cannot carry.
func ClonePayload(p Payload) (Payload, error) {
	data, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return DecodePayload(SchemaV1, data)
}
