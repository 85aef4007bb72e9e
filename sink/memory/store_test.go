// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/sink"
	"github.com/absmach/chainstream/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	testutil.RunSinkSuite(t, func(t *testing.T) testutil.SinkStore {
		return New()
	})
}

func TestApplyCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	first, err := s.Apply(ctx, "transactions", "0x1", func(w sink.Writer) error {
		cancel()
		return w.WriteTransaction(testutil.Tx(1))
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, first)
	assert.Equal(t, 0, s.Transactions())

	first, err = s.Apply(context.Background(), "transactions", "0x1", func(w sink.Writer) error {
		return w.WriteTransaction(testutil.Tx(1))
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, 1, s.Transactions())
}

func TestWriteLogCopiesTopics(t *testing.T) {
	s := New()
	l := chain.Log{TransactionHash: "0x1", Topics: []string{"0xa"}}

	_, err := s.Apply(context.Background(), "logs", l.Key(), func(w sink.Writer) error {
		return w.WriteLog(l)
	})
	require.NoError(t, err)
	l.Topics[0] = "0xb"

	assert.Equal(t, 1, s.Logs())
	assert.Equal(t, "0xa", s.logs[logKey{"0x1", 0}].Topics[0])
}
