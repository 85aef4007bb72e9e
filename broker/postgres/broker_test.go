// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerContract(t *testing.T) {
	testutil.RunBrokerSuite(t, func(t *testing.T) broker.Broker {
		store := testutil.Postgres(t, "messages", "consumer_offsets")
		return New(store.Pool(), time.Millisecond)
	})
}

func TestDurability(t *testing.T) {
	store := testutil.Postgres(t, "messages", "consumer_offsets")
	testutil.RunDurabilitySuite(t, func(t *testing.T) broker.Broker {
		return New(store.Pool(), time.Millisecond)
	})
}

func TestTail(t *testing.T) {
	store := testutil.Postgres(t, "messages", "consumer_offsets")
	b := New(store.Pool(), time.Millisecond)
	ctx := context.Background()

	tail, err := b.Tail(ctx, "txs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail)

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, "txs", "k", testutil.Tx(i))
		require.NoError(t, err)
	}
	tail, err = b.Tail(ctx, "txs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), tail)

	require.NoError(t, b.Close())
	_, err = b.Publish(ctx, "txs", "k", testutil.Tx(4))
	assert.ErrorIs(t, err, broker.ErrClosed)
}
