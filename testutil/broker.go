// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tx returns a transaction payload identified by i.
func Tx(i int) chain.Transaction {
	return chain.Transaction{
		Hash:  fmt.Sprintf("0x%04x", i),
		From:  "0x1",
		To:    "0x2",
		Value: fmt.Sprintf("0x%x", i),
	}
}

// Drain reads exactly n messages from sub or fails the test after timeout.
func Drain(t *testing.T, sub *broker.Subscription, n int, timeout time.Duration) []broker.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msgs := make([]broker.Message, 0, n)
	for len(msgs) < n {
		msg, err := sub.Next(ctx)
		require.NoError(t, err, "received %d of %d messages", len(msgs), n)
		msgs = append(msgs, msg)
	}
	return msgs
}

// RequireIdle asserts that sub has nothing more to deliver within d.
func RequireIdle(t *testing.T, sub *broker.Subscription, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	msg, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message at offset %d", msg.Offset)
}

// RunBrokerSuite exercises the broker contract against brokers returned by
// newBroker. Each subtest gets a fresh, empty broker.
func RunBrokerSuite(t *testing.T, newBroker func(t *testing.T) broker.Broker) {
	ctx := context.Background()

	t.Run("offsets are contiguous from zero", func(t *testing.T) {
		b := newBroker(t)

		for i := 0; i < 10; i++ {
			off, err := b.Publish(ctx, "txs", fmt.Sprintf("k%d", i), Tx(i))
			require.NoError(t, err)
			assert.Equal(t, int64(i), off)
		}

		off, err := b.Publish(ctx, "other", "k", Tx(0))
		require.NoError(t, err)
		assert.Equal(t, int64(0), off, "topics have independent offsets")
	})

	t.Run("concurrent publishers get unique offsets", func(t *testing.T) {
		b := newBroker(t)

		const workers, perWorker = 8, 25
		var (
			mu      sync.Mutex
			offsets []int64
			wg      sync.WaitGroup
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					off, err := b.Publish(ctx, "txs", fmt.Sprintf("w%d-%d", w, i), Tx(i))
					assert.NoError(t, err)
					mu.Lock()
					offsets = append(offsets, off)
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		require.Len(t, offsets, workers*perWorker)
		for i, off := range offsets {
			assert.Equal(t, int64(i), off)
		}
	})

	t.Run("message fields", func(t *testing.T) {
		b := newBroker(t)

		_, err := b.Publish(ctx, "txs", "0xA", Tx(10))
		require.NoError(t, err)

		sub, err := b.Subscribe(ctx, "txs", "g")
		require.NoError(t, err)
		msg := Drain(t, sub, 1, time.Second)[0]

		assert.Equal(t, "txs", msg.Topic)
		assert.Equal(t, int64(0), msg.Offset)
		assert.Equal(t, "0xA", msg.Key)
		assert.Equal(t, broker.SchemaV1, msg.SchemaVersion)
		assert.Equal(t, Tx(10), msg.Value)
		assert.False(t, msg.ProducedAt.IsZero())
	})

	t.Run("delivered values are private to the reader", func(t *testing.T) {
		b := newBroker(t)

		l := chain.Log{
			Address:         Token,
			Topics:          []string{"orig", "second"},
			TransactionHash: "0xaa",
			LogIndex:        1,
		}
		_, err := b.Publish(ctx, "logs", l.Key(), l)
		require.NoError(t, err)

		// The publisher's own slice is not shared with the log either.
		l.Topics[0] = "mutated-by-publisher"

		sub, err := b.Subscribe(ctx, "logs", "a")
		require.NoError(t, err)
		got := Drain(t, sub, 1, time.Second)[0].Value.(chain.Log)
		assert.Equal(t, "orig", got.Topics[0])
		got.Topics[0] = "mutated-by-a"

		sub, err = b.Subscribe(ctx, "logs", "b")
		require.NoError(t, err)
		other := Drain(t, sub, 1, time.Second)[0].Value.(chain.Log)
		assert.Equal(t, []string{"orig", "second"}, other.Topics)
	})

	t.Run("commit is monotonic", func(t *testing.T) {
		b := newBroker(t)

		off, err := b.Offset(ctx, "txs", "g")
		require.NoError(t, err)
		assert.Equal(t, broker.NoOffset, off)

		require.NoError(t, b.Commit(ctx, "txs", "g", 5))
		require.NoError(t, b.Commit(ctx, "txs", "g", 3))

		off, err = b.Offset(ctx, "txs", "g")
		require.NoError(t, err)
		assert.Equal(t, int64(5), off)

		require.NoError(t, b.Commit(ctx, "txs", "g", 5))
		require.NoError(t, b.Commit(ctx, "txs", "g", 7))
		off, err = b.Offset(ctx, "txs", "g")
		require.NoError(t, err)
		assert.Equal(t, int64(7), off)

		off, err = b.Offset(ctx, "txs", "other")
		require.NoError(t, err)
		assert.Equal(t, broker.NoOffset, off, "groups are independent")
	})

	t.Run("resume after commit", func(t *testing.T) {
		b := newBroker(t)

		for i := 0; i < 5; i++ {
			_, err := b.Publish(ctx, "txs", fmt.Sprintf("k%d", i), Tx(i))
			require.NoError(t, err)
		}
		require.NoError(t, b.Commit(ctx, "txs", "cg", 2))

		sub, err := b.Subscribe(ctx, "txs", "cg")
		require.NoError(t, err)
		msgs := Drain(t, sub, 2, time.Second)
		assert.Equal(t, int64(3), msgs[0].Offset)
		assert.Equal(t, int64(4), msgs[1].Offset)
		assert.Equal(t, "k3", msgs[0].Key)
		RequireIdle(t, sub, 50*time.Millisecond)
	})

	t.Run("subscription waits for publish", func(t *testing.T) {
		b := newBroker(t)

		sub, err := b.Subscribe(ctx, "txs", "g")
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, err := b.Publish(ctx, "txs", "late", Tx(1))
			assert.NoError(t, err)
		}()

		msg := Drain(t, sub, 1, 2*time.Second)[0]
		assert.Equal(t, "late", msg.Key)
	})

	t.Run("commit beyond tail is accepted", func(t *testing.T) {
		b := newBroker(t)

		require.NoError(t, b.Commit(ctx, "txs", "g", 3))
		for i := 0; i < 5; i++ {
			_, err := b.Publish(ctx, "txs", fmt.Sprintf("k%d", i), Tx(i))
			require.NoError(t, err)
		}

		sub, err := b.Subscribe(ctx, "txs", "g")
		require.NoError(t, err)
		assert.Equal(t, int64(4), Drain(t, sub, 1, time.Second)[0].Offset)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		b := newBroker(t)

		_, err := b.Publish(ctx, "", "k", Tx(1))
		assert.ErrorIs(t, err, broker.ErrInvalidTopic)

		assert.ErrorIs(t, b.Commit(ctx, "txs", "g", -1), broker.ErrInvalidOffset)
		assert.ErrorIs(t, b.Commit(ctx, "txs", "", 1), broker.ErrInvalidGroup)

		_, err = b.Subscribe(ctx, "", "g")
		assert.ErrorIs(t, err, broker.ErrInvalidTopic)
	})
}

// RunDurabilitySuite checks that a broker reopened over the same backing
// store sees the messages and offsets written by a previous instance. open is
// called once per instance and must return brokers sharing one store.
func RunDurabilitySuite(t *testing.T, open func(t *testing.T) broker.Broker) {
	ctx := context.Background()

	b1 := open(t)
	for i := 0; i < 3; i++ {
		off, err := b1.Publish(ctx, "logs", fmt.Sprintf("k%d", i), Tx(i))
		require.NoError(t, err)
		require.Equal(t, int64(i), off)
	}
	require.NoError(t, b1.Commit(ctx, "logs", "g1", 1))
	require.NoError(t, b1.Close())

	b2 := open(t)
	off, err := b2.Offset(ctx, "logs", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), off)

	sub, err := b2.Subscribe(ctx, "logs", "g2")
	require.NoError(t, err)
	msgs := Drain(t, sub, 3, time.Second)
	for i, msg := range msgs {
		assert.Equal(t, int64(i), msg.Offset)
		assert.Equal(t, fmt.Sprintf("k%d", i), msg.Key)
		assert.Equal(t, Tx(i), msg.Value)
	}

	next, err := b2.Publish(ctx, "logs", "k3", Tx(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), next, "offset assignment continues after restart")

	require.NoError(t, b2.Commit(ctx, "logs", "g2", 3))
	require.NoError(t, b2.Close())

	b3 := open(t)
	defer b3.Close()
	off, err = b3.Offset(ctx, "logs", "g2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), off)
}
