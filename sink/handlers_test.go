// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sink_test

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/broker/memory"
	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/consumer"
	"github.com/absmach/chainstream/metrics"
	"github.com/absmach/chainstream/sink"
	sinkmem "github.com/absmach/chainstream/sink/memory"
	"github.com/absmach/chainstream/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	metrics.Nop
	duplicates map[string]int
}

func (r *countingRecorder) Duplicate(topic string) {
	r.duplicates[topic]++
}

func TestRoutes(t *testing.T) {
	h := sink.NewHandlers(sinkmem.New(), nil, nil)

	routes, err := h.Routes("sink")
	require.NoError(t, err)
	require.Len(t, routes, 3)
	assert.Equal(t, broker.TopicBlocks, routes[0].Topic)
	assert.Equal(t, "sink", routes[2].Group)

	routes, err = h.Routes("sink", broker.TopicLogs)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	_, err = h.Routes("sink", "unknown")
	assert.Error(t, err)
}

func TestDuplicatesAreCounted(t *testing.T) {
	rec := &countingRecorder{duplicates: map[string]int{}}
	h := sink.NewHandlers(sinkmem.New(), rec, nil)
	ctx := context.Background()

	msg := broker.Message{Topic: broker.TopicTransactions, Key: "0x1", Value: testutil.Tx(1)}
	require.NoError(t, h.Transactions(ctx, msg))
	require.NoError(t, h.Transactions(ctx, msg))
	require.NoError(t, h.Transactions(ctx, msg))

	assert.Equal(t, 2, rec.duplicates[broker.TopicTransactions])
}

// A consumer that crashes after applying but before committing gets the
// message again; the sink must not apply it twice.
func TestRedeliveryAfterLostCommit(t *testing.T) {
	b := memory.NewWithConfig(memory.Config{PollInterval: time.Millisecond})
	store := sinkmem.New()
	h := sink.NewHandlers(store, nil, nil)
	ctx := context.Background()

	for i := uint64(0); i < 3; i++ {
		lg := testutil.TransferLog(testutil.Token, "0x1", "0x2", 10, "0xtx", i, 5)
		_, err := b.Publish(ctx, broker.TopicLogs, lg.Key(), lg)
		require.NoError(t, err)
	}

	// First run applies every message but commits only the first one.
	sub, err := b.Subscribe(ctx, broker.TopicLogs, "g")
	require.NoError(t, err)
	for i, msg := range testutil.Drain(t, sub, 3, time.Second) {
		require.NoError(t, h.Logs(ctx, msg))
		if i == 0 {
			require.NoError(t, b.Commit(ctx, broker.TopicLogs, "g", msg.Offset))
		}
	}

	// Second run replays offsets 1 and 2 through the consumer loop.
	runCtx, cancel := context.WithCancel(ctx)
	var replayed []int64
	err = consumer.Consume(runCtx, b, broker.TopicLogs, "g", func(ctx context.Context, msg broker.Message) error {
		replayed = append(replayed, msg.Offset)
		if err := h.Logs(ctx, msg); err != nil {
			return err
		}
		if len(replayed) == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 2}, replayed)

	transfers, err := store.Transfers(ctx, testutil.Token)
	require.NoError(t, err)
	assert.Len(t, transfers, 3)
	assert.Equal(t, 3, store.Logs())
}

func TestNonTransferLogHasNoTransfer(t *testing.T) {
	store := sinkmem.New()
	h := sink.NewHandlers(store, nil, nil)

	lg := chain.Log{Address: testutil.Token, Topics: []string{chain.TransferTopic}, TransactionHash: "0x9"}
	require.NoError(t, h.Logs(context.Background(), broker.Message{Topic: broker.TopicLogs, Key: lg.Key(), Value: lg}))

	transfers, err := store.Transfers(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, transfers)
	assert.Equal(t, 1, store.Logs())
}
