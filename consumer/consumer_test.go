// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/broker/memory"
	"github.com/absmach/chainstream/consumer"
	"github.com/absmach/chainstream/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T, topic string, n int) *memory.Broker {
	t.Helper()

	b := memory.NewWithConfig(memory.Config{PollInterval: time.Millisecond})
	for i := 0; i < n; i++ {
		_, err := b.Publish(context.Background(), topic, fmt.Sprintf("k%d", i), testutil.Tx(i))
		require.NoError(t, err)
	}
	return b
}

func TestConsumeCommitsAfterHandler(t *testing.T) {
	b := newBroker(t, "txs", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []int64
	err := consumer.Consume(ctx, b, "txs", "g", func(ctx context.Context, msg broker.Message) error {
		// Nothing is committed before the handler returns.
		off, err := b.Offset(ctx, "txs", "g")
		require.NoError(t, err)
		assert.Equal(t, msg.Offset-1, off)

		seen = append(seen, msg.Offset)
		if len(seen) == 5 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, seen)

	off, err := b.Offset(context.Background(), "txs", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)
}

func TestConsumeHandlerErrorStopsWithoutCommit(t *testing.T) {
	b := newBroker(t, "txs", 5)
	errBoom := errors.New("boom")

	err := consumer.Consume(context.Background(), b, "txs", "g", func(ctx context.Context, msg broker.Message) error {
		if msg.Offset == 2 {
			return errBoom
		}
		return nil
	})
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "txs@2")

	off, err := b.Offset(context.Background(), "txs", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), off)

	// A restarted consumer sees the failed message again.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var first int64 = -1
	_ = consumer.Consume(ctx, b, "txs", "g", func(ctx context.Context, msg broker.Message) error {
		first = msg.Offset
		cancel()
		return nil
	})
	assert.Equal(t, int64(2), first)
}

func TestConsumeLogsSubscription(t *testing.T) {
	b := newBroker(t, "txs", 1)
	errBoom := errors.New("boom")

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	err := consumer.Consume(context.Background(), b, "txs", "g1", func(context.Context, broker.Message) error {
		return errBoom
	}, consumer.WithLogger(logger))
	require.ErrorIs(t, err, errBoom)

	out := buf.String()
	assert.Contains(t, out, "consumer started")
	assert.Contains(t, out, "handler failed")
	assert.Contains(t, out, "topic=txs")
	assert.Contains(t, out, "group=g1")
}

type failingCommit struct {
	*memory.Broker
}

func (failingCommit) Commit(context.Context, string, string, int64) error {
	return errors.New("commit failed")
}

func TestConsumeCommitError(t *testing.T) {
	b := failingCommit{newBroker(t, "txs", 1)}

	err := consumer.Consume(context.Background(), b, "txs", "g", func(context.Context, broker.Message) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit txs@0")
}

func TestConsumeInvalidSubscription(t *testing.T) {
	b := newBroker(t, "txs", 0)
	err := consumer.Consume(context.Background(), b, "txs", "", func(context.Context, broker.Message) error { return nil })
	assert.ErrorIs(t, err, broker.ErrInvalidGroup)
}

func TestRunCleanStop(t *testing.T) {
	b := newBroker(t, "a", 3)
	for i := 0; i < 2; i++ {
		_, err := b.Publish(context.Background(), "b", "k", testutil.Tx(i))
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	wg.Add(5)
	h := func(ctx context.Context, msg broker.Message) error {
		mu.Lock()
		counts[msg.Topic]++
		mu.Unlock()
		wg.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, b, []consumer.Route{
			{Topic: "a", Group: "g", Handler: h},
			{Topic: "b", Group: "g", Handler: h},
		})
	}()

	wg.Wait()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 2}, counts)
}

func TestRunPropagatesFailure(t *testing.T) {
	b := newBroker(t, "a", 1)
	errBoom := errors.New("boom")

	err := consumer.Run(context.Background(), b, []consumer.Route{
		{Topic: "a", Group: "g", Handler: func(context.Context, broker.Message) error { return errBoom }},
		{Topic: "idle", Group: "g", Handler: func(context.Context, broker.Message) error { return nil }},
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestRunWithoutRoutes(t *testing.T) {
	assert.Error(t, consumer.Run(context.Background(), memory.New(), nil))
}
