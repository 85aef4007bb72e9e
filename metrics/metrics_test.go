// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/broker/memory"
	"github.com/absmach/chainstream/chain"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheus()

	p.Published("logs")
	p.Published("logs")
	p.Consumed("logs", "sink")
	p.Duplicate("logs")
	p.HandlerError("logs", "sink")
	p.RPCCall("eth_getLogs", 20*time.Millisecond, nil)
	p.RPCCall("eth_getLogs", time.Millisecond, errors.New("boom"))
	p.RPCRetry("eth_getLogs")
	p.BlocksProduced(3)

	assert.Equal(t, 2.0, promtest.ToFloat64(p.published.WithLabelValues("logs")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.consumed.WithLabelValues("logs", "sink")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.duplicates.WithLabelValues("logs")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.handlerErrors.WithLabelValues("logs", "sink")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.rpcCalls.WithLabelValues("eth_getLogs", "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.rpcCalls.WithLabelValues("eth_getLogs", "error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.rpcRetries.WithLabelValues("eth_getLogs")))
	assert.Equal(t, 3.0, promtest.ToFloat64(p.blocksProduced))
}

func TestPrometheusHandler(t *testing.T) {
	p := NewPrometheus()
	p.Published("blocks")

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `chainstream_published_total{topic="blocks"} 1`))
}

func TestBrokerDecorator(t *testing.T) {
	p := NewPrometheus()
	b := Broker(memory.New(), p)
	ctx := context.Background()

	_, err := b.Publish(ctx, broker.TopicBlocks, "1", chain.Header(1, nil))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "", "1", chain.Header(1, nil))
	require.Error(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(p.published.WithLabelValues(broker.TopicBlocks)))

	lag, err := broker.Lag(ctx, b, broker.TopicBlocks, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), lag)
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))

	p := NewPrometheus()
	assert.Same(t, p, OrNop(p))
}
