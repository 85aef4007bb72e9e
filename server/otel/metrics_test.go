// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	r, err := NewRecorder(provider.Meter("test"))
	require.NoError(t, err)

	r.Published("blocks")
	r.Published("logs")
	r.Consumed("logs", "sink")
	r.Duplicate("logs")
	r.HandlerError("logs", "sink")
	r.RPCCall("eth_blockNumber", 20*time.Millisecond, nil)
	r.RPCCall("eth_blockNumber", 5*time.Millisecond, errors.New("boom"))
	r.RPCRetry("eth_blockNumber")
	r.BlocksProduced(3)
	r.BlocksProduced(2)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, got["chainstream.messages.published"]))
	assert.Equal(t, int64(1), sum(t, got["chainstream.messages.consumed"]))
	assert.Equal(t, int64(1), sum(t, got["chainstream.messages.duplicates"]))
	assert.Equal(t, int64(1), sum(t, got["chainstream.handler.errors"]))
	assert.Equal(t, int64(1), sum(t, got["chainstream.rpc.retries"]))
	assert.Equal(t, int64(5), sum(t, got["chainstream.blocks.produced"]))

	calls, ok := got["chainstream.rpc.calls"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, calls.DataPoints, 2, "one series per status")

	hist, ok := got["chainstream.rpc.duration.ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.InDelta(t, 25.0, hist.DataPoints[0].Sum, 0.001)
}
