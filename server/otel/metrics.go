// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/chainstream/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/chainstream"

var _ metrics.Recorder = (*Recorder)(nil)

// Recorder is a metrics.Recorder backed by OpenTelemetry instruments.
type Recorder struct {
	meter metric.Meter

	// Counters
	published      metric.Int64Counter
	consumed       metric.Int64Counter
	duplicates     metric.Int64Counter
	handlerErrors  metric.Int64Counter
	rpcCalls       metric.Int64Counter
	rpcRetries     metric.Int64Counter
	blocksProduced metric.Int64Counter

	// Histograms
	rpcDuration metric.Float64Histogram
}

// NewRecorder creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	r := &Recorder{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.published, "chainstream.messages.published", "Messages appended to broker topics"},
		{&r.consumed, "chainstream.messages.consumed", "Messages handled and committed by consumer groups"},
		{&r.duplicates, "chainstream.messages.duplicates", "Redelivered messages whose effect was already applied"},
		{&r.handlerErrors, "chainstream.handler.errors", "Handler failures"},
		{&r.rpcCalls, "chainstream.rpc.calls", "Upstream JSON-RPC calls by outcome"},
		{&r.rpcRetries, "chainstream.rpc.retries", "Retried upstream attempts"},
		{&r.blocksProduced, "chainstream.blocks.produced", "Blocks published by the producer"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	r.rpcDuration, err = meter.Float64Histogram(
		"chainstream.rpc.duration.ms",
		metric.WithDescription("Upstream call duration including retries in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpcDuration histogram: %w", err)
	}

	return r, nil
}

func (r *Recorder) Published(topic string) {
	r.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (r *Recorder) Consumed(topic, group string) {
	r.consumed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("group", group),
	))
}

func (r *Recorder) Duplicate(topic string) {
	r.duplicates.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (r *Recorder) HandlerError(topic, group string) {
	r.handlerErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("group", group),
	))
}

// RPCCall records the call outcome and its duration.
func (r *Recorder) RPCCall(method string, d time.Duration, err error) {
	ctx := context.Background()
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.rpcCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	))
	r.rpcDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("method", method),
	))
}

func (r *Recorder) RPCRetry(method string) {
	r.rpcRetries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method)))
}

func (r *Recorder) BlocksProduced(n int) {
	r.blocksProduced.Add(context.Background(), int64(n))
}
