// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/consumer"
	"github.com/absmach/chainstream/metrics"
)

// Handlers are consumer handlers that apply one topic each to a Store.
type Handlers struct {
	store    Store
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewHandlers creates handlers writing to store.
func NewHandlers(store Store, recorder metrics.Recorder, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    store,
		recorder: metrics.OrNop(recorder),
		logger:   logger,
	}
}

// Routes binds the handlers to the well-known topics for group. Unknown
// topic names are rejected.
func (h *Handlers) Routes(group string, topics ...string) ([]consumer.Route, error) {
	if len(topics) == 0 {
		topics = []string{broker.TopicBlocks, broker.TopicTransactions, broker.TopicLogs}
	}

	routes := make([]consumer.Route, 0, len(topics))
	for _, topic := range topics {
		var fn consumer.Handler
		switch topic {
		case broker.TopicBlocks:
			fn = h.Blocks
		case broker.TopicTransactions:
			fn = h.Transactions
		case broker.TopicLogs:
			fn = h.Logs
		default:
			return nil, fmt.Errorf("no sink handler for topic %q", topic)
		}
		routes = append(routes, consumer.Route{Topic: topic, Group: group, Handler: fn})
	}

	return routes, nil
}

// Blocks stores block headers.
func (h *Handlers) Blocks(ctx context.Context, msg broker.Message) error {
	b, ok := msg.Value.(chain.BlockHeader)
	if !ok {
		return unexpected(msg)
	}
	return h.apply(ctx, msg, func(w Writer) error {
		return w.WriteBlock(b)
	})
}

// Transactions stores transactions.
func (h *Handlers) Transactions(ctx context.Context, msg broker.Message) error {
	tx, ok := msg.Value.(chain.Transaction)
	if !ok {
		return unexpected(msg)
	}
	return h.apply(ctx, msg, func(w Writer) error {
		return w.WriteTransaction(tx)
	})
}

// Logs stores logs, and the decoded transfer for ERC-20 Transfer events.
func (h *Handlers) Logs(ctx context.Context, msg broker.Message) error {
	l, ok := msg.Value.(chain.Log)
	if !ok {
		return unexpected(msg)
	}
	return h.apply(ctx, msg, func(w Writer) error {
		if err := w.WriteLog(l); err != nil {
			return err
		}
		if tr, ok := chain.DecodeTransfer(l); ok {
			return w.WriteTransfer(tr)
		}
		return nil
	})
}

func (h *Handlers) apply(ctx context.Context, msg broker.Message, write func(Writer) error) error {
	first, err := h.store.Apply(ctx, msg.Topic, msg.Key, write)
	if err != nil {
		return fmt.Errorf("failed to apply %s key %q: %w", msg.Topic, msg.Key, err)
	}
	if !first {
		h.recorder.Duplicate(msg.Topic)
		h.logger.Debug("skipping duplicate",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("key", msg.Key))
	}
	return nil
}

func unexpected(msg broker.Message) error {
	kind := "nil"
	if msg.Value != nil {
		kind = msg.Value.Kind()
	}
	return fmt.Errorf("%w: %s on topic %s", ErrUnexpectedPayload, kind, msg.Topic)
}
